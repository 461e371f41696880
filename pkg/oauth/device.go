package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultMaxPollAttempts bounds the poll loop when the upstream session
// carries no usable expiry
const defaultMaxPollAttempts = 60

// defaultSlowDownStep is how much each slow_down response stretches the
// poll interval
const defaultSlowDownStep = 5 * time.Second

// AuthError is a terminal OAuth error code returned by the identity
// provider, anything other than the pending/slow-down poll states
type AuthError struct {
	Code string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("oauth error: %s", e.Code)
}

// DeviceSession is the ephemeral state of one device-flow login attempt.
// It lives only until the attempt succeeds, fails or expires; all real
// session state is held upstream.
type DeviceSession struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`

	expiresAt time.Time
}

// DeviceClient drives the device authorization flow against the token
// broker (or GitHub directly when no broker is configured)
type DeviceClient struct {
	client       *http.Client
	baseURL      string
	clientID     string
	scope        string
	maxAttempts  int
	slowDownStep time.Duration
}

// NewDeviceClient creates a client posting to baseURL's device-flow paths
func NewDeviceClient(baseURL, clientID, scope string, timeout time.Duration) *DeviceClient {
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	return &DeviceClient{
		client:       &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		scope:        scope,
		maxAttempts:  defaultMaxPollAttempts,
		slowDownStep: defaultSlowDownStep,
	}
}

// Start requests a device and user code pair, beginning one login attempt
func (c *DeviceClient) Start(ctx context.Context) (*DeviceSession, error) {
	form := url.Values{"client_id": {c.clientID}, "scope": {c.scope}}

	var session DeviceSession
	if err := c.postForm(ctx, "/login/device/code", form, &session); err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	if session.DeviceCode == "" {
		return nil, fmt.Errorf("device code request: empty device_code in response")
	}
	if session.ExpiresIn > 0 {
		session.expiresAt = time.Now().Add(time.Duration(session.ExpiresIn) * time.Second)
	}
	return &session, nil
}

// tokenResponse is the access-token poll response
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

// PollToken polls for the access token at the interval the upstream
// dictated, one wait before each attempt. Pending continues, slow_down
// continues with 5 extra seconds per the flow's backoff rule, any other
// error code is terminal. The loop is bounded by the session expiry and a
// hard attempt cap; it never polls forever.
func (c *DeviceClient) PollToken(ctx context.Context, session *DeviceSession) (string, error) {
	form := url.Values{
		"client_id":   {c.clientID},
		"device_code": {session.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	interval := time.Duration(session.Interval) * time.Second
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		if !session.expiresAt.IsZero() && time.Now().After(session.expiresAt) {
			return "", &AuthError{Code: "expired_token"}
		}

		var resp tokenResponse
		if err := c.postForm(ctx, "/login/oauth/access_token", form, &resp); err != nil {
			return "", fmt.Errorf("token poll: %w", err)
		}

		switch {
		case resp.AccessToken != "":
			return resp.AccessToken, nil
		case resp.Error == "authorization_pending":
			// user has not approved yet, keep waiting
		case resp.Error == "slow_down":
			interval += c.slowDownStep
		case resp.Error != "":
			return "", &AuthError{Code: resp.Error}
		default:
			return "", fmt.Errorf("token poll: response carried neither token nor error")
		}
	}
	return "", &AuthError{Code: "expired_token"}
}

func (c *DeviceClient) postForm(ctx context.Context, path string, form url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
