package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hardrivetech/secdash/pkg/config"
)

// broker fronts the GitHub OAuth endpoints so the client secret and the
// token exchange never touch the browser. It keeps no session state.
type broker struct {
	cfg    config.OAuthConfig
	base   string
	client *http.Client
}

func newBroker(cfg config.OAuthConfig, base string) *broker {
	return &broker{
		cfg:    cfg,
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *broker) setCORS(w http.ResponseWriter) {
	origin := b.cfg.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
}

// preflightHandler answers CORS preflight for any path with no body
func (b *broker) preflightHandler(w http.ResponseWriter, _ *http.Request) {
	b.setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// passThroughHandler relays the device-flow posts to the identity provider
// verbatim, minus the Host header. Accept is forced to JSON so the upstream
// never falls back to form-encoded responses.
func (b *broker) passThroughHandler(w http.ResponseWriter, r *http.Request) {
	upstream := b.base + r.URL.Path
	if r.URL.RawQuery != "" {
		upstream += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstream, r.Body)
	if err != nil {
		b.setCORS(w)
		RenderError(w, r, fmt.Errorf("relay request: %w", err), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Host")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.setCORS(w)
		RenderError(w, r, fmt.Errorf("relay to %s: %w", r.URL.Path, err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	b.setCORS(w)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("[WARN] relay response copy failed: %v", err)
	}
}

// startHandler redirects the browser into the authorization code flow
func (b *broker) startHandler(w http.ResponseWriter, r *http.Request) {
	// TODO: add a state parameter and verify it in the callback, the flow
	// currently has no CSRF protection
	q := url.Values{
		"client_id":    {b.cfg.ClientID},
		"redirect_uri": {strings.TrimRight(b.cfg.PublicURL, "/") + "/oauth/callback"},
		"scope":        {b.cfg.Scope},
	}
	http.Redirect(w, r, b.base+"/login/oauth/authorize?"+q.Encode(), http.StatusFound)
}

// callbackHandler exchanges the authorization code server-side and hands
// the result to the opener window. The page is the only thing the browser
// ever sees, the client secret stays here.
func (b *broker) callbackHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		b.renderResult(w, "", "Missing code")
		return
	}

	token, errMsg := b.exchangeCode(r, code)
	b.renderResult(w, token, errMsg)
}

func (b *broker) exchangeCode(r *http.Request, code string) (token, errMsg string) {
	form := url.Values{
		"client_id":     {b.cfg.ClientID},
		"client_secret": {b.cfg.ClientSecret},
		"code":          {code},
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		b.base+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", "exchange failed"
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		log.Printf("[WARN] code exchange failed: %v", err)
		return "", "exchange failed"
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("[WARN] code exchange decode failed: %v", err)
		return "", "exchange failed"
	}
	if result.Error != "" {
		return "", result.Error
	}
	return result.AccessToken, ""
}

// renderResult emits the callback page posting the outcome to the opener.
// The message goes to the allowed origin only, never "*".
func (b *broker) renderResult(w http.ResponseWriter, token, errMsg string) {
	msg, err := json.Marshal(map[string]string{"type": "gh_token", "token": token, "error": errMsg})
	if err != nil {
		RenderError(w, nil, fmt.Errorf("encode result: %w", err), http.StatusInternalServerError)
		return
	}
	origin := b.cfg.AllowedOrigin
	if origin == "" {
		origin = "*"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><body>
<script>
(function() {
  var msg = %s;
  if (window.opener) { window.opener.postMessage(msg, %q); }
  window.close();
})();
</script>
<p>Authentication complete, you can close this window.</p>
</body></html>
`, msg, origin)
}
