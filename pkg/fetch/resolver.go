package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// maxBody caps how much of an upstream response is read
const maxBody = 10 << 20 // 10MB

// Request describes one logical upstream call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// UpstreamError indicates the transport worked but the upstream answered
// with a non-success status
type UpstreamError struct {
	Status int
	URL    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

// TransportError indicates the whole fallback chain was exhausted.
// Last carries the final attempt's error.
type TransportError struct {
	Last error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("all transports failed: %v", e.Last)
}

func (e *TransportError) Unwrap() error { return e.Last }

// Resolver performs upstream calls directly and falls back through a fixed
// chain of proxy URL templates when the direct call fails. The chain is
// tried sequentially, never raced, so rate-limited upstreams see at most one
// request per transport. A failed chain is terminal for that call.
type Resolver struct {
	client  *http.Client
	proxies []string // templates with a {target} placeholder
}

// New creates a resolver with the given timeout and proxy templates.
// Each template rewrites the target URL, e.g.
// "https://r.jina.ai/http://{target}" where {target} is the original URL
// with its scheme stripped.
func New(timeout time.Duration, proxies []string) *Resolver {
	return &Resolver{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		proxies: proxies,
	}
}

// Fetch attempts the call directly, then through each proxy in order,
// returning the first successful response body
func (r *Resolver) Fetch(ctx context.Context, req Request) ([]byte, error) {
	body, err := r.attempt(ctx, req, req.URL)
	if err == nil {
		return body, nil
	}

	log.Printf("[DEBUG] direct fetch of %s failed: %v", req.URL, err)
	return r.fallback(ctx, req, err)
}

// FetchProxied skips the direct attempt and goes straight to the proxy
// chain, for upstreams that refuse direct calls
func (r *Resolver) FetchProxied(ctx context.Context, req Request) ([]byte, error) {
	if len(r.proxies) == 0 {
		return nil, &TransportError{Last: fmt.Errorf("no proxy transports configured")}
	}
	return r.fallback(ctx, req, nil)
}

// Direct performs a single attempt with no fallback, for upstreams that
// must never be routed through a third-party proxy (e.g. authenticated calls)
func (r *Resolver) Direct(ctx context.Context, req Request) ([]byte, error) {
	return r.attempt(ctx, req, req.URL)
}

// FetchJSON fetches through the fallback chain and decodes the result
func (r *Resolver) FetchJSON(ctx context.Context, req Request, v any) error {
	body, err := r.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL, err)
	}
	return nil
}

func (r *Resolver) fallback(ctx context.Context, req Request, lastErr error) ([]byte, error) {
	for _, tpl := range r.proxies {
		proxied := rewriteURL(tpl, req.URL)
		body, err := r.attempt(ctx, req, proxied)
		if err == nil {
			return body, nil
		}
		log.Printf("[DEBUG] proxied fetch of %s failed: %v", proxied, err)
		lastErr = err
	}
	return nil, &TransportError{Last: lastErr}
}

func (r *Resolver) attempt(ctx context.Context, req Request, url string) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, URL: url}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	return data, nil
}

// rewriteURL substitutes the scheme-stripped target into a proxy template
func rewriteURL(tpl, target string) string {
	stripped := target
	if i := strings.Index(stripped, "://"); i >= 0 {
		stripped = stripped[i+3:]
	}
	return strings.ReplaceAll(tpl, "{target}", stripped)
}
