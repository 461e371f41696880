package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Fetch(t *testing.T) {
	t.Run("direct success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		r := New(5*time.Second, nil)
		body, err := r.Fetch(context.Background(), Request{URL: srv.URL})
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(body))
	})

	t.Run("falls back to proxy on direct failure", func(t *testing.T) {
		direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer direct.Close()

		var proxiedPath string
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proxiedPath = r.URL.Path
			w.Write([]byte("proxied"))
		}))
		defer proxy.Close()

		r := New(5*time.Second, []string{proxy.URL + "/{target}"})
		body, err := r.Fetch(context.Background(), Request{URL: direct.URL + "/data"})
		require.NoError(t, err)
		assert.Equal(t, "proxied", string(body))
		assert.Contains(t, proxiedPath, "/data", "proxy should receive the rewritten target")
	})

	t.Run("tries proxies in order, first success wins", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer bad.Close()
		good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("second"))
		}))
		defer good.Close()

		r := New(5*time.Second, []string{bad.URL + "/{target}", good.URL + "/{target}"})
		body, err := r.Fetch(context.Background(), Request{URL: "http://127.0.0.1:1/unreachable"})
		require.NoError(t, err)
		assert.Equal(t, "second", string(body))
	})

	t.Run("exhausted chain returns transport error with last error", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer bad.Close()

		r := New(5*time.Second, []string{bad.URL + "/{target}"})
		_, err := r.Fetch(context.Background(), Request{URL: "http://127.0.0.1:1/unreachable"})
		require.Error(t, err)

		var te *TransportError
		require.ErrorAs(t, err, &te)
		var ue *UpstreamError
		require.ErrorAs(t, te.Last, &ue)
		assert.Equal(t, http.StatusInternalServerError, ue.Status)
	})

	t.Run("non-success status triggers fallback", func(t *testing.T) {
		calls := 0
		direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusNotFound)
		}))
		defer direct.Close()

		r := New(5*time.Second, nil)
		_, err := r.Fetch(context.Background(), Request{URL: direct.URL})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "no retry without a fallback chain")
	})
}

func TestResolver_FetchProxied(t *testing.T) {
	t.Run("never touches the direct endpoint", func(t *testing.T) {
		directCalled := false
		direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			directCalled = true
		}))
		defer direct.Close()
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("via proxy"))
		}))
		defer proxy.Close()

		r := New(5*time.Second, []string{proxy.URL + "/{target}"})
		body, err := r.FetchProxied(context.Background(), Request{URL: direct.URL})
		require.NoError(t, err)
		assert.Equal(t, "via proxy", string(body))
		assert.False(t, directCalled)
	})

	t.Run("fails without configured proxies", func(t *testing.T) {
		r := New(5*time.Second, nil)
		_, err := r.FetchProxied(context.Background(), Request{URL: "http://example.com"})
		require.Error(t, err)
		var te *TransportError
		assert.True(t, errors.As(err, &te))
	})
}

func TestResolver_Direct(t *testing.T) {
	proxyCalled := false
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxyCalled = true
	}))
	defer proxy.Close()
	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer direct.Close()

	r := New(5*time.Second, []string{proxy.URL + "/{target}"})
	_, err := r.Direct(context.Background(), Request{URL: direct.URL})
	require.Error(t, err)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusUnauthorized, ue.Status)
	assert.False(t, proxyCalled, "direct call must not fall back to proxies")
}

func TestResolver_FetchJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"test","count":3}`))
	}))
	defer srv.Close()

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	r := New(5*time.Second, nil)
	err := r.FetchJSON(context.Background(), Request{URL: srv.URL}, &out)
	require.NoError(t, err)
	assert.Equal(t, "test", out.Name)
	assert.Equal(t, 3, out.Count)

	t.Run("invalid payload", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer bad.Close()
		err := r.FetchJSON(context.Background(), Request{URL: bad.URL}, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode")
	})
}

func TestRewriteURL(t *testing.T) {
	tests := []struct {
		name     string
		tpl      string
		target   string
		expected string
	}{
		{"strips https scheme", "https://r.jina.ai/http://{target}", "https://nvd.nist.gov/feed.json", "https://r.jina.ai/http://nvd.nist.gov/feed.json"},
		{"strips http scheme", "https://proxy.example.com/{target}", "http://ctftime.org/api", "https://proxy.example.com/ctftime.org/api"},
		{"no scheme left as is", "https://p/{target}", "host/path", "https://p/host/path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, rewriteURL(tt.tpl, tt.target))
		})
	}
}
