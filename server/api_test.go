package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hardrivetech/secdash/pkg/agg"
	"github.com/hardrivetech/secdash/pkg/backup"
	"github.com/hardrivetech/secdash/pkg/config"
	"github.com/hardrivetech/secdash/pkg/domain"
	"github.com/hardrivetech/secdash/pkg/store"
)

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(blob)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func kevVuln(id string) domain.Vulnerability {
	score := 9.8
	published := time.Now().Add(-time.Hour)
	return domain.Vulnerability{
		Item: domain.Item{
			ID:        id,
			Kind:      domain.KindVulnerability,
			Title:     id,
			Published: &published,
		},
		CVSSScore:      &score,
		KnownExploited: true,
	}
}

func TestServer_Dashboard(t *testing.T) {
	env := newTestEnv(t, &stubConfig{sources: config.SourcesConfig{
		GitHubUser: "octocat",
		Feeds:      []config.FeedConfig{{Name: "Krebs", URL: "https://krebsonsecurity.com/feed/"}},
	}})

	env.store.kv[store.KeyToken] = []byte("tok123")
	env.agg.snap = &agg.Snapshot{
		Articles:        []domain.Item{{ID: "a1", Kind: domain.KindArticle, Title: "news"}},
		Vulnerabilities: []domain.Vulnerability{kevVuln("CVE-2024-0001")},
		FetchedAt:       time.Now().UTC(),
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body dashboardResponse
	require.NoError(t, jsonDecode(resp, &body))

	t.Run("refresh gets config user, stored token and feeds", func(t *testing.T) {
		assert.Equal(t, "octocat", env.agg.gotParams.GitHubUser)
		assert.Equal(t, "tok123", env.agg.gotParams.GitHubToken)
		require.Len(t, env.agg.gotParams.Sources, 1)
		assert.Equal(t, "Krebs", env.agg.gotParams.Sources[0].Name)
	})

	t.Run("snapshot and filtered view returned", func(t *testing.T) {
		require.Len(t, body.Articles, 1)
		require.Len(t, body.Vulnerabilities, 1)
		assert.Equal(t, "CVE-2024-0001", body.Vulnerabilities[0].ID)
		assert.Equal(t, domain.DefaultFilterSpec(), body.Filters)
	})

	t.Run("alerts computed and notified set persisted", func(t *testing.T) {
		require.Len(t, body.Alerts, 1)
		assert.Contains(t, env.store.overlay.Notified, "CVE-2024-0001")
	})

	t.Run("second refresh does not re-alert", func(t *testing.T) {
		resp2, err := http.Get(env.srv.URL + "/api/v1/dashboard")
		require.NoError(t, err)
		defer resp2.Body.Close()

		var body2 dashboardResponse
		require.NoError(t, jsonDecode(resp2, &body2))
		assert.Empty(t, body2.Alerts)
	})
}

func TestServer_DashboardStoredSourcesWin(t *testing.T) {
	env := newTestEnv(t, &stubConfig{sources: config.SourcesConfig{
		Feeds: []config.FeedConfig{{Name: "Default", URL: "https://example.com/default"}},
	}})
	env.store.sources = []domain.SourceSpec{{Name: "Custom", URL: "https://example.com/custom"}}

	resp, err := http.Get(env.srv.URL + "/api/v1/dashboard")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, env.agg.gotParams.Sources, 1)
	assert.Equal(t, "Custom", env.agg.gotParams.Sources[0].Name)
}

func TestServer_Filters(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("put persists and echoes", func(t *testing.T) {
		spec := domain.DefaultFilterSpec()
		spec.MinCVSS = 7
		spec.SortKey = domain.SortByCVSS

		resp := doJSON(t, http.MethodPut, env.srv.URL+"/api/v1/filters", spec)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got domain.FilterSpec
		require.NoError(t, jsonDecode(resp, &got))
		assert.Equal(t, spec, got)
		require.NotNil(t, env.store.filters)
		assert.Equal(t, spec, *env.store.filters)
	})

	t.Run("partial body normalized before persisting", func(t *testing.T) {
		// a body without maxCvss decodes it to zero, which would drop every
		// scored item from the view; the handler must store the default instead
		resp := doJSON(t, http.MethodPut, env.srv.URL+"/api/v1/filters", map[string]string{"vendor": ""})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		require.NotNil(t, env.store.filters)
		assert.InDelta(t, 10.0, env.store.filters.MaxCVSS, 0.001)
		assert.Equal(t, domain.SortByEPSS, env.store.filters.SortKey)
		assert.Equal(t, domain.SortDesc, env.store.filters.SortDir)

		env.agg.snap = &agg.Snapshot{
			Vulnerabilities: []domain.Vulnerability{kevVuln("CVE-2024-0042")},
			FetchedAt:       time.Now().UTC(),
		}
		dash, err := http.Get(env.srv.URL + "/api/v1/dashboard")
		require.NoError(t, err)
		defer dash.Body.Close()

		var body dashboardResponse
		require.NoError(t, jsonDecode(dash, &body))
		require.Len(t, body.Vulnerabilities, 1, "high-cvss item survives the stored filters")
		assert.Equal(t, "CVE-2024-0042", body.Vulnerabilities[0].ID)
	})

	t.Run("invalid body rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, env.srv.URL+"/api/v1/filters", strings.NewReader("{not json"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_VulnActions(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("pin toggles", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/vulns/CVE-1/pin", nil)
		resp.Body.Close()
		assert.Contains(t, env.store.overlay.Pinned, "CVE-1")

		resp = doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/vulns/CVE-1/pin", nil)
		resp.Body.Close()
		assert.NotContains(t, env.store.overlay.Pinned, "CVE-1")
	})

	t.Run("ignore toggles", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/vulns/CVE-2/ignore", nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, env.store.overlay.Ignored, "CVE-2")
	})

	t.Run("tag and untag", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/vulns/CVE-3/tag", map[string]string{"tag": "edge"})
		resp.Body.Close()
		assert.Equal(t, []string{"edge"}, env.store.overlay.Tags["CVE-3"])

		resp = doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/vulns/CVE-3/untag", map[string]string{"tag": "edge"})
		resp.Body.Close()
		assert.Empty(t, env.store.overlay.Tags["CVE-3"])
	})

	t.Run("tag without body rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/vulns/CVE-4/tag", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown action rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/vulns/CVE-5/promote", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_Backup(t *testing.T) {
	t.Run("requires a stored token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/backup", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("creates document and remembers its id", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.kv[store.KeyToken] = []byte("tok123")
		env.store.kv[store.KeyNotes] = []byte("<p>notes</p>")

		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/backup", nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, jsonDecode(resp, &body))
		assert.Equal(t, "doc1", body["id"])
		assert.Equal(t, "tok123", env.backups.gotToken)
		assert.Equal(t, "", env.backups.gotDocID, "first backup creates")
		assert.Equal(t, "<p>notes</p>", env.backups.gotBlobs[backup.FileNotes])
		assert.Equal(t, "doc1", string(env.store.kv[store.KeyGistID]))
	})

	t.Run("subsequent backup updates the same document", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.kv[store.KeyToken] = []byte("tok123")
		env.store.kv[store.KeyGistID] = []byte("doc1")

		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/backup", nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "doc1", env.backups.gotDocID)
	})

	t.Run("upstream failure is a bad gateway", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.kv[store.KeyToken] = []byte("tok123")
		env.backups.createErr = fmt.Errorf("boom")

		resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/v1/backup", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestServer_Restore(t *testing.T) {
	t.Run("requires a stored token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		resp, err := http.Get(env.srv.URL + "/api/v1/backup/doc1")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("applies blobs and keeps local notified set", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.kv[store.KeyToken] = []byte("tok123")
		env.store.overlay = domain.TriageOverlay{Notified: []string{"CVE-9"}}
		env.backups.blobs = map[string]string{
			backup.FileNotes:   "<p>restored</p>",
			backup.FileSources: `[{"name":"Krebs","url":"https://krebsonsecurity.com/feed/"}]`,
			backup.FileTriage:  `{"pinned":["CVE-1"],"ignored":[],"tags":{}}`,
		}

		resp, err := http.Get(env.srv.URL + "/api/v1/backup/doc1")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Equal(t, "<p>restored</p>", string(env.store.kv[store.KeyNotes]))
		require.Len(t, env.store.sources, 1)
		assert.Equal(t, "Krebs", env.store.sources[0].Name)
		assert.Equal(t, []string{"CVE-1"}, env.store.overlay.Pinned)
		assert.Equal(t, []string{"CVE-9"}, env.store.overlay.Notified, "restore never resets delivery state")
		assert.Equal(t, "doc1", string(env.store.kv[store.KeyGistID]))
	})
}
