package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hardrivetech/secdash/pkg/config"
	"github.com/hardrivetech/secdash/pkg/store"
)

func TestRun_ServerStartStop(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
server:
  listen: "127.0.0.1:0"
store:
  dsn: "file:` + filepath.Join(tmpDir, "test.db") + `?cache=shared&mode=rwc"
`
	configPath := filepath.Join(tmpDir, "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, false) }()

	// let the server come up, then shut it down
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunLogin(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/device/code":
			fmt.Fprint(w, `{"device_code":"dev1","user_code":"ABCD-1234","verification_uri":"x","interval":0,"expires_in":900}`)
		case "/login/oauth/access_token":
			fmt.Fprint(w, `{"access_token":"tok-abc"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	tmpDir := t.TempDir()
	configContent := `
store:
  dsn: "file:` + filepath.Join(tmpDir, "login.db") + `?cache=shared&mode=rwc"
upstreams:
  github_oauth: ` + upstream.URL + `
oauth:
  client_id: abc
  client_secret: shh
  allowed_origin: https://dash.example.com
`
	configPath := filepath.Join(tmpDir, "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	require.NoError(t, runLogin(context.Background(), cfg))

	st, err := openStore(cfg)
	require.NoError(t, err)
	defer st.Close()
	token, err := st.Get(context.Background(), store.KeyToken)
	require.NoError(t, err)
	require.Equal(t, "tok-abc", string(token))
}

func TestSetupLog(t *testing.T) {
	// must not panic in either mode, secrets are optional
	setupLog(false)
	setupLog(true, "super-secret")
}
