package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oakci/internal/config"
)

func testPaths(t *testing.T) *config.Paths {
	t.Helper()
	paths, err := config.ResolvePaths(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirs())
	return paths
}

func TestNewDaemonClientReadsTokenFile(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.WriteFile(paths.TokenFile, []byte("tok-123\n"), 0600))

	c, err := newDaemonClient(paths)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", c.token, "token should be trimmed")
}

func TestNewDaemonClientEnvOverride(t *testing.T) {
	paths := testPaths(t)
	t.Setenv(config.EnvToken, "env-token")

	c, err := newDaemonClient(paths)
	require.NoError(t, err)
	assert.Equal(t, "env-token", c.token)
}

func TestNewDaemonClientNoToken(t *testing.T) {
	paths := testPaths(t)
	_, err := newDaemonClient(paths)
	assert.Error(t, err)
}

func TestClientDoSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","count":2}`))
	}))
	defer srv.Close()

	c := &daemonClient{baseURL: srv.URL, token: "tok", http: srv.Client()}
	var out map[string]interface{}
	require.NoError(t, c.do("GET", "/api/status", nil, &out))

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/status", gotPath)
	want := map[string]interface{}{"status": "ok", "count": float64(2)}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}
}

func TestClientDoSurfacesDaemonError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"file is outside the history directory"}`))
	}))
	defer srv.Close()

	c := &daemonClient{baseURL: srv.URL, token: "tok", http: srv.Client()}
	err := c.do("POST", "/api/backup/restore", map[string]string{"file": "../x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the history directory")
}

func TestResolveMachineIDNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, resolveMachineID())
}

func TestResolvePathsUsesRootFlag(t *testing.T) {
	dir := t.TempDir()
	projectRoot = dir
	defer func() { projectRoot = "" }()

	paths, err := resolvePaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".oak", "ci"), paths.StateDir)
}
