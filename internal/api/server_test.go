package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"oakci/internal/backup"
	"oakci/internal/config"
	"oakci/internal/governance"
	"oakci/internal/hookstate"
	"oakci/internal/store"
	"oakci/internal/types"
)

type testEnv struct {
	server *Server
	store  *store.Store
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	paths, err := config.ResolvePaths(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(":memory:", "machine-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	gov := governance.New(st, governance.Options{Enabled: true, Mode: governance.ModeEnforce})

	srv, err := NewServer(Options{
		Config:     cfg,
		Paths:      paths,
		Store:      st,
		Governance: gov,
		Cache:      hookstate.NewCache(),
		Backups:    backup.NewManager(st, paths.HistoryDir, cfg.Backup),
		Version:    "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{server: srv, store: st, router: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+e.server.Token())
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeResp(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("No token: status %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Bad token: status %d, want 401", w.Code)
	}

	if w := e.do(t, "GET", "/api/status", nil); w.Code != http.StatusOK {
		t.Errorf("Good token: status %d, want 200", w.Code)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Health status %d, want 200", w.Code)
	}
}

func TestTokenFileWritten(t *testing.T) {
	e := newTestEnv(t)
	data, err := os.ReadFile(e.server.paths.TokenFile)
	if err != nil {
		t.Fatalf("Token file missing: %v", err)
	}
	if string(data) != e.server.Token() {
		t.Error("Token file does not match active token")
	}
	info, err := os.Stat(e.server.paths.TokenFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Token file mode %o, want 0600", info.Mode().Perm())
	}
}

func TestCORSLocalhostOnly(t *testing.T) {
	e := newTestEnv(t)
	e.server.SetTunnelURL("https://myproject.example.dev")

	cases := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"https://myproject.example.dev", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/api/health", nil)
		req.Header.Set("Origin", tc.origin)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		got := w.Header().Get("Access-Control-Allow-Origin")
		if tc.allowed && got != tc.origin {
			t.Errorf("Origin %s should be allowed, header %q", tc.origin, got)
		}
		if !tc.allowed && got != "" {
			t.Errorf("Origin %s should be rejected, header %q", tc.origin, got)
		}
	}
}

func TestRememberAndListMemories(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/remember", map[string]interface{}{
		"memory_type": "gotcha",
		"observation": "the store serializes writers",
		"context":     "internal/store/store.go",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Remember status %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	decodeResp(t, w, &created)
	if created["id"] == "" {
		t.Fatal("No id returned")
	}

	w = e.do(t, "GET", "/api/memories", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List status %d", w.Code)
	}
	var listed struct {
		Count int `json:"count"`
	}
	decodeResp(t, w, &listed)
	if listed.Count != 1 {
		t.Errorf("Expected 1 memory, got %d", listed.Count)
	}

	// Status change to resolved.
	w = e.do(t, "PUT", "/api/memories/"+created["id"]+"/status", map[string]string{
		"status": "resolved", "reason": "fixed upstream",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Status change failed: %d %s", w.Code, w.Body.String())
	}
	obs, err := e.store.GetObservation(created["id"])
	if err != nil {
		t.Fatal(err)
	}
	if obs.Status != types.ObservationResolved {
		t.Errorf("Observation status %s, want resolved", obs.Status)
	}
}

func TestMemoryBulkStatus(t *testing.T) {
	e := newTestEnv(t)
	var ids []string
	for _, text := range []string{"first", "second"} {
		id, err := e.store.InsertObservation(&types.Observation{
			MemoryType: types.MemoryDiscovery, Observation: text, Importance: 5,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	w := e.do(t, "POST", "/api/memories/bulk/status", map[string]interface{}{
		"ids": ids, "status": "archived_resolved", "reason": "cleanup",
	})
	// Invalid status values surface as failures, not 500s.
	var out map[string]int
	decodeResp(t, w, &out)
	if w.Code != http.StatusOK {
		t.Fatalf("Bulk status %d", w.Code)
	}
	if out["changed"]+out["failed"] != 2 {
		t.Errorf("Unexpected bulk outcome: %+v", out)
	}
}

func TestSessionEndpoints(t *testing.T) {
	e := newTestEnv(t)
	for _, id := range []string{"s1", "s2"} {
		err := e.store.UpsertSession(&types.Session{
			ID: id, Agent: "claude", SourceMachineID: "machine-test", Status: types.SessionActive,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	w := e.do(t, "GET", "/api/activity/sessions/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("List sessions status %d", w.Code)
	}
	var listed struct {
		Count int `json:"count"`
	}
	decodeResp(t, w, &listed)
	if listed.Count != 2 {
		t.Errorf("Expected 2 sessions, got %d", listed.Count)
	}

	if w := e.do(t, "GET", "/api/activity/sessions/s1", nil); w.Code != http.StatusOK {
		t.Errorf("Get session status %d", w.Code)
	}
	if w := e.do(t, "GET", "/api/activity/sessions/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("Missing session status %d, want 404", w.Code)
	}

	// Link s2 under s1, then reject the cycle.
	w = e.do(t, "POST", "/api/activity/sessions/s2/link-parent", map[string]string{"parent_id": "s1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Link status %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, "POST", "/api/activity/sessions/s1/link-parent", map[string]string{"parent_id": "s2"})
	if w.Code != http.StatusConflict {
		t.Errorf("Cycle link status %d, want 409", w.Code)
	}

	w = e.do(t, "POST", "/api/activity/sessions/s1/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Complete status %d", w.Code)
	}
	sess, err := e.store.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != types.SessionCompleted {
		t.Errorf("Session not completed: %+v", sess)
	}
}

func TestGovernanceEndpoints(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "PUT", "/api/governance/config", map[string]interface{}{
		"mode": "enforce",
		"rules": []map[string]interface{}{
			{"name": "deny-env", "action": "deny", "tool": "*", "file_glob": "**/.env", "message": "no secrets"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Config put status %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(e.server.paths.RulesFile); err != nil {
		t.Errorf("Rules not persisted: %v", err)
	}

	w = e.do(t, "GET", "/api/governance/config", nil)
	var cfg struct {
		Mode  string            `json:"mode"`
		Rules []governance.Rule `json:"rules"`
	}
	decodeResp(t, w, &cfg)
	if cfg.Mode != "enforce" || len(cfg.Rules) != 1 {
		t.Errorf("Unexpected config: %+v", cfg)
	}

	// Dry-run test does not write audit rows.
	w = e.do(t, "POST", "/api/governance/test", map[string]interface{}{
		"tool_name":  "Write",
		"tool_input": map[string]string{"file_path": "config/.env"},
	})
	var verdict governance.Verdict
	decodeResp(t, w, &verdict)
	if verdict.Decision != governance.DecisionDeny {
		t.Errorf("Expected deny, got %+v", verdict)
	}
	events, err := e.store.QueryAudit(store.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("Dry run wrote %d audit rows", len(events))
	}
}

func TestBackupEndpoints(t *testing.T) {
	e := newTestEnv(t)
	err := e.store.UpsertSession(&types.Session{
		ID: "s1", Agent: "claude", SourceMachineID: "machine-test", Status: types.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := e.do(t, "POST", "/api/backup/create", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create status %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	decodeResp(t, w, &created)

	w = e.do(t, "GET", "/api/backup/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status status %d", w.Code)
	}
	var status backup.Status
	decodeResp(t, w, &status)
	if len(status.Files) != 1 || status.Files[0].Name != created["file"] {
		t.Errorf("Backup file not listed: %+v", status)
	}

	// Path escape rejected.
	w = e.do(t, "POST", "/api/backup/restore", map[string]string{"file": "../../etc/passwd"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Escape restore status %d, want 400", w.Code)
	}

	w = e.do(t, "POST", "/api/backup/restore", map[string]string{"file": created["file"]})
	if w.Code != http.StatusOK {
		t.Errorf("Restore status %d: %s", w.Code, w.Body.String())
	}
}

func TestResetProcessing(t *testing.T) {
	e := newTestEnv(t)
	err := e.store.UpsertSession(&types.Session{
		ID: "s1", Agent: "claude", SourceMachineID: "machine-test", Status: types.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	batch, err := e.store.BeginBatch("s1", "prompt", types.SourceUser)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.store.CompleteBatch(batch.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if err := e.store.MarkBatchProcessed(batch.ID, 0); err != nil {
		t.Fatal(err)
	}

	w := e.do(t, "POST", "/api/devtools/reset-processing", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Reset status %d", w.Code)
	}
	var out map[string]int64
	decodeResp(t, w, &out)
	if out["reset"] != 1 {
		t.Errorf("Expected 1 reset, got %d", out["reset"])
	}
}

func TestFetchEndpoint(t *testing.T) {
	e := newTestEnv(t)
	id, err := e.store.InsertObservation(&types.Observation{
		MemoryType: types.MemoryGotcha, Observation: "watch the lock order", Importance: 5,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := e.do(t, "POST", "/api/fetch", map[string]string{"kind": "observation", "id": id})
	if w.Code != http.StatusOK {
		t.Fatalf("Fetch status %d", w.Code)
	}
	w = e.do(t, "POST", "/api/fetch", map[string]string{"kind": "observation", "id": "missing"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Missing fetch status %d, want 404", w.Code)
	}
	w = e.do(t, "POST", "/api/fetch", map[string]string{"kind": "martian", "id": id})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Bad kind status %d, want 400", w.Code)
	}
}

func TestSearchUnavailableWithoutProvider(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/search?q=anything", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Search without provider status %d, want 503", w.Code)
	}
}

func TestVersionStamp(t *testing.T) {
	root := t.TempDir()
	paths, err := config.ResolvePaths(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := paths.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if err := WriteVersionStamp(paths, "1.2.3"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(paths.StateDir, "cli_version"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1.2.3" {
		t.Errorf("Stamp %q, want 1.2.3", string(data))
	}
}
