package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oakci/internal/config"
	"oakci/internal/store"
	"oakci/internal/types"
)

func newTestManager(t *testing.T, cfg config.BackupConfig) (*Manager, *store.Store, string) {
	t.Helper()
	st, err := store.Open(":memory:", "machine-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	dir := t.TempDir()
	return NewManager(st, dir, cfg), st, dir
}

func seedSession(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.UpsertSession(&types.Session{
		ID: id, Agent: "claude", SourceMachineID: "machine-test", Status: types.SessionActive,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFilenameHidesProjectPath(t *testing.T) {
	name := Filename("octocat", "/home/alice/secret-project")
	if !strings.HasPrefix(name, "octocat_") || !strings.HasSuffix(name, ".sql") {
		t.Errorf("Unexpected filename: %s", name)
	}
	if strings.Contains(name, "secret-project") || strings.Contains(name, "/") {
		t.Errorf("Filename leaks the project path: %s", name)
	}
	if name != Filename("octocat", "/home/alice/secret-project") {
		t.Error("Filename must be deterministic")
	}
	if Filename("octocat", "/other") == name {
		t.Error("Different roots must hash differently")
	}
	if !strings.HasPrefix(Filename("", "/x"), "local_") {
		t.Error("Empty user should fall back to local")
	}
	if got := Filename("weird/user name", "/x"); strings.ContainsAny(got, "/ ") {
		t.Errorf("User not sanitized: %s", got)
	}
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	m, st, dir := newTestManager(t, config.BackupConfig{GithubUser: "octocat"})
	seedSession(t, st, "sess-1")

	path, err := m.Create("/proj/root")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("Backup written outside history dir: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Backup file missing: %v", err)
	}

	// Restore into a fresh store.
	m2, st2, dir2 := newTestManager(t, config.BackupConfig{})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	name := "incoming.sql"
	if err := os.WriteFile(filepath.Join(dir2, name), data, 0600); err != nil {
		t.Fatal(err)
	}
	restored := false
	m2.OnRestore = func() { restored = true }

	stats, err := m2.Restore(name)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if stats.TotalInserted() == 0 {
		t.Errorf("Expected inserted rows, got %+v", stats)
	}
	if !restored {
		t.Error("OnRestore hook not invoked")
	}
	if _, err := st2.GetSession("sess-1"); err != nil {
		t.Errorf("Session not restored: %v", err)
	}

	// Second restore is a no-op thanks to dedup.
	stats, err = m2.Restore(name)
	if err != nil {
		t.Fatalf("Second restore failed: %v", err)
	}
	if stats.TotalInserted() != 0 {
		t.Errorf("Dedup failed, inserted %d rows twice", stats.TotalInserted())
	}
}

func TestPathPolicy(t *testing.T) {
	m, _, _ := newTestManager(t, config.BackupConfig{})

	for _, bad := range []string{
		"../outside.sql",
		"../../etc/passwd",
		"/etc/passwd",
		"",
	} {
		if _, err := m.Restore(bad); !errors.Is(err, ErrPathOutsideHistory) {
			t.Errorf("Restore(%q) = %v, want ErrPathOutsideHistory", bad, err)
		}
	}
}

func TestRestoreAllMergesOldestFirst(t *testing.T) {
	src1, st1, _ := newTestManager(t, config.BackupConfig{GithubUser: "a"})
	seedSession(t, st1, "from-a")
	p1, err := src1.Create("/root/a")
	if err != nil {
		t.Fatal(err)
	}

	src2, st2, _ := newTestManager(t, config.BackupConfig{GithubUser: "b"})
	seedSession(t, st2, "from-b")
	p2, err := src2.Create("/root/b")
	if err != nil {
		t.Fatal(err)
	}

	dst, dstStore, dstDir := newTestManager(t, config.BackupConfig{})
	for _, p := range []string{p1, p2} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dstDir, filepath.Base(p)), data, 0600); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := dst.RestoreAll()
	if err != nil {
		t.Fatalf("RestoreAll failed: %v", err)
	}
	if stats.Errors != 0 {
		t.Errorf("Unexpected errors: %+v", stats)
	}
	for _, id := range []string{"from-a", "from-b"} {
		if _, err := dstStore.GetSession(id); err != nil {
			t.Errorf("Session %s not merged: %v", id, err)
		}
	}
}

func TestAutoBackupDue(t *testing.T) {
	m, _, _ := newTestManager(t, config.BackupConfig{AutoBackup: true, IntervalMinutes: 30})
	now := time.Now()

	// First call seeds the clock.
	if m.AutoBackupDue(now) {
		t.Error("First check should seed, not fire")
	}
	if m.AutoBackupDue(now.Add(10 * time.Minute)) {
		t.Error("Interval not yet elapsed")
	}
	if !m.AutoBackupDue(now.Add(31 * time.Minute)) {
		t.Error("Interval elapsed, should fire")
	}

	off, _, _ := newTestManager(t, config.BackupConfig{AutoBackup: false, IntervalMinutes: 30})
	if off.AutoBackupDue(now.Add(time.Hour)) {
		t.Error("Disabled auto-backup must never fire")
	}
}

func TestStatusListsFiles(t *testing.T) {
	m, st, _ := newTestManager(t, config.BackupConfig{AutoBackup: true, IntervalMinutes: 60, GithubUser: "octocat"})
	seedSession(t, st, "s1")
	if _, err := m.Create("/proj"); err != nil {
		t.Fatal(err)
	}

	s, err := m.CurrentStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Enabled || s.IntervalMinutes != 60 || len(s.Files) != 1 || s.LastBackupAt == nil {
		t.Errorf("Unexpected status: %+v", s)
	}
}
