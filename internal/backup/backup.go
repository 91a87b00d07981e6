// Package backup orchestrates SQL dump export and merge restore over the
// activity store. Backup files live only inside the configured history
// directory and are named with a privacy-preserving hash of the project
// path, never the path itself.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"oakci/internal/config"
	"oakci/internal/logging"
	"oakci/internal/store"
)

// ErrPathOutsideHistory rejects backup paths escaping the history directory.
var ErrPathOutsideHistory = errors.New("backup path outside history directory")

// Manager runs exports and restores against the store.
type Manager struct {
	store      *store.Store
	historyDir string
	cfg        config.BackupConfig

	mu         sync.Mutex
	lastBackup time.Time

	// OnRestore runs after a successful restore; the daemon hooks index
	// rebuild and cache invalidation here.
	OnRestore func()
}

// NewManager creates a backup manager rooted at historyDir.
func NewManager(st *store.Store, historyDir string, cfg config.BackupConfig) *Manager {
	return &Manager{store: st, historyDir: historyDir, cfg: cfg}
}

// Filename derives `{user}_{hash}.sql` for a project root. The hash keeps
// the raw path out of shareable filenames.
func Filename(githubUser, projectRoot string) string {
	if githubUser == "" {
		githubUser = "local"
	}
	sum := sha256.Sum256([]byte(projectRoot))
	return fmt.Sprintf("%s_%s.sql", sanitizeUser(githubUser), hex.EncodeToString(sum[:])[:16])
}

func sanitizeUser(user string) string {
	var b strings.Builder
	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// resolve confines a backup filename or relative path to the history dir.
func (m *Manager) resolve(name string) (string, error) {
	if name == "" {
		return "", ErrPathOutsideHistory
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.historyDir, name)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(m.historyDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideHistory
	}
	return path, nil
}

// Create writes a backup for projectRoot into the history dir and returns
// the file path.
func (m *Manager) Create(projectRoot string) (string, error) {
	timer := logging.StartTimer(logging.CategoryBackup, "Create")
	defer timer.Stop()

	if err := os.MkdirAll(m.historyDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create history dir: %w", err)
	}
	path, err := m.resolve(Filename(m.cfg.GithubUser, projectRoot))
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to open backup file: %w", err)
	}
	exportErr := m.store.Export(f, store.ExportOptions{
		IncludeActivities: m.cfg.IncludeActivities,
	})
	closeErr := f.Close()
	if exportErr != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("export failed: %w", exportErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return "", closeErr
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}

	m.mu.Lock()
	m.lastBackup = time.Now()
	m.mu.Unlock()
	logging.Backup("Wrote backup %s", filepath.Base(path))
	return path, nil
}

// Restore merges one backup file into the store. Rows whose dedup hash is
// already present are skipped.
func (m *Manager) Restore(name string) (*store.ImportStats, error) {
	timer := logging.StartTimer(logging.CategoryBackup, "Restore")
	defer timer.Stop()

	path, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	stats, err := m.store.Import(f)
	if err != nil {
		return nil, fmt.Errorf("restore failed: %w", err)
	}
	logging.Backup("Restored %s: %d inserted, %d skipped, %d errors",
		filepath.Base(path), stats.TotalInserted(), stats.TotalSkipped(), stats.Errors)
	if m.OnRestore != nil {
		m.OnRestore()
	}
	return stats, nil
}

// RestoreAll merges every .sql file in the history dir, oldest first.
func (m *Manager) RestoreAll() (*store.ImportStats, error) {
	files, err := m.List()
	if err != nil {
		return nil, err
	}
	total := &store.ImportStats{}
	for _, fi := range files {
		stats, err := m.Restore(fi.Name)
		if err != nil {
			logging.Get(logging.CategoryBackup).Warn("Skipping %s: %v", fi.Name, err)
			total.Errors++
			continue
		}
		total.Merge(stats)
	}
	return total, nil
}

// FileInfo describes one backup file.
type FileInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// List returns the .sql backups in the history dir, oldest first.
func (m *Manager) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(m.historyDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), SizeBytes: info.Size(), ModifiedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	return out, nil
}

// Status summarizes backup state for the API.
type Status struct {
	Enabled         bool       `json:"enabled"`
	IntervalMinutes int        `json:"interval_minutes"`
	LastBackupAt    *time.Time `json:"last_backup_at,omitempty"`
	Files           []FileInfo `json:"files"`
}

// CurrentStatus reports the manager's state and known files.
func (m *Manager) CurrentStatus() (*Status, error) {
	files, err := m.List()
	if err != nil {
		return nil, err
	}
	s := &Status{
		Enabled:         m.cfg.AutoBackup,
		IntervalMinutes: m.cfg.IntervalMinutes,
		Files:           files,
	}
	m.mu.Lock()
	if !m.lastBackup.IsZero() {
		t := m.lastBackup
		s.LastBackupAt = &t
	}
	m.mu.Unlock()
	return s, nil
}

// AutoBackupDue reports whether the auto-backup interval has elapsed.
func (m *Manager) AutoBackupDue(now time.Time) bool {
	if !m.cfg.AutoBackup || m.cfg.IntervalMinutes <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastBackup.IsZero() {
		// First tick after start seeds the clock instead of backing up
		// immediately.
		m.lastBackup = now
		return false
	}
	return now.Sub(m.lastBackup) >= time.Duration(m.cfg.IntervalMinutes)*time.Minute
}
