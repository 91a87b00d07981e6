package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
)

// Paths is the persisted state layout under the project root. Every path is
// absolute and derived exactly once from the project root captured at start.
type Paths struct {
	ProjectRoot string
	StateDir    string // <root>/.oak/ci
	Database    string // <root>/.oak/ci/activities.db
	VectorDir   string // <root>/.oak/ci/chroma
	VectorDB    string // <root>/.oak/ci/chroma/vectors.db
	TokenFile   string // <root>/.oak/ci/.daemon_token
	VersionFile string // <root>/.oak/ci/cli_version
	ConfigFile  string // <root>/.oak/ci/config.json
	RulesFile   string // <root>/.oak/ci/governance.yaml
	HistoryDir  string // <root>/oak/history (backups)
	LogsDir     string // <root>/.oak/ci/logs
}

// ResolvePaths builds the state layout for a project root. The root argument
// may be empty, in which case OAK_CI_PROJECT_ROOT and then the current
// directory are used; whatever wins is made absolute and never re-derived.
func ResolvePaths(root string) (*Paths, error) {
	if root == "" {
		root = os.Getenv(EnvProjectRoot)
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine project root: %w", err)
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	stateDir := filepath.Join(abs, ".oak", "ci")
	historyDir := filepath.Join(abs, "oak", "history")
	if v := os.Getenv(EnvBackupDir); v != "" {
		if !filepath.IsAbs(v) {
			return nil, fmt.Errorf("%s must be an absolute path, got %q", EnvBackupDir, v)
		}
		historyDir = v
	}

	return &Paths{
		ProjectRoot: abs,
		StateDir:    stateDir,
		Database:    filepath.Join(stateDir, "activities.db"),
		VectorDir:   filepath.Join(stateDir, "chroma"),
		VectorDB:    filepath.Join(stateDir, "chroma", "vectors.db"),
		TokenFile:   filepath.Join(stateDir, ".daemon_token"),
		VersionFile: filepath.Join(stateDir, "cli_version"),
		ConfigFile:  filepath.Join(stateDir, "config.json"),
		RulesFile:   filepath.Join(stateDir, "governance.yaml"),
		HistoryDir:  historyDir,
		LogsDir:     filepath.Join(stateDir, "logs"),
	}, nil
}

// EnsureDirs creates the state directories that must exist before open.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.StateDir, p.VectorDir, p.HistoryDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Port derives the deterministic daemon port from the project root so that
// multiple projects on one machine never collide. Range 42000-43999.
func (p *Paths) Port() int {
	h := fnv.New32a()
	h.Write([]byte(p.ProjectRoot))
	return 42000 + int(h.Sum32()%2000)
}
