package indexer

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// builtinExcludes are directory names never worth indexing.
var builtinExcludes = map[string]bool{
	".git":         true,
	".oak":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
	".next":        true,
	".cache":       true,
}

// indexableExts are the file extensions the scanner yields.
var indexableExts = map[string]bool{
	".go": true, ".py": true, ".rs": true,
	".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
	".ts": true, ".tsx": true,
	".md": true, ".rst": true, ".txt": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".sql": true, ".sh": true, ".proto": true,
}

const maxIndexableBytes = 1 << 20 // skip files over 1 MiB

// Scanner walks the project tree yielding indexable files. It honors the
// built-in exclusions, user patterns from config, and the root .gitignore.
type Scanner struct {
	root         string
	userPatterns []string
	ignore       []gitignorePattern
}

type gitignorePattern struct {
	pattern string
	dirOnly bool
	negate  bool
}

// NewScanner creates a scanner rooted at the project root.
func NewScanner(root string, excludePatterns []string) *Scanner {
	s := &Scanner{root: root, userPatterns: excludePatterns}
	s.ignore = loadGitignore(filepath.Join(root, ".gitignore"))
	return s
}

func loadGitignore(path string) []gitignorePattern {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []gitignorePattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := gitignorePattern{}
		if strings.HasPrefix(line, "!") {
			p.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		p.pattern = strings.TrimPrefix(line, "/")
		patterns = append(patterns, p)
	}
	return patterns
}

// ignored reports whether relPath matches the gitignore rules. Later rules
// win, matching git's semantics for the subset of patterns supported here.
func (s *Scanner) ignored(relPath string, isDir bool) bool {
	result := false
	base := filepath.Base(relPath)
	for _, p := range s.ignore {
		if p.dirOnly && !isDir {
			continue
		}
		matched := false
		if ok, _ := filepath.Match(p.pattern, base); ok {
			matched = true
		} else if ok, _ := filepath.Match(p.pattern, relPath); ok {
			matched = true
		} else if strings.HasPrefix(relPath, p.pattern+"/") {
			matched = true
		}
		if matched {
			result = !p.negate
		}
	}
	return result
}

func (s *Scanner) userExcluded(relPath string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range s.userPatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// ShouldIndex reports whether a single path (relative to the root) is
// indexable, used by the watcher for incoming events.
func (s *Scanner) ShouldIndex(relPath string) bool {
	if !indexableExts[strings.ToLower(filepath.Ext(relPath))] {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if builtinExcludes[part] {
			return false
		}
	}
	if s.userExcluded(relPath) || s.ignored(filepath.ToSlash(relPath), false) {
		return false
	}
	return true
}

// Walk yields every indexable file as a root-relative path.
func (s *Scanner) Walk() ([]string, error) {
	timer := logging.StartTimer(logging.CategoryIndexer, "Walk")
	defer timer.Stop()

	var files []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logging.IndexerDebug("Walk error at %s: %v", path, err)
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if builtinExcludes[d.Name()] || s.userExcluded(rel) || s.ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.ShouldIndex(rel) {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() > maxIndexableBytes {
			logging.IndexerDebug("Skipping oversized file: %s (%d bytes)", rel, info.Size())
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Indexer("Scan found %d indexable files", len(files))
	return files, nil
}

// ClassifyDocType buckets a path for ranking. Generated and vendored code
// rank below hand-written code in search.
func ClassifyDocType(path string) types.DocType {
	slash := filepath.ToSlash(path)
	base := filepath.Base(slash)
	ext := strings.ToLower(filepath.Ext(base))

	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasPrefix(base, "test_"),
		strings.Contains(base, ".spec."),
		strings.Contains(base, ".test."),
		strings.HasPrefix(slash, "tests/"),
		strings.Contains(slash, "/tests/"):
		return types.DocTests
	case strings.HasSuffix(base, ".pb.go"),
		strings.HasSuffix(base, "_gen.go"),
		strings.HasSuffix(base, ".generated.go"),
		strings.Contains(base, ".min."):
		return types.DocGenerated
	case ext == ".md" || ext == ".rst" || ext == ".txt" ||
		strings.HasPrefix(slash, "docs/") || strings.Contains(slash, "/docs/"):
		return types.DocDocs
	case ext == ".json" || ext == ".yaml" || ext == ".yml" || ext == ".toml":
		return types.DocConfig
	}
	return types.DocCode
}
