// Package vector implements the embedding index. It is a derivative of the
// activity store and the source tree: every entry carries a ref id pointing
// back at its owner, and the whole index can be rebuilt from scratch. When
// the sqlite-vec extension is registered the vec0 virtual table accelerates
// search; otherwise a brute-force cosine scan over the entries table serves
// the same queries.
package vector

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// Entry is one embedded document in the index.
type Entry struct {
	ID          string
	Kind        types.VectorKind
	RefID       string // chunk id, observation id, plan id, or session id
	FilePath    string
	DocType     types.DocType
	Language    string
	StartLine   int
	EndLine     int
	ChunkType   string
	Name        string
	Content     string
	ContentHash string
	Score       float64 // cosine similarity, populated by Search
	UpdatedAt   time.Time
}

// Index is the SQLite-backed vector index.
type Index struct {
	db     *sql.DB
	mu     sync.RWMutex
	dim    int
	hasVec bool
}

// Open creates or opens the vector index at path with the given embedding
// dimension. Changing the dimension invalidates the index; callers detect
// that through DimMismatch and trigger a rebuild.
func Open(path string, dim int) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Open")
	defer timer.Stop()

	if dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create vector directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.VectorDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.VectorDebug("Failed to set journal_mode=WAL: %v", err)
	}

	idx := &Index{db: db, dim: dim}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	idx.hasVec = detectVecExtension(db)
	if idx.hasVec {
		if err := idx.createVecTable(); err != nil {
			logging.Get(logging.CategoryVector).Warn("vec0 table unavailable, falling back to linear scan: %v", err)
			idx.hasVec = false
		}
	}
	logging.Vector("Vector index ready (dim=%d, vec0=%v)", dim, idx.hasVec)
	return idx, nil
}

func (idx *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vector_entries (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		doc_type TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		chunk_type TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		embedding BLOB NOT NULL,
		dim INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_kind ON vector_entries(kind);
	CREATE INDEX IF NOT EXISTS idx_entries_ref ON vector_entries(ref_id);
	CREATE INDEX IF NOT EXISTS idx_entries_file ON vector_entries(file_path);
	CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create vector schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for sqlite-vec by calling vec_version(). The
// extension registers via init when built with the sqlite_vec tag.
func detectVecExtension(db *sql.DB) bool {
	var version string
	if err := db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		logging.VectorDebug("sqlite-vec not available: %v", err)
		return false
	}
	logging.Vector("sqlite-vec extension detected: %s", version)
	return true
}

func (idx *Index) createVecTable() error {
	_, err := idx.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_entries USING vec0(entry_id TEXT, embedding float[%d])", idx.dim))
	return err
}

// DimMismatch reports whether the stored dimension differs from the
// configured one. A mismatch means the embedding model changed and every
// entry must be re-embedded.
func (idx *Index) DimMismatch() (bool, int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var stored string
	err := idx.db.QueryRow("SELECT value FROM index_meta WHERE key = 'dim'").Scan(&stored)
	if err == sql.ErrNoRows {
		_, _ = idx.db.Exec("INSERT INTO index_meta (key, value) VALUES ('dim', ?)", fmt.Sprintf("%d", idx.dim))
		return false, idx.dim
	}
	if err != nil {
		return false, idx.dim
	}
	var prev int
	fmt.Sscanf(stored, "%d", &prev)
	return prev != idx.dim, prev
}

// Upsert inserts or replaces an entry and its embedding.
func (idx *Index) Upsert(e *Entry, embedding []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(embedding) != idx.dim {
		return fmt.Errorf("embedding dimension %d does not match index dimension %d", len(embedding), idx.dim)
	}
	if e.ID == "" {
		e.ID = string(e.Kind) + ":" + e.RefID
	}
	e.UpdatedAt = time.Now().UTC()
	blob := encodeFloat32Blob(embedding)

	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO vector_entries (id, kind, ref_id, file_path, doc_type, language,
			start_line, end_line, chunk_type, name, content, content_hash, embedding, dim, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.RefID, e.FilePath, string(e.DocType), e.Language,
		e.StartLine, e.EndLine, e.ChunkType, e.Name, e.Content, e.ContentHash, blob, idx.dim, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert vector entry: %w", err)
	}

	if idx.hasVec {
		if _, err := tx.Exec("DELETE FROM vec_entries WHERE entry_id = ?", e.ID); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO vec_entries (entry_id, embedding) VALUES (?, ?)", e.ID, blob); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Delete removes an entry by id.
func (idx *Index) Delete(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.deleteWhere("id = ?", id)
}

// DeleteByRef removes every entry pointing at a ref id, used when an
// observation resolves or a plan is deleted.
func (idx *Index) DeleteByRef(refID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.deleteWhere("ref_id = ?", refID)
}

// DeleteByFile removes all code entries for a file, used when the watcher
// sees a deletion or a re-chunk replaces the file's entries.
func (idx *Index) DeleteByFile(filePath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.deleteWhere("file_path = ? AND kind = ?", filePath, string(types.KindCode))
}

// Clear removes all entries of one kind; empty kind wipes the index.
// Rebuilds start here.
func (idx *Index) Clear(kind types.VectorKind) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if kind == "" {
		return idx.deleteWhere("1=1")
	}
	return idx.deleteWhere("kind = ?", string(kind))
}

func (idx *Index) deleteWhere(cond string, args ...interface{}) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if idx.hasVec {
		_, err = tx.Exec(
			"DELETE FROM vec_entries WHERE entry_id IN (SELECT id FROM vector_entries WHERE "+cond+")", args...)
		if err != nil {
			return err
		}
	}
	res, err := tx.Exec("DELETE FROM vector_entries WHERE "+cond, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.VectorDebug("Deleted %d vector entries (%s)", n, cond)
	}
	return tx.Commit()
}

// SearchOptions filters a similarity search.
type SearchOptions struct {
	Kinds    []types.VectorKind // empty = all kinds
	DocTypes []types.DocType    // code entries only; empty = all
	FilePath string             // exact file filter
	Limit    int
}

// Search returns the entries most similar to the query embedding, best
// first. Scores are cosine similarity in [-1, 1].
func (idx *Index) Search(query []float32, opts SearchOptions) ([]*Entry, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), idx.dim)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	if idx.hasVec {
		results, err := idx.searchVec(query, opts)
		if err == nil {
			return results, nil
		}
		logging.Get(logging.CategoryVector).Warn("vec0 search failed, falling back to linear scan: %v", err)
	}
	return idx.searchLinear(query, opts)
}

func (idx *Index) searchVec(query []float32, opts SearchOptions) ([]*Entry, error) {
	// Over-fetch so post-filters on kind and doc type still fill the limit.
	k := opts.Limit * 4
	if k < 50 {
		k = 50
	}
	rows, err := idx.db.Query(`
		SELECT e.id, e.kind, e.ref_id, e.file_path, e.doc_type, e.language, e.start_line, e.end_line,
			e.chunk_type, e.name, e.content, e.content_hash, e.updated_at,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM vec_entries v
		JOIN vector_entries e ON e.id = v.entry_id
		ORDER BY distance ASC
		LIMIT ?`, encodeFloat32Blob(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var kind, docType string
		var distance float64
		if err := rows.Scan(&e.ID, &kind, &e.RefID, &e.FilePath, &docType, &e.Language,
			&e.StartLine, &e.EndLine, &e.ChunkType, &e.Name, &e.Content, &e.ContentHash,
			&e.UpdatedAt, &distance); err != nil {
			continue
		}
		e.Kind = types.VectorKind(kind)
		e.DocType = types.DocType(docType)
		e.Score = 1.0 - distance
		if !opts.matches(&e) {
			continue
		}
		out = append(out, &e)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

// searchLinear scans every candidate row and ranks by cosine similarity in
// Go. Fine for the per-project scale this daemon serves.
func (idx *Index) searchLinear(query []float32, opts SearchOptions) ([]*Entry, error) {
	sqlQuery := `
		SELECT id, kind, ref_id, file_path, doc_type, language, start_line, end_line,
			chunk_type, name, content, content_hash, embedding, updated_at
		FROM vector_entries WHERE dim = ?`
	args := []interface{}{idx.dim}
	if len(opts.Kinds) == 1 {
		sqlQuery += " AND kind = ?"
		args = append(args, string(opts.Kinds[0]))
	}
	if opts.FilePath != "" {
		sqlQuery += " AND file_path = ?"
		args = append(args, opts.FilePath)
	}

	rows, err := idx.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var kind, docType string
		var blob []byte
		if err := rows.Scan(&e.ID, &kind, &e.RefID, &e.FilePath, &docType, &e.Language,
			&e.StartLine, &e.EndLine, &e.ChunkType, &e.Name, &e.Content, &e.ContentHash,
			&blob, &e.UpdatedAt); err != nil {
			continue
		}
		e.Kind = types.VectorKind(kind)
		e.DocType = types.DocType(docType)
		if !opts.matches(&e) {
			continue
		}
		emb := decodeFloat32Blob(blob)
		if len(emb) != len(query) {
			continue
		}
		e.Score = cosineSimilarity(query, emb)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (o *SearchOptions) matches(e *Entry) bool {
	if len(o.Kinds) > 0 {
		found := false
		for _, k := range o.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if o.FilePath != "" && e.FilePath != o.FilePath {
		return false
	}
	if len(o.DocTypes) > 0 && e.Kind == types.KindCode {
		found := false
		for _, d := range o.DocTypes {
			if e.DocType == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ContentHashes returns ref_id -> content_hash for one kind, used by the
// indexer to skip unchanged chunks.
func (idx *Index) ContentHashes(kind types.VectorKind) (map[string]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.db.Query("SELECT ref_id, content_hash FROM vector_entries WHERE kind = ?", string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var ref, hash string
		if err := rows.Scan(&ref, &hash); err != nil {
			continue
		}
		out[ref] = hash
	}
	return out, rows.Err()
}

// FileEntries returns the ids of code entries for a file.
func (idx *Index) FileEntries(filePath string) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.db.Query(
		"SELECT id FROM vector_entries WHERE file_path = ? AND kind = ?", filePath, string(types.KindCode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns entry counts per kind.
func (idx *Index) Count() (map[types.VectorKind]int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.db.Query("SELECT kind, COUNT(*) FROM vector_entries GROUP BY kind")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.VectorKind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			continue
		}
		out[types.VectorKind(kind)] = n
	}
	return out, rows.Err()
}

// SetDim records the active dimension after a rebuild.
func (idx *Index) SetDim(dim int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.dim = dim
	_, err := idx.db.Exec(
		"INSERT OR REPLACE INTO index_meta (key, value) VALUES ('dim', ?)", fmt.Sprintf("%d", dim))
	return err
}

// Compact reclaims space after large deletions.
func (idx *Index) Compact() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec("VACUUM")
	return err
}

// Close closes the index database.
func (idx *Index) Close() error {
	logging.Vector("Closing vector index")
	return idx.db.Close()
}
