package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"oakci/internal/config"
	"oakci/internal/embedding"
	"oakci/internal/logging"
	"oakci/internal/types"
	"oakci/internal/vector"
)

// Indexer keeps the vector index in sync with the source tree.
type Indexer struct {
	root    string
	cfg     config.IndexerConfig
	scanner *Scanner
	engine  embedding.Engine
	index   *vector.Index
	watcher *Watcher

	// chunkers are per-goroutine; tree-sitter parsers are not safe for
	// concurrent use.
	chunkerPool sync.Pool
}

// IndexStats summarizes one indexing run.
type IndexStats struct {
	FilesScanned  int
	FilesSkipped  int
	ChunksEmbed   int
	ChunksSkipped int
	ChunksRemoved int
	Errors        int
}

// New creates an indexer over the project root.
func New(root string, cfg config.IndexerConfig, engine embedding.Engine, index *vector.Index) *Indexer {
	ix := &Indexer{
		root:    root,
		cfg:     cfg,
		scanner: NewScanner(root, cfg.ExcludePatterns),
		engine:  engine,
		index:   index,
	}
	ix.chunkerPool.New = func() interface{} { return NewChunker(cfg.MaxChunkLines) }
	return ix
}

// IndexAll scans the tree and brings the index up to date. Unchanged chunks
// are detected by content hash and never re-embedded. Embedding runs with
// bounded concurrency; failures on individual files are logged and counted
// but do not abort the run.
func (ix *Indexer) IndexAll(ctx context.Context) (*IndexStats, error) {
	timer := logging.StartTimer(logging.CategoryIndexer, "IndexAll")
	defer timer.Stop()

	files, err := ix.scanner.Walk()
	if err != nil {
		return nil, fmt.Errorf("tree scan failed: %w", err)
	}

	known, err := ix.index.ContentHashes(types.KindCode)
	if err != nil {
		return nil, fmt.Errorf("failed to read index hashes: %w", err)
	}

	stats := &IndexStats{}
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := ix.cfg.EmbedConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, rel := range files {
		rel := rel
		g.Go(func() error {
			fileStats, err := ix.indexFile(gctx, rel, known)
			statsMu.Lock()
			defer statsMu.Unlock()
			stats.FilesScanned++
			if err != nil {
				stats.Errors++
				logging.Get(logging.CategoryIndexer).Warn("Failed to index %s: %v", rel, err)
				return nil // fail-forward
			}
			stats.ChunksEmbed += fileStats.ChunksEmbed
			stats.ChunksSkipped += fileStats.ChunksSkipped
			stats.ChunksRemoved += fileStats.ChunksRemoved
			if fileStats.ChunksEmbed == 0 && fileStats.ChunksRemoved == 0 {
				stats.FilesSkipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if ix.watcher != nil {
		ix.watcher.Reset()
	}
	logging.Indexer("Index run complete: %d files (%d unchanged), %d chunks embedded, %d skipped, %d removed, %d errors",
		stats.FilesScanned, stats.FilesSkipped, stats.ChunksEmbed, stats.ChunksSkipped, stats.ChunksRemoved, stats.Errors)
	return stats, nil
}

// IndexFile indexes a single root-relative path.
func (ix *Indexer) IndexFile(ctx context.Context, rel string) error {
	known, err := ix.index.ContentHashes(types.KindCode)
	if err != nil {
		return err
	}
	_, err = ix.indexFile(ctx, rel, known)
	return err
}

func (ix *Indexer) indexFile(ctx context.Context, rel string, known map[string]string) (*IndexStats, error) {
	stats := &IndexStats{}

	content, err := os.ReadFile(filepath.Join(ix.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with a delete; treat as removal.
			return stats, ix.RemoveFile(rel)
		}
		return stats, err
	}

	chunker := ix.chunkerPool.Get().(*Chunker)
	chunks, chunkStats, err := chunker.ChunkFile(rel, content)
	ix.chunkerPool.Put(chunker)
	if err != nil {
		return stats, err
	}
	logging.IndexerDebug("Chunked %s: %d AST + %d line chunks (%s)",
		rel, chunkStats.ASTChunks, chunkStats.LineFalls, chunkStats.Language)

	// Embed only new or changed chunks.
	var pending []*types.CodeChunk
	current := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		current[string(types.KindCode)+":"+chunk.ID] = true
		if known[chunk.ID] == chunk.ContentHash {
			stats.ChunksSkipped++
			continue
		}
		pending = append(pending, chunk)
	}

	if len(pending) > 0 {
		texts := make([]string, len(pending))
		for i, chunk := range pending {
			texts[i] = embedText(chunk)
		}
		embeddings, err := ix.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("embedding failed: %w", err)
		}
		for i, chunk := range pending {
			entry := &vector.Entry{
				Kind:        types.KindCode,
				RefID:       chunk.ID,
				FilePath:    chunk.FilePath,
				DocType:     chunk.DocType,
				Language:    chunk.Language,
				StartLine:   chunk.StartLine,
				EndLine:     chunk.EndLine,
				ChunkType:   chunk.ChunkType,
				Name:        chunk.Name,
				Content:     chunk.Content,
				ContentHash: chunk.ContentHash,
			}
			if err := ix.index.Upsert(entry, embeddings[i]); err != nil {
				return stats, err
			}
			stats.ChunksEmbed++
		}
	}

	// Drop entries for chunks that no longer exist in the file.
	existing, err := ix.index.FileEntries(rel)
	if err != nil {
		return stats, err
	}
	for _, id := range existing {
		if !current[id] {
			if err := ix.index.Delete(id); err == nil {
				stats.ChunksRemoved++
			}
		}
	}
	return stats, nil
}

// embedText prefixes chunk content with its location so the embedding
// carries file context.
func embedText(chunk *types.CodeChunk) string {
	header := chunk.FilePath
	if chunk.Name != "" {
		header += " " + chunk.Name
	}
	return header + "\n" + chunk.Content
}

// RemoveFile drops every index entry for a deleted file.
func (ix *Indexer) RemoveFile(rel string) error {
	logging.IndexerDebug("Removing index entries for %s", rel)
	return ix.index.DeleteByFile(rel)
}

// Rebuild wipes the code portion of the index and re-indexes from scratch,
// used after an embedding model change or a restore.
func (ix *Indexer) Rebuild(ctx context.Context) (*IndexStats, error) {
	logging.Indexer("Rebuilding code index")
	if err := ix.index.Clear(types.KindCode); err != nil {
		return nil, fmt.Errorf("failed to clear code entries: %w", err)
	}
	return ix.IndexAll(ctx)
}

// StartWatcher begins incremental indexing from filesystem events.
func (ix *Indexer) StartWatcher(ctx context.Context) error {
	w, err := NewWatcher(ix.root, ix.scanner, ix.cfg.WatchDebounceMS, func(ev FileEvent) {
		if ev.Removed {
			if err := ix.RemoveFile(ev.RelPath); err != nil {
				logging.Get(logging.CategoryIndexer).Warn("Failed to remove %s: %v", ev.RelPath, err)
			}
			return
		}
		if err := ix.IndexFile(ctx, ev.RelPath); err != nil {
			logging.Get(logging.CategoryIndexer).Warn("Failed to re-index %s: %v", ev.RelPath, err)
		}
	})
	if err != nil {
		return err
	}
	ix.watcher = w
	return w.Start(ctx)
}

// StopWatcher halts incremental indexing.
func (ix *Indexer) StopWatcher() {
	if ix.watcher != nil {
		ix.watcher.Stop()
		ix.watcher = nil
	}
}
