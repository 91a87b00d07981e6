package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"oakci/internal/api"
	"oakci/internal/backup"
	"oakci/internal/config"
	"oakci/internal/embedding"
	"oakci/internal/governance"
	"oakci/internal/hookstate"
	"oakci/internal/indexer"
	"oakci/internal/logging"
	"oakci/internal/memory"
	"oakci/internal/pipeline"
	"oakci/internal/power"
	"oakci/internal/store"
	"oakci/internal/summarize"
	"oakci/internal/types"
	"oakci/internal/vector"
)

var serveFlags struct {
	noIndex    bool
	noPipeline bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon for this project",
	Long: `Starts the oakci daemon: hook ingestion API, background pipeline,
source indexer, and governance. Blocks until SIGINT or SIGTERM.

Providers (embedding, summarizer) are optional at runtime: when one is
unreachable the daemon keeps recording activity and serves what it can.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveFlags.noIndex, "no-index", false, "disable the source tree indexer")
	serveCmd.Flags().BoolVar(&serveFlags.noPipeline, "no-pipeline", false, "disable the background pipeline")
}

func runServe() error {
	paths, err := resolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	if err := logging.Initialize(paths.StateDir); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.Open(paths.Database, resolveMachineID())
	if err != nil {
		return fmt.Errorf("failed to open activity store: %w", err)
	}
	defer st.Close()

	vec, err := vector.Open(paths.VectorDB, cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	defer vec.Close()
	if mismatch, have := vec.DimMismatch(); mismatch {
		logger.Warn("Vector dimension changed, index requires rebuild",
			zap.Int("stored", have), zap.Int("configured", cfg.Embedding.Dimension))
	}

	// Providers are best-effort; a misconfigured one degrades the daemon
	// instead of stopping it.
	var mem *memory.Engine
	var ix *indexer.Indexer
	emb, err := embedding.NewEngine(cfg.Embedding, cfg.EmbeddingTimeout())
	if err != nil {
		logger.Warn("Embedding engine unavailable, search and injection disabled", zap.Error(err))
	} else {
		mem = memory.NewEngine(st, vec, emb)
		if cfg.Indexer.Enabled && !serveFlags.noIndex {
			ix = indexer.New(paths.ProjectRoot, cfg.Indexer, emb, vec)
		}
	}

	var extractor *summarize.Extractor
	llm, err := summarize.NewClient(cfg.Summarizer, cfg.SummarizerTimeout())
	if err != nil {
		logger.Warn("Summarizer unavailable, extraction disabled", zap.Error(err))
	} else {
		extractor = summarize.NewExtractor(llm)
	}

	cache := hookstate.NewCache()
	pw := power.NewController(cfg.Power, st, cache)
	backups := backup.NewManager(st, paths.HistoryDir, cfg.Backup)
	backups.OnRestore = func() {
		cache.InvalidateAll()
		if mem == nil {
			return
		}
		// Restored observations may predate the current embedding model;
		// re-embed the active set in the background.
		go func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer rcancel()
			if n, err := mem.ReindexObservations(rctx, st); err != nil {
				logging.Get(logging.CategoryBackup).Warn("Post-restore reindex failed: %v", err)
			} else {
				logging.Backup("Re-embedded %d observations after restore", n)
			}
		}()
	}

	gov := governance.New(st, governance.Options{
		Enabled:    cfg.Governance.Enabled,
		Mode:       cfg.Governance.Mode,
		LogAllowed: cfg.Governance.LogAllowed,
	})
	if err := gov.LoadRules(paths.RulesFile); err != nil {
		logger.Warn("Governance rules rejected, running with empty rule set", zap.Error(err))
	}

	scheduler := power.NewScheduler(st, taskRunner(ix, backups, paths.ProjectRoot))

	pipe := pipeline.New(pipeline.Options{
		Config:      cfg.Pipeline,
		Store:       st,
		Extractor:   extractor,
		Memory:      mem,
		Power:       pw,
		Scheduler:   scheduler,
		Backups:     backups,
		Cache:       cache,
		ProjectRoot: paths.ProjectRoot,
		Governance:  cfg.Governance,
	})

	srv, err := api.NewServer(api.Options{
		Config:     cfg,
		Paths:      paths,
		Store:      st,
		Memory:     mem,
		Governance: gov,
		Cache:      cache,
		Backups:    backups,
		Pipeline:   pipe,
		Power:      pw,
		Indexer:    ix,
		Version:    Version,
	})
	if err != nil {
		return err
	}
	if err := api.WriteVersionStamp(paths, Version); err != nil {
		logger.Warn("Failed to write version stamp", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ix != nil {
		// Initial sync runs in the background so hooks are served
		// immediately; the watcher keeps the index current afterwards.
		go func() {
			if stats, err := ix.IndexAll(ctx); err != nil {
				logger.Warn("Initial index failed", zap.Error(err))
			} else {
				logger.Info("Initial index complete",
					zap.Int("files", stats.FilesScanned), zap.Int("chunks", stats.ChunksEmbed))
			}
		}()
		if err := ix.StartWatcher(ctx); err != nil {
			logger.Warn("File watcher unavailable", zap.Error(err))
		}
		defer ix.StopWatcher()
	}

	if !serveFlags.noPipeline {
		pipe.Start(ctx)
		defer pipe.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("oakci daemon started",
		zap.String("root", paths.ProjectRoot),
		zap.Int("port", paths.Port()),
		zap.String("version", Version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// resolveMachineID stamps rows with a stable per-machine id so merged
// backups from different machines stay distinguishable.
func resolveMachineID() string {
	if id, err := machineid.ProtectedID("oakci"); err == nil {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return "host-" + host
	}
	return "unknown"
}

// taskRunner dispatches scheduled tasks by name. Unknown names are logged
// and skipped; the schedule still advances.
func taskRunner(ix *indexer.Indexer, backups *backup.Manager, projectRoot string) func(*types.ScheduledTask) {
	return func(task *types.ScheduledTask) {
		switch task.Name {
		case "backup":
			if backups == nil {
				return
			}
			if _, err := backups.Create(projectRoot); err != nil {
				logging.Get(logging.CategoryPower).Warn("Scheduled backup failed: %v", err)
			}
		case "reindex":
			if ix == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if _, err := ix.Rebuild(ctx); err != nil {
				logging.Get(logging.CategoryPower).Warn("Scheduled reindex failed: %v", err)
			}
		default:
			logging.Power("Unknown scheduled task %q skipped", task.Name)
		}
	}
}
