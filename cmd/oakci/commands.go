package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"oakci/internal/config"
	"oakci/internal/embedding"
	"oakci/internal/indexer"
	"oakci/internal/logging"
	"oakci/internal/vector"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		client, err := newDaemonClient(paths)
		if err != nil {
			return err
		}
		var status map[string]interface{}
		if err := client.do("GET", "/api/status", nil, &status); err != nil {
			return err
		}
		return printJSON(status)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the daemon auth token",
	Long: `Prints the bearer token the running daemon accepts. Hook scripts use
this to authenticate; the token rotates on every daemon start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		client, err := newDaemonClient(paths)
		if err != nil {
			return err
		}
		fmt.Println(client.token)
		return nil
	},
}

var searchFlags struct {
	kind     string
	k        int
	resolved bool
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories, code, and sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		client, err := newDaemonClient(paths)
		if err != nil {
			return err
		}
		var out map[string]interface{}
		err = client.do("POST", "/api/search", map[string]interface{}{
			"query":            args[0],
			"search_type":      searchFlags.kind,
			"k":                searchFlags.k,
			"include_resolved": searchFlags.resolved,
		}, &out)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and restore deduplicated backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a backup of the activity store",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		client, err := newDaemonClient(paths)
		if err != nil {
			return err
		}
		var out map[string]string
		if err := client.do("POST", "/api/backup/create", nil, &out); err != nil {
			return err
		}
		fmt.Printf("Backup written: %s\n", out["file"])
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Merge a backup into the activity store",
	Long: `Merges one backup file (or, with no argument, every backup oldest
first) into the live store. Existing rows are kept; restore never
overwrites newer local data.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		client, err := newDaemonClient(paths)
		if err != nil {
			return err
		}
		var out map[string]interface{}
		if len(args) == 1 {
			err = client.do("POST", "/api/backup/restore", map[string]string{"file": args[0]}, &out)
		} else {
			err = client.do("POST", "/api/backup/restore-all", nil, &out)
		}
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var backupStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List backup files",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		client, err := newDaemonClient(paths)
		if err != nil {
			return err
		}
		var out map[string]interface{}
		if err := client.do("GET", "/api/backup/status", nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run a one-shot index of the source tree",
	Long: `Scans the project and brings the vector index up to date without a
running daemon. Requires a reachable embedding provider. Do not run this
while the daemon is serving the same project.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		if err := paths.EnsureDirs(); err != nil {
			return err
		}
		if err := logging.Initialize(paths.StateDir); err != nil {
			logger.Warn("File logging unavailable")
		}
		defer logging.CloseAll()

		cfg, err := config.Load(paths.ConfigFile)
		if err != nil {
			return err
		}
		emb, err := embedding.NewEngine(cfg.Embedding, cfg.EmbeddingTimeout())
		if err != nil {
			return fmt.Errorf("embedding provider required for indexing: %w", err)
		}
		vec, err := vector.Open(paths.VectorDB, cfg.Embedding.Dimension)
		if err != nil {
			return err
		}
		defer vec.Close()

		ix := indexer.New(paths.ProjectRoot, cfg.Indexer, emb, vec)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
		defer cancel()

		start := time.Now()
		stats, err := ix.IndexAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d files in %s: %d chunks embedded, %d unchanged, %d removed, %d errors\n",
			stats.FilesScanned, time.Since(start).Round(time.Millisecond),
			stats.ChunksEmbed, stats.ChunksSkipped, stats.ChunksRemoved, stats.Errors)
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchFlags.kind, "type", "all", "search type: all, code, memory, plans, sessions")
	searchCmd.Flags().IntVar(&searchFlags.k, "k", 10, "results per kind")
	searchCmd.Flags().BoolVar(&searchFlags.resolved, "include-resolved", false, "include resolved memories")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupStatusCmd)
}
