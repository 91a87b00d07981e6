// oakci is the codebase intelligence daemon and its CLI surface. The daemon
// owns all project state under <root>/.oak/ci; the other commands talk to a
// running daemon over its local HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"oakci/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	// Global flags
	projectRoot string
	verbose     bool

	// Console logger; the daemon's category file logs live in
	// internal/logging and are configured separately.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "oakci",
	Short: "Codebase intelligence daemon for agent sessions",
	Long: `oakci records agent coding sessions, extracts durable observations from
them, and serves memory and code context back into future sessions.

State lives under <project_root>/.oak/ci. Each project gets its own daemon
on a deterministic local port; all commands other than serve talk to it
over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the oakci version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectRoot, "root", "", "project root (default: $OAK_CI_PROJECT_ROOT, then cwd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(searchCmd)
}

// resolvePaths applies the --root flag and resolves the state layout.
func resolvePaths() (*config.Paths, error) {
	return config.ResolvePaths(projectRoot)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
