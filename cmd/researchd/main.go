// Command researchd serves and inspects the shared research state store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kittclouds/researchstate/internal/config"
	"github.com/kittclouds/researchstate/internal/logging"
	"github.com/kittclouds/researchstate/internal/store"
)

var (
	// Global flags
	cfgPath  string
	dbPath   string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "researchd",
	Short: "Shared state store for multi-agent research sessions",
	Long: `researchd keeps the state a team of research agents shares: sessions,
agent lifecycles, the thought graph, facts and their conflicts, the entity
graph and citations. "serve" exposes it over HTTP; the other commands
inspect or load a database directly.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Database.Path = dbPath
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging)
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

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "researchd.yaml", "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(factsCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(nodesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB opens the configured database. The caller closes it.
func openDB(ctx context.Context) (*store.DB, error) {
	return store.Open(ctx, cfg.StoreOptions(logger))
}

// withStore runs fn against a freshly opened database.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) error) error {
	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db.Store())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file argument, with "-" meaning stdin.
func readInput(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		return string(raw), err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(raw), nil
}
