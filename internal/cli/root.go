// Package cli is the beatsync command line.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"beatsync/internal/changelog"
	"beatsync/internal/config"
)

type globalFlags struct {
	configPath string
	verbose    bool
	backend    string
	path       string
	dsn        string
}

// NewRootCmd builds the command tree. Commands write their results to the
// command's output stream so tests can capture it.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "beatsync",
		Short: "Propagate periodic task schedule changes to a running scheduler",
		Long: `beatsync records schedule changes (add, update, delete) in a shared change log
and folds them into a running scheduler's in-memory schedule on every sync tick.

The change log is a locked append-only file, a bbolt key-value file or a SQLite
database that also holds the authoritative task table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(g.verbose)
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&g.backend, "backend", "", "Change log backend: file, kv or sql")
	root.PersistentFlags().StringVar(&g.path, "path", "", "Change log path for the file and kv backends")
	root.PersistentFlags().StringVar(&g.dsn, "dsn", "", "SQLite database path for the sql backend")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newAddCmd(g, "add", "Record an add operation"))
	root.AddCommand(newAddCmd(g, "update", "Record an update operation (same as add)"))
	root.AddCommand(newDeleteCmd(g))
	root.AddCommand(newDrainCmd(g))
	root.AddCommand(newInfoCmd(g))
	return root
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func setupLogging(verbose bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// load reads the config file and applies flag overrides.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.backend != "" {
		cfg.Backend = g.backend
	}
	if g.path != "" {
		cfg.Path = g.path
	}
	if g.dsn != "" {
		cfg.DSN = g.dsn
	}
	return cfg, cfg.Validate()
}

func (g *globalFlags) openChangeLog() (config.Config, changelog.ChangeLog, error) {
	cfg, err := g.load()
	if err != nil {
		return cfg, nil, err
	}
	changes, err := changelog.Open(cfg.ChangeLog())
	if err != nil {
		return cfg, nil, fmt.Errorf("open change log: %w", err)
	}
	return cfg, changes, nil
}
