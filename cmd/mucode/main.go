// Package main provides the mucode CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/mucode/pkg/config"
	"github.com/orneryd/mucode/pkg/logging"
	"github.com/orneryd/mucode/pkg/mucode"
	"github.com/orneryd/mucode/pkg/muql"
	"github.com/orneryd/mucode/pkg/server"
	"github.com/orneryd/mucode/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	inMemory   bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "mucode",
		Short: "mucode - code graph indexing and MUQL queries",
		Long: `mucode indexes Go and Python source trees into a persistent code graph
and answers MUQL queries over it.

Examples:
  mucode index ./src
  mucode query "SHOW IMPACT OF fn:src/util.py:parse DEPTH 3"
  mucode query "ANALYZE dead-code"
  mucode serve --address :7475`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&g.inMemory, "in-memory", false, "Keep the database in memory only")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mucode v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(
		newIndexCmd(&g),
		newQueryCmd(&g),
		newShellCmd(&g),
		newServeCmd(&g),
		newMigrateCmd(&g),
		newStatusCmd(&g),
	)
	return rootCmd
}

// loadConfig layers defaults, the config file, the environment and flags.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(g.configPath); err != nil {
			return nil, err
		}
		cfg.ApplyEnv()
	} else {
		cfg = config.LoadFromEnv()
	}
	if g.dataDir != "" {
		cfg.Storage.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.inMemory {
		cfg.Storage.InMemory = true
	}
	return cfg, cfg.Validate()
}

func (g *globalFlags) openDB(mutate func(*config.Config)) (*mucode.DB, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	if !cfg.Storage.InMemory && !cfg.Storage.ReadOnly {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := mucode.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func newIndexCmd(g *globalFlags) *cobra.Command {
	var (
		force    bool
		tolerant bool
		noGit    bool
		workers  int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "index <root>",
		Short: "Index a source tree",
		Long:  "Scan, parse and store every Go and Python file under root, then publish a new graph snapshot.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.openDB(func(c *config.Config) {
				c.Build.Force = c.Build.Force || force
				c.Build.Tolerant = c.Build.Tolerant || tolerant
				c.Build.NoGit = c.Build.NoGit || noGit
				if workers > 0 {
					c.Build.Workers = workers
				}
			})
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := db.RunBuild(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			renderBuild(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reparse files whose content is unchanged")
	cmd.Flags().BoolVar(&tolerant, "tolerant", false, "Keep what can be extracted from files with syntax errors")
	cmd.Flags().BoolVar(&noGit, "no-git", false, "Walk the filesystem instead of asking git for the file list")
	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel parsers (default: one per CPU)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the build result as JSON")
	return cmd
}

func newQueryCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON  bool
		explain bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "query <muql>",
		Short: "Run one MUQL statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.openDB(func(c *config.Config) { c.Storage.ReadOnly = !c.Storage.InMemory })
			if err != nil {
				return err
			}
			defer db.Close()

			if explain {
				plan, err := db.Executor().Prepare(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), plan.String())
				return nil
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := db.Execute(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			renderResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&explain, "explain", false, "Print the plan without running it")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the query after this long")
	return cmd
}

func newShellCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive MUQL shell",
		Long:  "Read MUQL statements from stdin, one per line, and print each result. Type 'exit' or Ctrl+D to quit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()
			return runShell(cmd.Context(), db, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()

			cfg := server.DefaultConfig()
			cfg.Address = db.Config().Server.Address
			cfg.EnableMetrics = db.Config().Server.Metrics
			if address != "" {
				cfg.Address = address
			}
			srv, err := server.New(db, cfg)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			if err := srv.Start(); err != nil {
				return fmt.Errorf("starting server: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s mucode v%s listening on %s\n", styles.ok.Render("✓"), version, srv.Addr())
			fmt.Fprintln(out, "Press Ctrl+C to stop")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			db.Logger().Info("shutting down")
			shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Stop(shutdown); err != nil {
				return fmt.Errorf("stopping server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address (overrides server.address)")
	return cmd
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the store layout to the latest schema version",
		Long: `Open the store and apply every pending layout migration in order.
With --check the store is opened read-only and nothing is changed; the command
fails when an upgrade is pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runMigrate(cmd.OutOrStdout(), cfg, logger, check)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Only report whether an upgrade is pending")
	return cmd
}

func runMigrate(out io.Writer, cfg *config.Config, logger *zap.Logger, check bool) error {
	mode := storage.ReadWrite
	if check || cfg.Storage.ReadOnly {
		mode = storage.ReadOnly
	}
	store, err := storage.Open(storage.Options{
		DataDir:    cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		Mode:       mode,
		SyncWrites: true,
		Logger:     logger,
	})
	if errors.Is(err, storage.ErrReadOnly) {
		fmt.Fprintf(out, "%s schema upgrade pending\n", styles.warn.Render("!"))
		return err
	}
	if err != nil {
		return err
	}
	defer store.Close()

	migrations := storage.DefaultMigrations()
	fmt.Fprintf(out, "%s schema version %d (latest %d)\n", styles.ok.Render("✓"), store.SchemaVersion(), len(migrations))
	for _, m := range migrations {
		fmt.Fprintf(out, "  %d -> %d  %s\n", m.From, m.To, m.Description)
	}
	return nil
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store and graph statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := g.openDB(func(c *config.Config) { c.Storage.ReadOnly = !c.Storage.InMemory })
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := db.Status()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

// statementHelp lists the MUQL forms for the shell's help command.
var statementHelp = []string{
	"SELECT <fields|*> FROM <nodes|kind> [WHERE ...] [ORDER BY f [DESC]] [LIMIT n]",
	"SHOW DEPS OF <target> [DEPTH n] [VIA kind, ...]",
	"SHOW IMPACT OF <target> [DEPTH n] [VIA kind, ...]",
	"SHOW CYCLES [OF <target>] [VIA kind, ...]",
	"FIND [kind] <pattern> [IN scope] [LIMIT n]",
	"FIND SIMILAR TO '<text>' [IN scope] [LIMIT n]",
	"PATH FROM <a> TO <b> [MAX-HOPS n] [VIA kind, ...]",
	"ANALYZE <" + joinNames(muql.AnalysisNames()) + "> [WITH name = value, ...]",
}
