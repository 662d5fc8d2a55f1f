package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/hearthly/internal/cache"
	"github.com/ashureev/hearthly/internal/config"
	"github.com/ashureev/hearthly/internal/output"
	"github.com/ashureev/hearthly/internal/quota"
	"github.com/ashureev/hearthly/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// app holds the dependencies shared by every subcommand. They are opened in
// the root's PersistentPreRunE and closed in its PersistentPostRunE.
type app struct {
	ui     *output.UI
	dbPath string

	cfg   *config.Config
	repo  *store.SQLiteStore
	quota *quota.Store
	redis *cache.Redis
}

func newRootCmd(ui *output.UI) *cobra.Command {
	a := &app{ui: ui}

	root := &cobra.Command{
		Use:           "hearthly-admin",
		Short:         "Administer Hearthly quotas and session records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}
	root.SetOut(ui.Out)
	root.SetErr(ui.ErrOut)

	root.PersistentFlags().BoolVarP(&ui.Verbose, "verbose", "v", false, "Verbose output")
	root.PersistentFlags().BoolVarP(&ui.DryRun, "dry-run", "n", false, "Show what would happen without making changes")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (default $DB_PATH)")

	root.AddCommand(newQuotaCmd(a))
	root.AddCommand(newSessionsCmd(a))
	root.AddCommand(newSweepCmd(a))
	return root
}

func (a *app) open() error {
	if err := godotenv.Load(); err != nil {
		a.ui.Detail("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	a.cfg = cfg

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	repo.SetLogger(slog.New(slog.DiscardHandler))
	a.repo = repo
	a.ui.Detail("Using database %s", cfg.DBPath)

	var local cache.Store = cache.NewMemory()
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(cfg.RedisURL, cache.KeyPrefix, cache.DefaultTTL)
		if err != nil {
			a.ui.Warning("Redis unavailable, quota cache stays local: %v", err)
		} else {
			a.redis = r
			local = r
		}
	}
	a.quota = quota.New(repo, local, cfg.Session.Limit, slog.New(slog.DiscardHandler))
	return nil
}

func (a *app) close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.repo != nil {
		return a.repo.Close()
	}
	return nil
}
