package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/energy-metering-cache/internal/config"
	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/ledger"
	"github.com/septivank/energy-metering-cache/internal/logging"
	"github.com/septivank/energy-metering-cache/internal/reconcile"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/septivank/energy-metering-cache/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

// app holds what every subcommand needs once the store is open
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	repo       *repository.Repository
	ledger     *ledger.Ledger
	recorder   *service.Recorder
	reconciler *reconcile.Reconciler
	close      func()
}

var current *app

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meterctl",
	Short: "Inspect and repair the energy metering cache",
	Long: `meterctl works directly on the cache store configured by the
worker environment (STORE_DRIVER, DATABASE_URL, SQLITE_PATH).

Commands that mutate records take the ingestion lock so they never
interleave with an outcome being applied by the worker.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: openApp,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current != nil {
			current.close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", "", "Override SQLITE_PATH")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level")

	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(pointsCmd)
}

func openApp(cmd *cobra.Command, args []string) error {
	config.LoadDotEnv()

	cfg := config.FromEnv()
	// the CLI never talks to the broker
	cfg.RabbitMQ.Enabled = false
	if path, _ := cmd.Flags().GetString("sqlite-path"); path != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.SQLitePath = path
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cmd.Flags().GetString("log-level")
	logger, err := logging.NewLogger("meterctl", level)
	if err != nil {
		return err
	}

	repo, closeStore, err := openRepository(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	current = &app{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		ledger:     ledger.New(repo, cfg.Cache.MaxCallPerDay, logger),
		recorder:   service.NewRecorder(repo, cfg.Cache.MaxImportTry, logger),
		reconciler: reconcile.NewReconciler(repo, cfg.Cache.DetailToleranceMinutes, cfg.Cache.LookbackDays, logger),
		close: func() {
			closeStore()
			_ = logger.Sync()
		},
	}
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config) (*repository.Repository, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Database.Driver == config.DriverPostgres {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		repo, err := repository.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	}

	sqlDB, err := db.OpenSQLite(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	repo, err := repository.NewSQLite(ctx, sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return repo, func() { sqlDB.Close() }, nil
}

// withLock runs fn while holding the ingestion lock
func withLock(ctx context.Context, fn func() error) error {
	acquired, err := current.ledger.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("ingestion lock is held, retry later or run 'meterctl lock release' if no worker is running")
	}
	defer func() {
		if err := current.ledger.Release(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to release ingestion lock: %v\n", err)
		}
	}()
	return fn()
}
