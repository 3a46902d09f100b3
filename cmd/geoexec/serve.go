package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/geoexec/internal/api"
	"github.com/seantiz/geoexec/internal/artifact"
	"github.com/seantiz/geoexec/internal/config"
	"github.com/seantiz/geoexec/internal/engine"
	"github.com/seantiz/geoexec/internal/limits"
	"github.com/seantiz/geoexec/internal/process"
	"github.com/seantiz/geoexec/internal/query"
	"github.com/seantiz/geoexec/internal/retention"
	"github.com/seantiz/geoexec/internal/store"
)

const drainTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("geoexec: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"config_file", cfg.File,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	live := limits.NewLive(cfg.Limits)
	policy := limits.NewPolicy(live)
	live.OnChange(func(l limits.Limits) {
		policy.Refresh()
		logger.Info("limits updated",
			"max_synchronous_processes", l.MaxSynchronousProcesses,
			"max_asynchronous_processes", l.MaxAsynchronousProcesses,
			"synchronous_disabled", l.SynchronousDisabled,
		)
	})

	processes := process.NewRegistry()
	process.RegisterBuiltins(processes)

	artifacts := artifact.NewMemoryStore()
	mgr := engine.NewManager(db, policy, logger, engine.Options{
		Validators: []engine.Validator{limits.SizeValidator{Source: live}},
		Artifacts:  artifacts,
	})

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     db,
		Manager:   mgr,
		Queries:   query.NewEngine(db),
		Processes: processes,
		Artifacts: artifacts,
		AdminRole: cfg.AdminRole,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.Retention.MaxAge > 0 {
		sweeper := retention.NewSweeper(db, artifacts, cfg.Retention.MaxAge, logger, mgr.Broker())
		g.Go(func() error { return sweeper.Run(gctx, cfg.Retention.Schedule) })
	}

	if cfg.File != "" {
		watcher := config.NewWatcher(cfg.File, logger)
		watcher.OnReload(func(next config.Config) { live.Set(next.Limits) })
		g.Go(func() error { return watcher.Run(gctx) })
	}

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if cerr := mgr.Close(drainCtx); cerr != nil {
		logger.Error("execution manager did not drain", "error", cerr)
	}
	return err
}
