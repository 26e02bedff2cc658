package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/filekeep/filekeep/internal/backup"
	"github.com/filekeep/filekeep/internal/config"
	"github.com/filekeep/filekeep/internal/metrics"
	"github.com/filekeep/filekeep/internal/retention"
	"github.com/filekeep/filekeep/internal/sched"
	"github.com/filekeep/filekeep/internal/svc"
)

var watchRunNow bool

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the retention scheduler in the foreground",
		Long: `Watch runs reconcile plus a backup-store sweep on the configured
cron schedule until interrupted. When metrics.listen is set in the
config, Prometheus metrics are served at /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			path := cfgFile
			if path == "" {
				path = svc.DefaultConfigPath()
			}
			return runWatch(ctx, path)
		},
	}
	cmd.Flags().BoolVar(&watchRunNow, "run-now", false, "run one cycle immediately at startup")
	return cmd
}

// runWatch builds the scheduler from the config file and blocks until ctx
// is canceled. It is also the service-mode entry point.
func runWatch(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rootFS := osfs.New("/")
	m := metrics.Init(nil)
	scanner := retention.NewScanner(retention.ScannerConfig{FS: rootFS})
	manager := backup.NewManager(backup.Config{
		FS:      rootFS,
		Dir:     cfg.Backups.Dir,
		Policy:  cfg.BackupPolicy(),
		Metrics: m,
	})
	if err := manager.Init(); err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	scheduler := sched.New(sched.Config{
		Cron:        cfg.Schedule.Cron,
		ArtifactDir: cfg.ArtifactDir,
		Policy:      cfg.RetentionPolicy(),
		Scanner:     scanner,
		Backups:     manager,
		Metrics:     m,
	})
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("dir", cfg.ArtifactDir).
		Str("schedule", cfg.Schedule.Cron).
		Msg("filekeep watching")
	if next := scheduler.NextRun(); next != nil {
		log.Info().Time("next_run", *next).Msg("next scheduled cycle")
	}

	if watchRunNow {
		scheduler.Run(ctx)
	}

	<-ctx.Done()
	scheduler.Stop()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// serveMetrics exposes Prometheus metrics until ctx is canceled.
func serveMetrics(ctx context.Context, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", listen).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}
