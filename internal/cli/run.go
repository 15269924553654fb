package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/loop"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/source"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/writer"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewRunCommand creates the run command, the long-running service.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the ingestion loop",
		Long: `Start the ingestion loop. The command waits for PostgreSQL, loads the
checkpoint and then runs one cycle per trigger interval until it receives
SIGINT or SIGTERM.

Example:
  ingestor run --config configs/ingestor.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, rootOpts.Config())
		},
	}
}

func runService(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting ingestor",
		"input_path", cfg.Ingestion.InputPath,
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"trigger_interval", cfg.Ingestion.TriggerInterval,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pg, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	var cleanup closers
	cleanup = append(cleanup, pg)
	defer cleanup.Close()

	store, cpPing, cpCloser, err := openCheckpoint(cfg, pg)
	if err != nil {
		return err
	}
	if cpCloser != nil {
		cleanup = append(cleanup, cpCloser)
	}
	sink, sinkCloser := openDeadLetter(cfg, m)
	if sinkCloser != nil {
		cleanup = append(cleanup, sinkCloser)
	}

	w := writer.New(pg, writer.Options{
		Table:          cfg.Writer.Table,
		MaxRowsPerStmt: cfg.Writer.MaxRowsPerStmt,
		AttemptTimeout: cfg.Writer.AttemptTimeout,
		Metrics:        m,
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialDelay:   cfg.Retry.InitialDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			Multiplier:     2,
			JitterFraction: cfg.Retry.JitterFraction,
		},
	})

	l, err := loop.New(loop.Config{
		TriggerInterval: cfg.Ingestion.TriggerInterval,
		FailurePolicy:   cfg.Ingestion.FailurePolicy,
	}, loop.Deps{
		Source: source.NewWatcher(source.Options{
			Dir:        cfg.Ingestion.InputPath,
			Extension:  cfg.Ingestion.FileExtension,
			TempPrefix: cfg.Ingestion.TempPrefix,
			MaxFiles:   cfg.Ingestion.MaxFilesPerTrigger,
		}),
		Validator: validator.New(validator.Options{
			TimestampLayout:  cfg.Validation.TimestampLayout,
			AllowedClockSkew: cfg.Validation.AllowedClockSkew,
		}),
		Writer:     w,
		Checkpoint: store,
		DeadLetter: sink,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(pg.Ping))
	if cpPing != nil {
		checker.Register("checkpoint", health.PingCheck(cpPing))
	}
	checker.Register("cycles", health.StaleCheck(10*cfg.Ingestion.TriggerInterval, l.LastSuccess))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, reg, checker, middleware.Metrics(m))
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error { return l.Run(gctx) })

	err = g.Wait()
	slog.Info("ingestor stopped", "error", err)
	return err
}
