package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/internal/appctx"
	"github.com/3leaps/stillpoint/internal/server/handlers"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume generation jobs from RabbitMQ",
	Long: `Consume job invocations published by 'stillpoint serve' in amqp trigger
mode and run the generation pipeline for each. Deliveries are acknowledged
once handled; job failures are recorded on the job record, not retried.

When metrics are enabled, /metrics and /health are served on metrics.port.

Examples:
  stillpoint worker
  stillpoint worker --concurrency 8`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Concurrent jobs (default: workers)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, map[string]any{"trigger.mode": appctx.TriggerAMQP})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	q := a.AMQP()
	if q == nil {
		return exitError(foundry.ExitInvalidArgument, "Worker requires the amqp trigger", nil)
	}

	concurrency := workerConcurrency
	if concurrency <= 0 {
		concurrency = a.Config.Workers
	}

	if a.Config.Metrics.Enabled && a.Config.Metrics.Port > 0 {
		srv := sidecarServer(a)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Log.Warn("Metrics listener stopped", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	a.Log.Info("Worker consuming",
		zap.String("queue", q.Queue()),
		zap.Int("concurrency", concurrency))
	if err := q.Consume(ctx, a.Worker, concurrency); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Consumer stopped", err)
	}
	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "worker stopped", ctx.Err())
	}
	return nil
}

// sidecarServer exposes metrics and health for a process with no API.
func sidecarServer(a *appctx.Context) *http.Server {
	health := handlers.NewHealthManager(versionInfo.Version)
	for name, c := range a.Checkers() {
		health.RegisterChecker(name, c)
	}
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	r.Get("/health", health.HealthHandler)
	r.Get("/health/live", health.LivenessHandler)
	return &http.Server{
		Addr:              net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Metrics.Port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
