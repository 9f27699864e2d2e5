package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/internal/appctx"
	"github.com/3leaps/stillpoint/internal/server"
	"github.com/3leaps/stillpoint/internal/server/handlers"
)

var (
	serveHost    string
	servePort    int
	serveStorage string
	serveTrigger string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. Job creation returns immediately; generation runs in
in-process workers (trigger.mode=local) or is queued to RabbitMQ for
'stillpoint worker' (trigger.mode=amqp).

Examples:
  stillpoint serve
  stillpoint serve --port 9000 --storage memory
  STILLPOINT_TRIGGER_MODE=amqp stillpoint serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveStorage, "storage", "", "Storage provider: s3, file or memory")
	serveCmd.Flags().StringVar(&serveTrigger, "trigger", "", "Trigger mode: local or amqp")
}

// serveOverrides maps set flags onto config paths.
func serveOverrides() map[string]any {
	ov := map[string]any{}
	if serveHost != "" {
		ov["server.host"] = serveHost
	}
	if servePort != 0 {
		ov["server.port"] = servePort
	}
	if serveStorage != "" {
		ov["storage.provider"] = serveStorage
	}
	if serveTrigger != "" {
		ov["trigger.mode"] = serveTrigger
	}
	return ov
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, serveOverrides())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.Log.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	srv := newServer(a)
	a.Log.Info("Starting stillpoint",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("storage", a.Config.Storage.Provider),
		zap.String("trigger", a.Config.Trigger.Mode))

	err = srv.Start(ctx, a.Config.Server.ShutdownTimeout)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		a.Log.Info("Stopped on signal")
	}
	return nil
}

// newServer wires the HTTP surface over a.
func newServer(a *appctx.Context) *server.Server {
	health := handlers.InitHealthManager(versionInfo.Version)
	if a.Config.Health.Enabled {
		for name, c := range a.Checkers() {
			health.RegisterChecker(name, c)
		}
		if id := GetAppIdentity(); id != nil {
			health.RegisterChecker("identity", identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			})
		}
	}

	jobsHandler := handlers.NewJobsHandler(handlers.JobsDeps{
		Jobs:             a.Jobs,
		HLS:              a.HLS,
		Download:         a.Download,
		Trigger:          a.Trigger,
		StatusCache:      a.StatusCache,
		StreamingDefault: a.Config.Jobs.StreamingDefault,
		OnCache:          a.Metrics.ObserveCache,
		OnCreated:        a.Metrics.ObserveJobCreated,
		Log:              a.Log.Named("http"),
	})

	opts := []server.Option{
		server.WithJobs(jobsHandler),
		server.WithLogger(a.Log.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:  a.Config.Server.ReadTimeout,
			Write: a.Config.Server.WriteTimeout,
			Idle:  a.Config.Server.IdleTimeout,
		}),
	}
	if a.Config.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(a.Metrics.Handler(), a.Metrics.ObserveHTTP))
	}
	return server.New(a.Config.Server.Host, a.Config.Server.Port, opts...)
}

// identityHealthChecker fails when the application identity is incomplete,
// since config discovery and env binding depend on it.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("identity: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("identity: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("identity: missing config name")
	}
	return nil
}
