// Package cmd holds the stillpoint command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/internal/appctx"
	"github.com/3leaps/stillpoint/internal/config"
	"github.com/3leaps/stillpoint/internal/observability"
	"github.com/3leaps/stillpoint/internal/server/handlers"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = buildInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	cfgFile     string
	verbose     bool
	appIdentity *config.Identity
)

// GetAppIdentity returns the identity established by the root command, or
// nil before it runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "stillpoint",
	Short: "Asynchronous meditation and summary generation with HLS streaming",
	Long: `stillpoint runs generation jobs asynchronously and streams meditation
audio as HLS segments while it is still being produced.

Examples:
  stillpoint serve                           # HTTP API with in-process workers
  stillpoint worker                          # consume jobs from RabbitMQ
  stillpoint jobs create --user u1 --type meditation --input '{"text":"..."}'
  stillpoint jobs status u1 <job_id> --output yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		id := config.DefaultIdentity
		appIdentity = &id
		observability.InitCLILogger(id.BinaryName, verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/stillpoint/stillpoint.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error(err.Error())
		var ce *codedError
		if errors.As(err, &ce) {
			return ce.code
		}
		return 1
	}
	return 0
}

// codedError carries a foundry exit code through cobra.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	} else {
		err = fmt.Errorf("%s: %w", message, err)
	}
	return &codedError{code: code, err: fmt.Errorf("%w (exit code %d)", err, code)}
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(log *zap.Logger, code int, message string, err error) {
	log.Error(message, zap.Error(err), zap.Int("exit_code", code))
	os.Exit(code)
}

// loadApp loads configuration and builds the application context.
func loadApp(ctx context.Context, overrides map[string]any, opts ...appctx.Option) (*appctx.Context, error) {
	var ov []map[string]any
	if overrides != nil {
		ov = append(ov, overrides)
	}
	cfg, err := config.Load(ctx, ov...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	log, err := observability.NewLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	a, err := appctx.New(ctx, cfg, log, opts...)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize services", err)
	}
	return a, nil
}
