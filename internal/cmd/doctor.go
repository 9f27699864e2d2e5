package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/internal/appctx"
	"github.com/3leaps/stillpoint/internal/config"
	"github.com/3leaps/stillpoint/internal/observability"
	"github.com/3leaps/stillpoint/pkg/preflight"
	"github.com/3leaps/stillpoint/pkg/trigger"
)

var (
	doctorProbe string

	// lookPath is replaced in tests.
	lookPath = exec.LookPath
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks against the effective configuration and suggest
fixes for common issues.

The storage check runs in one of three modes:
  plan-only    resolve configuration only
  read-safe    list and head under the probe prefix (default)
  write-probe  also put, read back, presign and delete a probe object

Examples:
  stillpoint doctor
  stillpoint doctor --probe write-probe`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProbe, "probe", string(preflight.ModeReadSafe), "Storage probe mode (plan-only, read-safe, write-probe)")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
	help func()
}

func runDoctor(cmd *cobra.Command, args []string) error {
	mode, err := preflight.ParseMode(doctorProbe)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --probe", err)
	}

	log := observability.CLILogger
	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		log.Error("Checking configuration... ❌ invalid", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	failed := runChecks(cmd.Context(), log, doctorChecks(cfg, mode))

	log.Info("")
	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("%d check(s) failed", failed), nil)
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

// runChecks logs each check as [n/total] and returns how many failed.
func runChecks(ctx context.Context, log *zap.Logger, checks []doctorCheck) int {
	failed := 0
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			log.Error(prefix+" ❌ "+detail, zap.Error(err))
			if c.help != nil {
				c.help()
			}
			continue
		}
		log.Info(prefix + " ✅ " + detail)
	}
	return failed
}

func doctorChecks(cfg *config.Config, mode preflight.Mode) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{name: "environment", run: func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{name: "scratch directory", run: func(context.Context) (string, error) {
			return checkScratchDir(cfg.Pipeline.ScratchDir)
		}},
		{name: "storage (" + cfg.Storage.Provider + ", " + string(mode) + ")", run: func(ctx context.Context) (string, error) {
			return checkStorage(ctx, cfg.Storage, mode)
		}},
	}
	if cfg.Storage.Provider == "s3" {
		checks = append(checks, doctorCheck{
			name: "AWS credentials",
			run: func(ctx context.Context) (string, error) {
				return checkAWSCredentials(ctx, cfg.Storage)
			},
			help: printAWSCredentialsHelp,
		})
	}
	for _, bin := range []string{cfg.FFmpeg.Binary, cfg.FFmpeg.ProbeBinary, cfg.Synth.Command} {
		if bin == "" {
			continue
		}
		checks = append(checks, doctorCheck{name: bin, run: func(context.Context) (string, error) {
			path, err := lookPath(bin)
			if err != nil {
				return "not found on PATH", err
			}
			return path, nil
		}})
	}
	if cfg.Trigger.Mode == appctx.TriggerAMQP {
		checks = append(checks, doctorCheck{name: "RabbitMQ", run: func(context.Context) (string, error) {
			return checkAMQP(cfg.Trigger)
		}})
	}
	return checks
}

func checkScratchDir(dir string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, ".stillpoint-doctor-*")
	if err != nil {
		return dir + " is not writable", err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return dir, nil
}

func checkStorage(ctx context.Context, cfg config.StorageConfig, mode preflight.Mode) (string, error) {
	backend, err := appctx.NewBackend(ctx, cfg)
	if err != nil {
		return "cannot open provider", err
	}
	defer func() { _ = backend.Close() }()

	rec, err := preflight.Storage(ctx, backend, preflight.Spec{Mode: mode})
	if err != nil {
		last := rec.Results[len(rec.Results)-1]
		return fmt.Sprintf("%s denied (%s)", last.Capability, last.ErrorCode), err
	}
	if len(rec.Results) == 0 {
		return "skipped", nil
	}
	caps := make([]string, 0, len(rec.Results))
	for _, r := range rec.Results {
		caps = append(caps, r.Capability)
	}
	return strings.Join(caps, ", "), nil
}

func checkAWSCredentials(ctx context.Context, cfg config.StorageConfig) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "cannot load AWS config", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "cannot retrieve credentials", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskAccessKey(creds.AccessKeyID), source), nil
}

func checkAMQP(cfg config.TriggerConfig) (string, error) {
	target := redactURL(cfg.AMQPURL)
	q, err := trigger.DialAMQP(cfg.AMQPURL, cfg.Queue, zap.NewNop())
	if err != nil {
		return "cannot reach " + target, err
	}
	_ = q.Close()
	return fmt.Sprintf("%s queue %s", target, cfg.Queue), nil
}

// redactURL hides the password of an amqp URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Set storage.profile (STILLPOINT_STORAGE_PROFILE) to a shared config profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set storage.endpoint")
	log.Info("")
}
