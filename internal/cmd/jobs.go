package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/stillpoint/internal/appctx"
	"github.com/3leaps/stillpoint/pkg/jobs"
	"github.com/3leaps/stillpoint/pkg/output"
	"github.com/3leaps/stillpoint/pkg/trigger"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and inspect generation jobs",
	Long: `Operate on job records directly against the configured storage.

Examples:
  stillpoint jobs create --user u1 --type summary --input '{"text":"..."}'
  stillpoint jobs status u1 4b7c... --output yaml
  stillpoint jobs download u1 4b7c...
  stillpoint jobs watch u1 4b7c...
  stillpoint jobs cleanup u1 --jsonl`,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job and run or queue it",
	Long: `Create a job record. With trigger.mode=local the job runs to completion
in this process before the command returns; with trigger.mode=amqp it is
published for 'stillpoint worker'.

Input is a JSON object; {"text": "..."} is the common shape. Use --input -
to read it from stdin.

Examples:
  stillpoint jobs create --user u1 --type meditation --input '{"text":"breathe"}'
  echo '{"text":"long notes"}' | stillpoint jobs create --user u1 --type summary --input -`,
	RunE: runJobsCreate,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <user_id> <job_id>",
	Short: "Print a job record",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsStatus,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <user_id> <job_id>",
	Short: "Assemble the MP3 of a completed streaming job and print its URL",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsDownload,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup <user_id>",
	Short: "Delete expired job records for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCleanup,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsCreateCmd, jobsStatusCmd, jobsDownloadCmd, jobsCleanupCmd)

	jobsCreateCmd.Flags().String("user", "", "User ID (required)")
	jobsCreateCmd.Flags().String("type", string(jobs.TypeMeditation), "Job type: meditation or summary")
	jobsCreateCmd.Flags().Bool("streaming", true, "Stream meditation audio as HLS")
	jobsCreateCmd.Flags().String("input", "{}", "Job input as JSON, or - for stdin")
	_ = jobsCreateCmd.MarkFlagRequired("user")

	jobsStatusCmd.Flags().StringP("output", "o", "json", "Output format: json or yaml")
	jobsCleanupCmd.Flags().Bool("jsonl", false, "Emit stillpoint.deleted.v1 and summary records")
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	userID, _ := cmd.Flags().GetString("user")
	jobType, _ := cmd.Flags().GetString("type")
	streaming, _ := cmd.Flags().GetBool("streaming")
	rawInput, _ := cmd.Flags().GetString("input")

	if !jobs.Type(jobType).Valid() {
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("unknown job type %q", jobType), nil)
	}
	input, err := readInput(cmd.InOrStdin(), rawInput)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --input", err)
	}

	a, err := loadApp(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rec, err := a.Jobs.CreateJob(ctx, userID, jobs.Type(jobType), streaming)
	if err != nil {
		return jobsError("Create job", err)
	}
	inv := trigger.Invocation{UserID: userID, JobID: rec.JobID, JobType: rec.JobType, Input: input}

	if a.Config.Trigger.Mode == appctx.TriggerAMQP {
		if err := a.Trigger.Fire(ctx, inv); err != nil {
			_ = a.Jobs.UpdateJobStatus(ctx, userID, rec.JobID, jobs.StatusFailed, jobs.WithErrorMessage("failed to start job"))
			return exitError(foundry.ExitExternalServiceUnavailable, "Publish job", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), rec.JobID)
		return nil
	}

	// Local: run inline so the job finishes before the process exits.
	runErr := a.Worker.Handle(ctx, inv)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), rec.JobID)
	if runErr != nil {
		return exitError(1, "Job failed", runErr)
	}
	return nil
}

func readInput(stdin io.Reader, raw string) (json.RawMessage, error) {
	var b []byte
	if raw == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		b = data
	} else {
		b = []byte(raw)
	}
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 {
		b = []byte("{}")
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return json.RawMessage(b), nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, _ := cmd.Flags().GetString("output")
	if format != "json" && format != "yaml" {
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("unknown output format %q", format), nil)
	}

	a, err := loadApp(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rec, err := a.Jobs.GetJob(ctx, args[0], args[1])
	if err != nil {
		return jobsError("Get job", err)
	}
	return writeRecord(cmd.OutOrStdout(), rec, format)
}

// writeRecord prints rec using its JSON field names in either format.
func writeRecord(w io.Writer, rec *jobs.Record, format string) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if format == "json" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID, jobID := args[0], args[1]

	a, err := loadApp(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rec, err := a.Jobs.GetJob(ctx, userID, jobID)
	if err != nil {
		return jobsError("Get job", err)
	}
	if rec.Status != jobs.StatusCompleted || !rec.IsStreaming() {
		return exitError(foundry.ExitInvalidArgument,
			fmt.Sprintf("job %s is not a completed streaming job (status %s)", jobID, rec.Status), nil)
	}

	url, err := a.Download.GenerateMP3AndGetURL(ctx, userID, jobID)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Assemble MP3", err)
	}
	if err := a.Jobs.MarkDownloadReady(ctx, userID, jobID, url); err != nil {
		return jobsError("Record download", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID := args[0]
	asJSONL, _ := cmd.Flags().GetBool("jsonl")

	a, err := loadApp(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	start := time.Now()
	deleted, err := a.Jobs.CleanupExpiredJobs(ctx, userID)
	if !asJSONL {
		for _, id := range deleted {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		}
	} else {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), userID)
		for _, id := range deleted {
			_ = w.WriteDeleted(ctx, &output.DeletedRecord{JobID: id})
		}
		sum := &output.SummaryRecord{Operation: "cleanup", Count: len(deleted)}
		if err != nil {
			sum.Errors = 1
			_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeUnavailable, Message: err.Error()})
		}
		sum.Duration = time.Since(start)
		sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
		_ = w.WriteSummary(ctx, sum)
		_ = w.Close()
	}
	if err != nil {
		return jobsError("Cleanup", err)
	}
	return nil
}

func jobsError(message string, err error) error {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return exitError(foundry.ExitFileNotFound, message, err)
	case errors.Is(err, jobs.ErrInvalidArgument):
		return exitError(foundry.ExitInvalidArgument, message, err)
	}
	return exitError(foundry.ExitFileReadError, message, err)
}
