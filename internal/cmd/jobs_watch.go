package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/stillpoint/pkg/jobs"
	"github.com/3leaps/stillpoint/pkg/output"
)

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <user_id> <job_id>",
	Short: "Follow a job until it finishes, as JSONL",
	Long: `Poll a job record and emit a stillpoint.job.v1 line each time its status
or streaming progress changes. The command exits when the job reaches
COMPLETED (exit 0) or FAILED (exit 1).

Examples:
  stillpoint jobs watch u1 4b7c...
  stillpoint jobs watch u1 4b7c... --interval 250ms --timeout 10m | jq .data.status`,
	Args: cobra.ExactArgs(2),
	RunE: runJobsWatch,
}

func init() {
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsWatchCmd.Flags().Duration("interval", time.Second, "Poll interval")
	jobsWatchCmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits forever)")
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID, jobID := args[0], args[1]
	interval, _ := cmd.Flags().GetDuration("interval")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if interval <= 0 {
		return exitError(foundry.ExitInvalidArgument, "--interval must be positive", nil)
	}

	a, err := loadApp(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	w := output.NewJSONLWriter(cmd.OutOrStdout(), userID)
	defer func() { _ = w.Close() }()

	start := time.Now()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *output.JobRecord
	for {
		rec, err := a.Jobs.GetJob(ctx, userID, jobID)
		if err != nil {
			code := output.ErrCodeInternal
			if errors.Is(err, jobs.ErrNotFound) {
				code = output.ErrCodeNotFound
			}
			_ = w.WriteError(ctx, &output.ErrorRecord{Code: code, Message: err.Error(), JobID: jobID})
			return jobsError("Watch job", err)
		}

		snap := snapshot(rec, time.Since(start))
		if last == nil || changed(last, snap) {
			if err := w.WriteJob(ctx, jobID, snap); err != nil {
				return exitError(foundry.ExitFileWriteError, "Write event", err)
			}
			last = snap
		}

		switch rec.Status {
		case jobs.StatusCompleted:
			return nil
		case jobs.StatusFailed:
			return exitError(1, fmt.Sprintf("job %s failed", jobID), errors.New(rec.Error))
		}

		select {
		case <-ctx.Done():
			return exitError(foundry.ExitSignalInt, "watch interrupted", ctx.Err())
		case <-deadline:
			return exitError(foundry.ExitExternalServiceUnavailable,
				fmt.Sprintf("job %s still %s after %s", jobID, rec.Status, timeout), nil)
		case <-ticker.C:
		}
	}
}

func snapshot(rec *jobs.Record, elapsed time.Duration) *output.JobRecord {
	snap := &output.JobRecord{
		Status:  string(rec.Status),
		Error:   rec.Error,
		Elapsed: elapsed.Seconds(),
	}
	if s := rec.Streaming; s != nil {
		snap.SegmentsCompleted = s.SegmentsCompleted
		snap.SegmentsTotal = s.SegmentsTotal
		if s.PlaylistURL != nil {
			snap.PlaylistURL = *s.PlaylistURL
		}
	}
	if d := rec.Download; d != nil && d.URL != nil {
		snap.DownloadURL = *d.URL
	}
	return snap
}

// changed ignores elapsed time.
func changed(prev, next *output.JobRecord) bool {
	if prev.Status != next.Status || prev.SegmentsCompleted != next.SegmentsCompleted ||
		prev.PlaylistURL != next.PlaylistURL || prev.DownloadURL != next.DownloadURL || prev.Error != next.Error {
		return true
	}
	return (prev.SegmentsTotal == nil) != (next.SegmentsTotal == nil)
}
