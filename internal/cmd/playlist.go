package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/stillpoint/pkg/jobs"
)

var playlistCmd = &cobra.Command{
	Use:   "playlist <user_id> <job_id>",
	Short: "Render the HLS playlist of a job",
	Long: `Render an HLS media playlist for a streaming job with freshly presigned
segment URLs. By default the segment count and completeness come from the
job record; --segments and --complete override them.

With --upload the rendered playlist replaces the stored one.

Examples:
  stillpoint playlist u1 4b7c...
  stillpoint playlist u1 4b7c... --segments 3
  stillpoint playlist u1 4b7c... --complete --upload`,
	Args: cobra.ExactArgs(2),
	RunE: runPlaylist,
}

func init() {
	rootCmd.AddCommand(playlistCmd)
	playlistCmd.Flags().Int("segments", -1, "Segment count (default: from job record)")
	playlistCmd.Flags().Bool("complete", false, "Close the playlist with ENDLIST")
	playlistCmd.Flags().Bool("upload", false, "Store the rendered playlist")
}

func runPlaylist(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID, jobID := args[0], args[1]
	segments, _ := cmd.Flags().GetInt("segments")
	complete, _ := cmd.Flags().GetBool("complete")
	upload, _ := cmd.Flags().GetBool("upload")

	a, err := loadApp(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	rec, err := a.Jobs.GetJob(ctx, userID, jobID)
	if err != nil {
		return jobsError("Get job", err)
	}
	if !rec.IsStreaming() {
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("job %s is not a streaming job", jobID), nil)
	}
	if segments < 0 {
		segments = rec.Streaming.SegmentsCompleted
	}
	if !cmd.Flags().Changed("complete") {
		complete = rec.Status == jobs.StatusCompleted
	}

	body := a.HLS.GenerateLivePlaylist(ctx, userID, jobID, segments, nil, complete)
	if upload {
		if err := a.HLS.UploadPlaylist(ctx, userID, jobID, body); err != nil {
			return exitError(foundry.ExitFileWriteError, "Upload playlist", err)
		}
	}
	_, _ = fmt.Fprint(cmd.OutOrStdout(), body)
	return nil
}
