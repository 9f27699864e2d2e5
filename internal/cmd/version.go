package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		extended, _ := cmd.Flags().GetBool("extended")
		asJSON, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()

		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go_version": runtime.Version(),
			})
		}

		_, _ = fmt.Fprintf(out, "stillpoint %s\n", versionInfo.Version)
		if extended {
			_, _ = fmt.Fprintf(out, "  commit:     %s\n", versionInfo.Commit)
			_, _ = fmt.Fprintf(out, "  built:      %s\n", versionInfo.BuildDate)
			_, _ = fmt.Fprintf(out, "  go:         %s\n", runtime.Version())
			_, _ = fmt.Fprintf(out, "  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("extended", false, "Include build details")
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
