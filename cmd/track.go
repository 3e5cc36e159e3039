package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newTrackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "track <job-id>",
		Short: "Follow an existing analysis job",
		Long: `Checks the job status first. Finished jobs are shown without opening the
live feed; running or queued jobs are followed until they end. The job is only
started if it is still queued when the feed opens.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out, err := a.Orchestrator().Track(cmd.Context(), id)
			printOutcome(cmd.OutOrStdout(), out)
			if err != nil {
				return fmt.Errorf("track job %d: %w", id, err)
			}
			return nil
		},
	}
}
