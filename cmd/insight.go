package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

func newInsightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insight <job-id>",
		Short: "Run the integrated analysis of a completed job",
		Long: `Shows the integrated analysis of a completed job. A finished analysis is
printed right away; otherwise one is started and its status polled until the
service reports it completed or failed.`,
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
			w := cmd.OutOrStdout()
			var last job.InsightState
			in, err := a.Insight().Run(cmd.Context(), id, func(in job.Insight) {
				if in.Status == last {
					return
				}
				last = in.Status
				if in.Message != "" {
					fmt.Fprintf(w, "integrated analysis %s: %s\n", in.Status, in.Message)
				} else {
					fmt.Fprintf(w, "integrated analysis %s\n", in.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("integrated analysis of job %d: %w", id, err)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, in.Text)
			return nil
		},
	}
}
