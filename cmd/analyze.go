package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/keyword-job-tracker/internal/orchestrator"
)

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <seed keyword>",
		Short: "Create an analysis job for a seed keyword and follow it to the end",
		Long: `Submits the seed keyword to the analysis service. A keyword that was
analyzed before resolves immediately from the stored result; otherwise the job
is started once its live feed is open and followed until it completes or fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			seed := strings.Join(args, " ")
			out, err := a.Orchestrator().Analyze(cmd.Context(), seed)
			printOutcome(cmd.OutOrStdout(), out)
			if err != nil {
				return fmt.Errorf("analyze %q: %w", seed, err)
			}
			return nil
		},
	}
}

func printOutcome(w io.Writer, out orchestrator.Outcome) {
	if out.JobID == 0 {
		return
	}
	line := fmt.Sprintf("job %d %s", out.JobID, out.Result)
	if out.Reconnects > 0 {
		line += fmt.Sprintf(" after %d reconnect attempt(s)", out.Reconnects)
	}
	if reason := out.Final.FailureReason(); reason != "" {
		line += ": " + reason
	}
	fmt.Fprintln(w, line)
}
