package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

func newHistoryCmd() *cobra.Command {
	var (
		q     job.HistoryQuery
		track bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previously submitted analysis jobs, newest first",
		Long: `Lists the jobs the analysis service knows about, newest first. With
--keyword only jobs whose seed contains the keyword are shown. With --track the
newest listed job is followed like "jobtracker track".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if q.Limit < 0 || q.Skip < 0 {
				return errors.New("--limit and --skip must not be negative")
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			briefs, err := a.History(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("list history: %w", err)
			}
			printHistory(cmd.OutOrStdout(), briefs)
			if !track {
				return nil
			}
			if len(briefs) == 0 {
				return errors.New("no job to track")
			}
			id := briefs[0].ID
			out, err := a.Orchestrator().Track(cmd.Context(), id)
			printOutcome(cmd.OutOrStdout(), out)
			if err != nil {
				return fmt.Errorf("track job %d: %w", id, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.Keyword, "keyword", "", "only jobs whose seed contains this keyword")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum jobs to list (default history.limit)")
	cmd.Flags().IntVar(&q.Skip, "skip", 0, "jobs to skip before listing")
	cmd.Flags().BoolVar(&track, "track", false, "follow the newest listed job")
	return cmd
}

func printHistory(w io.Writer, briefs []job.Brief) {
	if len(briefs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tSEED")
	for _, b := range briefs {
		created := "-"
		if b.CreatedAt != nil {
			created = b.CreatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", b.ID, b.Status, created, b.SeedInput)
	}
	_ = tw.Flush()
}
