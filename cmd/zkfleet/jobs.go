package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zkfleet/zkfleet/internal/env"
	"github.com/zkfleet/zkfleet/internal/history"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect scheduled job history",
	}
	cmd.AddCommand(newJobsHistoryCmd())
	return cmd
}

func newJobsHistoryCmd() *cobra.Command {
	var (
		flagDB    string
		flagJob   string
		flagLimit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job runs from the history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := firstNonEmpty(flagDB, env.String("HISTORY_DB_PATH", ""))
			if path == "" {
				return fmt.Errorf("--db or HISTORY_DB_PATH must be provided")
			}
			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			var runs []history.Record
			if flagJob != "" {
				runs, err = store.RecentForJob(cmd.Context(), flagJob, flagLimit)
			} else {
				runs, err = store.Recent(cmd.Context(), flagLimit)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tJOB\tSTATUS\tDURATION\tDETAIL")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.StartedAt.Format(time.RFC3339), run.Job, run.Status,
					time.Duration(run.DurationMS)*time.Millisecond, run.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&flagDB, "db", "", "History database path (default from HISTORY_DB_PATH)")
	cmd.Flags().StringVar(&flagJob, "job", "", "Limit to one job id, e.g. backup/office-front")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum rows to print")
	return cmd
}
