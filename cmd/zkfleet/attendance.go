package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zkfleet/zkfleet"
)

func newAttendanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attendance",
		Short: "Read and manage attendance records",
	}
	cmd.AddCommand(
		newAttendanceGetCmd(),
		newAttendanceStatusCmd(),
		newAttendanceRefreshCmd(),
		newAttendanceClearCmd(),
	)
	return cmd
}

func newAttendanceGetCmd() *cobra.Command {
	var (
		flagFrom string
		flagTo   string
	)

	cmd := &cobra.Command{
		Use:   "get <device>",
		Short: "Print attendance records, optionally bounded by --from/--to (inclusive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTimeFlag(flagFrom)
			if err != nil {
				return err
			}
			to, err := parseTimeFlag(flagTo)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key := args[0]
			records, err := a.cache.Get(key, from, to)
			if errors.Is(err, zkfleet.ErrCacheCold) {
				// One-shot invocations always start cold; fetch synchronously.
				if _, err := a.cache.Refresh(cmd.Context(), key); err != nil {
					return err
				}
				records, err = a.cache.Get(key, from, to)
				if err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tUID\tUSER\tPUNCH\tVERIFY")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n",
					rec.Timestamp.Format("2006-01-02 15:04:05"),
					rec.UID, rec.UserID, zkfleet.PunchLabel(rec.Status), rec.VerifyMethod)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d records\n", len(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&flagFrom, "from", "", "Lower bound, inclusive (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&flagTo, "to", "", "Upper bound, inclusive (RFC3339 or YYYY-MM-DD)")
	return cmd
}

func newAttendanceStatusCmd() *cobra.Command {
	var flagRefresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-device cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if flagRefresh {
				for _, key := range a.registry.Keys() {
					if _, err := a.cache.Refresh(cmd.Context(), key); err != nil {
						log.Warn().Str("device", key).Err(err).Msg("refresh failed")
					}
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tCACHED\tRECORDS\tFETCHED\tSTALE\tLAST ERROR")
			for _, st := range a.cache.Statuses() {
				fetched := "-"
				if !st.FetchedAt.IsZero() {
					fetched = st.FetchedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%t\t%s\n",
					st.Device, st.Cached, st.Count, fetched, st.Stale, st.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&flagRefresh, "refresh", false, "Refresh every device before reporting")
	return cmd
}

func newAttendanceRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <device>",
		Short: "Fetch a device's attendance into the cache now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.cache.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d records cached\n", args[0], count)
			return nil
		},
	}
}

func newAttendanceClearCmd() *cobra.Command {
	var flagYes bool

	cmd := &cobra.Command{
		Use:   "clear <device>",
		Short: "Erase all attendance records on a terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagYes {
				return fmt.Errorf("clearing is irreversible; pass --yes to confirm")
			}
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			key := args[0]
			sess, err := a.pool.Acquire(cmd.Context(), key)
			if err != nil {
				return err
			}
			defer sess.Release()
			if err := sess.ClearAttendance(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("device", key).Msg("attendance cleared on terminal")
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagYes, "yes", false, "Confirm the wipe")
	return cmd
}
