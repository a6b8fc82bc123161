package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zkfleet/zkfleet"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up, list, restore and expire device manifests",
	}
	cmd.AddCommand(
		newBackupRunCmd(),
		newBackupListCmd(),
		newBackupRestoreCmd(),
		newBackupCleanupCmd(),
	)
	return cmd
}

func newBackupRunCmd() *cobra.Command {
	var flagAttendance bool

	cmd := &cobra.Command{
		Use:   "run [device]",
		Short: "Back up one device, or the whole fleet when no device is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			keys := a.registry.Keys()
			if len(args) == 1 {
				keys = args[:1]
			}
			failed := 0
			for _, key := range keys {
				res, err := a.backup.Run(cmd.Context(), key, zkfleet.RunOptions{IncludeAttendance: flagAttendance})
				if err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "%s: backup failed: %v\n", key, err)
					continue
				}
				fmt.Printf("%s: %d users, %d templates, %d attendance -> %s\n",
					key, res.Users, res.Templates, res.Attendance, res.Key)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d backups failed", failed, len(keys))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagAttendance, "attendance", false, "Include attendance records in the manifest")
	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [device]",
		Short: "List stored backups, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			device := ""
			if len(args) == 1 {
				device = args[0]
			}
			backups, err := a.backup.List(cmd.Context(), device)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tDEVICE\tFULL\tSIZE\tKEY")
			for _, b := range backups {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n",
					b.CreatedAt.Format(time.RFC3339), b.Device, b.Full, b.Size, b.Key)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d backups in %s\n", len(backups), a.store.Name())
			return nil
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	var (
		flagApply  bool
		flagTarget string
	)

	cmd := &cobra.Command{
		Use:   "restore <key>",
		Short: "Restore a manifest onto a terminal (dry run unless --apply)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.backup.Restore(cmd.Context(), args[0], zkfleet.RestoreOptions{
				DryRun:       !flagApply,
				TargetDevice: flagTarget,
			})
			if err != nil {
				return err
			}
			if res.DryRun {
				fmt.Printf("dry run: would restore %d users and %d templates to %s (pass --apply to write)\n",
					res.Users, res.Templates, res.Device)
				return nil
			}
			fmt.Printf("restored %d users and %d templates to %s (%d templates skipped)\n",
				res.Users, res.Templates, res.Device, res.SkippedTemplates)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagApply, "apply", false, "Write to the terminal instead of validating only")
	cmd.Flags().StringVar(&flagTarget, "target", "", "Restore onto this device instead of the manifest's origin")
	return cmd
}

func newBackupCleanupCmd() *cobra.Command {
	var flagRetention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			retention := a.cfg.Backup.Retention()
			if flagRetention > 0 {
				retention = flagRetention
			}
			res, err := a.backup.Cleanup(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d, deleted %d expired backups\n", res.Scanned, res.Deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&flagRetention, "retention", 0, "Override the configured retention window (e.g. 2160h)")
	return cmd
}
