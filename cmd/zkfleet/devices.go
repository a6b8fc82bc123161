package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and manage registered terminals",
	}
	cmd.AddCommand(
		newDevicesListCmd(),
		newDevicesPingCmd(),
		newDevicesInfoCmd(),
		newDevicesTimeCmd(),
		newDevicesSetTimeCmd(),
		newDevicesRestartCmd(),
	)
	return cmd
}

func newDevicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registered fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tADDRESS\tSERIAL\tMODEL")
			for _, dev := range a.registry.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", dev.Key, dev.Name, dev.Addr(), dev.Serial, dev.Model)
			}
			return w.Flush()
		},
	}
}

func newDevicesPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <device>",
		Short: "Connect to a terminal and read its clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			sess, err := a.pool.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.Release()
			devTime, err := sess.Time(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s ok: rtt=%s device_time=%s skew=%s\n",
				args[0],
				time.Since(start).Round(time.Millisecond),
				devTime.Format(time.RFC3339),
				devTime.Sub(time.Now().UTC()).Round(time.Second))
			return nil
		},
	}
}

func newDevicesInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <device>",
		Short: "Show terminal hardware info and record counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.pool.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.Release()
			info, err := sess.Info(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("device:    %s (%s)\n", args[0], sess.Device().Addr())
			fmt.Printf("serial:    %s\n", info.Serial)
			fmt.Printf("model:     %s\n", info.Model)
			fmt.Printf("firmware:  %s\n", info.Firmware)
			fmt.Printf("platform:  %s\n", info.Platform)
			fmt.Printf("users:     %d\n", info.UserCount)
			fmt.Printf("templates: %d\n", info.TemplateCount)
			fmt.Printf("records:   %d\n", info.RecordCount)
			fmt.Printf("time:      %s\n", info.Time.Format(time.RFC3339))
			return nil
		},
	}
}

func newDevicesTimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "time <device>",
		Short: "Read a terminal clock and its skew against this host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.pool.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.Release()
			devTime, err := sess.Time(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("device: %s\nhost:   %s\nskew:   %s\n",
				devTime.Format(time.RFC3339),
				time.Now().UTC().Format(time.RFC3339),
				devTime.Sub(time.Now().UTC()).Round(time.Second))
			return nil
		},
	}
}

func newDevicesSetTimeCmd() *cobra.Command {
	var flagTo string

	cmd := &cobra.Command{
		Use:   "set-time <device>",
		Short: "Set a terminal clock (host time unless --to is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := time.Now().UTC()
			if flagTo != "" {
				parsed, err := parseTimeFlag(flagTo)
				if err != nil {
					return err
				}
				target = parsed
			}

			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.pool.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.Release()
			if err := sess.SetTime(cmd.Context(), target); err != nil {
				return err
			}
			log.Info().Str("device", args[0]).Time("to", target).Msg("terminal clock set")
			return nil
		},
	}
	cmd.Flags().StringVar(&flagTo, "to", "", "Target time (RFC3339 or YYYY-MM-DD HH:MM:SS, default host now)")
	return cmd
}

func newDevicesRestartCmd() *cobra.Command {
	var flagYes bool

	cmd := &cobra.Command{
		Use:   "restart <device>",
		Short: "Reboot a terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagYes {
				return fmt.Errorf("restarting interrupts clock-ins; pass --yes to confirm")
			}
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.pool.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer sess.Release()
			if err := sess.Restart(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("device", args[0]).Msg("terminal restarting")
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagYes, "yes", false, "Confirm the restart")
	return cmd
}
