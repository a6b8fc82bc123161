package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zkfleet/zkfleet/internal/env"
	_ "github.com/zkfleet/zkfleet/internal/simdriver"
)

var rootCmd = &cobra.Command{
	Use:   "zkfleet",
	Short: "Middleware for a fleet of biometric attendance terminals",
	Long: `zkfleet manages a fleet of ZK-protocol attendance terminals: serialized
device access with retries, a background-refreshed attendance cache, and
scheduled backups of users and fingerprint templates to object storage.`,
}

var (
	rootMachines string
	rootDriver   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootMachines, "machines", "", "Fleet registry file overriding ZK_MACHINES_CONFIG")
	rootCmd.PersistentFlags().StringVar(&rootDriver, "driver", "", "Terminal driver overriding ZK_DRIVER")
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
		newAttendanceCmd(),
		newBackupCmd(),
		newJobsCmd(),
		newCheckCmd(),
	)
	env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("zkfleet command failed")
	}
}
