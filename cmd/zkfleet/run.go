package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zkfleet/zkfleet"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the fleet daemon: cache refresh, daily backups, retention cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			recorder, err := zkfleet.NewRunRecorderFromEnv()
			if err != nil {
				return err
			}
			if hr, ok := recorder.(*zkfleet.HistoryRecorder); ok {
				defer hr.Close()
			}

			sched := zkfleet.NewScheduler(zkfleet.SchedulerConfig{Recorder: recorder})
			deps := zkfleet.FleetJobDeps{
				Registry: a.registry,
				Pool:     a.pool,
				Cache:    a.cache,
				Backup:   a.backup,
				Notifier: a.notifier,
			}
			if err := zkfleet.RegisterFleetJobs(sched, deps, a.cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sched.Start(ctx)
			log.Info().
				Int("devices", a.registry.Len()).
				Str("driver", a.cfg.DriverName).
				Str("store", a.store.Name()).
				Msg("fleet daemon running")

			<-ctx.Done()
			log.Info().Dur("grace", a.cfg.StopGrace).Msg("shutdown signal received")
			return sched.Stop(a.cfg.StopGrace)
		},
	}
}
