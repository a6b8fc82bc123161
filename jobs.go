package zkfleet

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// FleetJobDeps bundles the collaborators the standard job set runs against.
type FleetJobDeps struct {
	Registry *Registry
	Pool     *DevicePool
	Cache    *AttendanceCache
	Backup   *BackupManager
	Notifier Notifier
}

// RegisterFleetJobs adds the standard fleet jobs to a scheduler that has not
// been started yet:
//
//	refresh/<device>  cache refresh on a staggered interval
//	backup/<device>   daily backup at the configured UTC wall time, staggered
//	cleanup           daily retention sweep one hour after the last backup
//	pool-reap         idle-connection maintenance (when idle timeout is set)
//	status-log        periodic fleet status line (when enabled)
//
// Staggering spreads per-device jobs so the fleet never hammers the network
// at one instant.
func RegisterFleetJobs(s *Scheduler, deps FleetJobDeps, cfg Config) error {
	cacheCfg := cfg.Cache.withDefaults()
	backupCfg := cfg.Backup.withDefaults()
	poolCfg := cfg.Pool.withDefaults()

	keys, err := filterAllowedKeys(deps.Registry, cfg.DeviceAllowlist)
	if err != nil {
		return err
	}
	if len(cfg.DeviceAllowlist) > 0 {
		log.Info().Strs("devices", keys).Msg("device allowlist restricts the managed fleet")
	}
	for i, key := range keys {
		key := key
		if err := s.Add("refresh/"+key,
			Every{Interval: cacheCfg.RefreshInterval, Offset: time.Duration(i) * cacheCfg.RefreshStagger},
			func(ctx context.Context) error {
				_, err := deps.Cache.Refresh(ctx, key)
				return err
			}); err != nil {
			return err
		}
		if err := s.Add("backup/"+key,
			DailyAt{Hour: backupCfg.HourUTC, Minute: backupCfg.MinuteUTC, Offset: time.Duration(i) * backupCfg.Stagger},
			func(ctx context.Context) error {
				res, err := deps.Backup.Run(ctx, key, RunOptions{IncludeAttendance: backupCfg.IncludeAttendance})
				if err != nil {
					notify(ctx, deps.Notifier, Notification{
						Severity:  SeverityError,
						Operation: "backup",
						Device:    key,
						Message:   err.Error(),
					})
					return err
				}
				notify(ctx, deps.Notifier, Notification{
					Severity:  SeverityInfo,
					Operation: "backup",
					Device:    key,
					Message: fmt.Sprintf("%d users, %d templates, %d attendance records to %s",
						res.Users, res.Templates, res.Attendance, res.Key),
				})
				return nil
			}); err != nil {
			return err
		}
	}

	// The sweep trails the last backup of the day so it never deletes the
	// previous generation while the new one is still uploading.
	cleanupOffset := time.Hour + time.Duration(len(keys))*backupCfg.Stagger
	if err := s.Add("cleanup",
		DailyAt{Hour: backupCfg.HourUTC, Minute: backupCfg.MinuteUTC, Offset: cleanupOffset},
		func(ctx context.Context) error {
			res, err := deps.Backup.Cleanup(ctx, backupCfg.Retention())
			if err != nil {
				notify(ctx, deps.Notifier, Notification{
					Severity:  SeverityError,
					Operation: "cleanup",
					Message:   err.Error(),
				})
				return err
			}
			if res.Deleted > 0 {
				log.Info().Int("deleted", res.Deleted).Msg("retention sweep removed expired backups")
			}
			return nil
		}); err != nil {
		return err
	}

	if poolCfg.IdleTimeout > 0 {
		if err := s.Add("pool-reap",
			Every{Interval: poolCfg.ReapInterval},
			func(ctx context.Context) error {
				if n := deps.Pool.CloseIdle(poolCfg.IdleTimeout); n > 0 {
					log.Debug().Int("closed", n).Msg("reaped idle device connections")
				}
				return nil
			}); err != nil {
			return err
		}
	}

	if cfg.StatusLogInterval > 0 {
		if err := s.Add("status-log",
			Every{Interval: cfg.StatusLogInterval},
			func(ctx context.Context) error {
				logFleetStatus(CollectFleetStatus(deps.Registry, deps.Pool, deps.Cache, s))
				return nil
			}); err != nil {
			return err
		}
	}

	log.Info().Int("devices", len(keys)).Int("jobs", len(s.Jobs())).Msg("fleet jobs registered")
	return nil
}
