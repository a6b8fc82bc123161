package zkfleet

import (
	"time"

	"github.com/zkfleet/zkfleet/internal/env"
	"github.com/zkfleet/zkfleet/internal/objstore"
)

// Defaults applied by the component constructors when the corresponding
// config field is zero.
const (
	defaultAcquireTimeout  = 30 * time.Second
	defaultConnectTimeout  = 60 * time.Second
	defaultConnectAttempts = 3
	defaultRetryBackoff    = time.Second
	defaultRetryBackoffMax = 10 * time.Second
	defaultIdleTimeout     = 5 * time.Minute
	defaultReapInterval    = time.Minute

	defaultRefreshInterval = 5 * time.Minute
	defaultRefreshStagger  = time.Minute
	defaultFetchTimeout    = 10 * time.Minute

	defaultBackupHourUTC    = 17
	defaultBackupStagger    = 5 * time.Minute
	defaultRetentionDays    = 90
	defaultBackupPrefix     = "backups"
	defaultStopGrace        = 30 * time.Second
	defaultStatusLogEvery   = 15 * time.Minute
	defaultRecorderDeadline = 5 * time.Second
)

// PoolConfig controls connection handling for the device pool.
type PoolConfig struct {
	// AcquireTimeout bounds the wait for the per-device lock.
	AcquireTimeout time.Duration
	// ConnectTimeout is passed to the driver for each dial attempt.
	ConnectTimeout time.Duration
	// ConnectAttempts is the number of dial attempts before giving up.
	ConnectAttempts int
	// RetryBackoff is the delay before the second dial attempt; it doubles
	// per attempt up to RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	// IdleTimeout is how long a released connection may sit unused before it
	// is closed. Zero closes connections on every release.
	IdleTimeout time.Duration
	// ReapInterval is the cadence of the idle-connection maintenance job.
	ReapInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = defaultConnectAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = defaultRetryBackoffMax
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	return c
}

// CacheConfig controls the attendance cache.
type CacheConfig struct {
	// RefreshInterval is the background refresh cadence per device.
	RefreshInterval time.Duration
	// RefreshStagger spaces the per-device refresh jobs apart.
	RefreshStagger time.Duration
	// FetchTimeout bounds one full attendance read, device time included.
	FetchTimeout time.Duration
	// StaleAfter marks a snapshot stale in status reports. Zero means twice
	// the refresh interval.
	StaleAfter time.Duration
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.RefreshStagger <= 0 {
		c.RefreshStagger = defaultRefreshStagger
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.RefreshInterval
	}
	return c
}

// BackupConfig controls the backup orchestrator and its daily schedule.
type BackupConfig struct {
	// HourUTC/MinuteUTC set the daily backup wall time.
	HourUTC   int
	MinuteUTC int
	// Stagger spaces the per-device backup jobs apart.
	Stagger time.Duration
	// RetentionDays is how long manifests are kept before cleanup.
	RetentionDays int
	// IncludeAttendance adds attendance records to scheduled backups.
	IncludeAttendance bool
	// Prefix is the object-key prefix manifests are stored under.
	Prefix string
}

func (c BackupConfig) withDefaults() BackupConfig {
	if c.Stagger <= 0 {
		c.Stagger = defaultBackupStagger
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.Prefix == "" {
		c.Prefix = defaultBackupPrefix
	}
	return c
}

// Retention returns the retention window as a duration.
func (c BackupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	// Recorder receives every run outcome. Nil means no recording.
	Recorder RunRecorder
}

// StoreConfig selects and configures the backup storage backend.
type StoreConfig struct {
	// Backend is "fs" or "s3".
	Backend  string
	LocalDir string
	S3       objstore.S3Config
}

// Config aggregates everything the daemon needs.
type Config struct {
	MachinesPath string
	DriverName   string
	// DeviceAllowlist restricts scheduled fleet jobs to these device keys.
	// Empty means the whole registry.
	DeviceAllowlist []string

	Pool   PoolConfig
	Cache  CacheConfig
	Backup BackupConfig
	Store  StoreConfig

	StopGrace         time.Duration
	StatusLogInterval time.Duration
	HistoryDBPath     string
	WebhookURL        string
}

// LoadConfig reads configuration from the environment (a .env file is loaded
// first when present). Every value has a default; the zero-config case runs a
// simulator fleet against the local filesystem store.
func LoadConfig() Config {
	env.Ensure()
	return Config{
		MachinesPath:    env.String("ZK_MACHINES_CONFIG", "machines.yml"),
		DriverName:      env.String("ZK_DRIVER", "sim"),
		DeviceAllowlist: ParseDeviceAllowlist(env.String("ZK_DEVICE_ALLOWLIST", "")),
		Pool: PoolConfig{
			AcquireTimeout:  env.Duration("POOL_ACQUIRE_TIMEOUT", defaultAcquireTimeout),
			ConnectTimeout:  env.Duration("DEVICE_CONNECT_TIMEOUT", defaultConnectTimeout),
			ConnectAttempts: env.Int("DEVICE_CONNECT_ATTEMPTS", defaultConnectAttempts),
			RetryBackoff:    env.Duration("DEVICE_RETRY_BACKOFF", defaultRetryBackoff),
			RetryBackoffMax: env.Duration("DEVICE_RETRY_BACKOFF_MAX", defaultRetryBackoffMax),
			IdleTimeout:     env.Duration("POOL_IDLE_TIMEOUT", defaultIdleTimeout),
			ReapInterval:    env.Duration("POOL_REAP_INTERVAL", defaultReapInterval),
		},
		Cache: CacheConfig{
			RefreshInterval: env.Duration("CACHE_REFRESH_INTERVAL", defaultRefreshInterval),
			RefreshStagger:  env.Duration("CACHE_REFRESH_STAGGER", defaultRefreshStagger),
			FetchTimeout:    env.Duration("CACHE_FETCH_TIMEOUT", defaultFetchTimeout),
			StaleAfter:      env.Duration("CACHE_STALE_AFTER", 0),
		},
		Backup: BackupConfig{
			HourUTC:           env.Int("BACKUP_HOUR_UTC", defaultBackupHourUTC),
			MinuteUTC:         env.Int("BACKUP_MINUTE_UTC", 0),
			Stagger:           env.Duration("BACKUP_STAGGER", defaultBackupStagger),
			RetentionDays:     env.Int("BACKUP_RETENTION_DAYS", defaultRetentionDays),
			IncludeAttendance: env.Bool("BACKUP_INCLUDE_ATTENDANCE", true),
			Prefix:            env.String("BACKUP_PREFIX", defaultBackupPrefix),
		},
		Store: StoreConfig{
			Backend:  env.String("BACKUP_STORE", "fs"),
			LocalDir: env.String("BACKUP_LOCAL_DIR", "backups"),
			S3: objstore.S3Config{
				Endpoint:  env.String("S3_ENDPOINT", ""),
				AccessKey: env.String("S3_ACCESS_KEY", ""),
				SecretKey: env.String("S3_SECRET_KEY", ""),
				Bucket:    env.String("S3_BUCKET", "zkfleet-backups"),
				Region:    env.String("S3_REGION", ""),
				UseSSL:    env.Bool("S3_USE_SSL", true),
			},
		},
		StopGrace:         env.Duration("SCHEDULER_STOP_GRACE", defaultStopGrace),
		StatusLogInterval: env.Duration("STATUS_LOG_INTERVAL", defaultStatusLogEvery),
		HistoryDBPath:     env.String("HISTORY_DB_PATH", ""),
		WebhookURL:        env.String("NOTIFY_WEBHOOK_URL", ""),
	}
}
