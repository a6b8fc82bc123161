package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zkfleet/zkfleet"
	"github.com/zkfleet/zkfleet/internal/objstore"
)

// app wires the full subsystem for one command invocation.
type app struct {
	cfg      zkfleet.Config
	registry *zkfleet.Registry
	pool     *zkfleet.DevicePool
	cache    *zkfleet.AttendanceCache
	store    zkfleet.ObjectStore
	backup   *zkfleet.BackupManager
	notifier zkfleet.Notifier
}

// buildApp loads configuration (root flags override the environment) and
// composes registry, driver, pool, cache, store and backup manager.
func buildApp(ctx context.Context) (*app, error) {
	cfg := zkfleet.LoadConfig()
	if v := strings.TrimSpace(rootMachines); v != "" {
		cfg.MachinesPath = v
	}
	if v := strings.TrimSpace(rootDriver); v != "" {
		cfg.DriverName = v
	}

	registry, err := zkfleet.LoadRegistry(cfg.MachinesPath)
	if err != nil {
		return nil, err
	}
	driver, err := zkfleet.DriverByName(cfg.DriverName)
	if err != nil {
		return nil, err
	}
	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	pool := zkfleet.NewDevicePool(registry, driver, cfg.Pool)
	cache := zkfleet.NewAttendanceCache(pool, cfg.Cache)
	return &app{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		cache:    cache,
		store:    store,
		backup:   zkfleet.NewBackupManager(pool, cache, store, cfg.Backup),
		notifier: zkfleet.NewNotifierFromEnv(),
	}, nil
}

func (a *app) Close() {
	a.cache.Close()
	a.pool.Close()
}

func newStore(ctx context.Context, cfg zkfleet.StoreConfig) (zkfleet.ObjectStore, error) {
	switch cfg.Backend {
	case "", "fs":
		return objstore.NewFS(cfg.LocalDir)
	case "s3":
		return objstore.NewS3(ctx, cfg.S3)
	default:
		return nil, errors.Errorf("unknown store backend %q (want fs or s3)", cfg.Backend)
	}
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// parseTimeFlag accepts RFC3339, a date with time, or a bare date, all
// interpreted as UTC.
func parseTimeFlag(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q (want RFC3339, YYYY-MM-DD HH:MM:SS or YYYY-MM-DD)", value)
}
