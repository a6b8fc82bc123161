package zkfleet

import (
	"context"
	"strings"
	"testing"
	"time"
)

type fleetFixture struct {
	drv    *fakeDriver
	pool   *DevicePool
	cache  *AttendanceCache
	backup *BackupManager
}

func newFleetFixture(t *testing.T, drv *fakeDriver, keys ...string) *fleetFixture {
	t.Helper()
	pool := newTestPool(t, drv, fastPoolConfig(), keys...)
	cache := NewAttendanceCache(pool, fastCacheConfig())
	t.Cleanup(cache.Close)
	backup := NewBackupManager(pool, cache, newMemStore(), BackupConfig{})
	return &fleetFixture{drv: drv, pool: pool, cache: cache, backup: backup}
}

func (f *fleetFixture) deps() FleetJobDeps {
	return FleetJobDeps{
		Registry: f.pool.Registry(),
		Pool:     f.pool,
		Cache:    f.cache,
		Backup:   f.backup,
	}
}

func TestRegisterFleetJobsCreatesFullJobSet(t *testing.T) {
	fx := newFleetFixture(t, seededDriver(), "lobby", "tmi")
	sched := NewScheduler(SchedulerConfig{})
	cfg := Config{
		Pool:              PoolConfig{IdleTimeout: time.Minute},
		StatusLogInterval: time.Minute,
	}
	if err := RegisterFleetJobs(sched, fx.deps(), cfg); err != nil {
		t.Fatalf("RegisterFleetJobs: %v", err)
	}

	want := []string{
		"refresh/lobby", "backup/lobby",
		"refresh/tmi", "backup/tmi",
		"cleanup", "pool-reap", "status-log",
	}
	jobs := sched.Jobs()
	if len(jobs) != len(want) {
		t.Fatalf("expected %d jobs, got %d: %+v", len(want), len(jobs), jobs)
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("job %d: expected %s, got %s", i, id, jobs[i].ID)
		}
	}

	// Per-device jobs after the first are staggered so the fleet is not
	// hit at one instant.
	if strings.Contains(jobs[0].Trigger, "offset") {
		t.Fatalf("first device refresh should fire unshifted: %s", jobs[0].Trigger)
	}
	if !strings.Contains(jobs[2].Trigger, "offset") {
		t.Fatalf("second device refresh not staggered: %s", jobs[2].Trigger)
	}
	if !strings.Contains(jobs[3].Trigger, "daily at") {
		t.Fatalf("backups should run daily: %s", jobs[3].Trigger)
	}
	if !strings.Contains(jobs[4].Trigger, "daily at") || !strings.Contains(jobs[4].Trigger, "offset") {
		t.Fatalf("cleanup should trail the daily backups: %s", jobs[4].Trigger)
	}
}

func TestRegisterFleetJobsSkipsOptionalJobs(t *testing.T) {
	fx := newFleetFixture(t, seededDriver(), "lobby", "tmi")
	sched := NewScheduler(SchedulerConfig{})

	// Zero idle timeout disables pooling maintenance; zero interval disables
	// the status line.
	if err := RegisterFleetJobs(sched, fx.deps(), Config{}); err != nil {
		t.Fatalf("RegisterFleetJobs: %v", err)
	}

	jobs := sched.Jobs()
	if len(jobs) != 5 {
		t.Fatalf("expected 5 jobs without optional ones, got %d: %+v", len(jobs), jobs)
	}
	for _, j := range jobs {
		if j.ID == "pool-reap" || j.ID == "status-log" {
			t.Fatalf("optional job %s registered despite being disabled", j.ID)
		}
	}
}

func TestRegisterFleetJobsHonorsAllowlist(t *testing.T) {
	fx := newFleetFixture(t, seededDriver(), "annex", "lobby", "tmi")
	sched := NewScheduler(SchedulerConfig{})
	cfg := Config{DeviceAllowlist: []string{"tmi"}}
	if err := RegisterFleetJobs(sched, fx.deps(), cfg); err != nil {
		t.Fatalf("RegisterFleetJobs: %v", err)
	}

	jobs := sched.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("expected jobs for one device plus cleanup, got %+v", jobs)
	}
	for _, j := range jobs {
		if strings.Contains(j.ID, "lobby") || strings.Contains(j.ID, "annex") {
			t.Fatalf("excluded device got a job: %s", j.ID)
		}
	}

	sched2 := NewScheduler(SchedulerConfig{})
	err := RegisterFleetJobs(sched2, fx.deps(), Config{DeviceAllowlist: []string{"ghost"}})
	if err == nil || !strings.Contains(err.Error(), "device allowlist") {
		t.Fatalf("expected unknown allowlist entry rejected, got %v", err)
	}
}

func TestRegisterFleetJobsRejectsDoubleRegistration(t *testing.T) {
	fx := newFleetFixture(t, seededDriver(), "tmi")
	sched := NewScheduler(SchedulerConfig{})

	if err := RegisterFleetJobs(sched, fx.deps(), Config{}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := RegisterFleetJobs(sched, fx.deps(), Config{})
	if err == nil || !strings.Contains(err.Error(), "duplicate job id") {
		t.Fatalf("expected duplicate job id error, got %v", err)
	}
}

func TestFleetRefreshJobsWarmCache(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	drv := &fakeDriver{
		attendance: map[string][]AttendanceRecord{
			"lobby": {rec(1, base)},
			"tmi":   {rec(2, base.Add(time.Hour))},
		},
	}
	fx := newFleetFixture(t, drv, "lobby", "tmi")

	sched := NewScheduler(SchedulerConfig{})
	cfg := Config{
		Cache: CacheConfig{
			RefreshInterval: 25 * time.Millisecond,
			RefreshStagger:  time.Millisecond,
			FetchTimeout:    2 * time.Second,
		},
	}
	if err := RegisterFleetJobs(sched, fx.deps(), cfg); err != nil {
		t.Fatalf("RegisterFleetJobs: %v", err)
	}

	sched.Start(context.Background())
	waitForCached(t, fx.cache, "lobby")
	waitForCached(t, fx.cache, "tmi")
	if err := sched.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for key, want := range map[string]int{"lobby": 1, "tmi": 1} {
		st := fx.cache.Status(key)
		if st.Count != want {
			t.Fatalf("device %s: expected %d cached records, got %+v", key, want, st)
		}
	}
}

func TestCollectFleetStatusCoversFleet(t *testing.T) {
	ctx := context.Background()
	fx := newFleetFixture(t, seededDriver(), "lobby", "tmi")

	if _, err := fx.cache.Refresh(ctx, "tmi"); err != nil {
		t.Fatalf("warm tmi: %v", err)
	}
	sess, err := fx.pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire tmi: %v", err)
	}
	defer sess.Release()

	sched := NewScheduler(SchedulerConfig{})
	if err := RegisterFleetJobs(sched, fx.deps(), Config{}); err != nil {
		t.Fatalf("RegisterFleetJobs: %v", err)
	}

	st := CollectFleetStatus(fx.pool.Registry(), fx.pool, fx.cache, sched)
	if len(st.Devices) != 2 {
		t.Fatalf("expected both devices in snapshot, got %+v", st.Devices)
	}
	if st.Devices[0].Device != "lobby" || st.Devices[1].Device != "tmi" {
		t.Fatalf("devices out of registry order: %+v", st.Devices)
	}

	lobby, tmi := st.Devices[0], st.Devices[1]
	if lobby.Cache.Cached || lobby.Pool.Busy {
		t.Fatalf("untouched device reports activity: %+v", lobby)
	}
	if lobby.Pool.Device != "lobby" {
		t.Fatalf("untouched device stats missing key: %+v", lobby.Pool)
	}
	if !tmi.Cache.Cached || tmi.Cache.Count == 0 {
		t.Fatalf("refreshed device not cached: %+v", tmi.Cache)
	}
	if !tmi.Pool.Busy || !tmi.Pool.Connected {
		t.Fatalf("held device not busy: %+v", tmi.Pool)
	}
	if len(st.Jobs) != 5 {
		t.Fatalf("expected scheduler jobs in snapshot, got %+v", st.Jobs)
	}

	// Without a scheduler the snapshot still covers the devices.
	bare := CollectFleetStatus(fx.pool.Registry(), fx.pool, fx.cache, nil)
	if len(bare.Jobs) != 0 || len(bare.Devices) != 2 {
		t.Fatalf("nil scheduler snapshot wrong: %+v", bare)
	}
}
