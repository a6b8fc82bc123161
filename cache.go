package zkfleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AttendanceCache keeps one in-memory attendance snapshot per device so reads
// never touch hardware. Snapshots are replaced wholesale by Refresh; reads
// always see either the previous complete snapshot or the new one.
type AttendanceCache struct {
	pool *DevicePool
	cfg  CacheConfig

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	warmCtx    context.Context
	warmCancel context.CancelFunc
	warmGroup  sync.WaitGroup

	clock func() time.Time
}

// cacheEntry is the cache line for one device. records is sorted ascending by
// timestamp and never mutated in place. inflight is non-nil while a refresh
// is running and is closed when it finishes, so concurrent refreshers can
// join instead of piling onto the device.
type cacheEntry struct {
	records    []AttendanceRecord
	fetchedAt  time.Time
	loading    bool
	inflight   chan struct{}
	refreshErr error
}

// NewAttendanceCache builds a cache over the pool. Zero config fields take
// defaults. Close releases background warm goroutines.
func NewAttendanceCache(pool *DevicePool, cfg CacheConfig) *AttendanceCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &AttendanceCache{
		pool:       pool,
		cfg:        cfg.withDefaults(),
		entries:    make(map[string]*cacheEntry),
		warmCtx:    ctx,
		warmCancel: cancel,
		clock:      time.Now,
	}
}

func (c *AttendanceCache) now() time.Time { return c.clock() }

// Close cancels background warms and waits for them to finish.
func (c *AttendanceCache) Close() {
	c.warmCancel()
	c.warmGroup.Wait()
}

func (c *AttendanceCache) entry(key string) *cacheEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	return e
}

// Refresh fetches the device's full attendance log and swaps it into the
// cache, returning the snapshot size. When a refresh for the device is
// already in flight the call joins it: it blocks until that fetch completes
// and returns its outcome, so at most one device read runs per key. On
// failure the previous snapshot and its timestamp stay untouched and the
// error is remembered for status reports.
func (c *AttendanceCache) Refresh(ctx context.Context, key string) (int, error) {
	if _, err := c.pool.Registry().Get(key); err != nil {
		return 0, err
	}

	c.mu.Lock()
	e := c.entry(key)
	if e.loading {
		done := e.inflight
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, errors.Wrapf(ctx.Err(), "refresh %s: waiting for in-flight fetch", key)
		case <-done:
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		if e.refreshErr != nil {
			return 0, e.refreshErr
		}
		return len(e.records), nil
	}
	e.loading = true
	e.inflight = make(chan struct{})
	c.mu.Unlock()

	return c.fetch(ctx, key, e)
}

// fetch performs the device read outside the cache lock and installs the
// result. Exactly one fetch runs per entry at a time (guarded by loading).
func (c *AttendanceCache) fetch(ctx context.Context, key string, e *cacheEntry) (int, error) {
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	records, err := c.readDevice(fctx, key)
	cancel()

	fetchedAt := c.now()
	c.mu.Lock()
	e.loading = false
	close(e.inflight)
	e.inflight = nil
	if err != nil {
		e.refreshErr = err
		c.mu.Unlock()
		log.Warn().Str("device", key).Dur("elapsed", time.Since(start)).Err(err).
			Msg("attendance refresh failed, keeping previous snapshot")
		return 0, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	e.records = records
	e.fetchedAt = fetchedAt
	e.refreshErr = nil
	c.mu.Unlock()

	log.Info().Str("device", key).Int("count", len(records)).
		Dur("elapsed", time.Since(start)).Msg("attendance cache refreshed")
	return len(records), nil
}

func (c *AttendanceCache) readDevice(ctx context.Context, key string) ([]AttendanceRecord, error) {
	sess, err := c.pool.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer sess.Release()
	return sess.Attendance(ctx)
}

// Get returns the cached records with from ≤ timestamp ≤ to, both bounds
// inclusive; a zero bound is open. It never blocks on hardware: a device
// whose cache is still cold returns ErrCacheCold and a background refresh is
// started so a later read can be served.
func (c *AttendanceCache) Get(key string, from, to time.Time) ([]AttendanceRecord, error) {
	if _, err := c.pool.Registry().Get(key); err != nil {
		return nil, err
	}
	c.mu.RLock()
	e := c.entries[key]
	if e == nil || e.fetchedAt.IsZero() {
		c.mu.RUnlock()
		c.warm(key)
		return nil, errors.Wrapf(ErrCacheCold, "device %s", key)
	}
	records := e.records
	c.mu.RUnlock()
	return recordsInRange(records, from, to), nil
}

// warm kicks off a background refresh unless one is already in flight. It
// runs on the cache's own context: the caller that observed a cold cache has
// usually moved on by the time the fetch completes.
func (c *AttendanceCache) warm(key string) {
	c.mu.Lock()
	e := c.entry(key)
	if e.loading {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.warmGroup.Add(1)
	go func() {
		defer c.warmGroup.Done()
		if _, err := c.Refresh(c.warmCtx, key); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Str("device", key).Err(err).Msg("background cache warm failed")
		}
	}()
}

// Status reports the cache state for one device.
func (c *AttendanceCache) Status(key string) CacheStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusLocked(key)
}

// Statuses reports the cache state for every registry device.
func (c *AttendanceCache) Statuses() []CacheStatus {
	keys := c.pool.Registry().Keys()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CacheStatus, 0, len(keys))
	for _, key := range keys {
		out = append(out, c.statusLocked(key))
	}
	return out
}

func (c *AttendanceCache) statusLocked(key string) CacheStatus {
	st := CacheStatus{Device: key}
	e := c.entries[key]
	if e == nil {
		return st
	}
	st.Loading = e.loading
	if e.refreshErr != nil {
		st.LastError = e.refreshErr.Error()
	}
	if e.fetchedAt.IsZero() {
		return st
	}
	st.Cached = true
	st.FetchedAt = e.fetchedAt
	st.Count = len(e.records)
	st.Stale = c.now().Sub(e.fetchedAt) > c.cfg.StaleAfter
	return st
}

// recordsInRange copies the sub-slice of records with from ≤ ts ≤ to out of a
// timestamp-sorted snapshot.
func recordsInRange(records []AttendanceRecord, from, to time.Time) []AttendanceRecord {
	lo := 0
	if !from.IsZero() {
		lo = sort.Search(len(records), func(i int) bool {
			return !records[i].Timestamp.Before(from)
		})
	}
	hi := len(records)
	if !to.IsZero() {
		hi = sort.Search(len(records), func(i int) bool {
			return records[i].Timestamp.After(to)
		})
	}
	if lo >= hi {
		return nil
	}
	out := make([]AttendanceRecord, hi-lo)
	copy(out, records[lo:hi])
	return out
}
