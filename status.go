package zkfleet

import (
	"time"

	"github.com/rs/zerolog/log"
)

// DeviceStatus pairs one device's cache and pool state.
type DeviceStatus struct {
	Device string          `json:"device"`
	Cache  CacheStatus     `json:"cache"`
	Pool   PoolDeviceStats `json:"pool"`
}

// FleetStatus is a point-in-time snapshot of the whole subsystem.
type FleetStatus struct {
	Time    time.Time      `json:"time"`
	Devices []DeviceStatus `json:"devices"`
	Jobs    []JobStatus    `json:"jobs,omitempty"`
}

// CollectFleetStatus assembles a fleet snapshot. The scheduler may be nil
// when only device state is wanted.
func CollectFleetStatus(reg *Registry, pool *DevicePool, cache *AttendanceCache, s *Scheduler) FleetStatus {
	st := FleetStatus{Time: time.Now().UTC()}
	poolStats := pool.Stats()
	for _, key := range reg.Keys() {
		ds := DeviceStatus{
			Device: key,
			Cache:  cache.Status(key),
			Pool:   poolStats[key],
		}
		if ds.Pool.Device == "" {
			ds.Pool.Device = key
		}
		st.Devices = append(st.Devices, ds)
	}
	if s != nil {
		st.Jobs = s.Jobs()
	}
	return st
}

// logFleetStatus emits one summary line plus a line per device.
func logFleetStatus(st FleetStatus) {
	cached, stale, connected, busy := 0, 0, 0, 0
	for _, d := range st.Devices {
		if d.Cache.Cached {
			cached++
		}
		if d.Cache.Stale {
			stale++
		}
		if d.Pool.Connected {
			connected++
		}
		if d.Pool.Busy {
			busy++
		}
	}
	log.Info().Int("devices", len(st.Devices)).Int("cached", cached).Int("stale", stale).
		Int("connected", connected).Int("busy", busy).Int("jobs", len(st.Jobs)).
		Msg("fleet status")
	for _, d := range st.Devices {
		ev := log.Debug().Str("device", d.Device).
			Bool("cached", d.Cache.Cached).Bool("stale", d.Cache.Stale).
			Int("records", d.Cache.Count).
			Bool("connected", d.Pool.Connected).Bool("busy", d.Pool.Busy)
		if d.Cache.LastError != "" {
			ev = ev.Str("last_error", d.Cache.LastError)
		}
		ev.Msg("device status")
	}
}
