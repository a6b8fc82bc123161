package zkfleet

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DevicePool hands out exclusive sessions to fleet terminals. The terminals
// accept a single client at a time, so the pool holds at most one connection
// per device and serializes all access behind a per-device lock.
type DevicePool struct {
	registry *Registry
	driver   Driver
	cfg      PoolConfig

	mu     sync.Mutex
	slots  map[string]*deviceSlot
	closed bool

	clock func() time.Time
}

// deviceSlot carries the lock and connection state for one device. The lock
// channel has capacity one; holding its token grants exclusive device access.
// The remaining fields are guarded by the pool mutex and only written by the
// current token holder.
type deviceSlot struct {
	lock      chan struct{}
	conn      Conn
	lastUsed  time.Time
	busy      bool
	dialFails int
}

// PoolDeviceStats is a point-in-time view of one device's slot.
type PoolDeviceStats struct {
	Device       string    `json:"device"`
	Connected    bool      `json:"connected"`
	Busy         bool      `json:"busy"`
	LastUsed     time.Time `json:"last_used,omitzero"`
	DialFailures int       `json:"dial_failures"`
}

// NewDevicePool builds a pool over the registry and driver. Zero config
// fields take defaults.
func NewDevicePool(reg *Registry, drv Driver, cfg PoolConfig) *DevicePool {
	return &DevicePool{
		registry: reg,
		driver:   drv,
		cfg:      cfg.withDefaults(),
		slots:    make(map[string]*deviceSlot),
		clock:    time.Now,
	}
}

// Registry exposes the fleet registry the pool was built with.
func (p *DevicePool) Registry() *Registry { return p.registry }

func (p *DevicePool) now() time.Time { return p.clock() }

func (p *DevicePool) slot(key string) (*deviceSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.WithStack(ErrPoolClosed)
	}
	s, ok := p.slots[key]
	if !ok {
		s = &deviceSlot{lock: make(chan struct{}, 1)}
		p.slots[key] = s
	}
	return s, nil
}

// Acquire returns an exclusive session for the device. It waits up to
// AcquireTimeout (and no longer than ctx allows) for the device lock, then
// reuses the live connection or dials a fresh one with bounded retries.
// Lock-wait expiry surfaces ErrDeviceBusy; exhausted dials surface
// ErrDeviceUnavailable. The caller must Release the session.
func (p *DevicePool) Acquire(ctx context.Context, key string) (*Session, error) {
	dev, err := p.registry.Get(key)
	if err != nil {
		return nil, err
	}
	slot, err := p.slot(key)
	if err != nil {
		return nil, err
	}

	waitTimer := time.NewTimer(p.cfg.AcquireTimeout)
	defer waitTimer.Stop()
	select {
	case slot.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "acquire device %s", key)
	case <-waitTimer.C:
		return nil, errors.Wrapf(ErrDeviceBusy, "device %s: lock not acquired within %s", key, p.cfg.AcquireTimeout)
	}

	p.mu.Lock()
	slot.busy = true
	p.mu.Unlock()

	conn, err := p.ensureConn(ctx, slot, dev)
	if err != nil {
		p.unlock(slot)
		return nil, err
	}
	return &Session{pool: p, slot: slot, dev: dev, conn: conn}, nil
}

// ensureConn reuses the slot's connection when it is fresh enough, otherwise
// dials a new one. Called with the slot lock held.
func (p *DevicePool) ensureConn(ctx context.Context, slot *deviceSlot, dev Device) (Conn, error) {
	p.mu.Lock()
	conn := slot.conn
	idleFor := p.now().Sub(slot.lastUsed)
	p.mu.Unlock()

	if conn != nil && p.cfg.IdleTimeout > 0 && idleFor > p.cfg.IdleTimeout {
		log.Debug().Str("device", dev.Key).Dur("idle", idleFor).Msg("dropping idle connection")
		p.setConn(slot, nil)
		if err := conn.Close(); err != nil {
			log.Warn().Str("device", dev.Key).Err(err).Msg("closing idle connection failed")
		}
		conn = nil
	}
	if conn != nil {
		return conn, nil
	}

	conn, err := p.dial(ctx, slot, dev)
	if err != nil {
		return nil, err
	}
	p.setConn(slot, conn)
	return conn, nil
}

// dial connects with exponential backoff between attempts. Backoff sleeps
// are interruptible by ctx.
func (p *DevicePool) dial(ctx context.Context, slot *deviceSlot, dev Device) (Conn, error) {
	backoff := p.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		conn, err := p.driver.Dial(ctx, dev, p.cfg.ConnectTimeout)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("device", dev.Key).Int("attempt", attempt).Msg("connected after retry")
			} else {
				log.Debug().Str("device", dev.Key).Str("addr", dev.Addr()).Msg("connected")
			}
			return conn, nil
		}
		lastErr = err
		p.mu.Lock()
		slot.dialFails++
		p.mu.Unlock()
		log.Warn().Str("device", dev.Key).Str("addr", dev.Addr()).
			Int("attempt", attempt).Int("max_attempts", p.cfg.ConnectAttempts).
			Err(err).Msg("dial failed")
		if attempt == p.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "dial device %s", dev.Key)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.RetryBackoffMax {
			backoff = p.cfg.RetryBackoffMax
		}
	}
	return nil, errors.Wrapf(ErrDeviceUnavailable, "device %s (%s): %d attempts, last error: %v",
		dev.Key, dev.Addr(), p.cfg.ConnectAttempts, lastErr)
}

func (p *DevicePool) setConn(slot *deviceSlot, conn Conn) {
	p.mu.Lock()
	slot.conn = conn
	p.mu.Unlock()
}

// unlock frees the slot token. Called exactly once per successful lock
// acquisition.
func (p *DevicePool) unlock(slot *deviceSlot) {
	p.mu.Lock()
	slot.busy = false
	slot.lastUsed = p.now()
	p.mu.Unlock()
	<-slot.lock
}

// CloseIdle closes connections unused for longer than olderThan. Busy
// devices are skipped. Returns the number of connections closed.
func (p *DevicePool) CloseIdle(olderThan time.Duration) int {
	p.mu.Lock()
	slots := make(map[string]*deviceSlot, len(p.slots))
	for key, slot := range p.slots {
		slots[key] = slot
	}
	p.mu.Unlock()

	closed := 0
	for key, slot := range slots {
		select {
		case slot.lock <- struct{}{}:
		default:
			continue
		}
		p.mu.Lock()
		conn := slot.conn
		idleFor := p.now().Sub(slot.lastUsed)
		if conn != nil && idleFor >= olderThan {
			slot.conn = nil
		} else {
			conn = nil
		}
		p.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				log.Warn().Str("device", key).Err(err).Msg("closing idle connection failed")
			}
			log.Debug().Str("device", key).Dur("idle", idleFor).Msg("closed idle connection")
			closed++
		}
		<-slot.lock
	}
	return closed
}

// Close shuts the pool down. Subsequent Acquire calls fail with
// ErrPoolClosed. Connections still held by sessions are left to their
// Release; everything else is closed now.
func (p *DevicePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := make(map[string]*deviceSlot, len(p.slots))
	for key, slot := range p.slots {
		slots[key] = slot
	}
	p.mu.Unlock()

	for key, slot := range slots {
		select {
		case slot.lock <- struct{}{}:
		default:
			log.Warn().Str("device", key).Msg("pool closing while device busy")
			continue
		}
		p.mu.Lock()
		conn := slot.conn
		slot.conn = nil
		p.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil {
				log.Warn().Str("device", key).Err(err).Msg("closing connection failed")
			}
		}
		<-slot.lock
	}
	log.Info().Msg("device pool closed")
}

// Stats returns per-device slot statistics for every device the pool has
// touched, keyed by device.
func (p *DevicePool) Stats() map[string]PoolDeviceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PoolDeviceStats, len(p.slots))
	for key, slot := range p.slots {
		out[key] = PoolDeviceStats{
			Device:       key,
			Connected:    slot.conn != nil,
			Busy:         slot.busy,
			LastUsed:     slot.lastUsed,
			DialFailures: slot.dialFails,
		}
	}
	return out
}

// Session is exclusive access to one device. It is valid until Release and
// must be used from a single goroutine. Any operation error marks the
// connection dead; Release then closes it so the next Acquire dials fresh.
type Session struct {
	pool     *DevicePool
	slot     *deviceSlot
	dev      Device
	conn     Conn
	released bool
	dead     bool
}

// Device returns the device this session is bound to.
func (s *Session) Device() Device { return s.dev }

// Release returns the device lock. It is idempotent and must always be
// called, error or not, so a failed operation cannot strand the device.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true

	p := s.pool
	var toClose Conn
	p.mu.Lock()
	if s.dead || p.cfg.IdleTimeout == 0 {
		toClose = s.slot.conn
		s.slot.conn = nil
	}
	p.mu.Unlock()
	if toClose != nil {
		if err := toClose.Close(); err != nil {
			log.Warn().Str("device", s.dev.Key).Err(err).Msg("closing connection failed")
		}
	}
	p.unlock(s.slot)
}

func (s *Session) guard() error {
	if s.released {
		return errors.Errorf("device %s: session already released", s.dev.Key)
	}
	if s.dead {
		return errors.Errorf("device %s: session connection is dead", s.dev.Key)
	}
	return nil
}

// fail marks the connection unusable after an operation error.
func (s *Session) fail() { s.dead = true }

// Attendance reads the full attendance log. Expect minutes on large logs.
func (s *Session) Attendance(ctx context.Context) ([]AttendanceRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	records, err := s.conn.Attendance(ctx)
	if err != nil {
		s.fail()
		return nil, errors.Wrapf(err, "device %s: read attendance", s.dev.Key)
	}
	return records, nil
}

// Users reads all user records.
func (s *Session) Users(ctx context.Context) ([]User, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	users, err := s.conn.Users(ctx)
	if err != nil {
		s.fail()
		return nil, errors.Wrapf(err, "device %s: read users", s.dev.Key)
	}
	return users, nil
}

// Templates reads all fingerprint templates.
func (s *Session) Templates(ctx context.Context) ([]FingerTemplate, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	templates, err := s.conn.Templates(ctx)
	if err != nil {
		s.fail()
		return nil, errors.Wrapf(err, "device %s: read templates", s.dev.Key)
	}
	return templates, nil
}

// Info reads the device identity and counters.
func (s *Session) Info(ctx context.Context) (DeviceInfo, error) {
	if err := s.guard(); err != nil {
		return DeviceInfo{}, err
	}
	info, err := s.conn.Info(ctx)
	if err != nil {
		s.fail()
		return DeviceInfo{}, errors.Wrapf(err, "device %s: read info", s.dev.Key)
	}
	return info, nil
}

// Time reads the device clock.
func (s *Session) Time(ctx context.Context) (time.Time, error) {
	if err := s.guard(); err != nil {
		return time.Time{}, err
	}
	t, err := s.conn.Time(ctx)
	if err != nil {
		s.fail()
		return time.Time{}, errors.Wrapf(err, "device %s: read time", s.dev.Key)
	}
	return t, nil
}

// SetTime sets the device clock.
func (s *Session) SetTime(ctx context.Context, t time.Time) error {
	return s.writeGuarded(ctx, "set time", func() error {
		return s.conn.SetTime(ctx, t)
	})
}

// SetUser creates or updates a user record.
func (s *Session) SetUser(ctx context.Context, u User) error {
	return s.writeGuarded(ctx, "set user", func() error {
		return s.conn.SetUser(ctx, u)
	})
}

// DeleteUser removes a user and their templates.
func (s *Session) DeleteUser(ctx context.Context, uid int) error {
	return s.writeGuarded(ctx, "delete user", func() error {
		return s.conn.DeleteUser(ctx, uid)
	})
}

// SetTemplate writes a fingerprint template.
func (s *Session) SetTemplate(ctx context.Context, tpl FingerTemplate) error {
	return s.writeGuarded(ctx, "set template", func() error {
		return s.conn.SetTemplate(ctx, tpl)
	})
}

// ClearAttendance erases the attendance log on the device. Irreversible.
func (s *Session) ClearAttendance(ctx context.Context) error {
	return s.writeGuarded(ctx, "clear attendance", func() error {
		return s.conn.ClearAttendance(ctx)
	})
}

// Restart reboots the device. The connection is dead afterwards regardless
// of the outcome; the next Acquire dials fresh.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	err := s.conn.Restart(ctx)
	s.fail()
	if err != nil {
		return errors.Wrapf(err, "device %s: restart", s.dev.Key)
	}
	return nil
}

// writeGuarded runs a mutating operation with the device disabled and
// re-enables it afterwards no matter what. A terminal left disabled stops
// registering punches, so the re-enable runs even when ctx is already done.
func (s *Session) writeGuarded(ctx context.Context, op string, fn func() error) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.conn.Disable(ctx); err != nil {
		s.fail()
		return errors.Wrapf(err, "device %s: disable before %s", s.dev.Key, op)
	}
	opErr := fn()
	if opErr != nil {
		s.fail()
		opErr = errors.Wrapf(opErr, "device %s: %s", s.dev.Key, op)
	}
	if err := s.conn.Enable(context.WithoutCancel(ctx)); err != nil {
		s.fail()
		log.Error().Str("device", s.dev.Key).Str("op", op).Err(err).Msg("re-enable after write failed")
		if opErr == nil {
			return errors.Wrapf(err, "device %s: re-enable after %s", s.dev.Key, op)
		}
		return errors.Wrapf(opErr, "re-enable also failed: %v", err)
	}
	return opErr
}
