package zkfleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func testRegistry(t *testing.T, keys ...string) *Registry {
	t.Helper()
	devices := make([]Device, 0, len(keys))
	for i, key := range keys {
		devices = append(devices, Device{
			Key:    key,
			Host:   fmt.Sprintf("10.0.0.%d", i+1),
			Serial: "SN-" + key,
		})
	}
	reg, err := NewRegistry(devices)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	return reg
}

// fakeDriver scripts connection behavior and records every dial and device
// operation in order. All fields are guarded by mu.
type fakeDriver struct {
	mu        sync.Mutex
	dials     int
	failFirst int
	active    int
	maxActive int
	ops       []string

	attendance map[string][]AttendanceRecord
	users      []User
	templates  []FingerTemplate

	fetchCalls      int
	attendanceFails int
	fetchGate       chan struct{}

	usersErr        error
	writeErr        error
	enableErr       error
	restartErr      error
	failTemplateUID int
	failUserUID     int

	wroteWhileEnabled bool
}

func (d *fakeDriver) Dial(ctx context.Context, dev Device, timeout time.Duration) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	d.ops = append(d.ops, "dial")
	return &fakeConn{drv: d, dev: dev, enabled: true}, nil
}

func (d *fakeDriver) op(name string) {
	d.mu.Lock()
	d.ops = append(d.ops, name)
	d.mu.Unlock()
}

func (d *fakeDriver) opLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.ops))
	copy(out, d.ops)
	return out
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDriver) fetchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetchCalls
}

func (d *fakeDriver) maxActiveConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

type fakeConn struct {
	drv     *fakeDriver
	dev     Device
	enabled bool
	closed  bool
}

func (c *fakeConn) Attendance(ctx context.Context) ([]AttendanceRecord, error) {
	c.drv.mu.Lock()
	c.drv.fetchCalls++
	c.drv.ops = append(c.drv.ops, "attendance")
	gate := c.drv.fetchGate
	fail := false
	if c.drv.attendanceFails > 0 {
		c.drv.attendanceFails--
		fail = true
	}
	records := append([]AttendanceRecord(nil), c.drv.attendance[c.dev.Key]...)
	c.drv.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if fail {
		return nil, errors.New("read timeout")
	}
	return records, nil
}

func (c *fakeConn) Users(ctx context.Context) ([]User, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.ops = append(c.drv.ops, "users")
	if c.drv.usersErr != nil {
		return nil, c.drv.usersErr
	}
	return append([]User(nil), c.drv.users...), nil
}

func (c *fakeConn) Templates(ctx context.Context) ([]FingerTemplate, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.ops = append(c.drv.ops, "templates")
	return append([]FingerTemplate(nil), c.drv.templates...), nil
}

func (c *fakeConn) Info(ctx context.Context) (DeviceInfo, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.ops = append(c.drv.ops, "info")
	return DeviceInfo{
		Serial:        c.dev.Serial,
		Model:         "FakeTerminal",
		UserCount:     len(c.drv.users),
		RecordCount:   len(c.drv.attendance[c.dev.Key]),
		TemplateCount: len(c.drv.templates),
		Time:          time.Now().UTC(),
	}, nil
}

func (c *fakeConn) Time(ctx context.Context) (time.Time, error) {
	c.drv.op("time")
	return time.Now().UTC(), nil
}

func (c *fakeConn) write(name string, err error) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.ops = append(c.drv.ops, name)
	if c.enabled {
		c.drv.wroteWhileEnabled = true
	}
	if err != nil {
		return err
	}
	return c.drv.writeErr
}

func (c *fakeConn) SetTime(ctx context.Context, t time.Time) error {
	return c.write("set-time", nil)
}

func (c *fakeConn) SetUser(ctx context.Context, u User) error {
	c.drv.mu.Lock()
	failUID := c.drv.failUserUID
	c.drv.mu.Unlock()
	var err error
	if failUID != 0 && u.UID == failUID {
		err = fmt.Errorf("uid %d rejected", u.UID)
	}
	return c.write("set-user", err)
}

func (c *fakeConn) DeleteUser(ctx context.Context, uid int) error {
	return c.write("delete-user", nil)
}

func (c *fakeConn) SetTemplate(ctx context.Context, tpl FingerTemplate) error {
	c.drv.mu.Lock()
	failUID := c.drv.failTemplateUID
	c.drv.mu.Unlock()
	var err error
	if failUID != 0 && tpl.UID == failUID {
		err = fmt.Errorf("template for uid %d rejected", tpl.UID)
	}
	return c.write("set-template", err)
}

func (c *fakeConn) ClearAttendance(ctx context.Context) error {
	return c.write("clear-attendance", nil)
}

func (c *fakeConn) Enable(ctx context.Context) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.ops = append(c.drv.ops, "enable")
	if c.drv.enableErr != nil {
		return c.drv.enableErr
	}
	c.enabled = true
	return nil
}

func (c *fakeConn) Disable(ctx context.Context) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.ops = append(c.drv.ops, "disable")
	c.enabled = false
	return nil
}

func (c *fakeConn) Restart(ctx context.Context) error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.ops = append(c.drv.ops, "restart")
	return c.drv.restartErr
}

func (c *fakeConn) Close() error {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.drv.active--
		c.drv.ops = append(c.drv.ops, "close")
	}
	return nil
}

// fastPoolConfig keeps retries and waits short enough for tests.
func fastPoolConfig() PoolConfig {
	return PoolConfig{
		AcquireTimeout:  2 * time.Second,
		ConnectTimeout:  time.Second,
		ConnectAttempts: 3,
		RetryBackoff:    time.Millisecond,
		RetryBackoffMax: 2 * time.Millisecond,
		IdleTimeout:     time.Hour,
		ReapInterval:    time.Hour,
	}
}

func newTestPool(t *testing.T, drv *fakeDriver, cfg PoolConfig, keys ...string) *DevicePool {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{"tmi"}
	}
	pool := NewDevicePool(testRegistry(t, keys...), drv, cfg)
	t.Cleanup(pool.Close)
	return pool
}

func TestPoolAcquireSerializesDeviceAccess(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess1, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		sess2, err := pool.Acquire(ctx, "tmi")
		if err != nil {
			done <- err
			return
		}
		sess2.Release()
		done <- nil
	}()

	select {
	case err := <-done:
		t.Fatalf("second acquire finished while the first held the device: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	sess1.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second acquire did not complete after release")
	}

	if got := drv.maxActiveConns(); got != 1 {
		t.Fatalf("expected at most 1 live connection, got %d", got)
	}
	if got := drv.dialCount(); got != 1 {
		t.Fatalf("expected connection reuse with 1 dial, got %d", got)
	}
}

func TestPoolAcquireTimeoutReturnsDeviceBusy(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	cfg := fastPoolConfig()
	cfg.AcquireTimeout = 30 * time.Millisecond
	pool := newTestPool(t, drv, cfg)

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer sess.Release()

	_, err = pool.Acquire(ctx, "tmi")
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}
}

func TestPoolAcquireHonorsContextCancellation(t *testing.T) {
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(context.Background(), "tmi")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer sess.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "tmi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
}

func TestPoolAcquireUnknownDevice(t *testing.T) {
	pool := newTestPool(t, &fakeDriver{}, fastPoolConfig())
	_, err := pool.Acquire(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestPoolDialRetriesUntilSuccess(t *testing.T) {
	drv := &fakeDriver{failFirst: 2}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(context.Background(), "tmi")
	if err != nil {
		t.Fatalf("acquire after transient dial failures: %v", err)
	}
	sess.Release()

	if got := drv.dialCount(); got != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", got)
	}
	if stats := pool.Stats()["tmi"]; stats.DialFailures != 2 {
		t.Fatalf("expected 2 recorded dial failures, got %d", stats.DialFailures)
	}
}

func TestPoolDialExhaustionReturnsUnavailable(t *testing.T) {
	drv := &fakeDriver{failFirst: 3}
	pool := newTestPool(t, drv, fastPoolConfig())

	_, err := pool.Acquire(context.Background(), "tmi")
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("expected attempt count in error, got %q", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected last dial error in message, got %q", err)
	}

	// The failed acquire must free the lock; the driver recovers and the
	// next acquire succeeds.
	sess, err := pool.Acquire(context.Background(), "tmi")
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	sess.Release()
}

func TestPoolWriteDisablesDeviceAroundMutation(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := sess.SetUser(ctx, User{UID: 7, Name: "Nadia"}); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	sess.Release()

	want := []string{"dial", "disable", "set-user", "enable"}
	got := drv.opLog()
	if len(got) != len(want) {
		t.Fatalf("unexpected op log: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op %d: expected %s, got %s (log %v)", i, want[i], got[i], got)
		}
	}
	if drv.wroteWhileEnabled {
		t.Fatalf("mutation ran while the terminal was enabled")
	}
}

func TestPoolWriteReenablesAfterFailedMutation(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{writeErr: errors.New("flash write failed")}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = sess.SetUser(ctx, User{UID: 7})
	if err == nil || !strings.Contains(err.Error(), "set user") {
		t.Fatalf("expected wrapped set user error, got %v", err)
	}
	sess.Release()

	ops := drv.opLog()
	sawEnable := false
	for _, op := range ops {
		if op == "enable" {
			sawEnable = true
		}
	}
	if !sawEnable {
		t.Fatalf("terminal was not re-enabled after failed write: %v", ops)
	}

	// The failed session is dead; the next acquire dials a fresh connection.
	sess2, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	sess2.Release()
	if got := drv.dialCount(); got != 2 {
		t.Fatalf("expected a fresh dial after dead session, got %d dials", got)
	}
}

func TestPoolWriteReportsReenableFailure(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{enableErr: errors.New("device gone")}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sess.Release()

	err = sess.SetUser(ctx, User{UID: 7})
	if err == nil || !strings.Contains(err.Error(), "re-enable after set user") {
		t.Fatalf("expected re-enable failure surfaced, got %v", err)
	}
}

func TestPoolWriteFailureAndReenableFailureBothReported(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{
		writeErr:  errors.New("flash write failed"),
		enableErr: errors.New("device gone"),
	}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sess.Release()

	err = sess.SetUser(ctx, User{UID: 7})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "set user") || !strings.Contains(err.Error(), "re-enable also failed") {
		t.Fatalf("expected both failures in error, got %q", err)
	}
}

func TestPoolReadErrorMarksSessionDead(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{usersErr: errors.New("checksum mismatch")}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := sess.Users(ctx); err == nil {
		t.Fatalf("expected read error")
	}
	if _, err := sess.Users(ctx); err == nil || !strings.Contains(err.Error(), "dead") {
		t.Fatalf("expected dead-session error on reuse, got %v", err)
	}
	sess.Release()

	// Dead connections are closed on release and replaced on next acquire.
	drv.mu.Lock()
	drv.usersErr = nil
	drv.mu.Unlock()
	sess2, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire after dead session: %v", err)
	}
	if _, err := sess2.Users(ctx); err != nil {
		t.Fatalf("Users on fresh connection: %v", err)
	}
	sess2.Release()
	if got := drv.dialCount(); got != 2 {
		t.Fatalf("expected redial after dead session, got %d dials", got)
	}
}

func TestPoolRestartAlwaysInvalidatesSession(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := sess.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := sess.Time(ctx); err == nil {
		t.Fatalf("expected session unusable after restart")
	}
	sess.Release()

	sess2, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire after restart: %v", err)
	}
	sess2.Release()
	if got := drv.dialCount(); got != 2 {
		t.Fatalf("expected redial after restart, got %d dials", got)
	}
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sess.Release()
	sess.Release()

	sess2, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
	sess2.Release()
}

func TestPoolReleaseClosesConnectionWhenIdleTimeoutZero(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	cfg := fastPoolConfig()
	cfg.IdleTimeout = 0
	pool := newTestPool(t, drv, cfg)

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sess.Release()
	sess2, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	sess2.Release()

	if got := drv.dialCount(); got != 2 {
		t.Fatalf("expected one dial per session without pooling, got %d", got)
	}
}

func TestPoolCloseIdleClosesStaleConnections(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig())

	now := time.Now()
	pool.clock = func() time.Time { return now }

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sess.Release()

	if closed := pool.CloseIdle(30 * time.Minute); closed != 0 {
		t.Fatalf("fresh connection reaped early, closed=%d", closed)
	}
	now = now.Add(time.Hour)
	if closed := pool.CloseIdle(30 * time.Minute); closed != 1 {
		t.Fatalf("expected 1 idle connection closed, got %d", closed)
	}
	if stats := pool.Stats()["tmi"]; stats.Connected {
		t.Fatalf("slot still reports a connection after reap")
	}
}

func TestPoolCloseIdleSkipsBusyDevices(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig())

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sess.Release()

	if closed := pool.CloseIdle(0); closed != 0 {
		t.Fatalf("reap touched a busy device, closed=%d", closed)
	}
}

func TestPoolCloseRejectsFurtherAcquires(t *testing.T) {
	pool := NewDevicePool(testRegistry(t, "tmi"), &fakeDriver{}, fastPoolConfig())
	pool.Close()
	_, err := pool.Acquire(context.Background(), "tmi")
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolStatsReportsBusyDevice(t *testing.T) {
	ctx := context.Background()
	drv := &fakeDriver{}
	pool := newTestPool(t, drv, fastPoolConfig(), "tmi", "lobby")

	sess, err := pool.Acquire(ctx, "tmi")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stats := pool.Stats()
	if !stats["tmi"].Busy || !stats["tmi"].Connected {
		t.Fatalf("expected tmi busy and connected, got %+v", stats["tmi"])
	}
	if _, touched := stats["lobby"]; touched {
		t.Fatalf("untouched device should not appear in stats")
	}
	sess.Release()

	stats = pool.Stats()
	if stats["tmi"].Busy {
		t.Fatalf("device still busy after release")
	}
}
