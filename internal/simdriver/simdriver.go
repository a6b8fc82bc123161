// Package simdriver is an in-memory terminal simulator. It registers itself
// as the "sim" driver and mimics the parts of real terminal behavior that
// matter to the pool: a terminal accepts one connection at a time, rejects
// writes while enabled, and drops the connection on restart. Device contents
// are seeded deterministically from the device serial, so the same fleet file
// always produces the same fleet.
package simdriver

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zkfleet/zkfleet"
)

func init() {
	zkfleet.RegisterDriver("sim", New())
}

// Driver simulates a fleet of terminals. The zero value is usable; knobs
// exist for tests.
type Driver struct {
	// Latency is added to every dial.
	Latency time.Duration

	mu        sync.Mutex
	devices   map[string]*device
	failDials map[string]int
}

// New returns a simulator with no injected faults.
func New() *Driver {
	return &Driver{devices: make(map[string]*device)}
}

// FailDials makes the next n dials to key fail with a refused connection.
func (d *Driver) FailDials(key string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDials == nil {
		d.failDials = make(map[string]int)
	}
	d.failDials[key] = n
}

// Dial connects to the simulated device, creating and seeding it on first
// contact. A device that already has a live connection refuses the dial, the
// way real terminals do.
func (d *Driver) Dial(ctx context.Context, dev zkfleet.Device, timeout time.Duration) (zkfleet.Conn, error) {
	if d.Latency > 0 {
		t := time.NewTimer(d.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	d.mu.Lock()
	if n := d.failDials[dev.Key]; n > 0 {
		d.failDials[dev.Key] = n - 1
		d.mu.Unlock()
		return nil, errors.Errorf("sim: dial %s: connection refused", dev.Addr())
	}
	if d.devices == nil {
		d.devices = make(map[string]*device)
	}
	st, ok := d.devices[dev.Key]
	if !ok {
		st = newDevice(dev)
		d.devices[dev.Key] = st
	}
	d.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.connected {
		return nil, errors.Errorf("sim: device %s already has a connection", dev.Key)
	}
	st.connected = true
	return &conn{dev: dev, st: st}, nil
}

// device is the persistent state of one simulated terminal. It survives
// across connections; only Restart and process exit reset anything.
type device struct {
	mu        sync.Mutex
	connected bool
	enabled   bool

	serial     string
	users      map[int]zkfleet.User
	templates  map[[2]int]zkfleet.FingerTemplate
	attendance []zkfleet.AttendanceRecord
	clockSkew  time.Duration
}

func newDevice(dev zkfleet.Device) *device {
	serial := dev.Serial
	if serial == "" {
		serial = "SIM-" + dev.Key
	}
	st := &device{
		enabled:   true,
		serial:    serial,
		users:     make(map[int]zkfleet.User),
		templates: make(map[[2]int]zkfleet.FingerTemplate),
	}
	st.seed(serial)
	return st
}

// seed fills the device with a plausible workforce. Everything derives from
// the serial, so repeated runs see identical contents.
func (st *device) seed(serial string) {
	h := fnv.New64a()
	h.Write([]byte(serial))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	userCount := 8 + rng.Intn(25)
	for uid := 1; uid <= userCount; uid++ {
		u := zkfleet.User{
			UID:       uid,
			UserID:    fmt.Sprintf("%04d", 1000+uid),
			Name:      fmt.Sprintf("Employee %03d", uid),
			Privilege: 0,
		}
		if rng.Intn(10) == 0 {
			u.Privilege = 14
		}
		st.users[uid] = u

		fingers := 1 + rng.Intn(2)
		for f := 0; f < fingers; f++ {
			tpl := zkfleet.FingerTemplate{
				UID:         uid,
				UserID:      u.UserID,
				FingerIndex: f,
				Valid:       true,
				Template:    randomTemplate(rng),
			}
			st.templates[[2]int{uid, f}] = tpl
		}
	}

	// A month of punches: most workdays get a clock-in and a clock-out with
	// a few minutes of jitter.
	day := time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	for d := 0; d < 30; d++ {
		for uid := 1; uid <= userCount; uid++ {
			if rng.Intn(10) < 2 {
				continue
			}
			in := day.Add(8*time.Hour + time.Duration(rng.Intn(45))*time.Minute)
			out := day.Add(17*time.Hour + time.Duration(rng.Intn(90))*time.Minute)
			st.attendance = append(st.attendance,
				zkfleet.AttendanceRecord{
					UID:          uid,
					UserID:       st.users[uid].UserID,
					Timestamp:    in,
					Status:       zkfleet.PunchCheckIn,
					VerifyMethod: 1,
				},
				zkfleet.AttendanceRecord{
					UID:          uid,
					UserID:       st.users[uid].UserID,
					Timestamp:    out,
					Status:       zkfleet.PunchCheckOut,
					VerifyMethod: 1,
				})
		}
		day = day.AddDate(0, 0, 1)
	}
	sort.SliceStable(st.attendance, func(i, j int) bool {
		return st.attendance[i].Timestamp.Before(st.attendance[j].Timestamp)
	})
}

func randomTemplate(rng *rand.Rand) []byte {
	b := make([]byte, 512+rng.Intn(1024))
	rng.Read(b)
	return b
}

// conn is one live session against a simulated device.
type conn struct {
	dev    zkfleet.Device
	st     *device
	closed bool
}

func (c *conn) guard() (*device, error) {
	if c.closed {
		return nil, errors.Errorf("sim: device %s: connection closed", c.dev.Key)
	}
	return c.st, nil
}

// writable returns the state when the connection is open and the terminal is
// disabled. Real terminals reject mutations while collecting punches.
func (c *conn) writable() (*device, error) {
	st, err := c.guard()
	if err != nil {
		return nil, err
	}
	if st.enabled {
		return nil, errors.Errorf("sim: device %s enabled, refusing write", c.dev.Key)
	}
	return st, nil
}

func (c *conn) Attendance(ctx context.Context) ([]zkfleet.AttendanceRecord, error) {
	st, err := c.guard()
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]zkfleet.AttendanceRecord, len(st.attendance))
	copy(out, st.attendance)
	return out, nil
}

func (c *conn) Users(ctx context.Context) ([]zkfleet.User, error) {
	st, err := c.guard()
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]zkfleet.User, 0, len(st.users))
	for _, u := range st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (c *conn) Templates(ctx context.Context) ([]zkfleet.FingerTemplate, error) {
	st, err := c.guard()
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]zkfleet.FingerTemplate, 0, len(st.templates))
	for _, tpl := range st.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UID != out[j].UID {
			return out[i].UID < out[j].UID
		}
		return out[i].FingerIndex < out[j].FingerIndex
	})
	return out, nil
}

func (c *conn) Info(ctx context.Context) (zkfleet.DeviceInfo, error) {
	st, err := c.guard()
	if err != nil {
		return zkfleet.DeviceInfo{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return zkfleet.DeviceInfo{
		Serial:        st.serial,
		Model:         "SimTerminal",
		Firmware:      "sim-1.0.0",
		Platform:      "sim",
		UserCount:     len(st.users),
		RecordCount:   len(st.attendance),
		TemplateCount: len(st.templates),
		Time:          time.Now().UTC().Add(st.clockSkew),
	}, nil
}

func (c *conn) Time(ctx context.Context) (time.Time, error) {
	st, err := c.guard()
	if err != nil {
		return time.Time{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return time.Now().UTC().Add(st.clockSkew), nil
}

func (c *conn) SetTime(ctx context.Context, t time.Time) error {
	st, err := c.writable()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.clockSkew = time.Until(t)
	return nil
}

func (c *conn) Enable(ctx context.Context) error {
	st, err := c.guard()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.enabled = true
	return nil
}

func (c *conn) Disable(ctx context.Context) error {
	st, err := c.guard()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.enabled = false
	return nil
}

func (c *conn) SetUser(ctx context.Context, u zkfleet.User) error {
	st, err := c.writable()
	if err != nil {
		return err
	}
	if u.UID <= 0 {
		return errors.Errorf("sim: invalid uid %d", u.UID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.users[u.UID] = u
	return nil
}

func (c *conn) DeleteUser(ctx context.Context, uid int) error {
	st, err := c.writable()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.users, uid)
	for k := range st.templates {
		if k[0] == uid {
			delete(st.templates, k)
		}
	}
	return nil
}

func (c *conn) SetTemplate(ctx context.Context, tpl zkfleet.FingerTemplate) error {
	st, err := c.writable()
	if err != nil {
		return err
	}
	if tpl.FingerIndex < 0 || tpl.FingerIndex > 9 {
		return errors.Errorf("sim: invalid finger index %d", tpl.FingerIndex)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.users[tpl.UID]; !ok {
		return errors.Errorf("sim: no user with uid %d", tpl.UID)
	}
	st.templates[[2]int{tpl.UID, tpl.FingerIndex}] = tpl
	return nil
}

func (c *conn) ClearAttendance(ctx context.Context) error {
	st, err := c.writable()
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attendance = nil
	return nil
}

// Restart drops the connection and boots the device back into the enabled
// state, contents intact.
func (c *conn) Restart(ctx context.Context) error {
	st, err := c.guard()
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.connected = false
	st.enabled = true
	st.mu.Unlock()
	c.closed = true
	return nil
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.st.mu.Lock()
	c.st.connected = false
	c.st.mu.Unlock()
	return nil
}
