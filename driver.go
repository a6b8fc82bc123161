package zkfleet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Driver opens connections to one family of terminals. Implementations wrap a
// concrete wire protocol; this package never talks to hardware itself.
// Drivers must be safe for concurrent use. The pool guarantees at most one
// live Conn per device.
type Driver interface {
	Dial(ctx context.Context, dev Device, timeout time.Duration) (Conn, error)
}

// Conn is a live connection to a single terminal. Conns are not safe for
// concurrent use; the pool serializes access.
type Conn interface {
	Attendance(ctx context.Context) ([]AttendanceRecord, error)
	Users(ctx context.Context) ([]User, error)
	Templates(ctx context.Context) ([]FingerTemplate, error)
	Info(ctx context.Context) (DeviceInfo, error)
	Time(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error

	// Enable and Disable toggle normal operation. Terminals must be disabled
	// before any mutation so employees cannot clock in mid-write.
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error

	SetUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, uid int) error
	SetTemplate(ctx context.Context, tpl FingerTemplate) error
	ClearAttendance(ctx context.Context) error

	// Restart reboots the terminal. The connection is unusable afterwards.
	Restart(ctx context.Context) error

	Close() error
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes a driver available under the given name, following the
// database/sql convention: drivers register themselves from an init function
// and programs select one by name. Registering twice under one name panics.
func RegisterDriver(name string, drv Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if drv == nil {
		panic("zkfleet: RegisterDriver driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("zkfleet: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = drv
}

// DriverByName returns a registered driver.
func DriverByName(name string) (Driver, error) {
	driversMu.RLock()
	drv, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown driver %q (registered: %s)",
			name, strings.Join(DriverNames(), ", "))
	}
	return drv, nil
}

// DriverNames lists registered drivers in sorted order.
func DriverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
