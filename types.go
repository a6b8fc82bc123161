package zkfleet

import (
	"net"
	"strconv"
	"time"
)

// Device describes one terminal from the fleet registry.
type Device struct {
	Key      string `json:"key" yaml:"-"`
	Name     string `json:"name" yaml:"name"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password int    `json:"-" yaml:"password"`
	Serial   string `json:"serial" yaml:"serial"`
	Model    string `json:"model" yaml:"model"`
}

// Addr returns the host:port dial address.
func (d Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// AttendanceRecord is a single punch event read from a terminal.
type AttendanceRecord struct {
	UID          int       `json:"uid"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	Status       int       `json:"status"`
	VerifyMethod int       `json:"verify_method"`
}

// Punch status codes reported by the terminals.
const (
	PunchCheckIn     = 0
	PunchCheckOut    = 1
	PunchBreakOut    = 2
	PunchBreakIn     = 3
	PunchOvertimeIn  = 4
	PunchOvertimeOut = 5
)

var punchLabels = map[int]string{
	PunchCheckIn:     "check-in",
	PunchCheckOut:    "check-out",
	PunchBreakOut:    "break-out",
	PunchBreakIn:     "break-in",
	PunchOvertimeIn:  "overtime-in",
	PunchOvertimeOut: "overtime-out",
}

// PunchLabel returns a human-readable name for an attendance status code.
func PunchLabel(status int) string {
	if label, ok := punchLabels[status]; ok {
		return label
	}
	return "status-" + strconv.Itoa(status)
}

// User is a user record stored on a terminal.
type User struct {
	UID       int    `json:"uid"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Privilege int    `json:"privilege"`
	Password  string `json:"password,omitempty"`
	Group     string `json:"group,omitempty"`
	Card      int    `json:"card,omitempty"`
}

// FingerTemplate is an enrolled fingerprint template. Template holds the raw
// bytes as the device reports them and marshals to base64 in JSON.
type FingerTemplate struct {
	UID         int    `json:"uid"`
	UserID      string `json:"user_id"`
	FingerIndex int    `json:"finger_index"`
	Valid       bool   `json:"valid"`
	Template    []byte `json:"template"`
}

// DeviceInfo is an identity and capacity readout from a live terminal.
type DeviceInfo struct {
	Serial        string    `json:"serial"`
	Model         string    `json:"model"`
	Firmware      string    `json:"firmware"`
	Platform      string    `json:"platform"`
	UserCount     int       `json:"user_count"`
	RecordCount   int       `json:"record_count"`
	TemplateCount int       `json:"template_count"`
	Time          time.Time `json:"time"`
}

// CacheStatus reports the state of one device's attendance cache entry.
type CacheStatus struct {
	Device    string    `json:"device"`
	Cached    bool      `json:"cached"`
	FetchedAt time.Time `json:"fetched_at,omitzero"`
	Count     int       `json:"count"`
	Loading   bool      `json:"loading"`
	Stale     bool      `json:"stale"`
	LastError string    `json:"last_error,omitempty"`
}
