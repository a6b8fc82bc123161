package simdriver

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zkfleet/zkfleet"
)

func simDevice(key string) zkfleet.Device {
	return zkfleet.Device{Key: key, Host: "127.0.0.1", Port: 4370, Serial: "SIM-TEST-" + key}
}

func dial(t *testing.T, d *Driver, dev zkfleet.Device) zkfleet.Conn {
	t.Helper()
	conn, err := d.Dial(context.Background(), dev, time.Second)
	if err != nil {
		t.Fatalf("Dial %s: %v", dev.Key, err)
	}
	return conn
}

func TestSeedingIsDeterministic(t *testing.T) {
	ctx := context.Background()
	dev := simDevice("tmi")

	read := func(d *Driver) ([]zkfleet.User, []zkfleet.FingerTemplate, []zkfleet.AttendanceRecord) {
		conn := dial(t, d, dev)
		defer conn.Close()
		users, err := conn.Users(ctx)
		if err != nil {
			t.Fatalf("Users: %v", err)
		}
		templates, err := conn.Templates(ctx)
		if err != nil {
			t.Fatalf("Templates: %v", err)
		}
		attendance, err := conn.Attendance(ctx)
		if err != nil {
			t.Fatalf("Attendance: %v", err)
		}
		return users, templates, attendance
	}

	users1, tpls1, att1 := read(New())
	users2, tpls2, att2 := read(New())

	if len(users1) == 0 || len(users1) != len(users2) {
		t.Fatalf("user counts differ: %d vs %d", len(users1), len(users2))
	}
	for i := range users1 {
		if users1[i] != users2[i] {
			t.Fatalf("user %d differs: %+v vs %+v", i, users1[i], users2[i])
		}
	}
	if len(tpls1) != len(tpls2) {
		t.Fatalf("template counts differ: %d vs %d", len(tpls1), len(tpls2))
	}
	for i := range tpls1 {
		if tpls1[i].UID != tpls2[i].UID || tpls1[i].FingerIndex != tpls2[i].FingerIndex {
			t.Fatalf("template %d identity differs", i)
		}
		if !bytes.Equal(tpls1[i].Template, tpls2[i].Template) {
			t.Fatalf("template %d payload differs", i)
		}
	}
	// Punch days depend on the wall clock; the who-and-what sequence does not.
	if len(att1) == 0 || len(att1) != len(att2) {
		t.Fatalf("attendance counts differ: %d vs %d", len(att1), len(att2))
	}
	for i := range att1 {
		if att1[i].UID != att2[i].UID || att1[i].Status != att2[i].Status {
			t.Fatalf("punch %d differs: %+v vs %+v", i, att1[i], att2[i])
		}
	}
}

func TestDifferentSerialsSeedDifferentFleets(t *testing.T) {
	ctx := context.Background()
	d := New()

	connA := dial(t, d, simDevice("tmi"))
	defer connA.Close()
	connB := dial(t, d, simDevice("lobby"))
	defer connB.Close()

	infoA, err := connA.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	infoB, err := connB.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if infoA.Serial == infoB.Serial {
		t.Fatalf("serials collide: %s", infoA.Serial)
	}

	tplsA, err := connA.Templates(ctx)
	if err != nil {
		t.Fatalf("Templates: %v", err)
	}
	tplsB, err := connB.Templates(ctx)
	if err != nil {
		t.Fatalf("Templates: %v", err)
	}
	if bytes.Equal(tplsA[0].Template, tplsB[0].Template) {
		t.Fatalf("different serials produced identical template data")
	}
}

func TestSingleConnectionPerDevice(t *testing.T) {
	d := New()
	dev := simDevice("tmi")

	conn := dial(t, d, dev)
	_, err := d.Dial(context.Background(), dev, time.Second)
	if err == nil || !strings.Contains(err.Error(), "already has a connection") {
		t.Fatalf("expected second dial refused, got %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	conn2 := dial(t, d, dev)
	conn2.Close()
}

func TestWritesRequireDisabledTerminal(t *testing.T) {
	ctx := context.Background()
	d := New()
	conn := dial(t, d, simDevice("tmi"))
	defer conn.Close()

	user := zkfleet.User{UID: 9001, UserID: "9001", Name: "New Hire"}
	err := conn.SetUser(ctx, user)
	if err == nil || !strings.Contains(err.Error(), "refusing write") {
		t.Fatalf("expected write refused while enabled, got %v", err)
	}

	if err := conn.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := conn.SetUser(ctx, user); err != nil {
		t.Fatalf("SetUser after disable: %v", err)
	}
	if err := conn.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	users, err := conn.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	found := false
	for _, u := range users {
		if u.UID == 9001 && u.Name == "New Hire" {
			found = true
		}
	}
	if !found {
		t.Fatalf("written user missing from %d users", len(users))
	}
}

func TestContentsSurviveReconnect(t *testing.T) {
	ctx := context.Background()
	d := New()
	dev := simDevice("tmi")

	conn := dial(t, d, dev)
	if err := conn.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := conn.SetUser(ctx, zkfleet.User{UID: 9001, UserID: "9001", Name: "New Hire"}); err != nil {
		t.Fatalf("SetUser: %v", err)
	}
	conn.Close()

	conn2 := dial(t, d, dev)
	defer conn2.Close()
	users, err := conn2.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	found := false
	for _, u := range users {
		if u.UID == 9001 {
			found = true
		}
	}
	if !found {
		t.Fatalf("user lost across reconnect")
	}
}

func TestFailDialsScriptsRefusals(t *testing.T) {
	d := New()
	dev := simDevice("tmi")
	d.FailDials("tmi", 2)

	for i := 0; i < 2; i++ {
		_, err := d.Dial(context.Background(), dev, time.Second)
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("dial %d: expected refusal, got %v", i, err)
		}
	}
	conn := dial(t, d, dev)
	conn.Close()
}

func TestRestartDropsConnectionAndReenables(t *testing.T) {
	ctx := context.Background()
	d := New()
	dev := simDevice("tmi")

	conn := dial(t, d, dev)
	if err := conn.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := conn.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if _, err := conn.Time(ctx); err == nil {
		t.Fatalf("connection usable after restart")
	}

	conn2 := dial(t, d, dev)
	defer conn2.Close()
	// The terminal boots enabled, so writes are refused again.
	if err := conn2.SetUser(ctx, zkfleet.User{UID: 9001, UserID: "9001"}); err == nil {
		t.Fatalf("terminal not re-enabled by restart")
	}
	users, err := conn2.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) == 0 {
		t.Fatalf("restart wiped device contents")
	}
}

func TestDeleteUserCascadesTemplates(t *testing.T) {
	ctx := context.Background()
	d := New()
	conn := dial(t, d, simDevice("tmi"))
	defer conn.Close()

	templates, err := conn.Templates(ctx)
	if err != nil {
		t.Fatalf("Templates: %v", err)
	}
	had := 0
	for _, tpl := range templates {
		if tpl.UID == 1 {
			had++
		}
	}
	if had == 0 {
		t.Fatalf("seeded device has no templates for uid 1")
	}

	if err := conn.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := conn.DeleteUser(ctx, 1); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	users, err := conn.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	for _, u := range users {
		if u.UID == 1 {
			t.Fatalf("user 1 survived deletion")
		}
	}
	templates, err = conn.Templates(ctx)
	if err != nil {
		t.Fatalf("Templates: %v", err)
	}
	for _, tpl := range templates {
		if tpl.UID == 1 {
			t.Fatalf("template for deleted user survived: %+v", tpl)
		}
	}
}

func TestSetTemplateValidations(t *testing.T) {
	ctx := context.Background()
	d := New()
	conn := dial(t, d, simDevice("tmi"))
	defer conn.Close()

	if err := conn.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	bad := zkfleet.FingerTemplate{UID: 1, FingerIndex: 12, Template: []byte("x")}
	if err := conn.SetTemplate(ctx, bad); err == nil || !strings.Contains(err.Error(), "invalid finger index") {
		t.Fatalf("expected finger index rejected, got %v", err)
	}
	orphan := zkfleet.FingerTemplate{UID: 100000, FingerIndex: 0, Template: []byte("x")}
	if err := conn.SetTemplate(ctx, orphan); err == nil || !strings.Contains(err.Error(), "no user with uid") {
		t.Fatalf("expected orphan template rejected, got %v", err)
	}
}

func TestSetTimeAdjustsClock(t *testing.T) {
	ctx := context.Background()
	d := New()
	conn := dial(t, d, simDevice("tmi"))
	defer conn.Close()

	if err := conn.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	target := time.Now().UTC().Add(time.Hour)
	if err := conn.SetTime(ctx, target); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	got, err := conn.Time(ctx)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if diff := got.Sub(target); diff < -5*time.Second || diff > 5*time.Second {
		t.Fatalf("device clock off by %s", diff)
	}
}

func TestClearAttendance(t *testing.T) {
	ctx := context.Background()
	d := New()
	dev := simDevice("tmi")
	conn := dial(t, d, dev)

	if err := conn.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := conn.ClearAttendance(ctx); err != nil {
		t.Fatalf("ClearAttendance: %v", err)
	}
	records, err := conn.Attendance(ctx)
	if err != nil {
		t.Fatalf("Attendance: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("attendance survived clear: %d records", len(records))
	}
	conn.Close()

	conn2 := dial(t, d, dev)
	defer conn2.Close()
	records, err = conn2.Attendance(ctx)
	if err != nil {
		t.Fatalf("Attendance after reconnect: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("cleared attendance came back: %d records", len(records))
	}
}

func TestDialHonorsContextDuringLatency(t *testing.T) {
	d := New()
	d.Latency = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := d.Dial(ctx, simDevice("tmi"), time.Second)
	if err == nil {
		t.Fatalf("expected dial cancelled")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("dial ignored cancellation for %s", elapsed)
	}
}

func TestDriverRegistersItself(t *testing.T) {
	drv, err := zkfleet.DriverByName("sim")
	if err != nil {
		t.Fatalf("DriverByName: %v", err)
	}
	if drv == nil {
		t.Fatalf("nil driver registered")
	}
}
