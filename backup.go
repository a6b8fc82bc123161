package zkfleet

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	backupTimeLayout = "2006-01-02_15-04-05"
	backupFullSuffix = "_full"
	backupExt        = ".json"
)

// BackupManifest is the JSON document written to object storage for one
// device backup. Attendance is present only when IncludesAttendance is true.
type BackupManifest struct {
	Device             string             `json:"device"`
	Serial             string             `json:"serial,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	IncludesAttendance bool               `json:"includes_attendance"`
	UserCount          int                `json:"user_count"`
	TemplateCount      int                `json:"template_count"`
	AttendanceCount    int                `json:"attendance_count"`
	Users              []User             `json:"users"`
	Templates          []FingerTemplate   `json:"templates"`
	Attendance         []AttendanceRecord `json:"attendance,omitempty"`
}

// BackupDescriptor is one row of a backup listing.
type BackupDescriptor struct {
	Key       string    `json:"key"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Full      bool      `json:"full"`
}

// RunOptions controls one backup run.
type RunOptions struct {
	IncludeAttendance bool
}

// BackupResult summarizes a completed backup.
type BackupResult struct {
	Device             string        `json:"device"`
	Key                string        `json:"key"`
	Users              int           `json:"users"`
	Templates          int           `json:"templates"`
	Attendance         int           `json:"attendance"`
	IncludesAttendance bool          `json:"includes_attendance"`
	Duration           time.Duration `json:"duration"`
}

// RestoreOptions controls a restore run. The zero value validates the
// manifest and writes it to the device it came from.
type RestoreOptions struct {
	// DryRun stops after validation and reports what would be written.
	DryRun bool
	// TargetDevice restores onto a different device than the manifest's.
	TargetDevice string
}

// RestoreResult summarizes a restore (or a dry run of one).
type RestoreResult struct {
	Device           string `json:"device"`
	Source           string `json:"source"`
	DryRun           bool   `json:"dry_run"`
	Users            int    `json:"users"`
	Templates        int    `json:"templates"`
	SkippedTemplates int    `json:"skipped_templates"`
}

// CleanupResult summarizes a retention sweep. FailedKeys lists objects whose
// deletion failed; those are retried implicitly on the next sweep.
type CleanupResult struct {
	Scanned    int      `json:"scanned"`
	Deleted    int      `json:"deleted"`
	Failed     int      `json:"failed"`
	FailedKeys []string `json:"failed_keys,omitempty"`
}

// BackupManager composes the pool, cache and object store into device backup
// manifests with list, restore and retention-cleanup operations.
type BackupManager struct {
	pool  *DevicePool
	cache *AttendanceCache
	store ObjectStore
	cfg   BackupConfig
	clock func() time.Time
}

// NewBackupManager builds a manager. Zero config fields take defaults.
func NewBackupManager(pool *DevicePool, cache *AttendanceCache, store ObjectStore, cfg BackupConfig) *BackupManager {
	return &BackupManager{
		pool:  pool,
		cache: cache,
		store: store,
		cfg:   cfg.withDefaults(),
		clock: time.Now,
	}
}

func (m *BackupManager) now() time.Time { return m.clock() }

// Run backs up one device: users and fingerprint templates are read through
// an exclusive session; attendance (when requested) is served from the cache,
// falling back to one coalesced refresh when the cache is cold. An attendance
// failure downgrades the backup instead of failing it. The manifest is
// uploaded under Prefix/<device>/<timestamp>[_full].json.
func (m *BackupManager) Run(ctx context.Context, key string, opts RunOptions) (BackupResult, error) {
	start := time.Now()
	dev, err := m.pool.Registry().Get(key)
	if err != nil {
		return BackupResult{}, err
	}

	// Attendance comes first: it reads the cache (or refreshes it via its own
	// pool session), so it must not run while this backup holds the device.
	var attendance []AttendanceRecord
	includeAttendance := false
	if opts.IncludeAttendance {
		attendance, err = m.attendance(ctx, key)
		if err != nil {
			log.Warn().Str("device", key).Err(err).Msg("attendance unavailable, backing up without it")
		} else {
			includeAttendance = true
		}
	}

	sess, err := m.pool.Acquire(ctx, key)
	if err != nil {
		return BackupResult{}, err
	}
	defer sess.Release()
	users, err := sess.Users(ctx)
	if err != nil {
		return BackupResult{}, err
	}
	templates, err := sess.Templates(ctx)
	if err != nil {
		return BackupResult{}, err
	}

	manifest := BackupManifest{
		Device:             key,
		Serial:             dev.Serial,
		CreatedAt:          m.now().UTC(),
		IncludesAttendance: includeAttendance,
		UserCount:          len(users),
		TemplateCount:      len(templates),
		AttendanceCount:    len(attendance),
		Users:              users,
		Templates:          templates,
	}
	if includeAttendance {
		manifest.Attendance = attendance
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return BackupResult{}, errors.Wrapf(err, "device %s: encode manifest", key)
	}
	objKey := backupKey(m.cfg.Prefix, key, manifest.CreatedAt, includeAttendance)
	if err := m.store.Put(ctx, objKey, data); err != nil {
		return BackupResult{}, errors.Wrapf(err, "device %s: upload backup", key)
	}

	result := BackupResult{
		Device:             key,
		Key:                objKey,
		Users:              len(users),
		Templates:          len(templates),
		Attendance:         len(attendance),
		IncludesAttendance: includeAttendance,
		Duration:           time.Since(start),
	}
	log.Info().Str("device", key).Str("key", objKey).
		Int("users", result.Users).Int("templates", result.Templates).
		Int("attendance", result.Attendance).Dur("duration", result.Duration).
		Str("store", m.store.Name()).Msg("backup uploaded")
	return result, nil
}

// attendance returns the full cached attendance snapshot, refreshing once
// when the cache is cold. The refresh coalesces with any fetch already in
// flight, so a warm cache costs zero device reads and a cold one costs one.
func (m *BackupManager) attendance(ctx context.Context, key string) ([]AttendanceRecord, error) {
	records, err := m.cache.Get(key, time.Time{}, time.Time{})
	if err == nil {
		return records, nil
	}
	if !errors.Is(err, ErrCacheCold) {
		return nil, err
	}
	if _, err := m.cache.Refresh(ctx, key); err != nil {
		return nil, err
	}
	return m.cache.Get(key, time.Time{}, time.Time{})
}

// List returns backup descriptors, newest first. An empty device lists the
// whole fleet. Foreign objects under the prefix are skipped.
func (m *BackupManager) List(ctx context.Context, device string) ([]BackupDescriptor, error) {
	prefix := m.cfg.Prefix + "/"
	if device != "" {
		prefix = path.Join(m.cfg.Prefix, device) + "/"
	}
	objs, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list backups")
	}
	out := make([]BackupDescriptor, 0, len(objs))
	for _, obj := range objs {
		desc, err := parseBackupKey(m.cfg.Prefix, obj.Key)
		if err != nil {
			log.Debug().Str("key", obj.Key).Err(err).Msg("skipping foreign object in backup prefix")
			continue
		}
		desc.Size = obj.Size
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Key > out[j].Key
	})
	return out, nil
}

// Restore downloads a manifest and writes it back to a device. Everything is
// validated before the first device write, so a bad manifest mutates
// nothing. Users are written first, then templates; a failed user aborts
// while failed templates are skipped and counted.
func (m *BackupManager) Restore(ctx context.Context, key string, opts RestoreOptions) (RestoreResult, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return RestoreResult{}, errors.Wrapf(err, "download backup %s", key)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "decode manifest %s", key)
	}

	target := manifest.Device
	if opts.TargetDevice != "" {
		target = opts.TargetDevice
	}
	if _, err := m.pool.Registry().Get(target); err != nil {
		return RestoreResult{}, err
	}
	if err := validateManifest(&manifest); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "manifest %s", key)
	}

	result := RestoreResult{
		Device:    target,
		Source:    key,
		DryRun:    opts.DryRun,
		Users:     len(manifest.Users),
		Templates: len(manifest.Templates),
	}
	if opts.DryRun {
		log.Info().Str("device", target).Str("key", key).
			Int("users", result.Users).Int("templates", result.Templates).
			Msg("restore dry run: manifest valid")
		return result, nil
	}

	sess, err := m.pool.Acquire(ctx, target)
	if err != nil {
		return RestoreResult{}, err
	}
	defer sess.Release()

	for _, u := range manifest.Users {
		if err := sess.SetUser(ctx, u); err != nil {
			return result, errors.Wrapf(err, "restore user uid %d", u.UID)
		}
	}
	written := 0
	for _, tpl := range manifest.Templates {
		if err := sess.SetTemplate(ctx, tpl); err != nil {
			result.SkippedTemplates++
			log.Warn().Str("device", target).Int("uid", tpl.UID).
				Int("finger", tpl.FingerIndex).Err(err).Msg("template restore failed, skipping")
			continue
		}
		written++
	}
	result.Templates = written

	log.Info().Str("device", target).Str("key", key).
		Int("users", result.Users).Int("templates", result.Templates).
		Int("skipped_templates", result.SkippedTemplates).Msg("restore finished")
	return result, nil
}

// Cleanup deletes manifests older than retention, judged by storage
// modification time. Delete failures do not stop the sweep; they are
// aggregated into the result and one summary error.
func (m *BackupManager) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	if retention <= 0 {
		return CleanupResult{}, errors.Errorf("retention must be positive, got %s", retention)
	}
	cutoff := m.now().Add(-retention)
	objs, err := m.store.List(ctx, m.cfg.Prefix+"/")
	if err != nil {
		return CleanupResult{}, errors.Wrap(err, "list backups for cleanup")
	}

	result := CleanupResult{Scanned: len(objs)}
	for _, obj := range objs {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, obj.Key); err != nil {
			result.Failed++
			result.FailedKeys = append(result.FailedKeys, obj.Key)
			log.Error().Str("key", obj.Key).Err(err).Msg("deleting expired backup failed")
			continue
		}
		result.Deleted++
		log.Debug().Str("key", obj.Key).Time("modified", obj.LastModified).Msg("deleted expired backup")
	}

	log.Info().Int("scanned", result.Scanned).Int("deleted", result.Deleted).
		Int("failed", result.Failed).Dur("retention", retention).Msg("backup cleanup finished")
	if result.Failed > 0 {
		return result, errors.Errorf("cleanup: %d of %d deletes failed on %s",
			result.Failed, result.Failed+result.Deleted, m.store.Name())
	}
	return result, nil
}

// validateManifest checks a manifest end to end so restores never partially
// apply a bad one.
func validateManifest(m *BackupManifest) error {
	if m.Device == "" {
		return errors.New("missing device")
	}
	if len(m.Users) == 0 && len(m.Templates) == 0 {
		return errors.New("contains no users or templates")
	}
	uids := make(map[int]struct{}, len(m.Users))
	for i, u := range m.Users {
		if u.UID <= 0 {
			return errors.Errorf("user %d: invalid uid %d", i, u.UID)
		}
		if _, dup := uids[u.UID]; dup {
			return errors.Errorf("duplicate user uid %d", u.UID)
		}
		uids[u.UID] = struct{}{}
	}
	for i, tpl := range m.Templates {
		if tpl.FingerIndex < 0 || tpl.FingerIndex > 9 {
			return errors.Errorf("template %d: invalid finger index %d", i, tpl.FingerIndex)
		}
		if len(tpl.Template) == 0 {
			return errors.Errorf("template %d: empty template data", i)
		}
		if _, ok := uids[tpl.UID]; !ok {
			return errors.Errorf("template %d: no user with uid %d in manifest", i, tpl.UID)
		}
	}
	return nil
}

// backupKey builds the object key for one manifest:
// <prefix>/<device>/<2006-01-02_15-04-05>[_full].json
func backupKey(prefix, device string, ts time.Time, full bool) string {
	name := ts.UTC().Format(backupTimeLayout)
	if full {
		name += backupFullSuffix
	}
	return path.Join(prefix, device, name+backupExt)
}

// parseBackupKey inverts backupKey.
func parseBackupKey(prefix, key string) (BackupDescriptor, error) {
	rest, ok := strings.CutPrefix(key, prefix+"/")
	if !ok {
		return BackupDescriptor{}, errors.Errorf("key %s not under prefix %s", key, prefix)
	}
	device, name, ok := strings.Cut(rest, "/")
	if !ok || device == "" || strings.Contains(name, "/") {
		return BackupDescriptor{}, errors.Errorf("key %s does not match <prefix>/<device>/<name>", key)
	}
	name, ok = strings.CutSuffix(name, backupExt)
	if !ok {
		return BackupDescriptor{}, errors.Errorf("key %s is not a %s object", key, backupExt)
	}
	full := false
	if stripped, had := strings.CutSuffix(name, backupFullSuffix); had {
		full = true
		name = stripped
	}
	ts, err := time.Parse(backupTimeLayout, name)
	if err != nil {
		return BackupDescriptor{}, errors.Wrapf(err, "key %s has no valid timestamp", key)
	}
	return BackupDescriptor{Key: key, Device: device, CreatedAt: ts.UTC(), Full: full}, nil
}
