package zkfleet

import "github.com/pkg/errors"

// Sentinel errors. Callers classify failures with errors.Is; the concrete
// errors returned by this package wrap these with device and operation context.
var (
	// ErrUnknownDevice means the device key is not present in the registry.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDeviceBusy means the per-device lock could not be acquired within the
	// configured wait. The pool never retries this; the caller decides.
	ErrDeviceBusy = errors.New("device busy")

	// ErrDeviceUnavailable means dialing the device failed after all retry
	// attempts were exhausted.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrProtocol means the device returned a malformed or unexpected
	// response. The operation is aborted and never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrCacheCold means no attendance snapshot exists yet for the device.
	// A background refresh has already been started.
	ErrCacheCold = errors.New("attendance cache cold")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("pool closed")

	// ErrStopTimeout means scheduler shutdown exceeded its grace period with
	// job bodies still running.
	ErrStopTimeout = errors.New("stop grace period exceeded")
)
