package ohm

import (
	"errors"
)

// Sentinel errors for the error kinds the engine reports. Callers test with
// errors.Is; call sites add context with pkg/errors wrapping.
var (
	// ErrBadArgument covers out-of-range thresholds, zero resolution and
	// negative distances.
	ErrBadArgument = errors.New("bad argument")
	// ErrNoSuchLayer is returned when a layer name or index is not present
	// in the map layout.
	ErrNoSuchLayer = errors.New("no such layer")
	// ErrRegionAllocationFailed is returned when a chunk could not be
	// allocated.
	ErrRegionAllocationFailed = errors.New("region allocation failed")
	// ErrCacheExhausted is returned when the device cache cannot accept a
	// region because every eviction candidate is in flight. Retryable
	// after a sync.
	ErrCacheExhausted = errors.New("device cache exhausted")
	// ErrDeviceUnavailable is returned when no compute device is present.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrDeviceKernelFailed is returned when a kernel submission or its
	// completion reports failure.
	ErrDeviceKernelFailed = errors.New("device kernel failed")
	// ErrSerialiseFormat is returned for a malformed or wrong-magic map
	// file.
	ErrSerialiseFormat = errors.New("map file format error")
	// ErrSerialiseVersion is returned for an unsupported map file version.
	ErrSerialiseVersion = errors.New("unsupported map file version")
	// ErrAborted is returned when an injected abort flag stopped a long
	// operation.
	ErrAborted = errors.New("operation aborted")
)
