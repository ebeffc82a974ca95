package hostapi

import (
	"errors"
	"fmt"
)

// Configuration errors, detected synchronously during Open or
// IsFormatSupported. No partial state is retained when one is returned.
var (
	ErrInvalidChannelCount       = errors.New("invalid channel count")
	ErrInvalidChannelSelector    = errors.New("channel selector out of range")
	ErrSampleRateNotSupported    = errors.New("sample rate not supported")
	ErrSampleFormatNotSupported  = errors.New("sample format not supported")
	ErrIncompatibleStreamOptions = errors.New("incompatible stream options")
	ErrInvalidFlag               = errors.New("invalid flag")
	ErrBadBufferSize             = errors.New("no valid host buffer size")
)

// Device and lifecycle errors.
var (
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrStreamIsStopped    = errors.New("stream is stopped")
	ErrStreamIsNotStopped = errors.New("stream is not stopped")
)

// Blocking I/O results. Overflow and underflow are transient: the
// transfer that reports them still completed.
var (
	ErrTimedOut                       = errors.New("timed out")
	ErrInputOverflowed                = errors.New("input overflowed")
	ErrOutputUnderflowed              = errors.New("output underflowed")
	ErrCanNotReadFromOutputOnlyStream = errors.New("cannot read from an output-only stream")
	ErrCanNotWriteToInputOnlyStream   = errors.New("cannot write to an input-only stream")
	ErrNotBlockingStream              = errors.New("operation requires a blocking-mode stream")
)

// UnanticipatedHostError wraps a failure reported by the underlying
// driver, keeping the driver's human-readable diagnostic retrievable.
type UnanticipatedHostError struct {
	// Op is the portable-layer operation that failed, e.g. "start".
	Op string

	// DriverText is the driver's diagnostic string, when it offered one.
	DriverText string

	Err error
}

func (e *UnanticipatedHostError) Error() string {
	if e.DriverText != "" {
		return fmt.Sprintf("unanticipated host error in %s: %s: %v", e.Op, e.DriverText, e.Err)
	}
	return fmt.Sprintf("unanticipated host error in %s: %v", e.Op, e.Err)
}

func (e *UnanticipatedHostError) Unwrap() error { return e.Err }
