// Package hostapi defines the portable audio stream surface: canonical
// sample formats, stream parameters, the processing callback contract,
// and the error taxonomy shared by the stream layer and its callers.
package hostapi

import "fmt"

// SampleFormat is a canonical in-memory sample representation.
//
// Hardware-native formats are normalized to one of these by the stream
// layer before user code sees them. Int24 is packed, three bytes per
// sample.
type SampleFormat int

const (
	Int16 SampleFormat = iota + 1
	Int24
	Int32
	Float32
)

// Bytes returns the width of one sample in bytes.
func (f SampleFormat) Bytes() int {
	switch f {
	case Int16:
		return 2
	case Int24:
		return 3
	case Int32, Float32:
		return 4
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case Int16:
		return "int16"
	case Int24:
		return "int24"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("sampleformat(%d)", int(f))
}

// CallbackFlags report real-time transient conditions to the processing
// callback. They are accumulated between cycles and delivered with the
// next invocation; they are never raised as synchronous errors.
type CallbackFlags uint32

const (
	InputOverflow CallbackFlags = 1 << iota
	OutputUnderflow
)

// CallbackResult is the processing callback's verdict for the stream.
type CallbackResult int

const (
	// Continue keeps the stream running.
	Continue CallbackResult = iota

	// Complete requests a graceful stop once already-queued output has
	// been physically emitted.
	Complete

	// Abort requests an immediate stop; queued output is discarded and
	// replaced with silence.
	Abort
)

// TimeInfo carries per-cycle timing, all in seconds on the driver's
// system clock. Buffer timestamps are offset from CurrentTime by the
// device's reported latency.
type TimeInfo struct {
	CurrentTime         float64
	InputBufferADCTime  float64
	OutputBufferDACTime float64
}

// StreamCallback processes one hardware buffer cycle.
//
// input and output hold one canonical-format buffer per channel
// (non-interleaved), each frames samples long. The callback runs on the
// driver's real-time context: it must not block, allocate, or log.
// Input buffers are valid only for the duration of the call.
type StreamCallback func(input, output [][]byte, frames int, timeInfo TimeInfo, flags CallbackFlags) CallbackResult

// FinishedCallback is invoked exactly once per run when the stream
// reaches the stopped state, whether by drain, abort, or an explicit
// Stop/Abort call.
type FinishedCallback func()

// Strategy selects how the host buffer size is negotiated against the
// device limits.
type Strategy int

const (
	// PreferTargetLatency sizes the host buffer from the caller's
	// suggested latency, clamped and rounded to the device constraints.
	PreferTargetLatency Strategy = iota

	// PreferDriverSize always uses the device's preferred buffer size,
	// ignoring the requested latency. Some drivers only behave at their
	// preferred size; this strategy trades latency control for that
	// stability.
	PreferDriverSize
)

// StreamOptions is the host-API-specific extension supplied at open time.
type StreamOptions struct {
	// Channel selectors map logical stream channels to physical device
	// channels. When nil, logical channel i maps to physical channel i.
	// Every entry must lie in [0, deviceChannelCount).
	InputChannelSelectors  []int
	OutputChannelSelectors []int

	// Strategy selects the buffer size negotiation behavior.
	Strategy Strategy
}

// StreamParameters configure one direction-pair of a stream. A direction
// with zero channels is absent.
type StreamParameters struct {
	InputChannels  int
	OutputChannels int

	SampleRate float64

	// FramesPerBuffer is the fixed block size the caller wants to
	// process; 0 lets the stream choose.
	FramesPerBuffer int

	// Suggested latencies in seconds. They steer host buffer and ring
	// buffer sizing; the achieved values are reported by the stream.
	SuggestedInputLatency  float64
	SuggestedOutputLatency float64

	Options *StreamOptions
}
