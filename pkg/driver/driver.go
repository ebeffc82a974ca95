// Package driver defines the contract between the portable stream layer
// and a vendor's low-level audio driver.
//
// A Driver models an exclusive-mode, double-buffered device: at most one
// client may hold the device open, buffers come in alternating pairs, and
// the driver notifies the client once per hardware buffer cycle through
// the BufferSwitch callback. The callback runs on the driver's own
// real-time context, so implementations of the portable layer must not
// block, allocate, or take locks inside it.
package driver

import "fmt"

// Direction distinguishes capture channels from playback channels.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// SampleType identifies the hardware-native representation of one sample.
//
// The packed Int32 variants store 16, 18, 20 or 24 significant bits inside
// a 32 bit container; the remaining bits are padding that must be shifted
// away when normalizing to a full-range 32 bit sample.
type SampleType int

const (
	Int16MSB SampleType = iota
	Int16LSB
	Int24MSB
	Int24LSB
	Int32MSB
	Int32LSB
	Int32MSB16
	Int32MSB18
	Int32MSB20
	Int32MSB24
	Int32LSB16
	Int32LSB18
	Int32LSB20
	Int32LSB24
	Float32MSB
	Float32LSB
	Float64MSB
	Float64LSB

	// Anything at or beyond CustomFormat has no portable representation.
	CustomFormat
)

// Bytes returns the width of one sample of this type in bytes,
// or 0 for types with no portable representation.
func (t SampleType) Bytes() int {
	switch t {
	case Int16MSB, Int16LSB:
		return 2
	case Int24MSB, Int24LSB:
		return 3
	case Int32MSB, Int32LSB,
		Int32MSB16, Int32MSB18, Int32MSB20, Int32MSB24,
		Int32LSB16, Int32LSB18, Int32LSB20, Int32LSB24,
		Float32MSB, Float32LSB:
		return 4
	case Float64MSB, Float64LSB:
		return 8
	}
	return 0
}

// BigEndian reports whether samples of this type are declared
// most-significant-byte first.
func (t SampleType) BigEndian() bool {
	switch t {
	case Int16MSB, Int24MSB, Int32MSB,
		Int32MSB16, Int32MSB18, Int32MSB20, Int32MSB24,
		Float32MSB, Float64MSB:
		return true
	}
	return false
}

func (t SampleType) String() string {
	names := map[SampleType]string{
		Int16MSB:   "int16msb",
		Int16LSB:   "int16lsb",
		Int24MSB:   "int24msb",
		Int24LSB:   "int24lsb",
		Int32MSB:   "int32msb",
		Int32LSB:   "int32lsb",
		Int32MSB16: "int32msb16",
		Int32MSB18: "int32msb18",
		Int32MSB20: "int32msb20",
		Int32MSB24: "int32msb24",
		Int32LSB16: "int32lsb16",
		Int32LSB18: "int32lsb18",
		Int32LSB20: "int32lsb20",
		Int32LSB24: "int32lsb24",
		Float32MSB: "float32msb",
		Float32LSB: "float32lsb",
		Float64MSB: "float64msb",
		Float64LSB: "float64lsb",
	}
	if s, ok := names[t]; ok {
		return s
	}
	return fmt.Sprintf("custom(%d)", int(t))
}

// Buffer size granularity sentinels reported by BufferLimits.Granularity.
const (
	// GranularityFixed indicates the device supports exactly one buffer
	// size; Min, Max and Preferred are all that size.
	GranularityFixed = 0

	// GranularityPowerOfTwo indicates supported buffer sizes are the
	// powers of two between Min and Max.
	GranularityPowerOfTwo = -1
)

// BufferLimits describes the device's supported host buffer sizes,
// all in frames. Granularity is either an arithmetic step or one of the
// sentinels above.
type BufferLimits struct {
	Min         int
	Max         int
	Preferred   int
	Granularity int
}

// ChannelInfo describes one hardware channel.
//
// All channels of one direction are assumed to share a single SampleType.
// The portable layer rejects devices that violate this; it does not
// attempt per-channel conversion.
type ChannelInfo struct {
	Channel    int
	Name       string
	SampleType SampleType
}

// BufferSpec requests hardware buffers for one channel.
type BufferSpec struct {
	Direction Direction
	Channel   int
}

// BufferSet is the double-buffered storage the driver allocated for one
// channel. Slots[0] and Slots[1] each hold one host buffer of samples in
// the channel's native SampleType; the BufferSwitch index selects which
// slot the client may touch during a cycle.
type BufferSet struct {
	Spec  BufferSpec
	Slots [2][]byte
}

// Callbacks are installed at buffer-creation time.
type Callbacks struct {
	// BufferSwitch is invoked once per hardware buffer cycle with the
	// slot index (0 or 1) to process and the driver's notion of the
	// current system time in seconds. Real-time context: no blocking,
	// no allocation.
	BufferSwitch func(index int, systemTime float64)

	// SampleRateChanged reports an externally driven rate change, for
	// example an external clock source. May be nil.
	SampleRateChanged func(rate float64)
}

// Driver is the vendor driver boundary.
//
// Lifecycle: Channels/BufferSizes/ChannelInfo and the sample rate calls
// may be used at any time while the driver is loaded. CreateBuffers
// installs callbacks and allocates the double-buffer sets; Start begins
// cycle notifications; Stop halts them; DisposeBuffers releases the sets.
// The driver supports only one buffer configuration at a time.
type Driver interface {
	Name() string

	Channels() (in, out int, err error)
	BufferSizes() (BufferLimits, error)
	ChannelInfo(dir Direction, channel int) (ChannelInfo, error)

	SampleRate() (float64, error)
	CanSampleRate(rate float64) error
	SetSampleRate(rate float64) error

	CreateBuffers(specs []BufferSpec, frames int, cb Callbacks) ([]BufferSet, error)
	DisposeBuffers() error

	// Latencies reports the device's inherent input and output latency
	// in frames, valid once buffers have been created.
	Latencies() (in, out int, err error)

	Start() error
	Stop() error

	// OutputReady tells the driver all output data for the current cycle
	// is in place, allowing it to start DMA early. Drivers that do not
	// support the optimization return false and do nothing.
	OutputReady() bool
}
