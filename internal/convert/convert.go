// Package convert maps hardware-native sample representations onto the
// portable canonical formats and provides the in-place buffer conversion
// kernels the buffer-exchange engine runs every cycle.
//
// A conversion is at most a byte swap plus a bit shift, chosen once at
// stream-open time; the kernels themselves are allocation free and run on
// the real-time context.
//
// All channels of one direction are assumed to share a single hardware
// sample type. This is a constraint inherited from the driver model, not
// a general multi-format design: the engine selects one converter per
// direction and applies it to every channel.
package convert

import (
	"encoding/binary"
	"math"

	"github.com/halden-audio/duplexio/pkg/driver"
	"github.com/halden-audio/duplexio/pkg/hostapi"
)

// nativeIsBig reports the execution platform's byte order, probed once.
var nativeIsBig = func() bool {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 0x0102)
	return probe[0] == 0x01
}()

// NativeFormat returns the canonical format a hardware sample type
// normalizes to. ok is false for custom types with no portable
// representation; streams using such channels are rejected at open time.
func NativeFormat(t driver.SampleType) (format hostapi.SampleFormat, ok bool) {
	switch t {
	case driver.Int16MSB, driver.Int16LSB:
		return hostapi.Int16, true
	case driver.Int24MSB, driver.Int24LSB:
		return hostapi.Int24, true
	case driver.Int32MSB, driver.Int32LSB,
		driver.Int32MSB16, driver.Int32MSB18, driver.Int32MSB20, driver.Int32MSB24,
		driver.Int32LSB16, driver.Int32LSB18, driver.Int32LSB20, driver.Int32LSB24:
		return hostapi.Int32, true
	case driver.Float32MSB, driver.Float32LSB,
		driver.Float64MSB, driver.Float64LSB:
		return hostapi.Float32, true
	}
	return 0, false
}

// A Converter transforms count samples in place between hardware and
// canonical representation. buf holds the samples at the hardware sample
// width; shift is the normalization shift for packed formats and is 0
// otherwise. A nil Converter means the representations already match.
type Converter func(buf []byte, shift uint, count int)

// packedShift returns the normalization shift for the packed
// sub-32-bit-in-32-bit types: 32 minus the number of significant bits.
func packedShift(t driver.SampleType) uint {
	switch t {
	case driver.Int32MSB16, driver.Int32LSB16:
		return 16
	case driver.Int32MSB18, driver.Int32LSB18:
		return 14
	case driver.Int32MSB20, driver.Int32LSB20:
		return 12
	case driver.Int32MSB24, driver.Int32LSB24:
		return 8
	}
	return 0
}

// foreignOrder reports whether the hardware byte order differs from the
// platform's.
func foreignOrder(t driver.SampleType) bool {
	return t.BigEndian() != nativeIsBig
}

// ToCanonical selects the hardware-to-canonical converter and shift for a
// sample type. The returned converter may be nil when no transformation
// is needed.
func ToCanonical(t driver.SampleType) (Converter, uint) {
	swap := foreignOrder(t)
	switch t {
	case driver.Int16MSB, driver.Int16LSB:
		if swap {
			return swap16, 0
		}
		return nil, 0

	case driver.Int24MSB, driver.Int24LSB:
		if swap {
			return swap24, 0
		}
		return nil, 0

	case driver.Int32MSB, driver.Int32LSB,
		driver.Float32MSB, driver.Float32LSB:
		if swap {
			return swap32, 0
		}
		return nil, 0

	case driver.Int32MSB16, driver.Int32MSB18, driver.Int32MSB20, driver.Int32MSB24,
		driver.Int32LSB16, driver.Int32LSB18, driver.Int32LSB20, driver.Int32LSB24:
		if swap {
			return swapShiftLeft32, packedShift(t)
		}
		return shiftLeft32, packedShift(t)

	case driver.Float64MSB, driver.Float64LSB:
		if swap {
			return swap64Float64ToFloat32, 0
		}
		return float64ToFloat32, 0
	}
	return nil, 0
}

// FromCanonical selects the canonical-to-hardware converter and shift for
// a sample type.
func FromCanonical(t driver.SampleType) (Converter, uint) {
	swap := foreignOrder(t)
	switch t {
	case driver.Int16MSB, driver.Int16LSB:
		if swap {
			return swap16, 0
		}
		return nil, 0

	case driver.Int24MSB, driver.Int24LSB:
		if swap {
			return swap24, 0
		}
		return nil, 0

	case driver.Int32MSB, driver.Int32LSB,
		driver.Float32MSB, driver.Float32LSB:
		if swap {
			return swap32, 0
		}
		return nil, 0

	case driver.Int32MSB16, driver.Int32MSB18, driver.Int32MSB20, driver.Int32MSB24,
		driver.Int32LSB16, driver.Int32LSB18, driver.Int32LSB20, driver.Int32LSB24:
		if swap {
			return shiftRightSwap32, packedShift(t)
		}
		return shiftRight32, packedShift(t)

	case driver.Float64MSB, driver.Float64LSB:
		if swap {
			return float32ToFloat64Swap64, 0
		}
		return float32ToFloat64, 0
	}
	return nil, 0
}

// Conversion kernels. Each operates in place on count samples.

func swap16(buf []byte, _ uint, count int) {
	for i := 0; i < count*2; i += 2 {
		buf[i], buf[i+1] = buf[i+1], buf[i]
	}
}

func swap24(buf []byte, _ uint, count int) {
	for i := 0; i < count*3; i += 3 {
		buf[i], buf[i+2] = buf[i+2], buf[i]
	}
}

func swap32(buf []byte, _ uint, count int) {
	for i := 0; i < count*4; i += 4 {
		buf[i], buf[i+3] = buf[i+3], buf[i]
		buf[i+1], buf[i+2] = buf[i+2], buf[i+1]
	}
}

func shiftLeft32(buf []byte, shift uint, count int) {
	for i := 0; i < count*4; i += 4 {
		v := binary.NativeEndian.Uint32(buf[i:])
		binary.NativeEndian.PutUint32(buf[i:], v<<shift)
	}
}

func shiftRight32(buf []byte, shift uint, count int) {
	for i := 0; i < count*4; i += 4 {
		v := binary.NativeEndian.Uint32(buf[i:])
		binary.NativeEndian.PutUint32(buf[i:], v>>shift)
	}
}

// swapShiftLeft32 byte-swaps into native order, then normalizes.
// Hardware to canonical for foreign-order packed formats.
func swapShiftLeft32(buf []byte, shift uint, count int) {
	swap32(buf, 0, count)
	shiftLeft32(buf, shift, count)
}

// shiftRightSwap32 denormalizes, then byte-swaps back to the hardware
// order. Canonical to hardware for foreign-order packed formats.
func shiftRightSwap32(buf []byte, shift uint, count int) {
	shiftRight32(buf, shift, count)
	swap32(buf, 0, count)
}

// float64ToFloat32 narrows count float64 samples to float32 in place.
// Front to back: each 4 byte result lands in space its 8 byte source has
// already vacated, so the narrowing never overwrites unread input.
func float64ToFloat32(buf []byte, _ uint, count int) {
	for i := 0; i < count; i++ {
		v := math.Float64frombits(binary.NativeEndian.Uint64(buf[i*8:]))
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
}

// float32ToFloat64 widens count float32 samples to float64 in place.
// Back to front: the widened sample is written after its source has been
// read, so the expansion never clobbers pending input.
func float32ToFloat64(buf []byte, _ uint, count int) {
	for i := count - 1; i >= 0; i-- {
		v := math.Float32frombits(binary.NativeEndian.Uint32(buf[i*4:]))
		binary.NativeEndian.PutUint64(buf[i*8:], math.Float64bits(float64(v)))
	}
}

func swap64Float64ToFloat32(buf []byte, _ uint, count int) {
	for i := 0; i < count; i++ {
		o := i * 8
		buf[o], buf[o+7] = buf[o+7], buf[o]
		buf[o+1], buf[o+6] = buf[o+6], buf[o+1]
		buf[o+2], buf[o+5] = buf[o+5], buf[o+2]
		buf[o+3], buf[o+4] = buf[o+4], buf[o+3]
		v := math.Float64frombits(binary.NativeEndian.Uint64(buf[o:]))
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
}

func float32ToFloat64Swap64(buf []byte, _ uint, count int) {
	for i := count - 1; i >= 0; i-- {
		v := math.Float32frombits(binary.NativeEndian.Uint32(buf[i*4:]))
		o := i * 8
		binary.NativeEndian.PutUint64(buf[o:], math.Float64bits(float64(v)))
		buf[o], buf[o+7] = buf[o+7], buf[o]
		buf[o+1], buf[o+6] = buf[o+6], buf[o+1]
		buf[o+2], buf[o+5] = buf[o+5], buf[o+2]
		buf[o+3], buf[o+4] = buf[o+4], buf[o+3]
	}
}
