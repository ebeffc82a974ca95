// Package pcm converts between the canonical in-memory sample formats
// and the int/float representations file codecs and DSP code work with,
// and wraps a polyphase resampler for rate conversion between a file's
// rate and a device's rate.
//
// Canonical samples are native-endian. Full-scale integer values are
// carried as int32 regardless of the format's width, so a 16 bit sample
// occupies the top 16 bits of its int32.
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/oov/audio/resampler"

	"github.com/halden-audio/duplexio/pkg/hostapi"
)

var nativeIsBig = func() bool {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 0x0102)
	return probe[0] == 0x01
}()

// PutInt stores one full-scale int32 sample into p in the canonical
// format.
func PutInt(p []byte, format hostapi.SampleFormat, v int32) {
	switch format {
	case hostapi.Int16:
		binary.NativeEndian.PutUint16(p, uint16(v>>16))
	case hostapi.Int24:
		u := uint32(v) >> 8
		if nativeIsBig {
			p[0], p[1], p[2] = byte(u>>16), byte(u>>8), byte(u)
		} else {
			p[0], p[1], p[2] = byte(u), byte(u>>8), byte(u>>16)
		}
	case hostapi.Int32:
		binary.NativeEndian.PutUint32(p, uint32(v))
	case hostapi.Float32:
		f := float64(v) / float64(math.MaxInt32+1)
		binary.NativeEndian.PutUint32(p, math.Float32bits(float32(f)))
	}
}

// Int loads one canonical sample from p as a full-scale int32.
func Int(p []byte, format hostapi.SampleFormat) int32 {
	switch format {
	case hostapi.Int16:
		return int32(int16(binary.NativeEndian.Uint16(p))) << 16
	case hostapi.Int24:
		var u uint32
		if nativeIsBig {
			u = uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
		} else {
			u = uint32(p[2])<<16 | uint32(p[1])<<8 | uint32(p[0])
		}
		return int32(u<<8) // sign extends through the shift
	case hostapi.Int32:
		return int32(binary.NativeEndian.Uint32(p))
	case hostapi.Float32:
		f := math.Float32frombits(binary.NativeEndian.Uint32(p))
		return floatToInt32(f)
	}
	return 0
}

// PutFloat stores one sample, given in [-1, 1], into p in the canonical
// format.
func PutFloat(p []byte, format hostapi.SampleFormat, v float32) {
	if format == hostapi.Float32 {
		binary.NativeEndian.PutUint32(p, math.Float32bits(v))
		return
	}
	PutInt(p, format, floatToInt32(v))
}

// Float loads one canonical sample from p as a float32 in [-1, 1].
func Float(p []byte, format hostapi.SampleFormat) float32 {
	if format == hostapi.Float32 {
		return math.Float32frombits(binary.NativeEndian.Uint32(p))
	}
	return float32(float64(Int(p, format)) / float64(math.MaxInt32+1))
}

func floatToInt32(v float32) int32 {
	scaled := float64(v) * float64(math.MaxInt32+1)
	if scaled >= math.MaxInt32 {
		return math.MaxInt32
	}
	if scaled <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(scaled)
}

// DecodeFloat32 converts interleaved canonical samples in src to floats.
// dst must hold len(src)/format.Bytes() values.
func DecodeFloat32(dst []float32, src []byte, format hostapi.SampleFormat) {
	width := format.Bytes()
	for i := range dst {
		dst[i] = Float(src[i*width:], format)
	}
}

// EncodeFloat32 converts floats to interleaved canonical samples in dst.
// dst must hold len(src)*format.Bytes() bytes.
func EncodeFloat32(dst []byte, src []float32, format hostapi.SampleFormat) {
	width := format.Bytes()
	for i, v := range src {
		PutFloat(dst[i*width:], format, v)
	}
}

// --------------------------------------------------------------------------------
// Resampler

const resampleQuality = 10

// Resampler converts interleaved float32 audio between two rates. It is
// stateful; feed it consecutive blocks of the same source.
type Resampler struct {
	channels int
	from, to int
	rs       *resampler.Resampler

	planarIn  [][]float32
	planarOut [][]float32
}

// NewResampler creates a rate converter for interleaved audio with the
// given channel count.
func NewResampler(channels, from, to int) (*Resampler, error) {
	if channels < 1 {
		return nil, fmt.Errorf("pcm: resampler needs at least one channel, got %d", channels)
	}
	if from < 1 || to < 1 {
		return nil, fmt.Errorf("pcm: invalid resample rates %d -> %d", from, to)
	}
	return &Resampler{
		channels:  channels,
		from:      from,
		to:        to,
		rs:        resampler.New(channels, from, to, resampleQuality),
		planarIn:  make([][]float32, channels),
		planarOut: make([][]float32, channels),
	}, nil
}

// Process converts one interleaved block and returns the converted
// interleaved samples.
func (r *Resampler) Process(in []float32) []float32 {
	frames := len(in) / r.channels
	outFrames := frames*r.to/r.from + 32

	for c := 0; c < r.channels; c++ {
		if cap(r.planarIn[c]) < frames {
			r.planarIn[c] = make([]float32, frames)
		}
		r.planarIn[c] = r.planarIn[c][:frames]
		if cap(r.planarOut[c]) < outFrames {
			r.planarOut[c] = make([]float32, outFrames)
		}
		r.planarOut[c] = r.planarOut[c][:outFrames]
	}

	for f := 0; f < frames; f++ {
		for c := 0; c < r.channels; c++ {
			r.planarIn[c][f] = in[f*r.channels+c]
		}
	}

	written := 0
	for c := 0; c < r.channels; c++ {
		_, w := r.rs.ProcessFloat32(c, r.planarIn[c], r.planarOut[c])
		written = w
	}

	out := make([]float32, written*r.channels)
	for f := 0; f < written; f++ {
		for c := 0; c < r.channels; c++ {
			out[f*r.channels+c] = r.planarOut[c][f]
		}
	}
	return out
}
