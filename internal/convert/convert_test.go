package convert

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/halden-audio/duplexio/pkg/driver"
	"github.com/halden-audio/duplexio/pkg/hostapi"
)

func TestNativeFormat(t *testing.T) {
	tests := []struct {
		sampleType driver.SampleType
		format     hostapi.SampleFormat
		ok         bool
	}{
		{driver.Int16LSB, hostapi.Int16, true},
		{driver.Int16MSB, hostapi.Int16, true},
		{driver.Int24LSB, hostapi.Int24, true},
		{driver.Int24MSB, hostapi.Int24, true},
		{driver.Int32LSB, hostapi.Int32, true},
		{driver.Int32LSB16, hostapi.Int32, true},
		{driver.Int32MSB18, hostapi.Int32, true},
		{driver.Int32LSB20, hostapi.Int32, true},
		{driver.Int32MSB24, hostapi.Int32, true},
		{driver.Float32LSB, hostapi.Float32, true},
		{driver.Float64MSB, hostapi.Float32, true},
		{driver.CustomFormat, 0, false},
	}

	for _, tt := range tests {
		format, ok := NativeFormat(tt.sampleType)
		if ok != tt.ok || format != tt.format {
			t.Errorf("NativeFormat(%v): expected (%v, %v), got (%v, %v)",
				tt.sampleType, tt.format, tt.ok, format, ok)
		}
	}
}

// Integer formats must survive hardware -> canonical -> hardware with the
// original bit pattern intact.
func TestIntegerRoundTrip(t *testing.T) {
	integerTypes := []driver.SampleType{
		driver.Int16MSB, driver.Int16LSB,
		driver.Int24MSB, driver.Int24LSB,
		driver.Int32MSB, driver.Int32LSB,
		driver.Int32MSB16, driver.Int32MSB18, driver.Int32MSB20, driver.Int32MSB24,
		driver.Int32LSB16, driver.Int32LSB18, driver.Int32LSB20, driver.Int32LSB24,
	}

	for _, st := range integerTypes {
		buf := representativeBuffer(st, 64)
		original := append([]byte{}, buf...)

		toCanonical, inShift := ToCanonical(st)
		fromCanonical, outShift := FromCanonical(st)

		if toCanonical != nil {
			toCanonical(buf, inShift, 64)
		}
		if fromCanonical != nil {
			fromCanonical(buf, outShift, 64)
		}

		if !bytes.Equal(buf, original) {
			t.Errorf("%v: round trip altered bit pattern", st)
		}
	}
}

// Float64 narrows to float32 and widens back; values must agree within
// float32 rounding.
func TestFloat64RoundTrip(t *testing.T) {
	for _, st := range []driver.SampleType{driver.Float64LSB, driver.Float64MSB} {
		const count = 32
		buf := make([]byte, count*8)
		want := make([]float64, count)
		for i := range want {
			want[i] = math.Sin(float64(i) * 0.37)
			bits := math.Float64bits(want[i])
			if st.BigEndian() {
				binary.BigEndian.PutUint64(buf[i*8:], bits)
			} else {
				binary.LittleEndian.PutUint64(buf[i*8:], bits)
			}
		}

		toCanonical, _ := ToCanonical(st)
		fromCanonical, _ := FromCanonical(st)
		toCanonical(buf, 0, count)

		// After narrowing, the canonical samples occupy the front of the
		// buffer as native float32.
		for i := 0; i < count; i++ {
			got := math.Float32frombits(binary.NativeEndian.Uint32(buf[i*4:]))
			if got != float32(want[i]) {
				t.Fatalf("%v: sample %d: expected %v, got %v", st, i, float32(want[i]), got)
			}
		}

		fromCanonical(buf, 0, count)
		for i := 0; i < count; i++ {
			var bits uint64
			if st.BigEndian() {
				bits = binary.BigEndian.Uint64(buf[i*8:])
			} else {
				bits = binary.LittleEndian.Uint64(buf[i*8:])
			}
			got := math.Float64frombits(bits)
			if float32(got) != float32(want[i]) {
				t.Fatalf("%v: sample %d: expected %v within float32 rounding, got %v", st, i, want[i], got)
			}
		}
	}
}

func TestPackedShiftNormalization(t *testing.T) {
	// A full-scale positive 16-bit sample packed in the low bits of a
	// 32-bit little-endian container must normalize to the top of the
	// 32-bit range.
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x00007FFF)

	toCanonical, shift := ToCanonical(driver.Int32LSB16)
	if shift != 16 {
		t.Fatalf("Int32LSB16 shift: expected 16, got %d", shift)
	}
	toCanonical(buf, shift, 1)

	got := int32(binary.NativeEndian.Uint32(buf))
	if got != 0x7FFF0000 {
		t.Errorf("normalized sample: expected 0x7FFF0000, got %#08x", uint32(got))
	}
}

func TestCustomFormatHasNoConverter(t *testing.T) {
	if _, ok := NativeFormat(driver.CustomFormat); ok {
		t.Error("CustomFormat unexpectedly has a native format")
	}
}

// representativeBuffer fills a buffer with varied bit patterns that are
// valid for the sample type (packed formats keep their padding bits
// zero, as the hardware guarantees).
func representativeBuffer(st driver.SampleType, count int) []byte {
	width := st.Bytes()
	buf := make([]byte, count*width)

	switch width {
	case 2:
		for i := 0; i < count; i++ {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(i*2571+13))
		}
	case 3:
		for i := 0; i < count; i++ {
			v := uint32(i*81917+5) & 0xFFFFFF
			buf[i*3] = byte(v)
			buf[i*3+1] = byte(v >> 8)
			buf[i*3+2] = byte(v >> 16)
		}
	case 4:
		shift := packedShift(st)
		for i := 0; i < count; i++ {
			v := uint32(i*2654435761 + 97)
			// Packed formats carry their significant bits right-justified;
			// the high padding bits are zero on the wire.
			v >>= shift
			if st.BigEndian() {
				binary.BigEndian.PutUint32(buf[i*4:], v)
			} else {
				binary.LittleEndian.PutUint32(buf[i*4:], v)
			}
		}
	}
	return buf
}
