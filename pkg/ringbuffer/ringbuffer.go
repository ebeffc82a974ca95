// Package ringbuffer implements a lock-free single-producer
// single-consumer circular buffer of fixed-size frames.
//
// It decouples the driver's real-time buffer-exchange context from an
// ordinary caller thread: one side writes, the other reads, and neither
// ever blocks or takes a lock. Correctness rests on three things: the
// capacity is a power of two so positions are cheap index masks, the
// read and write indices increase monotonically modulo 2^64, and index
// publication is atomic so the payload written before a Store is visible
// to the side that Loads the index afterwards.
//
// Thread assignment is strict: Write, WriteRegions and AdvanceWriteIndex
// belong to the producer; Read, ReadRegions and AdvanceReadIndex belong
// to the consumer. Flush may only be called while both sides are
// quiescent.
package ringbuffer

import "sync/atomic"

// RingBuffer is a frame-indexed SPSC ring. All counts in the API are
// frames, not bytes.
type RingBuffer struct {
	// Indices sit on separate cache lines so the producer and consumer
	// do not false-share.
	writeIndex atomic.Uint64
	_          [56]byte
	readIndex  atomic.Uint64
	_          [56]byte

	buf        []byte
	frameBytes int
	mask       uint64 // capacityFrames - 1
}

// New creates a ring holding at least minFrames frames of frameBytes
// bytes each. The capacity is rounded up to the next power of two.
func New(minFrames, frameBytes int) *RingBuffer {
	if minFrames < 1 {
		minFrames = 1
	}
	capacity := 1
	for capacity < minFrames {
		capacity <<= 1
	}
	return &RingBuffer{
		buf:        make([]byte, capacity*frameBytes),
		frameBytes: frameBytes,
		mask:       uint64(capacity - 1),
	}
}

// Capacity returns the ring capacity in frames.
func (rb *RingBuffer) Capacity() int {
	return int(rb.mask + 1)
}

// FrameBytes returns the stride of one frame in bytes.
func (rb *RingBuffer) FrameBytes() int {
	return rb.frameBytes
}

// ReadAvailable returns the number of frames that may be read.
func (rb *RingBuffer) ReadAvailable() int {
	return int(rb.writeIndex.Load() - rb.readIndex.Load())
}

// WriteAvailable returns the number of frames that may be written.
func (rb *RingBuffer) WriteAvailable() int {
	return rb.Capacity() - rb.ReadAvailable()
}

// Write copies up to frames frames from p into the ring and returns the
// number of frames actually written. It saturates rather than blocks.
// Producer side only.
func (rb *RingBuffer) Write(p []byte, frames int) int {
	r1, r2 := rb.WriteRegions(frames)
	n := copy(r1, p)
	if len(r2) > 0 {
		n += copy(r2, p[n:])
	}
	written := n / rb.frameBytes
	rb.AdvanceWriteIndex(written)
	return written
}

// Read copies up to frames frames from the ring into p and returns the
// number of frames actually read. It saturates rather than blocks.
// Consumer side only.
func (rb *RingBuffer) Read(p []byte, frames int) int {
	r1, r2 := rb.ReadRegions(frames)
	n := copy(p, r1)
	if len(r2) > 0 {
		n += copy(p[n:], r2)
	}
	read := n / rb.frameBytes
	rb.AdvanceReadIndex(read)
	return read
}

// WriteRegions returns up to two contiguous byte spans covering at most
// frames frames of writable space. The second span is non-nil only when
// the request wraps the end of the buffer. The caller fills the spans and
// then publishes with AdvanceWriteIndex. Producer side only.
func (rb *RingBuffer) WriteRegions(frames int) (r1, r2 []byte) {
	w := rb.writeIndex.Load()
	r := rb.readIndex.Load()

	free := int(rb.mask+1) - int(w-r)
	if frames > free {
		frames = free
	}
	if frames <= 0 {
		return nil, nil
	}

	pos := int(w & rb.mask)
	capacity := int(rb.mask + 1)
	first := capacity - pos
	if first >= frames {
		return rb.sliceFrames(pos, frames), nil
	}
	return rb.sliceFrames(pos, first), rb.sliceFrames(0, frames-first)
}

// ReadRegions returns up to two contiguous byte spans covering at most
// frames frames of readable data. The caller consumes the spans and then
// releases them with AdvanceReadIndex. Consumer side only.
func (rb *RingBuffer) ReadRegions(frames int) (r1, r2 []byte) {
	r := rb.readIndex.Load()
	w := rb.writeIndex.Load()

	available := int(w - r)
	if frames > available {
		frames = available
	}
	if frames <= 0 {
		return nil, nil
	}

	pos := int(r & rb.mask)
	capacity := int(rb.mask + 1)
	first := capacity - pos
	if first >= frames {
		return rb.sliceFrames(pos, frames), nil
	}
	return rb.sliceFrames(pos, first), rb.sliceFrames(0, frames-first)
}

// AdvanceWriteIndex publishes frames frames previously filled through
// WriteRegions. The atomic store orders the payload writes before the
// index becomes visible to the consumer. Producer side only.
func (rb *RingBuffer) AdvanceWriteIndex(frames int) {
	if frames > 0 {
		rb.writeIndex.Add(uint64(frames))
	}
}

// AdvanceReadIndex releases frames frames previously consumed through
// ReadRegions, making the space visible to the producer. Consumer side
// only.
func (rb *RingBuffer) AdvanceReadIndex(frames int) {
	if frames > 0 {
		rb.readIndex.Add(uint64(frames))
	}
}

// Flush resets the ring to empty. Only safe while neither side is
// running.
func (rb *RingBuffer) Flush() {
	rb.writeIndex.Store(0)
	rb.readIndex.Store(0)
}

func (rb *RingBuffer) sliceFrames(posFrames, frames int) []byte {
	lo := posFrames * rb.frameBytes
	hi := lo + frames*rb.frameBytes
	return rb.buf[lo:hi]
}
