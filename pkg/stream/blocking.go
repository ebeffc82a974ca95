package stream

import (
	"sync/atomic"
	"time"

	"github.com/halden-audio/duplexio/pkg/hostapi"
	"github.com/halden-audio/duplexio/pkg/ringbuffer"
)

// blockingState emulates blocking Read/Write on top of the real-time
// exchange engine. Two SPSC rings of interleaved canonical frames
// decouple the contexts: the engine fills the read ring and drains the
// write ring once per cycle, and caller goroutines transfer whole user
// blocks, sleeping on a signal channel when a transfer cannot proceed.
type blockingState struct {
	s *Stream

	// userFrames is the caller's transfer granularity; Read and Write
	// move data in blocks of this size.
	userFrames int

	readRing  *ringbuffer.RingBuffer // engine produces, Read consumes
	writeRing *ringbuffer.RingBuffer // Write produces, engine consumes

	readFrameBytes  int
	writeFrameBytes int

	// initialWriteFrames of silence prime the write ring each run, so
	// the engine has headroom before the first Write lands.
	initialWriteFrames int

	// A waiter publishes its target frame count and raises the request
	// flag; the engine signals the channel once the count is satisfied.
	// The channels are buffered so the engine never blocks on them.
	readRequested  atomic.Bool
	writeRequested atomic.Bool
	readTarget     atomic.Int64
	writeTarget    atomic.Int64
	readReady      chan struct{}
	writeReady     chan struct{}

	// Transient conditions reported by the next Read/Write that observes
	// them. The transfer that reports one still completed in full.
	overflowed  atomic.Bool
	underflowed atomic.Bool

	// stopFlag permits a final partial drain of the write ring during
	// shutdown.
	stopFlag atomic.Bool

	timeout time.Duration
}

// blockingTimeoutBlocks bounds how long a transfer waits, measured in
// user block periods. Generous: a healthy stream satisfies a block per
// host cycle.
const blockingTimeoutBlocks = 8

func newBlockingState(s *Stream, params hostapi.StreamParameters) (*blockingState, error) {
	b := &blockingState{
		s:          s,
		userFrames: params.FramesPerBuffer,
		readReady:  make(chan struct{}, 1),
		writeReady: make(chan struct{}, 1),
	}
	if b.userFrames <= 0 {
		b.userFrames = s.framesPerHost
	}

	if s.inputChannels > 0 {
		b.readFrameBytes = s.inputChannels * s.inputFormat.Bytes()
		frames := ringFrames(params.SuggestedInputLatency, s.sampleRate,
			s.driverInputLatency, s.framesPerHost, b.userFrames)
		b.readRing = ringbuffer.New(frames, b.readFrameBytes)
	}
	if s.outputChannels > 0 {
		b.writeFrameBytes = s.outputChannels * s.outputFormat.Bytes()
		frames := ringFrames(params.SuggestedOutputLatency, s.sampleRate,
			s.driverOutputLatency, s.framesPerHost, b.userFrames)
		b.writeRing = ringbuffer.New(frames, b.writeFrameBytes)
		b.initialWriteFrames = b.writeRing.Capacity() - s.framesPerHost
	}

	b.timeout = time.Duration(float64(blockingTimeoutBlocks*b.userFrames) /
		s.sampleRate * float64(time.Second))
	if b.timeout < 100*time.Millisecond {
		b.timeout = 100 * time.Millisecond
	}

	// Achieved latency includes the ring stage on the output side; the
	// input ring only buffers, it does not delay the earliest sample.
	s.inputLatency = float64(s.driverInputLatency) / s.sampleRate
	s.outputLatency = float64(s.driverOutputLatency+b.initialWriteFrames) / s.sampleRate

	b.primeWriteRing()
	return b, nil
}

// ringFrames sizes a transfer ring: enough whole host buffers to cover
// the suggested latency beyond what the device itself buffers, plus one
// for slack, and never less than double either block size.
func ringFrames(suggestedLatency, sampleRate float64, driverLatency, hostFrames, userFrames int) int {
	latencyFrames := int(suggestedLatency*sampleRate+0.5) - driverLatency
	if latencyFrames < 0 {
		latencyFrames = 0
	}
	blocks := (latencyFrames+hostFrames-1)/hostFrames + 1
	frames := blocks * hostFrames
	frames = max(frames, 2*hostFrames, 2*userFrames)
	return frames
}

// primeWriteRing fills the write ring's initial region with silence.
func (b *blockingState) primeWriteRing() {
	if b.writeRing == nil || b.initialWriteFrames <= 0 {
		return
	}
	r1, r2 := b.writeRing.WriteRegions(b.initialWriteFrames)
	zero(r1)
	zero(r2)
	b.writeRing.AdvanceWriteIndex(b.initialWriteFrames)
}

func (b *blockingState) reset() {
	if b.readRing != nil {
		b.readRing.Flush()
	}
	if b.writeRing != nil {
		b.writeRing.Flush()
	}
	b.primeWriteRing()
	b.readRequested.Store(false)
	b.writeRequested.Store(false)
	b.overflowed.Store(false)
	b.underflowed.Store(false)
	b.stopFlag.Store(false)
	drain(b.readReady)
	drain(b.writeReady)
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// process is the engine-side half: move one host buffer between the
// hardware views and the rings, then wake any satisfied waiter.
func (b *blockingState) process(index, frames int, _ hostapi.TimeInfo, _ hostapi.CallbackFlags) hostapi.CallbackResult {
	s := b.s

	if b.readRing != nil {
		// A full ring means the consumer fell behind. Drop the oldest
		// frames so the freshest audio survives, and flag the overflow.
		if free := b.readRing.WriteAvailable(); free < frames {
			b.readRing.AdvanceReadIndex(frames - free)
			b.overflowed.Store(true)
		}
		r1, r2 := b.readRing.WriteRegions(frames)
		interleave(s.inputViews[index], r1, r2, s.inputFormat.Bytes())
		b.readRing.AdvanceWriteIndex(frames)

		if b.readRequested.Load() && int64(b.readRing.ReadAvailable()) >= b.readTarget.Load() {
			signal(b.readReady)
		}
	}

	if b.writeRing != nil {
		available := b.writeRing.ReadAvailable()
		n := frames
		if available < frames {
			n = available
			if !b.stopFlag.Load() {
				b.underflowed.Store(true)
			}
		}
		r1, r2 := b.writeRing.ReadRegions(n)
		deinterleave(r1, r2, s.outputViews[index], s.outputFormat.Bytes())
		b.writeRing.AdvanceReadIndex(n)

		// Zero the tail of every channel when the ring came up short.
		if n < frames {
			width := s.outputFormat.Bytes()
			for _, view := range s.outputViews[index] {
				zero(view[n*width:])
			}
		}

		if b.writeRequested.Load() && int64(b.writeRing.WriteAvailable()) >= b.writeTarget.Load() {
			signal(b.writeReady)
		}
	}

	return hostapi.Continue
}

// outputQueued reports frames still waiting in the write ring; the
// engine drains them before entering silence playout. The ring is FIFO,
// so the priming silence at its head drains first and counts too.
func (b *blockingState) outputQueued() int {
	if b.writeRing == nil || b.stopFlag.Load() {
		return 0
	}
	return b.writeRing.ReadAvailable()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// read transfers frames interleaved canonical frames into p, blocking in
// user-block units until data is available.
func (b *blockingState) read(p []byte, frames int) error {
	offset := 0
	for remaining := frames; remaining > 0; {
		chunk := min(remaining, b.userFrames)
		if err := b.wait(b.readRing.ReadAvailable, chunk, &b.readTarget, &b.readRequested, b.readReady); err != nil {
			return err
		}
		n := b.readRing.Read(p[offset:], chunk)
		offset += n * b.readFrameBytes
		remaining -= n
	}
	if b.overflowed.Swap(false) {
		return hostapi.ErrInputOverflowed
	}
	return nil
}

// write transfers frames interleaved canonical frames from p, blocking
// in user-block units until ring space is available.
func (b *blockingState) write(p []byte, frames int) error {
	offset := 0
	for remaining := frames; remaining > 0; {
		chunk := min(remaining, b.userFrames)
		if err := b.wait(b.writeRing.WriteAvailable, chunk, &b.writeTarget, &b.writeRequested, b.writeReady); err != nil {
			return err
		}
		n := b.writeRing.Write(p[offset:], chunk)
		offset += n * b.writeFrameBytes
		remaining -= n
	}
	if b.underflowed.Swap(false) {
		return hostapi.ErrOutputUnderflowed
	}
	return nil
}

// wait blocks until available() covers target frames. The request flag is
// published before the re-check, so a cycle that lands in between cannot
// be missed; spurious wakeups simply loop.
func (b *blockingState) wait(available func() int, target int, targetVar *atomic.Int64, requested *atomic.Bool, ready chan struct{}) error {
	if available() >= target {
		return nil
	}
	targetVar.Store(int64(target))
	requested.Store(true)
	defer requested.Store(false)

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	for available() < target {
		if b.s.stopped.Load() {
			return hostapi.ErrStreamIsStopped
		}
		select {
		case <-ready:
		case <-deadline.C:
			return hostapi.ErrTimedOut
		case <-time.After(time.Millisecond):
			// Periodic re-check covers a stop that raced the wait.
		}
	}
	return nil
}

// flushForStop waits until queued output has been handed to the engine,
// bounded by twice the ring's duration, then permits the final partial
// drain.
func (b *blockingState) flushForStop() error {
	if b.writeRing == nil {
		b.stopFlag.Store(true)
		return nil
	}
	timeout := time.Duration(2 * float64(b.writeRing.Capacity()) / b.s.sampleRate * float64(time.Second))
	deadline := time.Now().Add(timeout + 10*time.Millisecond)

	var err error
	for b.outputQueued() > 0 {
		if time.Now().After(deadline) {
			err = hostapi.ErrTimedOut
			break
		}
		time.Sleep(time.Millisecond)
	}
	b.stopFlag.Store(true)
	return err
}

// interleave copies per-channel views into the ring's write regions,
// channel-major to frame-major.
func interleave(views [][]byte, r1, r2 []byte, sampleBytes int) {
	channels := len(views)
	if channels == 0 {
		return
	}
	stride := channels * sampleBytes
	frame := 0
	for _, region := range [2][]byte{r1, r2} {
		n := len(region) / stride
		for f := 0; f < n; f++ {
			src := (frame + f) * sampleBytes
			dst := f * stride
			for c := 0; c < channels; c++ {
				copy(region[dst+c*sampleBytes:dst+(c+1)*sampleBytes], views[c][src:src+sampleBytes])
			}
		}
		frame += n
	}
}

// deinterleave copies the ring's read regions into per-channel views,
// frame-major to channel-major.
func deinterleave(r1, r2 []byte, views [][]byte, sampleBytes int) {
	channels := len(views)
	if channels == 0 {
		return
	}
	stride := channels * sampleBytes
	frame := 0
	for _, region := range [2][]byte{r1, r2} {
		n := len(region) / stride
		for f := 0; f < n; f++ {
			dst := (frame + f) * sampleBytes
			src := f * stride
			for c := 0; c < channels; c++ {
				copy(views[c][dst:dst+sampleBytes], region[src+c*sampleBytes:src+(c+1)*sampleBytes])
			}
		}
		frame += n
	}
}
