// Package stream implements the portable audio stream over a vendor
// driver: open/start/stop/abort/close lifecycle, the real-time
// buffer-exchange engine, and blocking Read/Write emulation on top of
// lock-free ring buffers.
//
// Two execution contexts meet here. Ordinary caller goroutines drive the
// lifecycle and, in blocking mode, Read and Write. The driver's real-time
// context invokes the buffer-exchange callback once per hardware buffer
// cycle; everything reachable from that callback is lock free and
// allocation free.
package stream

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halden-audio/duplexio/internal/buffersize"
	"github.com/halden-audio/duplexio/internal/convert"
	"github.com/halden-audio/duplexio/internal/guard"
	"github.com/halden-audio/duplexio/pkg/driver"
	"github.com/halden-audio/duplexio/pkg/hostapi"
)

// openDevice enforces the driver model's process-wide single open device.
var openDevice guard.DeviceGuard

// ensureCompletedTimeout bounds the wait for an in-flight buffer cycle
// after the driver has been stopped. Some hardware has been observed to
// deliver one more notification after Stop returns.
const ensureCompletedTimeout = 2 * time.Second

// Stream is a portable full-duplex audio stream bound to one driver.
//
// A Stream is created by Open, runs between Start and Stop/Abort, and is
// destroyed by Close. Lifecycle methods are not safe for concurrent use
// with each other; Read and Write belong to exactly one goroutine each.
type Stream struct {
	id     uuid.UUID
	logger *slog.Logger
	drv    driver.Driver

	inputChannels  int
	outputChannels int
	sampleRate     float64
	framesPerHost  int

	inputFormat  hostapi.SampleFormat
	outputFormat hostapi.SampleFormat

	// Hardware buffer descriptor views, one per double-buffer slot.
	// inputSlots[index][ch] is the raw hardware buffer for a mapped
	// logical channel; silentSlots are allocated-but-unmapped output
	// channels that must be kept at silence.
	inputSlots  [2][][]byte
	outputSlots [2][][]byte
	silentSlots [2][][]byte

	// Canonical-format views into the same hardware buffers. For most
	// formats the view is the whole slot; for float64 hardware the
	// canonical float32 samples occupy the front half.
	inputViews  [2][][]byte
	outputViews [2][][]byte

	inputConverter  convert.Converter
	outputConverter convert.Converter
	inputShift      uint
	outputShift     uint

	driverInputLatency  int // frames
	driverOutputLatency int // frames
	inputLatency        float64
	outputLatency       float64

	consumer consumer
	blocking *blockingState // nil in callback mode

	finished hostapi.FinishedCallback

	// Real-time state machine. busy is the reentrancy token; a cycle
	// arriving while one is in flight bumps pendingCycles and is
	// accounted as a missed cycle, never processed as audio.
	busy            atomic.Bool
	pendingCycles   atomic.Int64
	missedCycles    atomic.Uint64
	callbackFlags   atomic.Uint32
	stopProcessing  atomic.Bool
	zeroOutput      atomic.Bool
	stopPlayoutLeft int // touched only from the real-time context

	observedRate atomic.Uint64 // float64 bits, 0 until first report

	// Driver clock reference: the last system time the driver reported
	// and the wall instant it arrived. Time extrapolates from here.
	timeRefBits atomic.Uint64 // float64 bits
	timeRefAt   atomic.Int64  // unix nanoseconds

	active        atomic.Bool
	stopped       atomic.Bool
	finishedFired atomic.Bool
	completed     chan struct{} // re-armed by Start, closed on completion

	cpuLoad cpuLoadMeasurer
	epoch   time.Time

	closed bool
}

// Open binds a stream to a loaded driver.
//
// callback selects the stream's consumer: a non-nil callback runs in
// real-time callback mode; nil installs the blocking I/O adapter, and the
// caller drives the stream with Read and Write. finished, when non-nil,
// fires exactly once per run when the stream reaches the stopped state.
//
// All validation happens here; any failure unwinds every partially
// acquired resource and the stream retains no state.
func Open(drv driver.Driver, params hostapi.StreamParameters, callback hostapi.StreamCallback, finished hostapi.FinishedCallback) (*Stream, error) {
	if err := hostapi.IsFormatSupported(drv, params); err != nil {
		return nil, err
	}

	if ok, holder := openDevice.Acquire(drv.Name()); !ok {
		return nil, fmt.Errorf("%w: %q is already open", hostapi.ErrDeviceUnavailable, holder)
	}

	s := &Stream{
		id:             uuid.New(),
		drv:            drv,
		inputChannels:  params.InputChannels,
		outputChannels: params.OutputChannels,
		sampleRate:     params.SampleRate,
		finished:       finished,
		epoch:          time.Now(),
	}
	s.stopped.Store(true)
	s.completed = make(chan struct{})
	close(s.completed)        // nothing running yet
	s.finishedFired.Store(true) // disarmed until Start
	s.timeRefAt.Store(s.epoch.UnixNano())
	s.logger = slog.Default().With(
		"stream uuid", s.id,
		"driver", drv.Name(),
	)

	buffersCreated := false
	unwind := func() {
		if buffersCreated {
			if err := drv.DisposeBuffers(); err != nil {
				s.logger.Warn("disposing buffers during open unwind failed", "err", err)
			}
		}
		openDevice.Release()
	}

	// Set the device's operating rate only when it differs; redundant
	// rate changes disturb some hardware clocks.
	current, err := drv.SampleRate()
	if err != nil {
		unwind()
		return nil, &hostapi.UnanticipatedHostError{Op: "query sample rate", Err: err}
	}
	if current != params.SampleRate {
		if err := drv.SetSampleRate(params.SampleRate); err != nil {
			unwind()
			return nil, fmt.Errorf("%w: %g Hz", hostapi.ErrSampleRateNotSupported, params.SampleRate)
		}
	}

	// Resolve the per-direction hardware formats and converters before
	// allocating anything.
	var opts hostapi.StreamOptions
	if params.Options != nil {
		opts = *params.Options
	}

	inputPhysical := physicalChannels(opts.InputChannelSelectors, params.InputChannels)
	outputPhysical := physicalChannels(opts.OutputChannelSelectors, params.OutputChannels)

	var inputType, outputType driver.SampleType
	if params.InputChannels > 0 {
		inputType, err = directionSampleType(drv, driver.Input, inputPhysical)
		if err != nil {
			unwind()
			return nil, err
		}
		s.inputFormat, s.inputConverter, s.inputShift, err = resolveFormat(inputType, true)
		if err != nil {
			unwind()
			return nil, err
		}
	}
	if params.OutputChannels > 0 {
		outputType, err = directionSampleType(drv, driver.Output, outputPhysical)
		if err != nil {
			unwind()
			return nil, err
		}
		s.outputFormat, s.outputConverter, s.outputShift, err = resolveFormat(outputType, false)
		if err != nil {
			unwind()
			return nil, err
		}
	}

	// Negotiate the host buffer size.
	limits, err := drv.BufferSizes()
	if err != nil {
		unwind()
		return nil, &hostapi.UnanticipatedHostError{Op: "query buffer sizes", Err: err}
	}

	suggested := max(params.SuggestedInputLatency, params.SuggestedOutputLatency)
	targetFrames := int(suggested*params.SampleRate + 0.5)
	if targetFrames <= 0 {
		targetFrames = limits.Preferred
	}
	framesPerHost := buffersize.Negotiate(buffersize.Request{
		Limits:       limits,
		TargetFrames: targetFrames,
		UserFrames:   params.FramesPerBuffer,
		Strategy:     buffersize.Strategy(opts.Strategy),
	})
	if framesPerHost == 0 {
		unwind()
		return nil, fmt.Errorf("%w: no host size is a multiple of %d within [%d, %d]",
			hostapi.ErrBadBufferSize, params.FramesPerBuffer, limits.Min, limits.Max)
	}

	// Allocate the hardware double buffers. Output allocation covers
	// every physical channel up to the highest selected one: drivers
	// that ignore the channel number map by array position, so the
	// unselected channels exist as silent placeholders.
	specs, outputAllocated := bufferSpecs(inputPhysical, outputPhysical)

	cb := driver.Callbacks{
		BufferSwitch:      s.bufferSwitch,
		SampleRateChanged: s.sampleRateChanged,
	}
	sets, err := drv.CreateBuffers(specs, framesPerHost, cb)
	if err != nil && framesPerHost != limits.Preferred {
		// Some drivers misreport their limits but work at the preferred
		// size; retry once before giving up.
		framesPerHost = limits.Preferred
		if params.FramesPerBuffer != 0 && framesPerHost%params.FramesPerBuffer != 0 {
			unwind()
			return nil, fmt.Errorf("%w: preferred size %d is not a multiple of %d",
				hostapi.ErrBadBufferSize, framesPerHost, params.FramesPerBuffer)
		}
		sets, err = drv.CreateBuffers(specs, framesPerHost, cb)
	}
	if err != nil {
		unwind()
		return nil, &hostapi.UnanticipatedHostError{Op: "create buffers", Err: err}
	}
	buffersCreated = true
	s.framesPerHost = framesPerHost

	if err := s.mapBufferSets(sets, inputPhysical, outputPhysical, outputAllocated, inputType, outputType); err != nil {
		unwind()
		return nil, err
	}

	s.driverInputLatency, s.driverOutputLatency, err = drv.Latencies()
	if err != nil {
		unwind()
		return nil, &hostapi.UnanticipatedHostError{Op: "query latencies", Err: err}
	}

	// Select the consumer and compute the reported latencies.
	if callback != nil {
		s.consumer = &userCallbackConsumer{s: s, callback: callback}
		s.inputLatency = float64(s.driverInputLatency) / s.sampleRate
		s.outputLatency = float64(s.driverOutputLatency) / s.sampleRate
	} else {
		blocking, err := newBlockingState(s, params)
		if err != nil {
			unwind()
			return nil, err
		}
		s.blocking = blocking
		s.consumer = blocking
	}

	s.logger.Info("stream opened",
		"inputChannels", s.inputChannels,
		"outputChannels", s.outputChannels,
		"sampleRate", s.sampleRate,
		"framesPerHostBuffer", s.framesPerHost,
		"inputLatency", s.inputLatency,
		"outputLatency", s.outputLatency,
		"blocking", s.blocking != nil,
	)

	return s, nil
}

// physicalChannels expands a selector table to the physical channel per
// logical channel, defaulting to identity.
func physicalChannels(selectors []int, logical int) []int {
	physical := make([]int, logical)
	for i := range physical {
		if selectors != nil {
			physical[i] = selectors[i]
		} else {
			physical[i] = i
		}
	}
	return physical
}

// directionSampleType resolves the hardware sample type shared by every
// selected channel of one direction. Mixed types are rejected: the
// engine applies a single converter per direction.
func directionSampleType(drv driver.Driver, dir driver.Direction, physical []int) (driver.SampleType, error) {
	var sampleType driver.SampleType
	for i, ch := range physical {
		info, err := drv.ChannelInfo(dir, ch)
		if err != nil {
			return 0, &hostapi.UnanticipatedHostError{Op: "query channel info", Err: err}
		}
		if i == 0 {
			sampleType = info.SampleType
			continue
		}
		if info.SampleType != sampleType {
			return 0, fmt.Errorf("%w: %s channels report mixed sample types (%v and %v)",
				hostapi.ErrSampleFormatNotSupported, dir, sampleType, info.SampleType)
		}
	}
	return sampleType, nil
}

// resolveFormat maps a hardware sample type to its canonical format and
// conversion kernel.
func resolveFormat(t driver.SampleType, toCanonical bool) (hostapi.SampleFormat, convert.Converter, uint, error) {
	format, ok := convert.NativeFormat(t)
	if !ok {
		return 0, nil, 0, fmt.Errorf("%w: hardware type %v has no portable representation",
			hostapi.ErrSampleFormatNotSupported, t)
	}
	var conv convert.Converter
	var shift uint
	if toCanonical {
		conv, shift = convert.ToCanonical(t)
	} else {
		conv, shift = convert.FromCanonical(t)
	}
	return format, conv, shift, nil
}

// bufferSpecs builds the driver buffer request: the selected input
// channels, plus every output channel up to the highest selected one.
// outputAllocated lists the allocated physical output channels in order.
func bufferSpecs(inputPhysical, outputPhysical []int) (specs []driver.BufferSpec, outputAllocated []int) {
	for _, ch := range inputPhysical {
		specs = append(specs, driver.BufferSpec{Direction: driver.Input, Channel: ch})
	}
	maxOut := -1
	for _, ch := range outputPhysical {
		if ch > maxOut {
			maxOut = ch
		}
	}
	for ch := 0; ch <= maxOut; ch++ {
		specs = append(specs, driver.BufferSpec{Direction: driver.Output, Channel: ch})
		outputAllocated = append(outputAllocated, ch)
	}
	return specs, outputAllocated
}

// mapBufferSets splits the driver's buffer sets into the stream's mapped
// input/output slot views and the silent placeholder set, and derives the
// canonical views the consumers work on.
func (s *Stream) mapBufferSets(sets []driver.BufferSet, inputPhysical, outputPhysical, outputAllocated []int, inputType, outputType driver.SampleType) error {
	bySpec := make(map[driver.BufferSpec]driver.BufferSet, len(sets))
	for _, set := range sets {
		bySpec[set.Spec] = set
	}

	lookup := func(dir driver.Direction, ch int) (driver.BufferSet, error) {
		set, ok := bySpec[driver.BufferSpec{Direction: dir, Channel: ch}]
		if !ok {
			return driver.BufferSet{}, &hostapi.UnanticipatedHostError{
				Op:  "create buffers",
				Err: fmt.Errorf("driver returned no buffer set for %s channel %d", dir, ch),
			}
		}
		return set, nil
	}

	for slot := 0; slot < 2; slot++ {
		s.inputSlots[slot] = make([][]byte, len(inputPhysical))
		s.outputSlots[slot] = make([][]byte, len(outputPhysical))
		s.inputViews[slot] = make([][]byte, len(inputPhysical))
		s.outputViews[slot] = make([][]byte, len(outputPhysical))
	}

	for i, ch := range inputPhysical {
		set, err := lookup(driver.Input, ch)
		if err != nil {
			return err
		}
		for slot := 0; slot < 2; slot++ {
			s.inputSlots[slot][i] = set.Slots[slot]
			s.inputViews[slot][i] = canonicalView(set.Slots[slot], s.framesPerHost, s.inputFormat)
		}
	}

	mapped := make(map[int]bool, len(outputPhysical))
	for i, ch := range outputPhysical {
		mapped[ch] = true
		set, err := lookup(driver.Output, ch)
		if err != nil {
			return err
		}
		for slot := 0; slot < 2; slot++ {
			s.outputSlots[slot][i] = set.Slots[slot]
			s.outputViews[slot][i] = canonicalView(set.Slots[slot], s.framesPerHost, s.outputFormat)
		}
	}
	for _, ch := range outputAllocated {
		if mapped[ch] {
			continue
		}
		set, err := lookup(driver.Output, ch)
		if err != nil {
			return err
		}
		for slot := 0; slot < 2; slot++ {
			s.silentSlots[slot] = append(s.silentSlots[slot], set.Slots[slot])
		}
	}

	return nil
}

// canonicalView returns the portion of a hardware slot that carries the
// canonical-format samples after conversion. Identical to the slot except
// for float64 hardware, where the narrowed float32 samples occupy the
// front half.
func canonicalView(slot []byte, frames int, format hostapi.SampleFormat) []byte {
	want := frames * format.Bytes()
	if want > len(slot) {
		want = len(slot)
	}
	return slot[:want]
}

// Start transitions the stream from stopped to active: all output slots
// are zeroed, per-run state is reset, the completion signal is re-armed,
// and only then does hardware streaming begin, so the first cycle never
// observes stale state.
func (s *Stream) Start() error {
	if !s.stopped.Load() {
		return hostapi.ErrStreamIsNotStopped
	}

	for slot := 0; slot < 2; slot++ {
		for _, buf := range s.outputSlots[slot] {
			zero(buf)
		}
		for _, buf := range s.silentSlots[slot] {
			zero(buf)
		}
	}

	s.stopProcessing.Store(false)
	s.zeroOutput.Store(false)
	s.busy.Store(false)
	s.pendingCycles.Store(0)
	s.missedCycles.Store(0)
	s.callbackFlags.Store(0)
	s.stopPlayoutLeft = 2
	s.finishedFired.Store(false)
	s.completed = make(chan struct{})
	s.cpuLoad.reset()

	s.consumer.reset()

	s.stopped.Store(false)
	s.active.Store(true)

	if err := s.drv.Start(); err != nil {
		s.stopped.Store(true)
		s.active.Store(false)
		return &hostapi.UnanticipatedHostError{Op: "start", Err: err}
	}

	s.logger.Debug("stream started")
	return nil
}

// Stop halts the stream gracefully: queued blocking output is flushed,
// the stream drains until buffered audio has been physically emitted,
// and the call does not return while a buffer cycle is still in flight.
// Stop is best effort: whatever happens mid-sequence, the stream ends up
// stopped.
func (s *Stream) Stop() error {
	var firstErr error

	if s.active.Load() {
		if s.blocking != nil && s.outputChannels > 0 {
			if err := s.blocking.flushForStop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		s.stopProcessing.Store(true)

		// Wait for drain, bounded by four times the output latency.
		drainWait := time.Duration(s.outputLatency*4*float64(time.Second)) + 100*time.Millisecond
		select {
		case <-s.completed:
		case <-time.After(drainWait):
			s.logger.Warn("drain wait timed out", "waited", drainWait)
		}
	}

	if err := s.drv.Stop(); err != nil {
		if firstErr == nil {
			firstErr = &hostapi.UnanticipatedHostError{Op: "stop", Err: err}
		}
	} else {
		s.ensureCycleCompleted()
	}

	s.stopped.Store(true)
	s.active.Store(false)
	s.fireFinished()

	s.logger.Debug("stream stopped", "missedCycles", s.missedCycles.Load())
	return firstErr
}

// Abort halts the stream immediately: output is forced to silence with
// no drain, but the call still waits for any in-flight cycle, since
// freeing buffers under a live cycle is undefined behavior.
func (s *Stream) Abort() error {
	s.zeroOutput.Store(true)
	if s.blocking != nil {
		s.blocking.stopFlag.Store(true)
	}

	var firstErr error
	if err := s.drv.Stop(); err != nil {
		firstErr = &hostapi.UnanticipatedHostError{Op: "abort", Err: err}
	} else {
		s.ensureCycleCompleted()
	}

	s.stopped.Store(true)
	s.active.Store(false)
	s.fireFinished()

	s.logger.Debug("stream aborted")
	return firstErr
}

// Close destroys the stream. The stream must already be stopped.
func (s *Stream) Close() error {
	if !s.stopped.Load() {
		return hostapi.ErrStreamIsNotStopped
	}
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.drv.DisposeBuffers(); err != nil {
		firstErr = &hostapi.UnanticipatedHostError{Op: "dispose buffers", Err: err}
	}

	s.blocking = nil
	s.consumer = nil
	openDevice.Release()

	s.logger.Info("stream closed")
	return firstErr
}

// ensureCycleCompleted waits, bounded, until no buffer cycle is in
// flight.
func (s *Stream) ensureCycleCompleted() {
	deadline := time.Now().Add(ensureCompletedTimeout)
	for s.busy.Load() {
		if time.Now().After(deadline) {
			s.logger.Warn("in-flight buffer cycle did not complete before timeout")
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// fireFinished marks the run complete: the active flag drops, the
// completion signal is set, and the finished callback fires. Exactly one
// caller per run wins; later calls are no-ops.
func (s *Stream) fireFinished() {
	if !s.finishedFired.CompareAndSwap(false, true) {
		return
	}
	s.active.Store(false)
	close(s.completed)
	if s.finished != nil {
		s.finished()
	}
}

// IsStopped reports whether the stream is in the stopped state.
func (s *Stream) IsStopped() bool { return s.stopped.Load() }

// IsActive reports whether the stream is producing or consuming audio.
// A draining stream is still active until its last buffered cycle has
// been emitted.
func (s *Stream) IsActive() bool { return s.active.Load() }

// Time returns the stream's clock in seconds, on the driver's timebase:
// the last system time the driver reported, extrapolated by the wall
// time elapsed since that report. It shares the timebase of
// TimeInfo.CurrentTime, so it can be compared against callback
// timestamps, and it advances whether or not the stream is running.
func (s *Stream) Time() float64 {
	base := math.Float64frombits(s.timeRefBits.Load())
	at := time.Unix(0, s.timeRefAt.Load())
	return base + time.Since(at).Seconds()
}

// CpuLoad returns the fraction of each buffer period spent inside the
// buffer-exchange engine, smoothed over recent cycles. 0 means idle, 1
// means the processing barely keeps up.
func (s *Stream) CpuLoad() float64 { return s.cpuLoad.value() }

// InputLatency returns the stream's total input latency in seconds.
func (s *Stream) InputLatency() float64 { return s.inputLatency }

// OutputLatency returns the stream's total output latency in seconds.
func (s *Stream) OutputLatency() float64 { return s.outputLatency }

// FramesPerHostBuffer returns the negotiated hardware buffer length.
func (s *Stream) FramesPerHostBuffer() int { return s.framesPerHost }

// InputFormat returns the canonical sample format of input buffers.
func (s *Stream) InputFormat() hostapi.SampleFormat { return s.inputFormat }

// OutputFormat returns the canonical sample format of output buffers.
func (s *Stream) OutputFormat() hostapi.SampleFormat { return s.outputFormat }

// MissedCycles returns the number of buffer-switch notifications that
// arrived while a previous cycle was still being processed.
func (s *Stream) MissedCycles() uint64 { return s.missedCycles.Load() }

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
