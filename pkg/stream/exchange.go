package stream

import (
	"math"
	"time"

	"github.com/halden-audio/duplexio/pkg/hostapi"
)

// bufferSwitch is the driver's per-cycle entry point. It runs on the
// driver's real-time context and must never block or allocate.
//
// The busy token serializes processing: a notification arriving while a
// previous cycle is still in flight is never processed as audio. It is
// recorded as a pending cycle, counted as missed, and surfaced to the
// consumer as an InputOverflow|OutputUnderflow discontinuity on the next
// processed cycle. Audio data is processed at most once per notification.
func (s *Stream) bufferSwitch(index int, systemTime float64) {
	s.timeRefBits.Store(math.Float64bits(systemTime))
	s.timeRefAt.Store(time.Now().UnixNano())

	if !s.busy.CompareAndSwap(false, true) {
		s.pendingCycles.Add(1)
		s.missedCycles.Add(1)
		return
	}

	s.processCycle(index, systemTime)

	for {
		if n := s.pendingCycles.Swap(0); n > 0 {
			// The skipped cycles' buffers are stale by now. Mark the
			// discontinuity; the next real cycle delivers the flags.
			s.callbackFlags.Or(uint32(hostapi.InputOverflow | hostapi.OutputUnderflow))
			continue
		}
		s.busy.Store(false)
		// A notification may have slipped in between the Swap and the
		// Store; reclaim the token and account for it, or leave it to the
		// notification that now owns the token.
		if s.pendingCycles.Load() == 0 {
			return
		}
		if !s.busy.CompareAndSwap(false, true) {
			return
		}
	}
}

// processCycle runs one buffer cycle: input conversion, consumer
// processing, output conversion, and the lifecycle bookkeeping that
// drives drain and completion.
func (s *Stream) processCycle(index int, systemTime float64) {
	if s.zeroOutput.Load() {
		s.zeroOutputCycle(index)
		return
	}

	// A stop has been requested. Keep cycling while the consumer still
	// has queued output so every buffered sample is physically emitted,
	// then switch to the silence playout phase.
	if s.stopProcessing.Load() && s.consumer.outputQueued() == 0 {
		s.zeroOutput.Store(true)
		s.zeroOutputCycle(index)
		return
	}

	started := time.Now()
	frames := s.framesPerHost

	if s.inputConverter != nil {
		for _, buf := range s.inputSlots[index] {
			s.inputConverter(buf, s.inputShift, frames)
		}
	}

	flags := hostapi.CallbackFlags(s.callbackFlags.Swap(0))
	result := s.consumer.process(index, frames, s.timeInfo(systemTime), flags)

	if s.outputConverter != nil {
		for _, buf := range s.outputSlots[index] {
			s.outputConverter(buf, s.outputShift, frames)
		}
	}

	s.drv.OutputReady()
	s.cpuLoad.record(time.Since(started), float64(frames)/s.sampleRate)

	switch result {
	case hostapi.Complete:
		s.stopProcessing.Store(true)
	case hostapi.Abort:
		// The run ends now: inactive, completion signalled, finished
		// fired. Silence replaces the aborted cycle's output and the
		// remaining cycles stay silent until the caller stops the driver.
		s.zeroOutput.Store(true)
		for _, buf := range s.outputSlots[index] {
			zero(buf)
		}
		s.fireFinished()
	}
}

// zeroOutputCycle emits one buffer of silence. The double buffer needs
// two silent cycles before the last audible buffer has left the
// hardware; the second one completes the run.
func (s *Stream) zeroOutputCycle(index int) {
	for _, buf := range s.outputSlots[index] {
		zero(buf)
	}
	for _, buf := range s.silentSlots[index] {
		zero(buf)
	}
	s.drv.OutputReady()

	if s.stopPlayoutLeft > 0 {
		s.stopPlayoutLeft--
		if s.stopPlayoutLeft == 0 {
			s.fireFinished()
		}
	}
}

// sampleRateChanged records an externally driven rate change, for
// example a device following an external clock. The stream keeps
// running; callers can compare ObservedSampleRate against the opened
// rate.
func (s *Stream) sampleRateChanged(rate float64) {
	s.observedRate.Store(math.Float64bits(rate))
}

// ObservedSampleRate returns the rate last reported by the device, which
// tracks external clock changes. It equals the opened rate until the
// device reports otherwise.
func (s *Stream) ObservedSampleRate() float64 {
	if bits := s.observedRate.Load(); bits != 0 {
		return math.Float64frombits(bits)
	}
	return s.sampleRate
}

// timeInfo derives the cycle's buffer timestamps from the driver's
// system time and the reported device latencies.
func (s *Stream) timeInfo(systemTime float64) hostapi.TimeInfo {
	return hostapi.TimeInfo{
		CurrentTime:         systemTime,
		InputBufferADCTime:  systemTime - float64(s.driverInputLatency)/s.sampleRate,
		OutputBufferDACTime: systemTime + float64(s.driverOutputLatency)/s.sampleRate,
	}
}
