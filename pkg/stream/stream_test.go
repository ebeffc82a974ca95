package stream

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/halden-audio/duplexio/pkg/driver"
	"github.com/halden-audio/duplexio/pkg/driver/sim"
	"github.com/halden-audio/duplexio/pkg/hostapi"
)

func manualConfig() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Manual = true
	cfg.Limits = driver.BufferLimits{Min: 64, Max: 1024, Preferred: 128, Granularity: driver.GranularityPowerOfTwo}
	cfg.InputLatency = 128
	cfg.OutputLatency = 128
	return cfg
}

func duplexParams() hostapi.StreamParameters {
	return hostapi.StreamParameters{
		InputChannels:          2,
		OutputChannels:         2,
		SampleRate:             48000,
		FramesPerBuffer:        128,
		SuggestedInputLatency:  0.01,
		SuggestedOutputLatency: 0.01,
	}
}

func TestOpenRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*hostapi.StreamParameters)
		expected error
	}{
		{"too many input channels", func(p *hostapi.StreamParameters) { p.InputChannels = 5 }, hostapi.ErrInvalidChannelCount},
		{"too many output channels", func(p *hostapi.StreamParameters) { p.OutputChannels = 3 }, hostapi.ErrInvalidChannelCount},
		{"no channels at all", func(p *hostapi.StreamParameters) { p.InputChannels, p.OutputChannels = 0, 0 }, hostapi.ErrInvalidChannelCount},
		{"unsupported sample rate", func(p *hostapi.StreamParameters) { p.SampleRate = 12345 }, hostapi.ErrSampleRateNotSupported},
		{"selector out of range", func(p *hostapi.StreamParameters) {
			p.Options = &hostapi.StreamOptions{InputChannelSelectors: []int{0, 7}}
		}, hostapi.ErrInvalidChannelSelector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := sim.New(manualConfig())
			params := duplexParams()
			tt.mutate(&params)

			s, err := Open(drv, params, nil, nil)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
			if s != nil {
				t.Fatal("expected no stream on failed open")
			}
		})
	}
}

// A failed open must release the exclusive device claim so a later open
// can succeed.
func TestFailedOpenReleasesDevice(t *testing.T) {
	drv := sim.New(manualConfig())

	bad := duplexParams()
	bad.SampleRate = 12345
	if _, err := Open(drv, bad, nil, nil); err == nil {
		t.Fatal("expected open to fail")
	}

	s, err := Open(drv, duplexParams(), nil, nil)
	if err != nil {
		t.Fatalf("open after failed open: %v", err)
	}
	defer s.Close()
}

func TestSecondOpenFails(t *testing.T) {
	drv := sim.New(manualConfig())

	s, err := Open(drv, duplexParams(), nil, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer s.Close()

	other := sim.New(manualConfig())
	if _, err := Open(other, duplexParams(), nil, nil); !errors.Is(err, hostapi.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

// The device clock must not be disturbed when it already runs at the
// requested rate.
func TestRateSetOnlyWhenDifferent(t *testing.T) {
	drv := sim.New(manualConfig())
	s, err := Open(drv, duplexParams(), nil, nil) // config initial rate is 48000
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if drv.SetRateCalls() != 0 {
		t.Errorf("expected no rate change at matching rate, got %d", drv.SetRateCalls())
	}
	s.Close()

	drv = sim.New(manualConfig())
	params := duplexParams()
	params.SampleRate = 44100
	s, err = Open(drv, params, nil, nil)
	if err != nil {
		t.Fatalf("open at 44100: %v", err)
	}
	defer s.Close()
	if drv.SetRateCalls() != 1 {
		t.Errorf("expected one rate change, got %d", drv.SetRateCalls())
	}
}

func TestCallbackStreamProcessesCycles(t *testing.T) {
	drv := sim.New(manualConfig())

	var invocations atomic.Int64
	var gotFrames atomic.Int64
	cb := func(input, output [][]byte, frames int, _ hostapi.TimeInfo, _ hostapi.CallbackFlags) hostapi.CallbackResult {
		invocations.Add(1)
		gotFrames.Store(int64(frames))
		if len(input) != 2 || len(output) != 2 {
			t.Errorf("expected 2 channels each way, got %d in %d out", len(input), len(output))
		}
		return hostapi.Continue
	}

	s, err := Open(drv, duplexParams(), cb, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// Target latency 480 frames, power-of-two limits, user block 128:
	// the smallest compatible size at or above the target is 512.
	if s.FramesPerHostBuffer() != 512 {
		t.Fatalf("expected 512 frames per host buffer, got %d", s.FramesPerHostBuffer())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.IsActive() || s.IsStopped() {
		t.Fatal("expected active running stream after start")
	}

	drv.Pump(4)
	if invocations.Load() != 4 {
		t.Errorf("expected 4 callback invocations, got %d", invocations.Load())
	}
	if gotFrames.Load() != 512 {
		t.Errorf("expected 512 frames per cycle, got %d", gotFrames.Load())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.IsActive() || !s.IsStopped() {
		t.Fatal("expected inactive stopped stream after stop")
	}
}

// A Complete verdict must drain into silence playout and finish the run
// exactly once, without an explicit Stop call.
func TestCompleteVerdictFinishesRun(t *testing.T) {
	drv := sim.New(manualConfig())

	var invocations atomic.Int64
	cb := func(_, _ [][]byte, _ int, _ hostapi.TimeInfo, _ hostapi.CallbackFlags) hostapi.CallbackResult {
		if invocations.Add(1) == 11 {
			return hostapi.Complete
		}
		return hostapi.Continue
	}
	var finishedCount atomic.Int64
	finished := func() { finishedCount.Add(1) }

	params := duplexParams()
	params.FramesPerBuffer = 256
	params.SuggestedInputLatency = 0.005
	params.SuggestedOutputLatency = 0.005

	s, err := Open(drv, params, cb, finished)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The 11th cycle returns Complete; the stream must go inactive
	// within the two silent-playout cycles that follow.
	drv.Pump(11)
	if !s.IsActive() {
		t.Fatal("stream should still be active while draining")
	}
	drv.Pump(2)

	if s.IsActive() {
		t.Error("expected inactive stream after silence playout")
	}
	if finishedCount.Load() != 1 {
		t.Errorf("expected finished callback once, got %d", finishedCount.Load())
	}

	// Both output slots must hold silence after the playout phase.
	for slot := 0; slot < 2; slot++ {
		buf := drv.Slot(driver.Output, 0, slot)
		for _, b := range buf {
			if b != 0 {
				t.Fatalf("output slot %d not silent after drain", slot)
			}
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if finishedCount.Load() != 1 {
		t.Errorf("finished callback fired again on stop: %d", finishedCount.Load())
	}
}

// An Abort verdict ends the run in the same cycle: inactive, completion
// signalled, finished fired once, the aborted cycle's output silenced.
// No further cycles are needed, unlike the Complete drain.
func TestAbortVerdictFinishesImmediately(t *testing.T) {
	drv := sim.New(manualConfig())

	cb := func(_, output [][]byte, frames int, _ hostapi.TimeInfo, _ hostapi.CallbackFlags) hostapi.CallbackResult {
		for i := range output[0][:frames*4] {
			output[0][i] = 0x7F
		}
		return hostapi.Abort
	}
	var finishedCount atomic.Int64
	s, err := Open(drv, duplexParams(), cb, func() { finishedCount.Add(1) })
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	drv.Pump(1)

	if s.IsActive() {
		t.Error("stream still active after the abort verdict")
	}
	if finishedCount.Load() != 1 {
		t.Errorf("expected finished callback once, got %d", finishedCount.Load())
	}
	select {
	case <-s.completed:
	default:
		t.Error("completion signal not set after the abort verdict")
	}
	for _, b := range drv.Slot(driver.Output, 0, 0) {
		if b != 0 {
			t.Fatal("aborted cycle's output was not silenced")
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if finishedCount.Load() != 1 {
		t.Errorf("finished callback fired again on stop: %d", finishedCount.Load())
	}
}

// The stream clock must run on the driver's timebase, not the wall clock
// since open, so it can be compared against callback timestamps.
func TestTimeTracksDriverClock(t *testing.T) {
	drv := sim.New(manualConfig())

	var lastCurrent atomic.Uint64
	cb := func(_, _ [][]byte, _ int, timeInfo hostapi.TimeInfo, _ hostapi.CallbackFlags) hostapi.CallbackResult {
		lastCurrent.Store(math.Float64bits(timeInfo.CurrentTime))
		return hostapi.Continue
	}

	s, err := Open(drv, duplexParams(), cb, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	drv.Pump(4)

	// The device clock started at 0 and advanced one host buffer per
	// cycle; wall time since open is unrelated and much larger under a
	// slow test runner. Time must sit just past the last reported
	// timestamp.
	reported := math.Float64frombits(lastCurrent.Load())
	if want := 3 * 512.0 / 48000; math.Abs(reported-want) > 1e-9 {
		t.Fatalf("expected last device timestamp %g, got %g", want, reported)
	}
	got := s.Time()
	if got < reported {
		t.Errorf("stream time %g behind last device timestamp %g", got, reported)
	}
	if got-reported > 0.25 {
		t.Errorf("stream time %g drifted from device timestamp %g", got, reported)
	}

	if err := s.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
}

// A notification arriving while a cycle is still being processed must
// not process audio a second time. It is counted, and the next real
// cycle carries the discontinuity flags.
func TestReentrantNotificationIsNotProcessedTwice(t *testing.T) {
	drv := sim.New(manualConfig())

	var invocations atomic.Int64
	var flagsSeen atomic.Uint32
	cb := func(_, _ [][]byte, _ int, _ hostapi.TimeInfo, flags hostapi.CallbackFlags) hostapi.CallbackResult {
		n := invocations.Add(1)
		if n == 1 {
			// Re-signal mid-cycle, as hardware under scheduling pressure
			// does.
			drv.Notify()
		}
		flagsSeen.Store(uint32(flags))
		return hostapi.Continue
	}

	s, err := Open(drv, duplexParams(), cb, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	drv.Pump(2)

	if invocations.Load() != 2 {
		t.Errorf("expected 2 processed cycles, got %d", invocations.Load())
	}
	if s.MissedCycles() != 1 {
		t.Errorf("expected 1 missed cycle, got %d", s.MissedCycles())
	}
	want := uint32(hostapi.InputOverflow | hostapi.OutputUnderflow)
	if flagsSeen.Load() != want {
		t.Errorf("expected discontinuity flags %#x on the next cycle, got %#x", want, flagsSeen.Load())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// Output channels allocated only as placeholders for the selector
// mapping must stay silent while mapped channels carry audio.
func TestUnmappedOutputChannelsStaySilent(t *testing.T) {
	drv := sim.New(manualConfig())

	cb := func(_, output [][]byte, frames int, _ hostapi.TimeInfo, _ hostapi.CallbackFlags) hostapi.CallbackResult {
		for i := range output[0][:frames*4] {
			output[0][i] = 0x7F
		}
		return hostapi.Continue
	}

	params := duplexParams()
	params.InputChannels = 0
	params.OutputChannels = 1
	params.Options = &hostapi.StreamOptions{OutputChannelSelectors: []int{1}}

	s, err := Open(drv, params, cb, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	drv.Pump(2)

	for slot := 0; slot < 2; slot++ {
		for _, b := range drv.Slot(driver.Output, 0, slot) {
			if b != 0 {
				t.Fatalf("unmapped physical channel 0 slot %d carries audio", slot)
			}
		}
	}
	nonzero := false
	for slot := 0; slot < 2; slot++ {
		for _, b := range drv.Slot(driver.Output, 1, slot) {
			if b != 0 {
				nonzero = true
			}
		}
	}
	if !nonzero {
		t.Fatal("mapped physical channel 1 never received audio")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// Start must present a clean slate: output slots zeroed and per-run
// counters reset, so a second run does not inherit the first one's
// state.
func TestRestartResetsRunState(t *testing.T) {
	drv := sim.New(manualConfig())

	cb := func(_, output [][]byte, frames int, _ hostapi.TimeInfo, _ hostapi.CallbackFlags) hostapi.CallbackResult {
		binary.NativeEndian.PutUint32(output[0], 0xDEADBEEF)
		return hostapi.Continue
	}

	var finishedCount atomic.Int64
	s, err := Open(drv, duplexParams(), cb, func() { finishedCount.Add(1) })
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	drv.Pump(2)
	if err := s.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if finishedCount.Load() != 1 {
		t.Fatalf("expected finished once after abort, got %d", finishedCount.Load())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if s.MissedCycles() != 0 {
		t.Errorf("missed cycle count survived restart: %d", s.MissedCycles())
	}
	drv.Pump(1)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if finishedCount.Load() != 2 {
		t.Errorf("expected finished once per run, got %d total", finishedCount.Load())
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	drv := sim.New(manualConfig())
	s, err := Open(drv, duplexParams(), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, hostapi.ErrStreamIsNotStopped) {
		t.Fatalf("expected ErrStreamIsNotStopped, got %v", err)
	}
	if err := s.Close(); !errors.Is(err, hostapi.ErrStreamIsNotStopped) {
		t.Fatalf("close while running: expected ErrStreamIsNotStopped, got %v", err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
}
