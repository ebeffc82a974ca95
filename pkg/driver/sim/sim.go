// Package sim implements an in-process simulated driver.
//
// It models the exclusive-mode double-buffered device contract closely
// enough to run real streams against it: buffer cycles alternate slots,
// notifications arrive on a dedicated goroutine standing in for the
// hardware's real-time context, and every configuration knob a physical
// device would expose (channel counts, sample types, buffer limits,
// supported rates, latencies) is settable. Tests run it in manual mode
// and pump cycles synchronously; the demo binary runs it on its own
// clock.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halden-audio/duplexio/pkg/driver"
)

func init() {
	driver.Register("Simulated Device", func() (driver.Driver, error) {
		return New(DefaultConfig()), nil
	})
}

// Config describes the simulated hardware.
type Config struct {
	Name string

	InputChannels  int
	OutputChannels int

	InputSampleType  driver.SampleType
	OutputSampleType driver.SampleType

	Limits driver.BufferLimits

	// SupportedRates lists the rates CanSampleRate accepts.
	SupportedRates []float64
	InitialRate    float64

	// Latencies in frames, reported once buffers exist.
	InputLatency  int
	OutputLatency int

	// Manual disables the internal clock: Start only flips state and the
	// caller drives cycles with Pump. Used by tests for determinism.
	Manual bool

	// OnCycle, when set, runs just before each buffer-switch
	// notification, letting the caller fill the cycle's input slots.
	OnCycle func(d *Driver, index int)
}

// DefaultConfig is a plausible stereo 32 bit device.
func DefaultConfig() Config {
	return Config{
		Name:             "Simulated Device",
		InputChannels:    2,
		OutputChannels:   2,
		InputSampleType:  driver.Int32LSB,
		OutputSampleType: driver.Int32LSB,
		Limits:           driver.BufferLimits{Min: 64, Max: 4096, Preferred: 256, Granularity: driver.GranularityPowerOfTwo},
		SupportedRates:   []float64{44100, 48000, 96000},
		InitialRate:      48000,
		InputLatency:     256,
		OutputLatency:    512,
	}
}

// Driver is the simulated device. It implements driver.Driver.
type Driver struct {
	cfg Config

	mu         sync.Mutex
	rate       float64
	frames     int
	cb         driver.Callbacks
	sets       []driver.BufferSet
	hasBuffers bool
	started    bool
	stopClock  chan struct{}
	clockDone  chan struct{}

	slot    int
	now     float64
	cycles  atomic.Uint64
	rateSet atomic.Uint64
	ready   atomic.Uint64
}

// New creates a simulated device. Zero-valued config fields fall back to
// the defaults.
func New(cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Limits == (driver.BufferLimits{}) {
		cfg.Limits = def.Limits
	}
	if cfg.SupportedRates == nil {
		cfg.SupportedRates = def.SupportedRates
	}
	if cfg.InitialRate == 0 {
		cfg.InitialRate = def.InitialRate
	}
	return &Driver{cfg: cfg, rate: cfg.InitialRate}
}

func (d *Driver) Name() string { return d.cfg.Name }

func (d *Driver) Channels() (in, out int, err error) {
	return d.cfg.InputChannels, d.cfg.OutputChannels, nil
}

func (d *Driver) BufferSizes() (driver.BufferLimits, error) {
	return d.cfg.Limits, nil
}

func (d *Driver) ChannelInfo(dir driver.Direction, channel int) (driver.ChannelInfo, error) {
	count := d.cfg.InputChannels
	sampleType := d.cfg.InputSampleType
	if dir == driver.Output {
		count = d.cfg.OutputChannels
		sampleType = d.cfg.OutputSampleType
	}
	if channel < 0 || channel >= count {
		return driver.ChannelInfo{}, fmt.Errorf("sim: no %s channel %d", dir, channel)
	}
	return driver.ChannelInfo{
		Channel:    channel,
		Name:       fmt.Sprintf("%s %d", dir, channel),
		SampleType: sampleType,
	}, nil
}

func (d *Driver) SampleRate() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate, nil
}

func (d *Driver) CanSampleRate(rate float64) error {
	for _, r := range d.cfg.SupportedRates {
		if r == rate {
			return nil
		}
	}
	return fmt.Errorf("sim: %g Hz not supported", rate)
}

func (d *Driver) SetSampleRate(rate float64) error {
	if err := d.CanSampleRate(rate); err != nil {
		return err
	}
	d.mu.Lock()
	d.rate = rate
	d.mu.Unlock()
	d.rateSet.Add(1)
	return nil
}

// SetRateCalls reports how many times SetSampleRate succeeded. Streams
// must skip the call when the device already runs at the requested rate.
func (d *Driver) SetRateCalls() uint64 { return d.rateSet.Load() }

func (d *Driver) CreateBuffers(specs []driver.BufferSpec, frames int, cb driver.Callbacks) ([]driver.BufferSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasBuffers {
		return nil, errors.New("sim: buffers already created")
	}
	if frames < d.cfg.Limits.Min || frames > d.cfg.Limits.Max {
		return nil, fmt.Errorf("sim: %d frames outside [%d, %d]", frames, d.cfg.Limits.Min, d.cfg.Limits.Max)
	}

	sets := make([]driver.BufferSet, len(specs))
	for i, spec := range specs {
		sampleType := d.cfg.InputSampleType
		count := d.cfg.InputChannels
		if spec.Direction == driver.Output {
			sampleType = d.cfg.OutputSampleType
			count = d.cfg.OutputChannels
		}
		if spec.Channel < 0 || spec.Channel >= count {
			return nil, fmt.Errorf("sim: no %s channel %d", spec.Direction, spec.Channel)
		}
		size := frames * sampleType.Bytes()
		sets[i] = driver.BufferSet{
			Spec:  spec,
			Slots: [2][]byte{make([]byte, size), make([]byte, size)},
		}
	}

	d.sets = sets
	d.frames = frames
	d.cb = cb
	d.hasBuffers = true
	d.slot = 0
	d.now = 0
	return sets, nil
}

func (d *Driver) DisposeBuffers() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("sim: cannot dispose buffers while started")
	}
	d.sets = nil
	d.hasBuffers = false
	return nil
}

func (d *Driver) Latencies() (in, out int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasBuffers {
		return 0, 0, errors.New("sim: no buffers created")
	}
	return d.cfg.InputLatency, d.cfg.OutputLatency, nil
}

func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasBuffers {
		return errors.New("sim: no buffers created")
	}
	if d.started {
		return errors.New("sim: already started")
	}
	d.started = true
	if !d.cfg.Manual {
		d.stopClock = make(chan struct{})
		d.clockDone = make(chan struct{})
		period := time.Duration(float64(d.frames) / d.rate * float64(time.Second))
		go d.clock(period, d.stopClock, d.clockDone)
	}
	return nil
}

func (d *Driver) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	stop, done := d.stopClock, d.clockDone
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (d *Driver) OutputReady() bool {
	d.ready.Add(1)
	return true
}

// OutputReadyCalls reports how many cycles signalled output completion.
func (d *Driver) OutputReadyCalls() uint64 { return d.ready.Load() }

// clock is the stand-in for the hardware's real-time context.
func (d *Driver) clock(period time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.cycle()
		}
	}
}

// Pump runs n synchronous buffer cycles. Manual mode only; it lets tests
// drive the device deterministically from their own goroutine.
func (d *Driver) Pump(n int) {
	for i := 0; i < n; i++ {
		d.cycle()
	}
}

// Notify delivers one out-of-band buffer-switch notification without
// advancing the slot, imitating a device that re-signals while the
// previous cycle is still being processed.
func (d *Driver) Notify() {
	d.mu.Lock()
	cb := d.cb.BufferSwitch
	slot := d.slot
	now := d.now
	d.mu.Unlock()
	if cb != nil {
		cb(slot, now)
	}
}

func (d *Driver) cycle() {
	d.mu.Lock()
	if !d.started || d.cb.BufferSwitch == nil {
		d.mu.Unlock()
		return
	}
	cb := d.cb.BufferSwitch
	slot := d.slot
	now := d.now
	d.slot = 1 - d.slot
	d.now += float64(d.frames) / d.rate
	onCycle := d.cfg.OnCycle
	d.mu.Unlock()

	if onCycle != nil {
		onCycle(d, slot)
	}
	cb(slot, now)
	d.cycles.Add(1)
}

// Cycles reports the number of buffer cycles delivered since creation.
func (d *Driver) Cycles() uint64 { return d.cycles.Load() }

// Buffers exposes the live buffer sets so tests can inspect or prefill
// hardware slots.
func (d *Driver) Buffers() []driver.BufferSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sets
}

// Slot returns the raw hardware slot for one channel, or nil when no
// such buffer exists.
func (d *Driver) Slot(dir driver.Direction, channel, index int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, set := range d.sets {
		if set.Spec.Direction == dir && set.Spec.Channel == channel {
			return set.Slots[index]
		}
	}
	return nil
}
