package hostapi

import (
	"fmt"

	"github.com/halden-audio/duplexio/pkg/driver"
)

// Sample rates probed when building DeviceInfo. Drivers report support
// per rate rather than as a list, so enumeration works from a fixed set
// of rates anyone actually uses.
var probeSampleRates = []float64{
	8000, 11025, 16000, 22050, 32000,
	44100, 48000, 88200, 96000, 176400, 192000,
}

// DeviceInfo is the portable description of one driver, as exposed to
// device enumeration.
type DeviceInfo struct {
	Name string

	MaxInputChannels  int
	MaxOutputChannels int

	SupportedSampleRates []float64
	DefaultSampleRate    float64

	BufferLimits driver.BufferLimits

	// Default latencies in seconds, derived from the preferred (low) and
	// maximum (high) buffer sizes at the default sample rate.
	DefaultLowInputLatency   float64
	DefaultLowOutputLatency  float64
	DefaultHighInputLatency  float64
	DefaultHighOutputLatency float64
}

// QueryDevice builds a DeviceInfo from a loaded driver.
func QueryDevice(drv driver.Driver) (*DeviceInfo, error) {
	in, out, err := drv.Channels()
	if err != nil {
		return nil, &UnanticipatedHostError{Op: "query channels", Err: err}
	}

	limits, err := drv.BufferSizes()
	if err != nil {
		return nil, &UnanticipatedHostError{Op: "query buffer sizes", Err: err}
	}

	rate, err := drv.SampleRate()
	if err != nil {
		return nil, &UnanticipatedHostError{Op: "query sample rate", Err: err}
	}

	var rates []float64
	for _, r := range probeSampleRates {
		if drv.CanSampleRate(r) == nil {
			rates = append(rates, r)
		}
	}

	info := &DeviceInfo{
		Name:                 drv.Name(),
		MaxInputChannels:     in,
		MaxOutputChannels:    out,
		SupportedSampleRates: rates,
		DefaultSampleRate:    rate,
		BufferLimits:         limits,
	}

	if rate > 0 {
		low := float64(limits.Preferred) / rate
		high := float64(limits.Max) / rate
		info.DefaultLowInputLatency = low
		info.DefaultLowOutputLatency = low
		info.DefaultHighInputLatency = high
		info.DefaultHighOutputLatency = high
	}

	return info, nil
}

// IsFormatSupported reports whether a stream with the given parameters
// could be opened on the driver. It validates channel counts, channel
// selectors, and the sample rate; it retains no state.
func IsFormatSupported(drv driver.Driver, params StreamParameters) error {
	if params.InputChannels < 0 || params.OutputChannels < 0 ||
		(params.InputChannels == 0 && params.OutputChannels == 0) {
		return ErrInvalidChannelCount
	}

	maxIn, maxOut, err := drv.Channels()
	if err != nil {
		return &UnanticipatedHostError{Op: "query channels", Err: err}
	}
	if params.InputChannels > maxIn {
		return fmt.Errorf("%w: %d input channels, device has %d",
			ErrInvalidChannelCount, params.InputChannels, maxIn)
	}
	if params.OutputChannels > maxOut {
		return fmt.Errorf("%w: %d output channels, device has %d",
			ErrInvalidChannelCount, params.OutputChannels, maxOut)
	}

	if opts := params.Options; opts != nil {
		if opts.Strategy != PreferTargetLatency && opts.Strategy != PreferDriverSize {
			return fmt.Errorf("%w: unknown negotiation strategy %d", ErrInvalidFlag, opts.Strategy)
		}
		if err := validateSelectors(opts.InputChannelSelectors, params.InputChannels, maxIn); err != nil {
			return err
		}
		if err := validateSelectors(opts.OutputChannelSelectors, params.OutputChannels, maxOut); err != nil {
			return err
		}
	}

	if params.SampleRate <= 0 {
		return ErrSampleRateNotSupported
	}
	if err := drv.CanSampleRate(params.SampleRate); err != nil {
		return fmt.Errorf("%w: %g Hz", ErrSampleRateNotSupported, params.SampleRate)
	}

	return nil
}

// validateSelectors checks a logical-to-physical channel table.
// A nil table means identity mapping and is always valid; a non-nil table
// must cover every logical channel.
func validateSelectors(selectors []int, logicalChannels, deviceChannels int) error {
	if selectors == nil || logicalChannels == 0 {
		return nil
	}
	if len(selectors) < logicalChannels {
		return fmt.Errorf("%w: %d selectors for %d channels",
			ErrIncompatibleStreamOptions, len(selectors), logicalChannels)
	}
	for i := 0; i < logicalChannels; i++ {
		if selectors[i] < 0 || selectors[i] >= deviceChannels {
			return fmt.Errorf("%w: logical channel %d maps to %d, device has %d",
				ErrInvalidChannelSelector, i, selectors[i], deviceChannels)
		}
	}
	return nil
}

// Devices queries every registered driver. Drivers that fail to load or
// answer are skipped; enumeration is best effort.
func Devices() []*DeviceInfo {
	var infos []*DeviceInfo
	for _, name := range driver.Names() {
		drv, err := driver.Load(name)
		if err != nil {
			continue
		}
		info, err := QueryDevice(drv)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}
