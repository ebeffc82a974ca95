// Package buffersize selects a host buffer length in frames that
// satisfies the device's reported constraints and, when the caller
// requires a fixed user block size, a multiple-of relationship between
// the host and user buffer sizes.
//
// It is pure integer arithmetic over the device's (min, max, preferred,
// granularity) tuple plus a target and an optional required multiple, and
// is fully testable without hardware.
package buffersize

import "github.com/halden-audio/duplexio/pkg/driver"

// Request carries everything the negotiation needs.
type Request struct {
	Limits driver.BufferLimits

	// TargetFrames is the buffering latency the caller asked for,
	// already converted to frames.
	TargetFrames int

	// UserFrames is the caller's fixed block size; 0 means unspecified,
	// in which case any host size works.
	UserFrames int

	// Strategy selects between latency-driven sizing and always taking
	// the driver's preferred size. Some drivers misreport their limits
	// and only behave at the preferred size, which is why both behaviors
	// exist; the caller chooses.
	Strategy Strategy
}

// Strategy mirrors hostapi.Strategy without importing it; the stream
// layer converts.
type Strategy int

const (
	PreferTargetLatency Strategy = iota
	PreferDriverSize
)

// Negotiate picks a host buffer size in frames.
//
// With UserFrames == 0 the result is always valid and always within
// [Min, Max]. With UserFrames != 0 the result is a multiple of UserFrames
// within [Min, Max], or 0 when no such multiple exists.
func Negotiate(req Request) int {
	if req.Strategy == PreferDriverSize {
		if req.UserFrames != 0 && req.Limits.Preferred%req.UserFrames != 0 {
			return 0
		}
		return req.Limits.Preferred
	}

	if req.UserFrames == 0 {
		return forUnspecifiedUserFrames(req.TargetFrames, req.Limits)
	}
	return forSpecifiedUserFrames(req.TargetFrames, req.UserFrames, req.Limits)
}

// forUnspecifiedUserFrames chooses a size from the target latency alone.
// Always returns a value in [Min, Max].
func forUnspecifiedUserFrames(target int, limits driver.BufferLimits) int {
	if target <= limits.Min {
		return limits.Min
	}
	if target >= limits.Max {
		return limits.Max
	}

	switch limits.Granularity {
	case driver.GranularityFixed:
		// Granularity zero means min, max and preferred coincide; the
		// preferred size is the single supported size.
		return limits.Preferred

	case driver.GranularityPowerOfTwo:
		result := nextPowerOfTwo(target)
		return clamp(result, limits.Min, limits.Max)

	default:
		if limits.Granularity < 1 {
			// Malformed granularity; fall back to the preferred size.
			return clamp(limits.Preferred, limits.Min, limits.Max)
		}
		// Round up to the next multiple of the granularity step.
		n := (target + limits.Granularity - 1) / limits.Granularity
		return clamp(n*limits.Granularity, limits.Min, limits.Max)
	}
}

// forSpecifiedUserFrames searches the device's candidate sizes for a
// multiple of userFrames, preferring the smallest candidate at or above
// the target, falling back to the largest multiple below it, and
// returning 0 when no multiple exists at all.
func forSpecifiedUserFrames(target, userFrames int, limits driver.BufferLimits) int {
	result := 0

	switch limits.Granularity {
	case driver.GranularityFixed:
		if limits.Preferred%userFrames == 0 {
			result = limits.Preferred
		}

	case driver.GranularityPowerOfTwo:
		for x := max(limits.Min, 1); x <= limits.Max; x *= 2 {
			if x%userFrames == 0 {
				result = x
				if result >= target {
					break
				}
			}
		}

	default:
		if limits.Granularity < 1 {
			break
		}
		for x := limits.Min; x <= limits.Max; x += limits.Granularity {
			if x%userFrames == 0 {
				result = x
				if result >= target {
					break
				}
			}
		}
	}

	return result
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nextPowerOfTwo(x int) int {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	return x + 1
}
