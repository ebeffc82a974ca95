package stream

import (
	"math"
	"sync/atomic"
	"time"
)

// cpuLoadMeasurer tracks the fraction of each buffer period spent inside
// the exchange engine, exponentially smoothed. record runs on the
// real-time context; value may be read from anywhere.
type cpuLoadMeasurer struct {
	bits atomic.Uint64 // float64 bits of the smoothed load
}

const cpuLoadDecay = 0.9

func (m *cpuLoadMeasurer) reset() {
	m.bits.Store(0)
}

func (m *cpuLoadMeasurer) record(elapsed time.Duration, period float64) {
	if period <= 0 {
		return
	}
	instant := elapsed.Seconds() / period
	prev := math.Float64frombits(m.bits.Load())
	m.bits.Store(math.Float64bits(prev*cpuLoadDecay + instant*(1-cpuLoadDecay)))
}

func (m *cpuLoadMeasurer) value() float64 {
	return math.Float64frombits(m.bits.Load())
}
