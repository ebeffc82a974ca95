package stream

import "github.com/halden-audio/duplexio/pkg/hostapi"

// consumer is the per-cycle audio sink/source behind the exchange
// engine. Exactly one implementation is installed at open time: the user
// callback adapter or the blocking ring adapter.
//
// process runs on the real-time context. outputQueued reports frames the
// consumer still wants emitted after a stop request; the engine keeps
// cycling until it reaches zero. reset restores per-run state before the
// driver starts.
type consumer interface {
	process(index, frames int, timeInfo hostapi.TimeInfo, flags hostapi.CallbackFlags) hostapi.CallbackResult
	outputQueued() int
	reset()
}

// userCallbackConsumer hands each cycle's canonical buffer views directly
// to the user's processing callback.
type userCallbackConsumer struct {
	s        *Stream
	callback hostapi.StreamCallback
}

func (c *userCallbackConsumer) process(index, frames int, timeInfo hostapi.TimeInfo, flags hostapi.CallbackFlags) hostapi.CallbackResult {
	return c.callback(c.s.inputViews[index], c.s.outputViews[index], frames, timeInfo, flags)
}

// outputQueued is always zero: callback output lives only in the
// hardware double buffer, which the silence playout phase covers.
func (c *userCallbackConsumer) outputQueued() int { return 0 }

func (c *userCallbackConsumer) reset() {}
