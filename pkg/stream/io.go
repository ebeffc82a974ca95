package stream

import (
	"fmt"

	"github.com/halden-audio/duplexio/pkg/hostapi"
)

// Blocking transfer surface. Available only on streams opened with a nil
// processing callback; Read belongs to one goroutine, Write to another.
// Buffers hold interleaved canonical-format frames.

// Read blocks until frames frames of captured audio have been copied
// into p. It returns ErrInputOverflowed when input was discarded since
// the previous Read; the transfer itself still completed.
func (s *Stream) Read(p []byte, frames int) error {
	if s.blocking == nil {
		return hostapi.ErrNotBlockingStream
	}
	if s.inputChannels == 0 {
		return hostapi.ErrCanNotReadFromOutputOnlyStream
	}
	if want := frames * s.blocking.readFrameBytes; len(p) < want {
		return fmt.Errorf("buffer holds %d bytes, %d frames need %d", len(p), frames, want)
	}
	return s.blocking.read(p, frames)
}

// Write blocks until frames frames from p have been queued for playback.
// It returns ErrOutputUnderflowed when the device ran dry since the
// previous Write; the transfer itself still completed. Start resets the
// output ring, so frames written before Start are discarded.
func (s *Stream) Write(p []byte, frames int) error {
	if s.blocking == nil {
		return hostapi.ErrNotBlockingStream
	}
	if s.outputChannels == 0 {
		return hostapi.ErrCanNotWriteToInputOnlyStream
	}
	if want := frames * s.blocking.writeFrameBytes; len(p) < want {
		return fmt.Errorf("buffer holds %d bytes, %d frames need %d", len(p), frames, want)
	}
	return s.blocking.write(p, frames)
}

// AvailableRead returns the number of frames Read can return without
// blocking.
func (s *Stream) AvailableRead() (int, error) {
	if s.blocking == nil {
		return 0, hostapi.ErrNotBlockingStream
	}
	if s.inputChannels == 0 {
		return 0, hostapi.ErrCanNotReadFromOutputOnlyStream
	}
	return s.blocking.readRing.ReadAvailable(), nil
}

// AvailableWrite returns the number of frames Write can queue without
// blocking.
func (s *Stream) AvailableWrite() (int, error) {
	if s.blocking == nil {
		return 0, hostapi.ErrNotBlockingStream
	}
	if s.outputChannels == 0 {
		return 0, hostapi.ErrCanNotWriteToInputOnlyStream
	}
	return s.blocking.writeRing.WriteAvailable(), nil
}
