// Package wavefile reads and writes .WAV files as blocks of interleaved
// canonical-format samples, the shape blocking streams transfer.
package wavefile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/halden-audio/duplexio/pkg/hostapi"
	"github.com/halden-audio/duplexio/pkg/pcm"
)

// --------------------------------------------------------------------------------
// Source

// Source decodes a .WAV file incrementally. The sample rate and channel
// count come from the file; the caller picks the canonical format each
// read converts into.
type Source struct {
	logger *slog.Logger
	uuid   uuid.UUID

	fileHandle *os.File
	decoder    *wav.Decoder
	depth      uint // source bit depth

	buf *goaudio.IntBuffer
}

// OpenSource opens a .WAV file for decoding.
func OpenSource(audioFilePath string) (*Source, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"wav source uuid", uuid,
	)

	f, err := os.Open(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error(
			"could not decode audio file",
			"audioFile", audioFilePath,
			"err", decoder.Err(),
		)
		f.Close()
		return nil, errors.New("error while decoding audio file")
	}

	logger.Debug(
		"loaded audio file",
		"audioFile", audioFilePath,
		"sampleRate", decoder.SampleRate,
		"channels", decoder.NumChans,
		"bitDepth", decoder.BitDepth,
	)

	return &Source{
		logger:     logger,
		uuid:       uuid,
		fileHandle: f,
		decoder:    decoder,
		depth:      uint(decoder.BitDepth),
	}, nil
}

func (s *Source) SampleRate() int { return int(s.decoder.SampleRate) }
func (s *Source) Channels() int   { return int(s.decoder.NumChans) }

// ReadFrames decodes up to frames frames into p as interleaved samples
// in the given canonical format. It returns the number of frames
// decoded, and io.EOF once the file is exhausted.
func (s *Source) ReadFrames(p []byte, frames int, format hostapi.SampleFormat) (int, error) {
	channels := s.Channels()
	samples := frames * channels
	if want := samples * format.Bytes(); len(p) < want {
		return 0, fmt.Errorf("buffer holds %d bytes, %d frames need %d", len(p), frames, want)
	}

	if s.buf == nil || cap(s.buf.Data) < samples {
		s.buf = &goaudio.IntBuffer{
			Format: &goaudio.Format{
				SampleRate:  s.SampleRate(),
				NumChannels: channels,
			},
			Data:           make([]int, samples),
			SourceBitDepth: int(s.depth),
		}
	}
	s.buf.Data = s.buf.Data[:samples]

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}

	// Promote file-depth integers to full-scale and store canonically.
	shift := 32 - s.depth
	width := format.Bytes()
	for i, v := range s.buf.Data[:n] {
		pcm.PutInt(p[i*width:], format, int32(v)<<shift)
	}
	return n / channels, nil
}

func (s *Source) Close() error {
	s.logger.Debug("closing wav source")
	return s.fileHandle.Close()
}

// --------------------------------------------------------------------------------
// Sink

// Sink encodes interleaved canonical samples into a 16 bit .WAV file.
// The file is only valid once Close has run.
type Sink struct {
	logger *slog.Logger
	uuid   uuid.UUID

	closeOnce  sync.Once
	fileHandle *os.File
	encoder    *wav.Encoder

	buf *goaudio.IntBuffer
}

const sinkBitDepth = 16

// CreateSink creates a .WAV file to record into.
func CreateSink(audioFilePath string, sampleRate, numChannels int) (*Sink, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"wav sink uuid", uuid,
	)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error(
			"could not create audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	encoder := wav.NewEncoder(f, sampleRate, sinkBitDepth, numChannels, 1)

	logger.Debug(
		"created audio file",
		"audioFile", audioFilePath,
		"sampleRate", sampleRate,
		"channels", numChannels,
	)

	return &Sink{
		logger:     logger,
		uuid:       uuid,
		fileHandle: f,
		encoder:    encoder,
	}, nil
}

// WriteFrames encodes frames interleaved canonical frames from p.
func (k *Sink) WriteFrames(p []byte, frames int, format hostapi.SampleFormat) error {
	samples := frames * k.encoder.NumChans
	if want := samples * format.Bytes(); len(p) < want {
		return fmt.Errorf("buffer holds %d bytes, %d frames need %d", len(p), frames, want)
	}

	if k.buf == nil || cap(k.buf.Data) < samples {
		k.buf = &goaudio.IntBuffer{
			Format: &goaudio.Format{
				SampleRate:  k.encoder.SampleRate,
				NumChannels: k.encoder.NumChans,
			},
			Data:           make([]int, samples),
			SourceBitDepth: sinkBitDepth,
		}
	}
	k.buf.Data = k.buf.Data[:samples]

	width := format.Bytes()
	for i := range k.buf.Data {
		k.buf.Data[i] = int(pcm.Int(p[i*width:], format) >> (32 - sinkBitDepth))
	}

	if err := k.encoder.Write(k.buf); err != nil {
		k.logger.Error("error while writing frames to file", "err", err)
		return err
	}
	return nil
}

// Close finalizes the file header and releases the handle.
func (k *Sink) Close() error {
	var err error
	k.closeOnce.Do(func() {
		err = k.encoder.Close()
		k.fileHandle.Sync()
		if cerr := k.fileHandle.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
