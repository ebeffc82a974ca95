package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/halden-audio/duplexio/cmd/duplexio/config"
	"github.com/halden-audio/duplexio/internal/utils"
	"github.com/halden-audio/duplexio/pkg/driver"
	_ "github.com/halden-audio/duplexio/pkg/driver/sim"
	"github.com/halden-audio/duplexio/pkg/hostapi"
	"github.com/halden-audio/duplexio/pkg/pcm"
	"github.com/halden-audio/duplexio/pkg/stream"
	"github.com/halden-audio/duplexio/pkg/wavefile"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	listDevices := flag.Bool("listDevices", false, "List the available audio devices and exit.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	if *listDevices {
		for _, info := range hostapi.Devices() {
			fmt.Printf("%s: %d in, %d out, rates %v, preferred buffer %d frames\n",
				info.Name, info.MaxInputChannels, info.MaxOutputChannels,
				info.SupportedSampleRates, info.BufferLimits.Preferred)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("stream run failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	drv, err := driver.Load(viper.GetString("driver"))
	if err != nil {
		return err
	}
	info, err := hostapi.QueryDevice(drv)
	if err != nil {
		return err
	}
	slog.Info(
		"using device",
		"name", info.Name,
		"maxInputChannels", info.MaxInputChannels,
		"maxOutputChannels", info.MaxOutputChannels,
		"defaultSampleRate", info.DefaultSampleRate,
	)

	latency := viper.GetFloat64("latency")
	params := hostapi.StreamParameters{
		InputChannels:          min(info.MaxInputChannels, 2),
		OutputChannels:         min(info.MaxOutputChannels, 2),
		SampleRate:             viper.GetFloat64("samplerate"),
		FramesPerBuffer:        viper.GetInt("framesperbuffer"),
		SuggestedInputLatency:  latency,
		SuggestedOutputLatency: latency,
	}
	if viper.GetBool("preferdriversize") {
		params.Options = &hostapi.StreamOptions{Strategy: hostapi.PreferDriverSize}
	}

	s, err := stream.Open(drv, params, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	slog.Info(
		"stream opened",
		"framesPerHostBuffer", s.FramesPerHostBuffer(),
		"inputLatency", s.InputLatency(),
		"outputLatency", s.OutputLatency(),
	)

	produce, cleanupProducer, err := newProducer(params)
	if err != nil {
		return err
	}
	defer cleanupProducer()

	var sink *wavefile.Sink
	if path := viper.GetString("recordwav"); path != "" && params.InputChannels > 0 {
		sink, err = wavefile.CreateSink(path, int(params.SampleRate), params.InputChannels)
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	if err := s.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	playbackDone := make(chan error, 1)

	if params.OutputChannels > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			playbackDone <- playback(s, params, produce)
		}()
	}
	if params.InputChannels > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			capture(s, params, sink)
		}()
	}

	duration := time.Duration(viper.GetInt("duration")) * time.Second
	var runErr error
	select {
	case <-time.After(duration):
	case err := <-playbackDone:
		if err != nil && !errors.Is(err, io.EOF) {
			runErr = err
		}
	}

	if err := s.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	wg.Wait()

	slog.Info(
		"stream finished",
		"cpuLoad", s.CpuLoad(),
		"missedCycles", s.MissedCycles(),
	)
	return runErr
}

// playback feeds produced float blocks into the stream until the
// producer is exhausted or the stream stops.
func playback(s *stream.Stream, params hostapi.StreamParameters, produce func(frames int) ([]float32, error)) error {
	channels := params.OutputChannels
	format := s.OutputFormat()
	buf := make([]byte, 0)

	for {
		floats, err := produce(params.FramesPerBuffer)
		if err != nil {
			return err
		}
		frames := len(floats) / channels
		if frames == 0 {
			continue
		}

		need := len(floats) * format.Bytes()
		if cap(buf) < need {
			buf = make([]byte, need)
		}
		pcm.EncodeFloat32(buf[:need], floats, format)

		err = s.Write(buf[:need], frames)
		switch {
		case errors.Is(err, hostapi.ErrOutputUnderflowed):
			slog.Warn("playback underflowed")
		case errors.Is(err, hostapi.ErrStreamIsStopped):
			return nil
		case err != nil:
			return err
		}
	}
}

// capture drains captured blocks, writing them to the sink when one is
// configured.
func capture(s *stream.Stream, params hostapi.StreamParameters, sink *wavefile.Sink) {
	format := s.InputFormat()
	frames := params.FramesPerBuffer
	buf := make([]byte, frames*params.InputChannels*format.Bytes())

	for {
		err := s.Read(buf, frames)
		switch {
		case errors.Is(err, hostapi.ErrInputOverflowed):
			slog.Warn("capture overflowed")
		case errors.Is(err, hostapi.ErrStreamIsStopped), errors.Is(err, hostapi.ErrTimedOut):
			return
		case err != nil:
			slog.Error("capture read failed", "err", err)
			return
		}

		if sink != nil {
			if err := sink.WriteFrames(buf, frames, format); err != nil {
				slog.Error("recording write failed", "err", err)
				return
			}
		}
	}
}

// newProducer builds the playback source: a .WAV file, resampled to the
// stream rate when needed, or a test tone when no file is configured.
func newProducer(params hostapi.StreamParameters) (func(frames int) ([]float32, error), func(), error) {
	channels := params.OutputChannels

	if path := viper.GetString("playwav"); path != "" {
		source, err := wavefile.OpenSource(path)
		if err != nil {
			return nil, nil, err
		}
		if source.Channels() != channels {
			source.Close()
			return nil, nil, fmt.Errorf("wav file has %d channels, stream plays %d", source.Channels(), channels)
		}

		var rs *pcm.Resampler
		if source.SampleRate() != int(params.SampleRate) {
			slog.Info(
				"resampling playback",
				"fileRate", source.SampleRate(),
				"streamRate", params.SampleRate,
			)
			rs, err = pcm.NewResampler(channels, source.SampleRate(), int(params.SampleRate))
			if err != nil {
				source.Close()
				return nil, nil, err
			}
		}

		var raw []byte
		produce := func(frames int) ([]float32, error) {
			need := frames * channels * hostapi.Float32.Bytes()
			if cap(raw) < need {
				raw = make([]byte, need)
			}
			n, err := source.ReadFrames(raw[:need], frames, hostapi.Float32)
			if err != nil {
				return nil, err
			}
			out := make([]float32, n*channels)
			pcm.DecodeFloat32(out, raw[:len(out)*4], hostapi.Float32)
			if rs != nil {
				out = rs.Process(out)
			}
			return out, nil
		}
		return produce, func() { source.Close() }, nil
	}

	// Test tone fallback.
	frequency := viper.GetFloat64("tonefrequency")
	phase := 0.0
	step := 2 * math.Pi * frequency / params.SampleRate
	produce := func(frames int) ([]float32, error) {
		out := make([]float32, frames*channels)
		for f := 0; f < frames; f++ {
			v := float32(math.Sin(phase)) * 0.5
			phase += step
			for c := 0; c < channels; c++ {
				out[f*channels+c] = v
			}
		}
		return out, nil
	}
	return produce, func() {}, nil
}
