package engine

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/gordonklaus/portaudio"

	"quell/internal/config"
	"quell/internal/secpath"
)

// MeasureSecondaryPath identifies the speaker-to-microphone transfer
// path: it plays uniform white noise through the control speaker while
// recording the error microphone, fits an FIR model to each run by
// least squares, and averages the runs tap by tap. The result is
// normalized to unit energy and written to cfg.SecondaryPathFile.
// PortAudio must be initialized by the caller.
func MeasureSecondaryPath(cfg config.Config) (*secpath.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Measurement plays loud noise; unlike a control session it never
	// falls back to the system default devices — both ends must be
	// named explicitly.
	if cfg.ControlDevice < 0 || cfg.RecordDevice < 0 {
		return nil, fmt.Errorf("engine: measurement requires explicit control_device and record_device (got %d, %d)",
			cfg.ControlDevice, cfg.RecordDevice)
	}
	if cfg.MeasureSeconds <= 0 {
		return nil, fmt.Errorf("engine: measure_seconds must be positive, got %g", cfg.MeasureSeconds)
	}
	if cfg.MeasureFIRLength <= 0 {
		return nil, fmt.Errorf("engine: measure_fir_length must be positive, got %d", cfg.MeasureFIRLength)
	}
	repeats := cfg.MeasureRepeats
	if repeats < 1 {
		repeats = 1
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("engine: list devices: %w", err)
	}
	in, err := resolveDevice(devices, cfg.RecordDevice, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, err
	}
	out, err := resolveDevice(devices, cfg.ControlDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, err
	}

	inChannels := cfg.ErrorInputChannel + 1
	outChannels := cfg.ControlOutputChannel + 1
	if err := checkCapacity("record device", in.Name, in.MaxInputChannels, inChannels, "input"); err != nil {
		return nil, err
	}
	if err := checkCapacity("control device", out.Name, out.MaxOutputChannels, outChannels, "output"); err != nil {
		return nil, err
	}

	blocks := ceilBlocks(cfg.MeasureSeconds, cfg.SampleRate, cfg.BlockSize)
	samples := blocks * cfg.BlockSize
	if samples < 2*cfg.MeasureFIRLength {
		return nil, fmt.Errorf("engine: measurement too short: %d samples for fir length %d", samples, cfg.MeasureFIRLength)
	}

	log.Printf("[measure] identifying secondary path: %.1f s noise x %d runs, fir=%d taps, level=%.2f",
		cfg.MeasureSeconds, repeats, cfg.MeasureFIRLength, cfg.ExcitationLevel)

	models := make([]*secpath.Model, 0, repeats)
	for run := 0; run < repeats; run++ {
		excitation := uniformNoise(samples, cfg.ExcitationLevel)
		response, err := playAndRecord(cfg, in, out, inChannels, outChannels, excitation)
		if err != nil {
			return nil, fmt.Errorf("engine: measurement run %d: %w", run+1, err)
		}
		m, err := secpath.Fit(excitation, response, cfg.MeasureFIRLength)
		if err != nil {
			return nil, fmt.Errorf("engine: measurement run %d: %w", run+1, err)
		}
		log.Printf("[measure] run %d/%d fitted", run+1, repeats)
		models = append(models, m)
	}

	model, err := secpath.Average(models)
	if err != nil {
		return nil, err
	}
	if cfg.SecondaryPathFile != "" {
		if err := secpath.Save(cfg.SecondaryPathFile, model); err != nil {
			return nil, err
		}
		log.Printf("[measure] wrote %d taps to %s", model.Len(), cfg.SecondaryPathFile)
	}
	return model, nil
}

// playAndRecord runs one write-then-read excitation pass over a duplex
// stream and returns the recorded error-microphone samples, one per
// excitation sample.
func playAndRecord(cfg config.Config, in, out *portaudio.DeviceInfo, inChannels, outChannels int, excitation []float64) ([]float64, error) {
	inBuf := make([]float32, cfg.BlockSize*inChannels)
	outBuf := make([]float32, cfg.BlockSize*outChannels)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: inChannels,
			Latency:  in.DefaultLowInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: outChannels,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.BlockSize,
	}
	stream, err := portaudio.OpenStream(params, inBuf, outBuf)
	if err != nil {
		return nil, fmt.Errorf("open duplex stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	defer stream.Stop()

	errCh := cfg.ErrorInputChannel
	ctrl := cfg.ControlOutputChannel
	response := make([]float64, len(excitation))

	for offset := 0; offset < len(excitation); offset += cfg.BlockSize {
		for i := range outBuf {
			outBuf[i] = 0
		}
		for i := 0; i < cfg.BlockSize; i++ {
			outBuf[i*outChannels+ctrl] = float32(excitation[offset+i])
		}
		if err := stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			return nil, fmt.Errorf("stream write: %w", err)
		}
		if err := stream.Read(); err != nil && err != portaudio.InputOverflowed {
			return nil, fmt.Errorf("stream read: %w", err)
		}
		for i := 0; i < cfg.BlockSize; i++ {
			response[offset+i] = float64(inBuf[i*inChannels+errCh])
		}
	}

	// Flush a zeroed block so the speaker does not hold the last
	// noise samples.
	for i := range outBuf {
		outBuf[i] = 0
	}
	stream.Write()

	return response, nil
}

// uniformNoise returns n samples drawn uniformly from [-level, level].
func uniformNoise(n int, level float64) []float64 {
	noise := make([]float64, n)
	for i := range noise {
		noise[i] = level * (2*rand.Float64() - 1)
	}
	return noise
}
