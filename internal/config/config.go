// Package config manages the control session configuration for quell.
// A Config is constructed once at startup (defaults, optionally merged
// with a JSON file and flag overrides), validated, and passed by value
// into each component's constructor. No component reads ambient global
// state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Engine names selectable via Config.Engine.
const (
	EngineFxLMS      = "fxlms"
	EngineNarrowband = "narrowband"
)

// Config holds all session parameters.
type Config struct {
	// Devices. -1 selects the system default device.
	ControlDevice   int `json:"control_device"`
	RecordDevice    int `json:"record_device"`
	ReferenceDevice int `json:"reference_device"` // playback speaker; -1 = none

	// Channel mapping. ReferenceInputChannel -1 means the reference is
	// not captured live; the reference clip drives the filter instead.
	ErrorInputChannel      int  `json:"error_input_channel"`
	ReferenceInputChannel  int  `json:"reference_input_channel"`
	ControlOutputChannel   int  `json:"control_output_channel"`
	ReferenceOutputChannel int  `json:"reference_output_channel"`
	SplitReferenceChannels bool `json:"split_reference_channels"`

	// Stream shape.
	SampleRate int `json:"sample_rate"`
	BlockSize  int `json:"block_size"`

	// Synthesis engine: "fxlms" or "narrowband", plus the fxlms
	// hot-loop kernel ("ring" or "portable").
	Engine string `json:"engine"`
	Kernel string `json:"kernel"`

	// Adaptation parameters.
	FilterLength       int     `json:"filter_length"`
	StepSize           float64 `json:"step_size"`
	Leakage            float64 `json:"leakage"`
	WeightUpdateSign   float64 `json:"weight_update_sign"` // +1 or -1
	ControlOutputGain  float64 `json:"control_output_gain"`
	ReferenceLowpassHz float64 `json:"reference_lowpass_hz"` // 0 disables
	NarrowbandInitHz   float64 `json:"narrowband_initial_hz"`

	// Adaptation gate.
	ErrorEMAAlpha    float64 `json:"error_ema_alpha"`
	AdaptHoldFrames  int     `json:"adapt_hold_frames"`
	StopThreshold    float64 `json:"stop_threshold"`
	RestartThreshold float64 `json:"restart_threshold"`

	// Baseline measurement and adaptation freeze.
	BaselineSeconds    float64 `json:"baseline_seconds"`
	FreezeAdaptation   bool    `json:"freeze_adaptation"`
	FreezeRelativeDrop float64 `json:"freeze_relative_drop"`
	FreezeMinSeconds   float64 `json:"freeze_min_seconds"`
	FreezeMinError     float64 `json:"freeze_min_error"`

	// Reference clip.
	ReferencePath  string  `json:"reference_path"`
	PlayReference  bool    `json:"play_reference"`
	LoopReference  bool    `json:"loop_reference"`
	PrerollSeconds float64 `json:"preroll_seconds"`

	// Secondary path.
	SecondaryPathFile string `json:"secondary_path_file"`

	// Secondary-path measurement.
	MeasureSeconds   float64 `json:"measure_seconds"`
	ExcitationLevel  float64 `json:"excitation_level"`
	MeasureFIRLength int     `json:"measure_fir_length"`
	MeasureRepeats   int     `json:"measure_repeats"`

	// Session limits. 0 means unlimited.
	MaxDurationSeconds float64 `json:"max_duration_seconds"`
}

// Default returns a Config populated with the stock parameters.
func Default() Config {
	return Config{
		ControlDevice:   -1,
		RecordDevice:    -1,
		ReferenceDevice: -1,

		ErrorInputChannel:      0,
		ReferenceInputChannel:  1,
		ControlOutputChannel:   0,
		ReferenceOutputChannel: 0,

		SampleRate: 48000,
		BlockSize:  64,

		Engine: EngineFxLMS,
		Kernel: "ring",

		FilterLength:      512,
		StepSize:          5e-5,
		Leakage:           1e-4,
		WeightUpdateSign:  -1,
		ControlOutputGain: 1.0,
		NarrowbandInitHz:  200.0,

		ErrorEMAAlpha:    0.05,
		AdaptHoldFrames:  50,
		StopThreshold:    0.01,
		RestartThreshold: 0.02,

		BaselineSeconds:    1.0,
		FreezeAdaptation:   true,
		FreezeRelativeDrop: 0.15,
		FreezeMinSeconds:   2.0,
		FreezeMinError:     1e-6,

		LoopReference: true,

		SecondaryPathFile: "secondary_path.f32",

		MeasureSeconds:   3.0,
		ExcitationLevel:  0.1,
		MeasureFIRLength: 256,
		MeasureRepeats:   4,
	}
}

// Load reads a JSON config file over the defaults. An empty path
// returns the defaults; a missing or malformed file is an error so a
// misconfigured session never silently falls back.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists cfg to disk, creating the directory if needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks numeric ranges and channel indices. It covers only
// what can be checked without hardware; device channel capacities are
// verified against the opened devices before any stream starts.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample rate must be positive (got %d)", c.SampleRate)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block size must be positive (got %d)", c.BlockSize)
	}
	if c.Engine != EngineFxLMS && c.Engine != EngineNarrowband {
		return fmt.Errorf("config: unknown engine %q", c.Engine)
	}
	if c.ErrorInputChannel < 0 {
		return fmt.Errorf("config: error input channel must be non-negative (got %d)", c.ErrorInputChannel)
	}
	if c.ControlOutputChannel < 0 {
		return fmt.Errorf("config: control output channel must be non-negative (got %d)", c.ControlOutputChannel)
	}
	if c.ReferenceInputChannel < 0 && c.ReferencePath == "" {
		return fmt.Errorf("config: no reference source: set reference_input_channel or reference_path")
	}
	if c.SplitReferenceChannels && c.ReferenceDevice >= 0 {
		return fmt.Errorf("config: reference_device cannot be set when split_reference_channels is enabled")
	}
	if c.StepSize <= 0 {
		return fmt.Errorf("config: step size must be positive (got %g)", c.StepSize)
	}
	if c.Leakage < 0 || c.Leakage >= 1 {
		return fmt.Errorf("config: leakage must be in [0, 1) (got %g)", c.Leakage)
	}
	if c.WeightUpdateSign != 1 && c.WeightUpdateSign != -1 {
		return fmt.Errorf("config: weight update sign must be +1 or -1 (got %g)", c.WeightUpdateSign)
	}
	if c.Engine == EngineFxLMS && c.FilterLength <= 0 {
		return fmt.Errorf("config: filter length must be positive (got %d)", c.FilterLength)
	}
	if c.ErrorEMAAlpha < 0 || c.ErrorEMAAlpha > 1 {
		return fmt.Errorf("config: error EMA alpha must be in [0, 1] (got %g)", c.ErrorEMAAlpha)
	}
	if c.AdaptHoldFrames < 1 {
		return fmt.Errorf("config: adapt hold frames must be at least 1 (got %d)", c.AdaptHoldFrames)
	}
	if c.MeasureFIRLength <= 0 {
		return fmt.Errorf("config: measurement FIR length must be positive (got %d)", c.MeasureFIRLength)
	}
	if c.MeasureRepeats < 1 {
		return fmt.Errorf("config: measurement repeats must be at least 1 (got %d)", c.MeasureRepeats)
	}
	if c.MeasureSeconds <= 0 {
		return fmt.Errorf("config: measurement duration must be positive (got %g)", c.MeasureSeconds)
	}
	if c.ExcitationLevel <= 0 || c.ExcitationLevel > 1 {
		return fmt.Errorf("config: excitation level must be in (0, 1] (got %g)", c.ExcitationLevel)
	}
	return nil
}

// LiveReference reports whether the reference is captured from the
// record device rather than served from the stored clip.
func (c Config) LiveReference() bool { return c.ReferenceInputChannel >= 0 }
