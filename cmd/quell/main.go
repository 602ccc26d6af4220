// Command quell runs an adaptive feedforward noise-control session:
// it reads an error microphone, synthesizes anti-noise through a
// control speaker, and adapts the controller online.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/gordonklaus/portaudio"
	"gonum.org/v1/gonum/dsp/fourier"

	"quell/internal/config"
	"quell/internal/engine"
	"quell/internal/secpath"
)

var version = "0.1.0"

// CLI defines the command-line interface.
type CLI struct {
	Config  string           `short:"c" type:"path" help:"Path to JSON config file (optional; built-in defaults otherwise)"`
	Version kong.VersionFlag `short:"v" help:"Show version information"`

	Run     RunCmd     `cmd:"" default:"1" help:"Run a noise-control session"`
	Measure MeasureCmd `cmd:"" help:"Identify the secondary path with a noise excitation"`
	Devices DevicesCmd `cmd:"" help:"List audio devices"`
	Inspect InspectCmd `cmd:"" help:"Summarize a stored secondary-path model"`
}

func (c *CLI) loadConfig() (config.Config, error) {
	if c.Config == "" {
		return config.Default(), nil
	}
	return config.Load(c.Config)
}

// RunCmd starts a control session and blocks until the session ends or
// an interrupt arrives.
type RunCmd struct {
	Engine   string  `help:"Override the engine (fxlms or narrowband)"`
	Duration float64 `help:"Override the maximum session duration in seconds (0 = unlimited)" default:"-1"`
}

func (r *RunCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if r.Engine != "" {
		cfg.Engine = r.Engine
	}
	if r.Duration >= 0 {
		cfg.MaxDurationSeconds = r.Duration
	}

	sess, err := engine.NewSession(cfg)
	if err != nil {
		return err
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Printf("[quell] interrupt received, stopping")
		sess.Stop()
	}()

	return sess.Run()
}

// MeasureCmd plays white noise through the control speaker and fits an
// FIR model of the speaker-to-microphone path.
type MeasureCmd struct {
	Output string `short:"o" type:"path" help:"Override the output tap file"`
}

func (m *MeasureCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if m.Output != "" {
		cfg.SecondaryPathFile = m.Output
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	model, err := engine.MeasureSecondaryPath(cfg)
	if err != nil {
		return err
	}
	printModelSummary(model, cfg.SampleRate)
	return nil
}

// DevicesCmd lists every audio device PortAudio can see.
type DevicesCmd struct{}

func (d *DevicesCmd) Run(cli *CLI) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := engine.ListDevices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		fmt.Printf("%3d: %-40s in=%d out=%d rate=%.0f\n",
			dev.ID, dev.Name, dev.MaxInputChannels, dev.MaxOutputChannels, dev.DefaultSampleRate)
	}
	return nil
}

// InspectCmd prints a summary of a stored secondary-path model.
type InspectCmd struct {
	File string `arg:"" optional:"" type:"path" help:"Tap file to inspect (defaults to the configured one)"`
}

func (i *InspectCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	path := i.File
	if path == "" {
		path = cfg.SecondaryPathFile
	}
	if path == "" {
		return fmt.Errorf("no secondary-path file configured or given")
	}

	model, err := secpath.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("file: %s\n", path)
	printModelSummary(model, cfg.SampleRate)
	return nil
}

// printModelSummary reports tap count, energy, the strongest tap, and
// the dominant frequency of the model's magnitude response.
func printModelSummary(model *secpath.Model, sampleRate int) {
	taps := model.Taps()
	peakIdx := 0
	for i, t := range taps {
		if abs(t) > abs(taps[peakIdx]) {
			peakIdx = i
		}
	}

	// Zero-pad to a longer FFT for a usable frequency resolution.
	n := 4096
	for n < 2*len(taps) {
		n *= 2
	}
	padded := make([]float64, n)
	copy(padded, taps)
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, padded)

	domBin := 1
	domMag := 0.0
	for bin := 1; bin < len(coeffs); bin++ {
		if mag := magSquared(coeffs[bin]); mag > domMag {
			domMag = mag
			domBin = bin
		}
	}
	domHz := fft.Freq(domBin) * float64(sampleRate)

	fmt.Printf("taps: %d\n", model.Len())
	fmt.Printf("energy: %.6f\n", model.Energy())
	fmt.Printf("peak tap: %d (%.6f, %.3f ms)\n", peakIdx, taps[peakIdx],
		1000*float64(peakIdx)/float64(sampleRate))
	fmt.Printf("dominant frequency: %.1f Hz\n", domHz)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func magSquared(c complex128) float64 {
	re, im := real(c), imag(c)
	return re*re + im*im
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("quell"),
		kong.Description("Adaptive feedforward active noise control"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(cli); err != nil {
		log.Fatalf("[quell] %v", err)
	}
}
