// Package engine owns the duplex audio session that drives the
// adaptive control loop.
//
// Concurrency model: one block-processing goroutine owns every piece of
// filter state and is paced solely by the audio driver's buffer
// exchange — it takes no locks, performs no allocation, and never logs.
// The Run caller acts as the monitor goroutine, polling published
// metrics at a coarse interval for logging and for the baseline/freeze
// bookkeeping, and an optional third goroutine loops the stored
// reference clip to its own loudspeaker. Stop is cooperative: a flag
// checked at block boundaries, after which the processing goroutine
// emits one final zeroed block and exits.
package engine

import (
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"quell/internal/config"
	"quell/internal/dsp"
	"quell/internal/gate"
	"quell/internal/metrics"
	"quell/internal/refclip"
	"quell/internal/secpath"
	"quell/internal/session"
)

const (
	// monitorInterval is the cadence of the non-real-time monitor loop.
	monitorInterval = 50 * time.Millisecond
	// logInterval is how often the monitor emits a status line.
	logInterval = 500 * time.Millisecond
	// metricsDepth is the buffered-stream depth of the diagnostics feed.
	metricsDepth = 256
	// fallbackSecondaryTaps is the placeholder model length used when
	// no identification has been run yet.
	fallbackSecondaryTaps = 8
)

// Session is a configured duplex control session. Create with
// NewSession, drive with Run, stop with Stop (or let the duration or
// reference clip end it).
type Session struct {
	cfg   config.Config
	synth BlockSynthesizer
	gate  *gate.Gate
	drv   *session.Driver
	lp    *dsp.LowPass
	diag  *metrics.Channel

	// Reference clip state; signal is nil when the reference is live.
	signal   []float32
	clip     *refclip.Clip
	playback *refPlayback

	stream      *portaudio.Stream
	inBuf       []float32 // interleaved, blockSize * inChannels
	outBuf      []float32 // interleaved, blockSize * outChannels
	inChannels  int
	outChannels int

	refBlock   []float32
	adaptBlock []float32
	errBlock   []float32
	outBlock   []float32

	// adaptAllowed is written by the monitor goroutine (baseline and
	// freeze decisions) and read by the processing goroutine; gateOpen
	// flows the other way, for the status log only.
	adaptAllowed  atomic.Bool
	gateOpen      atomic.Bool
	running       atomic.Bool
	overflowSeen  atomic.Bool
	underflowSeen atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	fatalErr chan error

	blockIdx int
}

// NewSession validates cfg, loads the secondary-path model and the
// reference clip, and builds the synthesis engine. Every configuration
// error surfaces here, before any stream is opened.
func NewSession(cfg config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secondary, err := loadSecondary(cfg)
	if err != nil {
		return nil, err
	}

	var signal []float32
	if cfg.ReferencePath != "" {
		var rate int
		signal, rate, err = refclip.LoadWAV(cfg.ReferencePath)
		if err != nil {
			return nil, err
		}
		if rate != cfg.SampleRate {
			return nil, fmt.Errorf("engine: reference clip rate %d Hz does not match session rate %d Hz; resample the file",
				rate, cfg.SampleRate)
		}
	}
	if !cfg.LiveReference() && len(signal) == 0 {
		return nil, fmt.Errorf("engine: no live reference channel and no reference clip configured")
	}

	synth, err := newSynthesizer(cfg, secondary)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		synth:      synth,
		gate:       gate.New(cfg.ErrorEMAAlpha, cfg.StopThreshold, cfg.RestartThreshold, cfg.AdaptHoldFrames),
		lp:         dsp.NewLowPass(cfg.ReferenceLowpassHz, float64(cfg.SampleRate)),
		diag:       metrics.NewChannel(metricsDepth),
		signal:     signal,
		refBlock:   make([]float32, cfg.BlockSize),
		adaptBlock: make([]float32, cfg.BlockSize),
		errBlock:   make([]float32, cfg.BlockSize),
		outBlock:   make([]float32, cfg.BlockSize),
		stopCh:     make(chan struct{}),
		fatalErr:   make(chan error, 1),
	}
	if !cfg.LiveReference() {
		s.clip = refclip.NewClip(signal, cfg.LoopReference)
	}
	s.gateOpen.Store(true) // gates start enabled
	return s, nil
}

// loadSecondary reads the configured tap file, or falls back to a unit
// impulse when the file does not exist yet (identification has not been
// run). A file that exists but cannot be parsed is a configuration
// error.
func loadSecondary(cfg config.Config) (*secpath.Model, error) {
	if cfg.Engine != config.EngineFxLMS {
		return secpath.Delta(fallbackSecondaryTaps), nil
	}
	if cfg.SecondaryPathFile == "" {
		return secpath.Delta(fallbackSecondaryTaps), nil
	}
	if _, err := os.Stat(cfg.SecondaryPathFile); os.IsNotExist(err) {
		log.Printf("[engine] secondary path %s not found; using unit impulse (run `quell measure`)",
			cfg.SecondaryPathFile)
		return secpath.Delta(fallbackSecondaryTaps), nil
	}
	return secpath.Load(cfg.SecondaryPathFile)
}

// Metrics exposes the diagnostics feed for external consumers.
func (s *Session) Metrics() *metrics.Channel { return s.diag }

// Stop requests a cooperative shutdown. Safe to call from any
// goroutine, any number of times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
	})
}

// fail records the first fatal stream error and requests shutdown.
func (s *Session) fail(err error) {
	select {
	case s.fatalErr <- err:
	default:
	}
	s.Stop()
}

// Run opens the streams, starts the processing goroutine, and blocks
// in the monitor loop until the session stops: by Stop, by the
// configured maximum duration, by a non-looping reference clip running
// out, or by a fatal stream error. Devices are closed deterministically
// on every exit path. PortAudio must be initialized by the caller.
func (s *Session) Run() error {
	if err := s.openStream(); err != nil {
		return err
	}
	defer func() {
		s.stream.Close()
		s.stream = nil
	}()

	if s.cfg.PlayReference && s.cfg.ReferenceDevice >= 0 && !s.cfg.SplitReferenceChannels {
		pb, err := startReferencePlayback(s.cfg, s.signal)
		if err != nil {
			return err
		}
		s.playback = pb
		defer s.playback.stop()
	}

	if s.cfg.PrerollSeconds > 0 {
		time.Sleep(time.Duration(s.cfg.PrerollSeconds * float64(time.Second)))
	}

	now := time.Now()
	s.drv = session.New(session.Config{
		BaselineSeconds: s.cfg.BaselineSeconds,
		FreezeEnabled:   s.cfg.FreezeAdaptation,
		RelativeDrop:    s.cfg.FreezeRelativeDrop,
		MinSeconds:      s.cfg.FreezeMinSeconds,
		MinError:        s.cfg.FreezeMinError,
	}, now)
	s.adaptAllowed.Store(s.drv.AdaptationEnabled())

	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("engine: start stream: %w", err)
	}
	defer s.stream.Stop()

	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processLoop()
	}()

	log.Printf("[engine] session started: engine=%s rate=%d block=%d phase=%s",
		s.cfg.Engine, s.cfg.SampleRate, s.cfg.BlockSize, s.drv.Phase())
	if s.drv.Phase() == session.PhaseBaseline {
		log.Printf("[engine] capturing baseline noise for %.2f s before enabling adaptation", s.cfg.BaselineSeconds)
	}

	s.monitor(now)

	s.wg.Wait()
	log.Printf("[engine] session stopped after %d blocks", s.blockIdx)

	select {
	case err := <-s.fatalErr:
		return err
	default:
		return nil
	}
}

// monitor is the non-real-time loop: baseline/freeze bookkeeping,
// one-time transient-error reporting, periodic status logging, and the
// session duration limit.
func (s *Session) monitor(start time.Time) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var (
		lastLog         time.Time
		overflowLogged  bool
		underflowLogged bool
		prevPhase       = s.drv.Phase()
	)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		now := time.Now()

		if sample, ok := s.diag.Latest(); ok {
			s.drv.Observe(now, sample.ErrorRMS)
			s.adaptAllowed.Store(s.drv.AdaptationEnabled())

			if phase := s.drv.Phase(); phase != prevPhase {
				switch phase {
				case session.PhaseActive:
					log.Printf("[engine] baseline captured (err_rms=%.6f); enabling adaptation", s.drv.BaselineError())
				case session.PhaseFrozen:
					log.Printf("[engine] freezing adaptation: err_rms improved from %.6f to %.6f (%.1f%% drop)",
						s.drv.BaselineError(), s.drv.BestError(), s.drv.Improvement()*100)
				}
				prevPhase = phase
			}

			if now.Sub(lastLog) >= logInterval {
				status := ""
				switch s.drv.Phase() {
				case session.PhaseBaseline:
					status = " [baseline]"
				case session.PhaseFrozen:
					status = " [frozen]"
				default:
					if !s.gateOpen.Load() {
						status = " [gated]"
					}
				}
				if freq := sample.FreqHz; freq > 0 {
					log.Printf("[engine] freq=%.1f Hz |w|=%.4f | ref=%.6f err=%.6f out=%.6f%s",
						freq, sample.WeightNorm, sample.ReferenceRMS, sample.ErrorRMS, sample.OutputRMS, status)
				} else {
					log.Printf("[engine] |w|=%.4f | ref=%.6f err=%.6f out=%.6f%s",
						sample.WeightNorm, sample.ReferenceRMS, sample.ErrorRMS, sample.OutputRMS, status)
				}
				lastLog = now
			}
		}

		if s.overflowSeen.Load() && !overflowLogged {
			log.Printf("[engine] input overflow reported by driver; continuing")
			overflowLogged = true
		}
		if s.underflowSeen.Load() && !underflowLogged {
			log.Printf("[engine] output underflow reported by driver; continuing")
			underflowLogged = true
		}

		if s.cfg.MaxDurationSeconds > 0 && now.Sub(start).Seconds() >= s.cfg.MaxDurationSeconds {
			log.Printf("[engine] maximum duration %.1f s reached", s.cfg.MaxDurationSeconds)
			s.Stop()
			return
		}
	}
}

// processLoop is the real-time path. It must not block on anything but
// the stream's own buffer exchange and must not allocate or log.
func (s *Session) processLoop() {
	errCh := s.cfg.ErrorInputChannel
	refCh := s.cfg.ReferenceInputChannel
	live := s.cfg.LiveReference()
	mixReference := s.cfg.PlayReference && !live && s.cfg.ReferenceDevice < 0 && !s.cfg.SplitReferenceChannels
	gain := float32(s.cfg.ControlOutputGain)

	for s.running.Load() {
		if err := s.stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				// Block still carries whatever data the driver had;
				// process it and keep going.
				s.overflowSeen.Store(true)
			} else {
				s.fail(fmt.Errorf("engine: stream read: %w", err))
				return
			}
		}

		for i := 0; i < s.cfg.BlockSize; i++ {
			s.errBlock[i] = s.inBuf[i*s.inChannels+errCh]
		}
		if live {
			for i := 0; i < s.cfg.BlockSize; i++ {
				s.refBlock[i] = s.inBuf[i*s.inChannels+refCh]
			}
		} else {
			if !s.clip.NextBlock(s.refBlock) {
				// Non-looping clip exhausted: finish the session.
				s.Stop()
			}
		}

		s.lp.Apply(s.adaptBlock, s.refBlock)

		errRMS := dsp.RMS(s.errBlock)
		// The gate observes every block so its EMA stays current even
		// while the session driver has adaptation off.
		gateOpen := s.gate.Observe(errRMS)
		s.gateOpen.Store(gateOpen)
		adapt := gateOpen && s.adaptAllowed.Load()

		s.synth.Process(s.adaptBlock, s.errBlock, s.outBlock, adapt)
		refRMS, _, outRMS := s.synth.BlockRMS()

		ctrl := s.cfg.ControlOutputChannel
		zero32(s.outBuf)
		if s.cfg.SplitReferenceChannels {
			refOut := s.cfg.ReferenceOutputChannel
			for i := 0; i < s.cfg.BlockSize; i++ {
				if s.cfg.PlayReference && !live {
					s.outBuf[i*s.outChannels+refOut] = dsp.Clamp32(s.refBlock[i])
				}
				s.outBuf[i*s.outChannels+ctrl] = dsp.Clamp32(gain * s.outBlock[i])
			}
		} else {
			for i := 0; i < s.cfg.BlockSize; i++ {
				v := gain * s.outBlock[i]
				if mixReference {
					v += s.refBlock[i]
				}
				s.outBuf[i*s.outChannels+ctrl] = dsp.Clamp32(v)
			}
		}

		s.diag.Publish(metrics.Sample{
			Block:        s.blockIdx,
			ErrorRMS:     errRMS,
			ReferenceRMS: refRMS,
			OutputRMS:    outRMS,
			StepSize:     s.cfg.StepSize,
			FreqHz:       s.synth.Frequency(),
			WeightNorm:   s.synth.WeightNorm(),
		})

		if err := s.stream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				s.underflowSeen.Store(true)
			} else {
				s.fail(fmt.Errorf("engine: stream write: %w", err))
				return
			}
		}
		s.blockIdx++
	}

	// One last zeroed block so the converter does not hold the final
	// anti-noise samples.
	zero32(s.outBuf)
	s.stream.Write()
}

// openStream resolves devices, validates channel capacities, and opens
// the duplex stream. Nothing is opened if any validation fails.
func (s *Session) openStream() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("engine: list devices: %w", err)
	}

	in, err := resolveDevice(devices, s.cfg.RecordDevice, portaudio.DefaultInputDevice)
	if err != nil {
		return err
	}
	out, err := resolveDevice(devices, s.cfg.ControlDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	s.inChannels = s.cfg.ErrorInputChannel + 1
	if s.cfg.LiveReference() && s.cfg.ReferenceInputChannel+1 > s.inChannels {
		s.inChannels = s.cfg.ReferenceInputChannel + 1
	}
	s.outChannels = s.cfg.ControlOutputChannel + 1
	if s.cfg.SplitReferenceChannels && s.cfg.ReferenceOutputChannel+1 > s.outChannels {
		s.outChannels = s.cfg.ReferenceOutputChannel + 1
	}

	if err := checkCapacity("record device", in.Name, in.MaxInputChannels, s.inChannels, "input"); err != nil {
		return err
	}
	if err := checkCapacity("control device", out.Name, out.MaxOutputChannels, s.outChannels, "output"); err != nil {
		return err
	}

	s.inBuf = make([]float32, s.cfg.BlockSize*s.inChannels)
	s.outBuf = make([]float32, s.cfg.BlockSize*s.outChannels)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: s.inChannels,
			Latency:  in.DefaultLowInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: s.outChannels,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      float64(s.cfg.SampleRate),
		FramesPerBuffer: s.cfg.BlockSize,
	}
	stream, err := portaudio.OpenStream(params, s.inBuf, s.outBuf)
	if err != nil {
		return fmt.Errorf("engine: open duplex stream (in=%s out=%s): %w", in.Name, out.Name, err)
	}
	s.stream = stream
	log.Printf("[engine] duplex stream open: in=%s (%dch) out=%s (%dch)",
		in.Name, s.inChannels, out.Name, s.outChannels)
	return nil
}

func zero32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// ceilBlocks returns how many whole blocks cover the given duration.
func ceilBlocks(seconds float64, sampleRate, blockSize int) int {
	samples := seconds * float64(sampleRate)
	return int(math.Ceil(samples / float64(blockSize)))
}
