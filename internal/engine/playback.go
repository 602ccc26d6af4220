package engine

import (
	"fmt"
	"log"
	"sync"

	"github.com/gordonklaus/portaudio"

	"quell/internal/config"
	"quell/internal/dsp"
	"quell/internal/refclip"
)

// refPlayback loops the stored reference clip to its own output device,
// independent of the duplex control stream. Used in two-speaker setups
// where a separate loudspeaker produces the disturbance.
type refPlayback struct {
	stream   *portaudio.Stream
	clip     *refclip.Clip
	buf      []float32
	channels int
	channel  int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// startReferencePlayback opens an output stream on cfg.ReferenceDevice
// and starts the playback goroutine. The clip always loops here; a
// playback speaker that goes silent mid-session would just measure the
// room, not end the session.
func startReferencePlayback(cfg config.Config, signal []float32) (*refPlayback, error) {
	if len(signal) == 0 {
		return nil, fmt.Errorf("engine: reference playback requested but no reference clip is loaded")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("engine: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, cfg.ReferenceDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, err
	}

	channels := cfg.ReferenceOutputChannel + 1
	if err := checkCapacity("reference device", dev.Name, dev.MaxOutputChannels, channels, "output"); err != nil {
		return nil, err
	}

	p := &refPlayback{
		clip:     refclip.NewClip(signal, true),
		buf:      make([]float32, cfg.BlockSize*channels),
		channels: channels,
		channel:  cfg.ReferenceOutputChannel,
		stopCh:   make(chan struct{}),
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.BlockSize,
	}
	p.stream, err = portaudio.OpenStream(params, p.buf)
	if err != nil {
		return nil, fmt.Errorf("engine: open reference playback stream on %s: %w", dev.Name, err)
	}
	if err := p.stream.Start(); err != nil {
		p.stream.Close()
		return nil, fmt.Errorf("engine: start reference playback: %w", err)
	}
	log.Printf("[engine] reference playback started on %s (channel %d)", dev.Name, p.channel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(cfg.BlockSize)
	}()
	return p, nil
}

func (p *refPlayback) loop(blockSize int) {
	block := make([]float32, blockSize)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.clip.NextBlock(block)
		for i := range p.buf {
			p.buf[i] = 0
		}
		for i := 0; i < blockSize; i++ {
			p.buf[i*p.channels+p.channel] = dsp.Clamp32(block[i])
		}
		if err := p.stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			log.Printf("[engine] reference playback stopped: %v", err)
			return
		}
	}
}

// stop ends the playback goroutine and closes the stream. Safe to call
// once; returns after the device is released.
func (p *refPlayback) stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.stream.Stop()
	p.stream.Close()
}
