package engine

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Device describes one audio endpoint for enumeration.
type Device struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// ListDevices returns every available audio device. PortAudio must be
// initialized by the caller.
func ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("engine: list devices: %w", err)
	}
	out := make([]Device, 0, len(devices))
	for i, d := range devices {
		out = append(out, Device{
			ID:                i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// resolveDevice returns the device at idx if valid, otherwise falls
// back to the system default.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	if idx >= len(devices) {
		return nil, fmt.Errorf("engine: device index %d out of range (%d devices)", idx, len(devices))
	}
	return fallback()
}

// checkCapacity verifies that a device exposes at least the required
// number of channels. The error names the device, the requirement, and
// the device's actual capacity so a misconfigured channel is obvious at
// startup.
func checkCapacity(label, deviceName string, available, required int, direction string) error {
	if required <= 0 {
		return fmt.Errorf("engine: %s requires at least one %s channel", label, direction)
	}
	if available < required {
		return fmt.Errorf("engine: %s %q provides %d %s channel(s), but %d are required",
			label, deviceName, available, direction, required)
	}
	return nil
}
