package secpath

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Load reads a tap file: a flat array of little-endian IEEE-754
// float32 values, one per tap.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secpath: read %s: %w", path, err)
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("secpath: %s is not a float32 tap file (%d bytes)", path, len(data))
	}
	taps := make([]float64, len(data)/4)
	for i := range taps {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		taps[i] = float64(math.Float32frombits(bits))
	}
	return &Model{taps: taps}, nil
}

// Save writes the taps atomically: the file is staged in the target
// directory and renamed into place, so a concurrent reader never sees
// a partial write.
func Save(path string, m *Model) error {
	data := make([]byte, len(m.taps)*4)
	for i, t := range m.taps {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(t)))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("secpath: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".secpath-*")
	if err != nil {
		return fmt.Errorf("secpath: stage %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("secpath: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("secpath: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("secpath: replace %s: %w", path, err)
	}
	return nil
}
