package secpath

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty tap set")
	}
}

func TestNewCopiesTaps(t *testing.T) {
	taps := []float64{1, 2, 3}
	m, err := New(taps)
	if err != nil {
		t.Fatal(err)
	}
	taps[0] = 99
	if got := m.Taps()[0]; got != 1 {
		t.Errorf("Model aliased the caller's slice: tap 0 = %g", got)
	}
}

func TestDelta(t *testing.T) {
	m := Delta(8)
	if m.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", m.Len())
	}
	taps := m.Taps()
	if taps[0] != 1 {
		t.Errorf("tap 0 = %g, want 1", taps[0])
	}
	for i := 1; i < len(taps); i++ {
		if taps[i] != 0 {
			t.Errorf("tap %d = %g, want 0", i, taps[i])
		}
	}
	if got := m.Energy(); got != 1 {
		t.Errorf("Energy() = %g, want 1", got)
	}
	if Delta(0).Len() != 1 {
		t.Error("Delta should clamp length to at least 1")
	}
}

// TestFitRecovers generates a response through a known FIR relation and
// checks Fit returns the taps up to the unit-energy normalization.
func TestFitRecovers(t *testing.T) {
	const (
		firLength = 8
		samples   = 4096
	)
	trueTaps := []float64{0.5, -0.3, 0.2, 0.1, 0, 0, 0.05, -0.02}

	rng := rand.New(rand.NewSource(42))
	excitation := make([]float64, samples)
	for i := range excitation {
		excitation[i] = 2*rng.Float64() - 1
	}

	// Response in exactly the relation Fit models: the sample at
	// firLength+r is the tap-weighted window starting at r.
	response := make([]float64, samples)
	for r := 0; r < samples-firLength; r++ {
		var y float64
		for c, h := range trueTaps {
			y += h * excitation[c+r]
		}
		response[firLength+r] = y
	}

	m, err := Fit(excitation, response, firLength)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	var energy float64
	for _, h := range trueTaps {
		energy += h * h
	}
	energy = math.Sqrt(energy)

	got := m.Taps()
	for i, h := range trueTaps {
		want := h / energy
		if math.Abs(got[i]-want) > 1e-6 {
			t.Errorf("tap %d = %g, want %g", i, got[i], want)
		}
	}
	if norm := m.Energy(); math.Abs(norm-1) > 1e-9 {
		t.Errorf("Energy() = %g, want 1 after normalization", norm)
	}
}

func TestFitRejectsShortInput(t *testing.T) {
	if _, err := Fit(make([]float64, 10), make([]float64, 10), 8); err == nil {
		t.Error("expected error when excitation barely covers the filter")
	}
	if _, err := Fit(make([]float64, 100), make([]float64, 50), 8); err == nil {
		t.Error("expected error when response is shorter than excitation")
	}
	if _, err := Fit(make([]float64, 100), make([]float64, 100), 0); err == nil {
		t.Error("expected error for non-positive fir length")
	}
}

func TestAverage(t *testing.T) {
	a, _ := New([]float64{1, 0})
	b, _ := New([]float64{0, 1})
	m, err := Average([]*Model{a, b})
	if err != nil {
		t.Fatalf("Average: %v", err)
	}
	taps := m.Taps()
	if math.Abs(taps[0]-taps[1]) > 1e-12 {
		t.Errorf("expected symmetric average, got %v", taps)
	}
	if norm := m.Energy(); math.Abs(norm-1) > 1e-9 {
		t.Errorf("Energy() = %g, want 1 after re-normalization", norm)
	}

	if _, err := Average(nil); err == nil {
		t.Error("expected error for empty model list")
	}
	c, _ := New([]float64{1, 2, 3})
	if _, err := Average([]*Model{a, c}); err == nil {
		t.Error("expected error for mismatched tap counts")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "secondary.taps")

	m, err := New([]float64{0.25, -0.5, 0.125, 1.0 / 3.0})
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(path, m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := m.Taps()
	got := loaded.Taps()
	if len(got) != len(want) {
		t.Fatalf("loaded %d taps, want %d", len(got), len(want))
	}
	for i := range want {
		// Storage is float32; the round trip must be exact at that
		// precision.
		if float32(got[i]) != float32(want[i]) {
			t.Errorf("tap %d: %g != %g", i, got[i], want[i])
		}
	}
}

func TestSaveLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secondary.taps")
	if err := Save(path, Delta(4)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "secondary.taps" {
		t.Errorf("unexpected directory contents: %v", entries)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.taps")); err == nil {
		t.Error("expected error for missing file")
	}

	odd := filepath.Join(dir, "odd.taps")
	if err := os.WriteFile(odd, []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(odd); err == nil {
		t.Error("expected error for a length not divisible by 4")
	}

	empty := filepath.Join(dir, "empty.taps")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(empty); err == nil {
		t.Error("expected error for an empty file")
	}
}
