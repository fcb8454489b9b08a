package policy

import (
	"math"
	"path/filepath"
	"testing"
)

func TestRunningMeanStdConverges(t *testing.T) {
	rms := NewRunningMeanStd(2)
	for i := 0; i < 1000; i++ {
		rms.Update([][]float64{{5, -3}})
	}
	if math.Abs(rms.Mean[0]-5) > 0.01 || math.Abs(rms.Mean[1]+3) > 0.01 {
		t.Errorf("Mean = %v, want [5 -3]", rms.Mean)
	}
	if rms.Var[0] > 0.1 {
		t.Errorf("Variance of constant stream should shrink, got %v", rms.Var[0])
	}
}

func TestNormalizeObsClips(t *testing.T) {
	norm := NewNormalizer(1, 1, 0.99)
	for i := 0; i < 100; i++ {
		norm.ObserveBatch([][]float64{{1}})
	}
	out := norm.NormalizeObs([]float64{1e9})
	if out[0] != norm.ClipObs {
		t.Errorf("Extreme observation should clip to %v, got %v", norm.ClipObs, out[0])
	}
}

func TestFrozenNormalizerKeepsStatistics(t *testing.T) {
	norm := NewNormalizer(1, 1, 0.99)
	for i := 0; i < 50; i++ {
		norm.ObserveBatch([][]float64{{float64(i)}})
	}
	meanBefore := norm.Obs.Mean[0]

	norm.Training = false
	norm.ObserveBatch([][]float64{{1e6}})
	if norm.Obs.Mean[0] != meanBefore {
		t.Error("Frozen normaliser must not update statistics")
	}
}

func TestNormalizerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vec_normalize.bin")

	norm := NewNormalizer(3, 2, 0.95)
	for i := 0; i < 200; i++ {
		norm.ObserveBatch([][]float64{
			{float64(i), -float64(i), 0.5},
			{float64(i) * 2, 1, -0.5},
		})
		norm.NormalizeReward(0, float64(i%7)-3, i%50 == 0)
	}

	if err := norm.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadNormalizer(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Training || loaded.NormReward {
		t.Error("Loaded normaliser must start frozen")
	}
	for i := range norm.Obs.Mean {
		if math.Abs(loaded.Obs.Mean[i]-norm.Obs.Mean[i]) > 1e-12 {
			t.Errorf("Mean[%d] mismatch: %v vs %v", i, loaded.Obs.Mean[i], norm.Obs.Mean[i])
		}
		if math.Abs(loaded.Obs.Var[i]-norm.Obs.Var[i]) > 1e-12 {
			t.Errorf("Var[%d] mismatch: %v vs %v", i, loaded.Obs.Var[i], norm.Obs.Var[i])
		}
	}

	// Same input must normalise identically after the round trip.
	in := []float64{42, -17, 0.3}
	a := norm.NormalizeObs(in)
	b := loaded.NormalizeObs(in)
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			t.Errorf("Normalised value %d differs after round trip", i)
		}
	}
}
