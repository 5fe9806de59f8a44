package model

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/tsawler/sleepstage/hparams"
	"github.com/tsawler/sleepstage/sequence"
)

func buildHParams(t *testing.T, withBuild bool) *hparams.HParams {
	t.Helper()
	hp := hparams.New(filepath.Join(t.TempDir(), "hparams.yaml"))
	if err := hp.Set("/fit/learning_rate", 0.1, false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if withBuild {
		if err := hp.Set("/build/n_classes", 2, false); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := hp.Set("/build/batch_shape", []int{4, 1, 5, 1}, false); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	return hp
}

// separableBatch builds a linearly separable two-class batch: class 0 has
// negative features, class 1 positive.
func separableBatch(rng *rand.Rand, size int) *sequence.Batch {
	features := 5
	x := make([]float32, size*features)
	y := make([]int32, size)
	for i := 0; i < size; i++ {
		sign := float32(-1)
		if rng.Intn(2) == 1 {
			sign = 1
			y[i] = 1
		}
		for f := 0; f < features; f++ {
			x[i*features+f] = sign * (0.5 + rng.Float32())
		}
	}
	return &sequence.Batch{X: x, Y: y, Size: size}
}

// TestBuildRequiresGeneratorDerivedValues tests the hard ordering
// dependency on the build group
func TestBuildRequiresGeneratorDerivedValues(t *testing.T) {
	hp := buildHParams(t, false)
	if _, err := Build(hp, nil); err == nil {
		t.Fatal("Expected build failure without n_classes/batch_shape")
	}
}

// TestLinearLearnsSeparableData tests that the reference model reduces loss
// and reaches high accuracy on trivially separable data
func TestLinearLearnsSeparableData(t *testing.T) {
	hp := buildHParams(t, true)
	rng := rand.New(rand.NewSource(9))

	m, err := Build(hp, rng)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if m.NumClasses() != 2 {
		t.Fatalf("Expected 2 classes, got %d", m.NumClasses())
	}

	first, err := m.TrainStep(separableBatch(rng, 4))
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	var last float64
	for i := 0; i < 200; i++ {
		last, err = m.TrainStep(separableBatch(rng, 4))
		if err != nil {
			t.Fatalf("TrainStep failed: %v", err)
		}
	}
	if last >= first {
		t.Errorf("Expected loss to decrease: first %.4f, last %.4f", first, last)
	}

	_, acc, err := m.Evaluate(separableBatch(rng, 64))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if acc < 0.9 {
		t.Errorf("Expected accuracy >= 0.9 on separable data, got %.2f", acc)
	}
}

// TestWeightsRoundTrip tests parameter export and import
func TestWeightsRoundTrip(t *testing.T) {
	hp := buildHParams(t, true)
	rng := rand.New(rand.NewSource(1))

	m1, err := Build(hp, rng)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := m1.TrainStep(separableBatch(rng, 4)); err != nil {
			t.Fatalf("TrainStep failed: %v", err)
		}
	}

	m2, err := Build(hp, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := m2.SetWeights(m1.Weights()); err != nil {
		t.Fatalf("SetWeights failed: %v", err)
	}

	eval := separableBatch(rand.New(rand.NewSource(3)), 32)
	l1, a1, err := m1.Evaluate(eval)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	l2, a2, err := m2.Evaluate(eval)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if l1 != l2 || a1 != a2 {
		t.Errorf("Expected identical evaluation after weight transfer: (%.4f, %.2f) vs (%.4f, %.2f)", l1, a1, l2, a2)
	}

	if err := m2.SetWeights([]float32{1, 2, 3}); err == nil {
		t.Error("Expected error for mismatched weight vector")
	}
}

// TestLabelOutsideClasses tests the out-of-range label guard
func TestLabelOutsideClasses(t *testing.T) {
	hp := buildHParams(t, true)
	m, err := Build(hp, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	bad := &sequence.Batch{X: make([]float32, 5), Y: []int32{7}, Size: 1}
	if _, err := m.TrainStep(bad); err == nil {
		t.Error("Expected error for label outside the class range")
	}
}
