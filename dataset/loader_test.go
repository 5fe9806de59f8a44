package dataset

import (
	"path/filepath"
	"testing"
)

// writeStudyFiles authors a small archive: 2 periods, 3 samples per period,
// 2 channels.
func writeStudyFiles(t *testing.T, dir, id string, stages []int32, spp, channels int) Pair {
	t.Helper()
	signal := make([]float32, len(stages)*spp*channels)
	for i := range signal {
		signal[i] = float32(i) * 0.5
	}
	pair := Pair{
		ID:      id,
		PSGPath: filepath.Join(dir, id+".psg"),
		HypPath: filepath.Join(dir, id+".hyp"),
	}
	if err := WriteSignal(pair.PSGPath, signal); err != nil {
		t.Fatalf("WriteSignal failed: %v", err)
	}
	if err := WriteHypnogram(pair.HypPath, stages); err != nil {
		t.Fatalf("WriteHypnogram failed: %v", err)
	}
	return pair
}

// TestRawLoaderLoad tests loading a study from archive files
func TestRawLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	pair := writeStudyFiles(t, dir, "s1", []int32{0, 2}, 3, 2)

	d, err := NewDataset("A", []string{"EEG", "EOG"}, 3, []Pair{pair})
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}

	study, err := NewRawLoader().Load(d, pair)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if study.Periods() != 2 {
		t.Errorf("Expected 2 periods, got %d", study.Periods())
	}
	if len(study.Signal) != 2*3*2 {
		t.Errorf("Expected 12 signal samples, got %d", len(study.Signal))
	}
	if study.Stages[1] != 2 {
		t.Errorf("Expected stage 2 at period 1, got %d", study.Stages[1])
	}
	if study.Signal[3] != 1.5 {
		t.Errorf("Expected signal value 1.5 at index 3, got %f", study.Signal[3])
	}
}

// TestRawLoaderShapeMismatch tests that a short signal file is rejected
func TestRawLoaderShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	pair := writeStudyFiles(t, dir, "s1", []int32{0, 2}, 3, 2)

	// Dataset claims 3 channels but the file was written with 2
	d, err := NewDataset("A", []string{"EEG", "EOG", "EMG"}, 3, []Pair{pair})
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}

	if _, err := NewRawLoader().Load(d, pair); err == nil {
		t.Fatal("Expected shape mismatch error")
	}
}
