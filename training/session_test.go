package training

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/sleepstage/checkpoints"
	"github.com/tsawler/sleepstage/dataset"
	"github.com/tsawler/sleepstage/device"
	"github.com/tsawler/sleepstage/project"
	"github.com/tsawler/sleepstage/store"
)

func writeStudyFiles(t *testing.T, dataDir, id string, periods, spp, channels int) {
	t.Helper()
	signal := make([]float32, periods*spp*channels)
	for i := range signal {
		signal[i] = float32(i%7) * 0.1
	}
	stages := make([]int32, periods)
	for i := range stages {
		stages[i] = int32(i % 2)
	}
	if err := dataset.WriteSignal(filepath.Join(dataDir, id+".psg"), signal); err != nil {
		t.Fatalf("WriteSignal failed: %v", err)
	}
	if err := dataset.WriteHypnogram(filepath.Join(dataDir, id+".hyp"), stages); err != nil {
		t.Fatalf("WriteHypnogram failed: %v", err)
	}
}

// newTestProject lays out an initialized project directory: a top-level
// hyperparameter file, one dataset sub-config, and raw study archives for
// two train records and one validation record.
func newTestProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	confDir := filepath.Join(dir, project.DatasetConfigDirName)
	for _, d := range []string{dataDir, confDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		writeStudyFiles(t, dataDir, id, 6, 10, 2)
	}

	sub := fmt.Sprintf(`data_dir: %s
select_channels:
- EEG
- EOG
samples_per_period: 10
train_records:
- s1
- s2
val_records:
- s3
`, dataDir)
	if err := os.WriteFile(filepath.Join(confDir, "A.yaml"), []byte(sub), 0644); err != nil {
		t.Fatalf("Failed to write sub-config: %v", err)
	}

	doc := fmt.Sprintf(`fit:
  batch_size: 2
  n_epochs: 2
  periods_per_sample: 1
  learning_rate: 0.05
datasets:
  A: %s/A.yaml
`, project.DatasetConfigDirName)
	if err := os.WriteFile(project.HParamsPath(dir), []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write hparams: %v", err)
	}
	return dir
}

func freshArgs() Args {
	return Args{
		TrainQueueType:          "eager",
		ValQueueType:            "eager",
		MaxTrainSamplesPerEpoch: 8,
		Seed:                    1,
	}
}

// TestSessionFreshRun tests the full pipeline from an initialized project to
// epoch checkpoints and final weights
func TestSessionFreshRun(t *testing.T) {
	proj := newTestProject(t)
	sess := NewSession(proj, freshArgs())

	if err := sess.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	modelDir := project.ModelDir(proj)
	for _, epoch := range []int{0, 1} {
		if _, err := os.Stat(checkpoints.Path(modelDir, epoch)); err != nil {
			t.Errorf("Expected checkpoint for epoch %d: %v", epoch, err)
		}
	}

	cp, err := checkpoints.Load(filepath.Join(modelDir, "model_weights.json"))
	if err != nil {
		t.Fatalf("Expected final weights file: %v", err)
	}
	if cp.NClasses != 2 {
		t.Errorf("Expected 2 inferred classes, got %d", cp.NClasses)
	}
	if len(cp.Weights) == 0 {
		t.Error("Expected final weights to be non-empty")
	}
	if cp.Metadata.RunID != sess.RunID() {
		t.Errorf("Expected run id %s in final weights, got %s", sess.RunID(), cp.Metadata.RunID)
	}
}

// TestSessionRejectsConflictingModes tests that continued training and
// weight initialization are mutually exclusive
func TestSessionRejectsConflictingModes(t *testing.T) {
	args := freshArgs()
	args.ContinueTraining = true
	args.InitializeFrom = "weights.json"

	err := NewSession(t.TempDir(), args).Run()
	if !errors.Is(err, ErrConflictingModes) {
		t.Fatalf("Expected ErrConflictingModes, got %v", err)
	}
}

// TestSessionContinueWithoutCheckpoint tests that resuming fails before any
// data is touched when no checkpoint exists
func TestSessionContinueWithoutCheckpoint(t *testing.T) {
	proj := newTestProject(t)
	args := freshArgs()
	args.ContinueTraining = true

	err := NewSession(proj, args).Run()
	if !errors.Is(err, checkpoints.ErrNoCheckpoint) {
		t.Fatalf("Expected ErrNoCheckpoint, got %v", err)
	}
}

// TestSessionRefusesPreviousSession tests the overwrite gate on a model
// directory holding prior artifacts
func TestSessionRefusesPreviousSession(t *testing.T) {
	proj := newTestProject(t)
	if err := NewSession(proj, freshArgs()).Run(); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	err := NewSession(proj, freshArgs()).Run()
	if !errors.Is(err, ErrPreviousSession) {
		t.Fatalf("Expected ErrPreviousSession, got %v", err)
	}

	args := freshArgs()
	args.Overwrite = true
	if err := NewSession(proj, args).Run(); err != nil {
		t.Fatalf("Overwriting run failed: %v", err)
	}
}

// TestSessionContinueTraining tests resuming from the latest checkpoint
func TestSessionContinueTraining(t *testing.T) {
	proj := newTestProject(t)
	first := freshArgs()
	first.NEpochs = 1
	if err := NewSession(proj, first).Run(); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	modelDir := project.ModelDir(proj)
	if _, err := os.Stat(checkpoints.Path(modelDir, 1)); err == nil {
		t.Fatal("First run must not produce an epoch 1 checkpoint")
	}

	resume := freshArgs()
	resume.ContinueTraining = true
	resume.NEpochs = 3
	if err := NewSession(proj, resume).Run(); err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}

	// Epoch 0 came from the first run; the resumed run adds 1 and 2.
	for _, epoch := range []int{0, 1, 2} {
		if _, err := os.Stat(checkpoints.Path(modelDir, epoch)); err != nil {
			t.Errorf("Expected checkpoint for epoch %d: %v", epoch, err)
		}
	}

	cp, err := checkpoints.Load(checkpoints.Path(modelDir, 1))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.TrainingState.Epoch != 1 {
		t.Errorf("Expected resumed checkpoint at epoch 1, got %d", cp.TrainingState.Epoch)
	}
}

// TestSessionInitializeFrom tests starting a fresh run from saved weights
func TestSessionInitializeFrom(t *testing.T) {
	donor := newTestProject(t)
	if err := NewSession(donor, freshArgs()).Run(); err != nil {
		t.Fatalf("Donor run failed: %v", err)
	}

	proj := newTestProject(t)
	args := freshArgs()
	args.InitializeFrom = filepath.Join(project.ModelDir(donor), "model_weights.json")
	if err := NewSession(proj, args).Run(); err != nil {
		t.Fatalf("Initialized run failed: %v", err)
	}
}

// TestSessionDeviceCountMismatch tests that a wrong device count is terminal
func TestSessionDeviceCountMismatch(t *testing.T) {
	t.Setenv(device.VisibleDevicesEnv, "gpu0")

	proj := newTestProject(t)
	args := freshArgs()
	args.NumDevices = 2

	err := NewSession(proj, args).Run()
	if !errors.Is(err, device.ErrCountMismatch) {
		t.Fatalf("Expected ErrCountMismatch, got %v", err)
	}
}

// TestSessionForceDevices tests overriding the visible device set
func TestSessionForceDevices(t *testing.T) {
	t.Setenv(device.VisibleDevicesEnv, "")

	proj := newTestProject(t)
	args := freshArgs()
	args.ForceDevices = "gpu0,gpu1"
	args.NumDevices = 2

	if err := NewSession(proj, args).Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

// TestSessionPreprocessed tests the bulk retrieval strategy against the
// consolidated store, including the forced eager queue type
func TestSessionPreprocessed(t *testing.T) {
	proj := newTestProject(t)

	// The pre-processed hyperparameter file reuses the sub-configs; record
	// lists come from the store instead.
	doc := fmt.Sprintf(`fit:
  batch_size: 2
  n_epochs: 2
  periods_per_sample: 1
  learning_rate: 0.05
datasets:
  A: %s/A.yaml
`, project.DatasetConfigDirName)
	if err := os.WriteFile(project.PreProcessedHParamsPath(proj), []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write pre-processed hparams: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(proj, project.PreProcessedDirName), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	st, err := store.Open(project.StorePath(proj))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	for id, split := range map[string]string{"s1": store.SplitTrain, "s2": store.SplitTrain, "s3": store.SplitVal} {
		study := &dataset.Study{
			ID:               id,
			Channels:         []string{"EEG", "EOG"},
			SamplesPerPeriod: 10,
			Signal:           make([]float32, 6*10*2),
			Stages:           []int32{0, 1, 0, 1, 0, 1},
		}
		if err := st.Put("A", split, study); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	args := freshArgs()
	args.Preprocessed = true
	// Invalid bounds for a limitation queue; the pre-processed path must
	// force eager queues and never validate them.
	args.TrainQueueType = "limitation"
	args.ValQueueType = "limitation"

	if err := NewSession(proj, args).Run(); err != nil {
		t.Fatalf("Pre-processed run failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(project.ModelDir(proj), "model_weights.json")); err != nil {
		t.Errorf("Expected final weights file: %v", err)
	}
}

// TestSessionJustN tests the per-dataset study truncation flag
func TestSessionJustN(t *testing.T) {
	proj := newTestProject(t)
	args := freshArgs()
	args.Just = 1

	if err := NewSession(proj, args).Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}
