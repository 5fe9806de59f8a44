// Package checkpoints persists model weight snapshots during and after
// training, and locates the most recent snapshot for continued training.
package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrNoCheckpoint is returned when continued training is requested but no
// checkpoint exists in the model directory.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Checkpoint represents a complete model state: weights plus training
// progress and metadata.
type Checkpoint struct {
	// Model shape
	NClasses   int   `json:"n_classes"`
	BatchShape []int `json:"batch_shape"`

	// Flat parameter vector as produced by Model.Weights
	Weights []float32 `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Metadata
	Metadata Metadata `json:"metadata"`
}

// TrainingState captures the training progress at snapshot time.
type TrainingState struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss,omitempty"`
	BestLoss  float64 `json:"best_loss"`
}

// Metadata contains checkpoint metadata.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

const checkpointPrefix = "checkpoint_epoch_"

// Path returns the checkpoint file path for an epoch inside a model
// directory.
func Path(modelDir string, epoch int) string {
	return filepath.Join(modelDir, fmt.Sprintf("%s%04d.json", checkpointPrefix, epoch))
}

// Save writes a checkpoint to path in JSON format.
func Save(cp *Checkpoint, path string) error {
	if cp.Metadata.Framework == "" {
		cp.Metadata.Framework = "sleepstage"
		cp.Metadata.Version = "1.0.0"
	}
	if cp.Metadata.CreatedAt.IsZero() {
		cp.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(cp); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var cp Checkpoint
	if err := json.NewDecoder(file).Decode(&cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %v", path, err)
	}
	return &cp, nil
}

// FindLatest returns the path of the most recent checkpoint in a model
// directory. Checkpoints are named by epoch, so the lexicographically last
// file is the latest. Fails with ErrNoCheckpoint if none exist.
func FindLatest(modelDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(modelDir, checkpointPrefix+"*.json"))
	if err != nil {
		return "", fmt.Errorf("failed to list checkpoints: %v", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoCheckpoint, modelDir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// SaveFinal writes the final weights snapshot under the given file name in
// the model directory. These weights are rarely used directly since the
// per-epoch checkpoint callback also writes snapshots, but they mark a
// completed run.
func SaveFinal(modelDir, fileName string, cp *Checkpoint) (string, error) {
	path := filepath.Join(modelDir, fileName)
	if err := Save(cp, path); err != nil {
		return "", err
	}
	return path, nil
}
