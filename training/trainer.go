package training

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tsawler/sleepstage/model"
	"github.com/tsawler/sleepstage/sequence"
)

// FitConfig holds fit loop parameters.
type FitConfig struct {
	Epochs               int
	StartEpoch           int // first epoch index, non-zero when resuming
	TrainBatchesPerEpoch int
	ValBatchesPerEpoch   int

	// OnEpochEnd runs after every epoch, typically to write a checkpoint.
	// A returned error aborts the fit loop.
	OnEpochEnd func(m EpochMetrics) error
}

// EpochMetrics holds metrics for a single epoch.
type EpochMetrics struct {
	Epoch         int
	TrainLoss     float64
	ValLoss       float64
	ValAccuracy   float64
	EpochDuration time.Duration
	BatchCount    int
}

// Trainer drives the fit loop over batch sequences. Training is opaque and
// blocking from the orchestrator's perspective; progress surfaces as log
// lines and epoch metrics.
type Trainer struct {
	model    model.Model
	metrics  []EpochMetrics
	bestLoss float64
}

// NewTrainer creates a trainer for a built (and possibly weight-loaded)
// model.
func NewTrainer(m model.Model) *Trainer {
	return &Trainer{model: m, bestLoss: 1e10}
}

// Fit runs the training loop: per epoch, TrainBatchesPerEpoch batches drawn
// from the training sequence, then a validation pass when a validation
// sequence exists.
func (t *Trainer) Fit(train, val *sequence.Generator, cfg FitConfig) error {
	if cfg.TrainBatchesPerEpoch <= 0 {
		return fmt.Errorf("fit requires a positive train batch count, got %d", cfg.TrainBatchesPerEpoch)
	}

	slog.Info("starting training",
		"epochs", cfg.Epochs, "start_epoch", cfg.StartEpoch,
		"train_batches_per_epoch", cfg.TrainBatchesPerEpoch, "validation", val != nil)

	for epoch := cfg.StartEpoch; epoch < cfg.Epochs; epoch++ {
		epochStart := time.Now()

		trainLoss, err := t.trainEpoch(train, cfg.TrainBatchesPerEpoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}

		metrics := EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			BatchCount:    cfg.TrainBatchesPerEpoch,
			EpochDuration: time.Since(epochStart),
		}

		if val != nil {
			valLoss, valAcc, err := t.validateEpoch(val, cfg.ValBatchesPerEpoch)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %v", epoch, err)
			}
			metrics.ValLoss = valLoss
			metrics.ValAccuracy = valAcc
			if valLoss < t.bestLoss {
				t.bestLoss = valLoss
			}
		} else if trainLoss < t.bestLoss {
			t.bestLoss = trainLoss
		}

		t.metrics = append(t.metrics, metrics)
		metricEpochSeconds.Set(metrics.EpochDuration.Seconds())

		slog.Info("epoch complete",
			"epoch", epoch+1, "of", cfg.Epochs,
			"train_loss", fmt.Sprintf("%.4f", metrics.TrainLoss),
			"val_loss", fmt.Sprintf("%.4f", metrics.ValLoss),
			"val_acc", fmt.Sprintf("%.2f", metrics.ValAccuracy),
			"duration", metrics.EpochDuration.Round(time.Millisecond))

		if cfg.OnEpochEnd != nil {
			if err := cfg.OnEpochEnd(metrics); err != nil {
				return fmt.Errorf("epoch callback failed: %w", err)
			}
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(train *sequence.Generator, batches int) (float64, error) {
	var totalLoss float64
	for b := 0; b < batches; b++ {
		batch, err := train.NextBatch()
		if err != nil {
			return 0, err
		}
		loss, err := t.model.TrainStep(batch)
		if err != nil {
			return 0, err
		}
		totalLoss += loss
		metricTrainBatches.Inc()
	}
	return totalLoss / float64(batches), nil
}

func (t *Trainer) validateEpoch(val *sequence.Generator, batches int) (float64, float64, error) {
	if batches <= 0 {
		batches = 1
	}
	var totalLoss, totalAcc float64
	for b := 0; b < batches; b++ {
		batch, err := val.NextBatch()
		if err != nil {
			return 0, 0, err
		}
		loss, acc, err := t.model.Evaluate(batch)
		if err != nil {
			return 0, 0, err
		}
		totalLoss += loss
		totalAcc += acc
		metricValBatches.Inc()
	}
	return totalLoss / float64(batches), totalAcc / float64(batches), nil
}

// Metrics returns all recorded epoch metrics.
func (t *Trainer) Metrics() []EpochMetrics {
	return t.metrics
}

// BestLoss returns the lowest loss observed so far (validation loss when a
// validation sequence exists, training loss otherwise).
func (t *Trainer) BestLoss() float64 {
	return t.bestLoss
}
