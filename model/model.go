// Package model defines the collaborator seam between the training pipeline
// and the network implementation. The pipeline only depends on the Model
// interface; the built-in linear classifier exists so the fit loop has a
// concrete implementation to drive.
package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/sleepstage/hparams"
	"github.com/tsawler/sleepstage/sequence"
)

// Model is a trainable per-period stage classifier.
type Model interface {
	// Name returns the architecture name.
	Name() string

	// NumClasses returns the model's output class count.
	NumClasses() int

	// TrainStep consumes one batch, updates parameters, and returns the
	// mean loss over the batch.
	TrainStep(batch *sequence.Batch) (loss float64, err error)

	// Evaluate computes mean loss and accuracy on one batch without
	// updating parameters.
	Evaluate(batch *sequence.Batch) (loss, accuracy float64, err error)

	// Weights returns a flat copy of all parameters.
	Weights() []float32

	// SetWeights loads a flat parameter vector produced by Weights.
	SetWeights(weights []float32) error
}

// Build constructs a model from the hyperparameter tree's build group. The
// group must already hold the generator-derived n_classes and batch_shape,
// so Build must run strictly after generator construction.
func Build(hp *hparams.HParams, rng *rand.Rand) (Model, error) {
	nClasses, err := hp.GetInt("/build/n_classes")
	if err != nil {
		return nil, fmt.Errorf("model build requires /build/n_classes (run after generator construction): %w", err)
	}
	batchShape, err := hp.GetIntSlice("/build/batch_shape")
	if err != nil {
		return nil, fmt.Errorf("model build requires /build/batch_shape (run after generator construction): %w", err)
	}
	if len(batchShape) != 4 {
		return nil, fmt.Errorf("batch shape must have 4 dims, got %v", batchShape)
	}

	name, _ := hp.GetString("/build/model")
	lr := 0.01
	if v, err := hp.Get("/fit/learning_rate"); err == nil {
		switch lrv := v.(type) {
		case float64:
			lr = lrv
		case int:
			lr = float64(lrv)
		}
	}

	switch name {
	case "", "linear":
		return newLinear(nClasses, batchShape, lr, rng), nil
	default:
		return nil, fmt.Errorf("unknown model architecture %q", name)
	}
}
