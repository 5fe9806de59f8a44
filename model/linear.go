package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/sleepstage/sequence"
)

// linear is a per-period softmax classifier: one weight row per input
// feature of a single scoring period plus a bias per class, trained with
// plain SGD. It stands in for the real network behind the Model interface.
type linear struct {
	nClasses int
	features int // samples_per_period * n_channels
	periods  int // periods per sample window
	lr       float64

	weights []float32 // [features][nClasses]
	bias    []float32 // [nClasses]

	logits []float64
	grad   []float64
}

func newLinear(nClasses int, batchShape []int, lr float64, rng *rand.Rand) *linear {
	features := batchShape[2] * batchShape[3]
	m := &linear{
		nClasses: nClasses,
		features: features,
		periods:  batchShape[1],
		lr:       lr,
		weights:  make([]float32, features*nClasses),
		bias:     make([]float32, nClasses),
		logits:   make([]float64, nClasses),
		grad:     make([]float64, nClasses),
	}
	// Small symmetric init
	scale := float32(1.0 / math.Sqrt(float64(features)))
	for i := range m.weights {
		if rng != nil {
			m.weights[i] = (rng.Float32()*2 - 1) * scale
		} else {
			m.weights[i] = (rand.Float32()*2 - 1) * scale
		}
	}
	return m
}

func (m *linear) Name() string    { return "linear" }
func (m *linear) NumClasses() int { return m.nClasses }

// forward computes softmax probabilities for one period's features into
// m.logits and returns the probability of the target class.
func (m *linear) forward(x []float32, target int32) float64 {
	for c := 0; c < m.nClasses; c++ {
		sum := float64(m.bias[c])
		for f := 0; f < m.features; f++ {
			sum += float64(x[f]) * float64(m.weights[f*m.nClasses+c])
		}
		m.logits[c] = sum
	}

	// Stable softmax
	max := m.logits[0]
	for _, v := range m.logits[1:] {
		if v > max {
			max = v
		}
	}
	var z float64
	for c := range m.logits {
		m.logits[c] = math.Exp(m.logits[c] - max)
		z += m.logits[c]
	}
	for c := range m.logits {
		m.logits[c] /= z
	}
	if int(target) < 0 || int(target) >= m.nClasses {
		return 0
	}
	return m.logits[target]
}

// perPeriod iterates every period of every sample in the batch.
func (m *linear) perPeriod(batch *sequence.Batch, fn func(x []float32, y int32) error) error {
	sampleLen := m.periods * m.features
	for i := 0; i < batch.Size; i++ {
		for p := 0; p < m.periods; p++ {
			x := batch.X[i*sampleLen+p*m.features : i*sampleLen+(p+1)*m.features]
			y := batch.Y[i*m.periods+p]
			if err := fn(x, y); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *linear) TrainStep(batch *sequence.Batch) (float64, error) {
	var totalLoss float64
	var count int

	err := m.perPeriod(batch, func(x []float32, y int32) error {
		if int(y) >= m.nClasses || y < 0 {
			return fmt.Errorf("stage label %d outside model's %d classes", y, m.nClasses)
		}
		p := m.forward(x, y)
		totalLoss += -math.Log(math.Max(p, 1e-12))
		count++

		// Softmax cross-entropy gradient: p - onehot(y)
		for c := 0; c < m.nClasses; c++ {
			m.grad[c] = m.logits[c]
		}
		m.grad[y] -= 1

		for c := 0; c < m.nClasses; c++ {
			step := m.lr * m.grad[c]
			m.bias[c] -= float32(step)
			for f := 0; f < m.features; f++ {
				m.weights[f*m.nClasses+c] -= float32(step * float64(x[f]))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return totalLoss / float64(count), nil
}

func (m *linear) Evaluate(batch *sequence.Batch) (float64, float64, error) {
	var totalLoss float64
	var correct, count int

	err := m.perPeriod(batch, func(x []float32, y int32) error {
		if int(y) >= m.nClasses || y < 0 {
			return fmt.Errorf("stage label %d outside model's %d classes", y, m.nClasses)
		}
		p := m.forward(x, y)
		totalLoss += -math.Log(math.Max(p, 1e-12))
		count++

		best := 0
		for c := 1; c < m.nClasses; c++ {
			if m.logits[c] > m.logits[best] {
				best = c
			}
		}
		if int32(best) == y {
			correct++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return totalLoss / float64(count), float64(correct) / float64(count), nil
}

func (m *linear) Weights() []float32 {
	out := make([]float32, 0, len(m.weights)+len(m.bias))
	out = append(out, m.weights...)
	out = append(out, m.bias...)
	return out
}

func (m *linear) SetWeights(weights []float32) error {
	want := len(m.weights) + len(m.bias)
	if len(weights) != want {
		return fmt.Errorf("weight count mismatch: got %d, model holds %d", len(weights), want)
	}
	copy(m.weights, weights[:len(m.weights)])
	copy(m.bias, weights[len(m.weights):])
	return nil
}
