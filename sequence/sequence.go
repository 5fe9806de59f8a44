// Package sequence turns study queues into epoch-bounded batch samplers.
// A generator owns the inferred class count and fixed batch shape that the
// model build step depends on.
package sequence

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/sleepstage/dataset"
	"github.com/tsawler/sleepstage/queue"
)

// Config holds batch sampling parameters.
type Config struct {
	// BatchSize is the number of samples per batch.
	BatchSize int
	// PeriodsPerSample is the number of consecutive scoring periods in one
	// sample window.
	PeriodsPerSample int
	// Rand seeds study and window selection. Nil uses the global source.
	Rand *rand.Rand
}

// Batch is one sampled batch. X is laid out [sample][period][sample point]
// [channel], flattened; Y holds one stage label per period per sample.
// Buffers are reused between calls; consumers must not retain them across
// NextBatch calls.
type Batch struct {
	X    []float32
	Y    []int32
	Size int
}

// Generator draws fixed-shape batches from one or more study queues.
type Generator struct {
	queues           []queue.Queue
	batchSize        int
	periodsPerSample int
	samplesPerPeriod int
	channels         int
	classes          []int32
	rng              *rand.Rand

	mu   sync.Mutex
	xBuf []float32
	yBuf []int32
}

// New creates a generator over the given queues. The class count is
// inferred by scanning the label space of every dataset behind the queues
// (the union across datasets, not just the first). All datasets must agree
// on samples per period and channel count.
func New(queues []queue.Queue, cfg Config) (*Generator, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("sequence generator requires at least one queue")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.PeriodsPerSample <= 0 {
		return nil, fmt.Errorf("periods per sample must be > 0, got %d", cfg.PeriodsPerSample)
	}

	first := queues[0].Dataset()
	seen := make(map[int32]bool)
	for _, q := range queues {
		d := q.Dataset()
		if d.SamplesPerPeriod != first.SamplesPerPeriod {
			return nil, fmt.Errorf("dataset %s has %d samples per period, %s has %d",
				d.ID, d.SamplesPerPeriod, first.ID, first.SamplesPerPeriod)
		}
		if len(d.Channels) != len(first.Channels) {
			return nil, fmt.Errorf("dataset %s has %d channels, %s has %d",
				d.ID, len(d.Channels), first.ID, len(first.Channels))
		}
		classes, err := q.Classes()
		if err != nil {
			return nil, fmt.Errorf("failed to infer classes for dataset %s: %w", d.ID, err)
		}
		for _, c := range classes {
			seen[c] = true
		}
	}

	classes := make([]int32, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	for i := 1; i < len(classes); i++ {
		for j := i; j > 0 && classes[j-1] > classes[j]; j-- {
			classes[j-1], classes[j] = classes[j], classes[j-1]
		}
	}

	return &Generator{
		queues:           queues,
		batchSize:        cfg.BatchSize,
		periodsPerSample: cfg.PeriodsPerSample,
		samplesPerPeriod: first.SamplesPerPeriod,
		channels:         len(first.Channels),
		classes:          classes,
		rng:              cfg.Rand,
	}, nil
}

// NumClasses returns the number of distinct stage labels across all input
// datasets.
func (g *Generator) NumClasses() int {
	return len(g.classes)
}

// Classes returns the sorted distinct stage labels.
func (g *Generator) Classes() []int32 {
	return g.classes
}

// BatchShape returns the fixed per-batch tensor shape:
// [batch_size, periods_per_sample, samples_per_period, n_channels].
func (g *Generator) BatchShape() []int {
	return []int{g.batchSize, g.periodsPerSample, g.samplesPerPeriod, g.channels}
}

// BatchesPerEpoch returns how many batches the fit loop draws per epoch so
// that no more than maxSamples periods are sampled. This is a sampling cap,
// not a dataset truncation; at least one batch is always drawn.
func (g *Generator) BatchesPerEpoch(maxSamples int) int {
	periodsPerBatch := g.batchSize * g.periodsPerSample
	batches := maxSamples / periodsPerBatch
	if batches < 1 {
		batches = 1
	}
	return batches
}

// NextBatch samples one batch: for each sample a uniformly random queue, a
// study drawn under that queue's policy, and a random window of consecutive
// periods within the study.
func (g *Generator) NextBatch() (*Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sampleLen := g.periodsPerSample * g.samplesPerPeriod * g.channels
	requiredX := g.batchSize * sampleLen
	requiredY := g.batchSize * g.periodsPerSample
	if len(g.xBuf) < requiredX {
		g.xBuf = make([]float32, requiredX)
	}
	if len(g.yBuf) < requiredY {
		g.yBuf = make([]int32, requiredY)
	}

	for i := 0; i < g.batchSize; i++ {
		q := g.queues[g.intn(len(g.queues))]
		study, err := q.GetRandom(g.rng)
		if err != nil {
			return nil, fmt.Errorf("failed to draw study from dataset %s: %w", q.Dataset().ID, err)
		}
		if err := g.copySample(study, i, sampleLen); err != nil {
			return nil, err
		}
	}

	return &Batch{
		X:    g.xBuf[:requiredX],
		Y:    g.yBuf[:requiredY],
		Size: g.batchSize,
	}, nil
}

func (g *Generator) copySample(study *dataset.Study, i, sampleLen int) error {
	if study.Periods() < g.periodsPerSample {
		return fmt.Errorf("study %s has %d periods, need at least %d per sample",
			study.ID, study.Periods(), g.periodsPerSample)
	}
	start := g.intn(study.Periods() - g.periodsPerSample + 1)

	periodLen := g.samplesPerPeriod * g.channels
	copy(g.xBuf[i*sampleLen:(i+1)*sampleLen], study.Signal[start*periodLen:])
	copy(g.yBuf[i*g.periodsPerSample:(i+1)*g.periodsPerSample], study.Stages[start:start+g.periodsPerSample])
	return nil
}

func (g *Generator) intn(n int) int {
	if g.rng != nil {
		return g.rng.Intn(n)
	}
	return rand.Intn(n)
}
