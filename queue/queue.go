// Package queue provides memory-bounded and unbounded in-memory loading
// queues backing datasets during training. A queue owns which studies of
// its dataset are resident; the batch sequence draws studies through it.
package queue

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/sleepstage/dataset"
)

// ErrInvalidQueueType is returned for unrecognized queue type tags.
var ErrInvalidQueueType = errors.New("invalid queue type")

// ErrInvalidBound is returned for non-positive queue bounds.
var ErrInvalidBound = errors.New("invalid queue bound")

// Type selects the study loading policy.
type Type string

const (
	// Eager loads every study of every dataset up front; no eviction.
	Eager Type = "eager"
	// Lazy loads a study on first access and never evicts during the run.
	Lazy Type = "lazy"
	// Limitation keeps at most MaxLoadedPerDataset studies resident per
	// dataset, rotating them out after NumAccessBeforeReload accesses.
	Limitation Type = "limitation"
)

// StudyLoader loads one study of a dataset into memory. Train and
// validation queues share a single loader reference so on-disk read state
// never diverges between the splits.
type StudyLoader interface {
	Load(d *dataset.Dataset, pair dataset.Pair) (*dataset.Study, error)
}

// Queue provides access to one dataset's studies under a loading policy.
// Implementations are safe for concurrent consumers.
type Queue interface {
	// Dataset returns the dataset backing this queue.
	Dataset() *dataset.Dataset

	// GetRandom returns a study sampled from the dataset under the queue's
	// policy, loading and/or evicting as the policy dictates. A nil rng
	// uses the global source.
	GetRandom(rng *rand.Rand) (*dataset.Study, error)

	// ResidentCount returns the number of studies currently held in memory.
	ResidentCount() int

	// Classes returns the set of stage labels present across the whole
	// dataset, loading non-resident studies transiently as needed.
	Classes() ([]int32, error)

	// Loader returns the queue's study loader for sharing with other queues.
	Loader() StudyLoader

	// Stats returns cumulative load/eviction/hit counters.
	Stats() Stats
}

// Stats holds cumulative queue counters.
type Stats struct {
	Loads     int64
	Evictions int64
	Hits      int64
}

// String returns a string representation of queue stats.
func (s Stats) String() string {
	return fmt.Sprintf("Queue: Loads: %d, Evictions: %d, Hits: %d", s.Loads, s.Evictions, s.Hits)
}

// Config holds queue construction parameters.
type Config struct {
	Type                  Type
	MaxLoadedPerDataset   int
	NumAccessBeforeReload int

	// Loader is the shared study loader. Validation queues must pass the
	// training queues' loader here rather than constructing their own.
	Loader StudyLoader

	// Rand seeds eviction replacement choices. Nil uses the global source.
	Rand *rand.Rand
}

// New wraps each dataset in a loading queue according to the configured
// policy. Eager queues are fully loaded before New returns.
func New(datasets []*dataset.Dataset, cfg Config) ([]Queue, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("queue config requires a study loader")
	}

	switch cfg.Type {
	case Eager, Lazy:
		// No bounds to validate.
	case Limitation:
		if cfg.MaxLoadedPerDataset <= 0 {
			return nil, fmt.Errorf("%w: max_loaded_per_dataset must be > 0, got %d",
				ErrInvalidBound, cfg.MaxLoadedPerDataset)
		}
		if cfg.NumAccessBeforeReload <= 0 {
			return nil, fmt.Errorf("%w: num_access_before_reload must be > 0, got %d",
				ErrInvalidBound, cfg.NumAccessBeforeReload)
		}
	default:
		return nil, fmt.Errorf("%w: %q (expected eager, lazy or limitation)", ErrInvalidQueueType, cfg.Type)
	}

	queues := make([]Queue, 0, len(datasets))
	for _, d := range datasets {
		var q Queue
		var err error
		switch cfg.Type {
		case Eager:
			q, err = newEagerQueue(d, cfg.Loader)
		case Lazy:
			q = newLazyQueue(d, cfg.Loader)
		case Limitation:
			q = newLimitationQueue(d, cfg.Loader, cfg.MaxLoadedPerDataset, cfg.NumAccessBeforeReload, cfg.Rand)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build %s queue for dataset %s: %w", cfg.Type, d.ID, err)
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// classesFrom collects the union of stage labels over resident studies and
// transient loads of the rest. Shared by the lazy and limitation queues.
func classesFrom(d *dataset.Dataset, loader StudyLoader, resident func(id string) *dataset.Study) ([]int32, error) {
	seen := make(map[int32]bool)
	for _, pair := range d.Pairs() {
		study := resident(pair.ID)
		if study == nil {
			loaded, err := loader.Load(d, pair)
			if err != nil {
				return nil, fmt.Errorf("failed to scan classes of study %s: %w", pair.ID, err)
			}
			study = loaded
		}
		for _, stage := range study.Stages {
			seen[stage] = true
		}
	}
	return sortedClasses(seen), nil
}

func sortedClasses(seen map[int32]bool) []int32 {
	classes := make([]int32, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	for i := 1; i < len(classes); i++ {
		for j := i; j > 0 && classes[j-1] > classes[j]; j-- {
			classes[j-1], classes[j] = classes[j], classes[j-1]
		}
	}
	return classes
}

func randIntn(rng *rand.Rand, n int) int {
	if rng != nil {
		return rng.Intn(n)
	}
	return rand.Intn(n)
}
