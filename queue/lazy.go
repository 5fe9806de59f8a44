package queue

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/sleepstage/dataset"
)

// lazyQueue loads a study into memory on first access and never evicts
// during the run. Memory is bounded by what is accessed, not by dataset
// size.
type lazyQueue struct {
	d      *dataset.Dataset
	loader StudyLoader

	mu       sync.Mutex
	resident map[string]*dataset.Study
	stats    Stats
}

func newLazyQueue(d *dataset.Dataset, loader StudyLoader) *lazyQueue {
	return &lazyQueue{
		d:        d,
		loader:   loader,
		resident: make(map[string]*dataset.Study),
	}
}

func (q *lazyQueue) Dataset() *dataset.Dataset { return q.d }
func (q *lazyQueue) Loader() StudyLoader       { return q.loader }

func (q *lazyQueue) GetRandom(rng *rand.Rand) (*dataset.Study, error) {
	if q.d.Len() == 0 {
		return nil, fmt.Errorf("dataset %s holds no studies", q.d.ID)
	}
	pair, err := q.d.Pair(randIntn(rng, q.d.Len()))
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if study, ok := q.resident[pair.ID]; ok {
		q.stats.Hits++
		metricHits.WithLabelValues(q.d.ID, string(Lazy)).Inc()
		return study, nil
	}

	study, err := q.loader.Load(q.d, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to load study %s: %w", pair.ID, err)
	}
	q.resident[pair.ID] = study
	q.stats.Loads++
	metricLoads.WithLabelValues(q.d.ID, string(Lazy)).Inc()
	return study, nil
}

func (q *lazyQueue) ResidentCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.resident)
}

func (q *lazyQueue) Classes() ([]int32, error) {
	return classesFrom(q.d, q.loader, func(id string) *dataset.Study {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.resident[id]
	})
}

func (q *lazyQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
