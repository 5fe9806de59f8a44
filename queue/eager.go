package queue

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/sleepstage/dataset"
)

// eagerQueue holds every study of its dataset in memory for the whole run.
// Memory cost equals the full dataset size. Always used with the
// pre-processed store, where loads are cheap streaming reads.
type eagerQueue struct {
	d       *dataset.Dataset
	loader  StudyLoader
	studies []*dataset.Study
	hits    int64
}

// newEagerQueue loads all studies up front, in parallel.
func newEagerQueue(d *dataset.Dataset, loader StudyLoader) (*eagerQueue, error) {
	q := &eagerQueue{
		d:       d,
		loader:  loader,
		studies: make([]*dataset.Study, d.Len()),
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	var mu sync.Mutex
	for i, pair := range d.Pairs() {
		i, pair := i, pair
		g.Go(func() error {
			study, err := loader.Load(d, pair)
			if err != nil {
				return fmt.Errorf("failed to load study %s: %w", pair.ID, err)
			}
			mu.Lock()
			q.studies[i] = study
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metricLoads.WithLabelValues(d.ID, string(Eager)).Add(float64(d.Len()))
	return q, nil
}

func (q *eagerQueue) Dataset() *dataset.Dataset { return q.d }
func (q *eagerQueue) Loader() StudyLoader       { return q.loader }

func (q *eagerQueue) GetRandom(rng *rand.Rand) (*dataset.Study, error) {
	if len(q.studies) == 0 {
		return nil, fmt.Errorf("dataset %s holds no studies", q.d.ID)
	}
	atomic.AddInt64(&q.hits, 1)
	metricHits.WithLabelValues(q.d.ID, string(Eager)).Inc()
	return q.studies[randIntn(rng, len(q.studies))], nil
}

func (q *eagerQueue) ResidentCount() int {
	return len(q.studies)
}

func (q *eagerQueue) Classes() ([]int32, error) {
	seen := make(map[int32]bool)
	for _, study := range q.studies {
		for _, stage := range study.Stages {
			seen[stage] = true
		}
	}
	return sortedClasses(seen), nil
}

func (q *eagerQueue) Stats() Stats {
	return Stats{
		Loads: int64(len(q.studies)),
		Hits:  atomic.LoadInt64(&q.hits),
	}
}
