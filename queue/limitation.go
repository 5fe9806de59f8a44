package queue

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/sleepstage/dataset"
)

// slot tracks one resident study and how many times it has been handed out.
type slot struct {
	study    *dataset.Study
	accesses int
}

// limitationQueue keeps at most maxLoaded studies of its dataset resident.
// Each access increments the returned study's counter; when the counter
// reaches reloadAfter the study is evicted and replaced by a uniformly
// random not-yet-resident study from the same dataset. This is the only
// policy with a hard memory ceiling.
//
// All slot decisions (counter increments, eviction, replacement) happen
// under one mutex, so a study is never evicted mid-decision. Study payloads
// are immutable once loaded; a consumer holding a returned study is
// unaffected by its later eviction.
type limitationQueue struct {
	d           *dataset.Dataset
	loader      StudyLoader
	maxLoaded   int
	reloadAfter int
	rng         *rand.Rand

	mu       sync.Mutex
	resident map[string]*slot
	stats    Stats
}

func newLimitationQueue(d *dataset.Dataset, loader StudyLoader, maxLoaded, reloadAfter int, rng *rand.Rand) *limitationQueue {
	if maxLoaded > d.Len() {
		maxLoaded = d.Len()
	}
	return &limitationQueue{
		d:           d,
		loader:      loader,
		maxLoaded:   maxLoaded,
		reloadAfter: reloadAfter,
		rng:         rng,
		resident:    make(map[string]*slot),
	}
}

func (q *limitationQueue) Dataset() *dataset.Dataset { return q.d }
func (q *limitationQueue) Loader() StudyLoader       { return q.loader }

func (q *limitationQueue) GetRandom(rng *rand.Rand) (*dataset.Study, error) {
	if q.d.Len() == 0 {
		return nil, fmt.Errorf("dataset %s holds no studies", q.d.ID)
	}
	if rng == nil {
		rng = q.rng
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var s *slot
	if len(q.resident) < q.maxLoaded {
		loaded, err := q.admitRandomLocked(rng)
		if err != nil {
			return nil, err
		}
		s = loaded
	} else {
		s = q.randomResidentLocked(rng)
		q.stats.Hits++
		metricHits.WithLabelValues(q.d.ID, string(Limitation)).Inc()
	}

	study := s.study
	s.accesses++
	if s.accesses >= q.reloadAfter {
		if err := q.rotateLocked(study.ID, rng); err != nil {
			return nil, err
		}
	}
	return study, nil
}

// admitRandomLocked loads a uniformly random not-yet-resident study. The
// caller holds q.mu.
func (q *limitationQueue) admitRandomLocked(rng *rand.Rand) (*slot, error) {
	candidates := q.nonResidentLocked()
	if len(candidates) == 0 {
		// Whole dataset resident; hand out an existing slot instead.
		return q.randomResidentLocked(rng), nil
	}
	pair := candidates[randIntn(rng, len(candidates))]
	study, err := q.loader.Load(q.d, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to load study %s: %w", pair.ID, err)
	}
	s := &slot{study: study}
	q.resident[pair.ID] = s
	q.stats.Loads++
	metricLoads.WithLabelValues(q.d.ID, string(Limitation)).Inc()
	return s, nil
}

// rotateLocked evicts the given study and admits a random replacement. If
// every study of the dataset is already resident there is nothing to rotate
// in, so the counter is reset instead. The caller holds q.mu.
func (q *limitationQueue) rotateLocked(evictID string, rng *rand.Rand) error {
	candidates := q.nonResidentLocked()
	if len(candidates) == 0 {
		q.resident[evictID].accesses = 0
		return nil
	}

	delete(q.resident, evictID)
	q.stats.Evictions++
	metricEvictions.WithLabelValues(q.d.ID, string(Limitation)).Inc()

	pair := candidates[randIntn(rng, len(candidates))]
	study, err := q.loader.Load(q.d, pair)
	if err != nil {
		return fmt.Errorf("failed to load replacement study %s: %w", pair.ID, err)
	}
	q.resident[pair.ID] = &slot{study: study}
	q.stats.Loads++
	metricLoads.WithLabelValues(q.d.ID, string(Limitation)).Inc()
	return nil
}

func (q *limitationQueue) nonResidentLocked() []dataset.Pair {
	var candidates []dataset.Pair
	for _, pair := range q.d.Pairs() {
		if _, ok := q.resident[pair.ID]; !ok {
			candidates = append(candidates, pair)
		}
	}
	return candidates
}

func (q *limitationQueue) randomResidentLocked(rng *rand.Rand) *slot {
	n := randIntn(rng, len(q.resident))
	for _, s := range q.resident {
		if n == 0 {
			return s
		}
		n--
	}
	return nil // unreachable, resident is non-empty
}

func (q *limitationQueue) ResidentCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.resident)
}

func (q *limitationQueue) Classes() ([]int32, error) {
	return classesFrom(q.d, q.loader, func(id string) *dataset.Study {
		q.mu.Lock()
		defer q.mu.Unlock()
		if s, ok := q.resident[id]; ok {
			return s.study
		}
		return nil
	})
}

func (q *limitationQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
