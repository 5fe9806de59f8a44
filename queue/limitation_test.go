package queue

import (
	"math/rand"
	"testing"

	"github.com/tsawler/sleepstage/dataset"
)

// TestLimitationResidentBound tests the resident-count invariant: the number
// of studies resident at any sampled instant never exceeds the bound.
// Scenario from the design: max 2 resident, reload after 1 access, 5
// studies, 10 sequential accesses, total evictions >= 8.
func TestLimitationResidentBound(t *testing.T) {
	d := testDataset(t, "A", 5)
	loader := newFakeLoader()

	queues, err := New([]*dataset.Dataset{d}, Config{
		Type:                  Limitation,
		MaxLoadedPerDataset:   2,
		NumAccessBeforeReload: 1,
		Loader:                loader,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	q := queues[0]

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		if _, err := q.GetRandom(rng); err != nil {
			t.Fatalf("GetRandom failed at access %d: %v", i, err)
		}
		if resident := q.ResidentCount(); resident > 2 {
			t.Fatalf("Resident count %d exceeds bound 2 after access %d", resident, i)
		}
	}

	if evictions := q.Stats().Evictions; evictions < 8 {
		t.Errorf("Expected at least 8 evictions, got %d", evictions)
	}
}

// TestLimitationNoPrematureEviction tests that a study receives its full
// access budget before being rotated out. With a single slot and a budget of
// 3, the returned study ids must form runs of exactly 3.
func TestLimitationNoPrematureEviction(t *testing.T) {
	d := testDataset(t, "A", 4)
	loader := newFakeLoader()

	queues, err := New([]*dataset.Dataset{d}, Config{
		Type:                  Limitation,
		MaxLoadedPerDataset:   1,
		NumAccessBeforeReload: 3,
		Loader:                loader,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	q := queues[0]

	rng := rand.New(rand.NewSource(42))
	var ids []string
	for i := 0; i < 12; i++ {
		study, err := q.GetRandom(rng)
		if err != nil {
			t.Fatalf("GetRandom failed: %v", err)
		}
		ids = append(ids, study.ID)
	}

	for run := 0; run < len(ids); run += 3 {
		if ids[run] != ids[run+1] || ids[run] != ids[run+2] {
			t.Errorf("Access budget violated in run %d: %v", run/3, ids[run:run+3])
		}
		if run+3 < len(ids) && ids[run] == ids[run+3] {
			t.Errorf("Study %s not evicted after exhausting its budget", ids[run])
		}
	}

	if evictions := q.Stats().Evictions; evictions != 4 {
		t.Errorf("Expected 4 evictions over 12 accesses, got %d", evictions)
	}
}

// TestLimitationEvictionStaysWithinDataset tests that replacement studies
// come from the same dataset
func TestLimitationEvictionStaysWithinDataset(t *testing.T) {
	a := testDataset(t, "A", 3)
	b := testDataset(t, "B", 3)
	loader := newFakeLoader()

	queues, err := New([]*dataset.Dataset{a, b}, Config{
		Type:                  Limitation,
		MaxLoadedPerDataset:   1,
		NumAccessBeforeReload: 1,
		Loader:                loader,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 10; i++ {
		for qi, q := range queues {
			study, err := q.GetRandom(rng)
			if err != nil {
				t.Fatalf("GetRandom failed: %v", err)
			}
			wantPrefix := []string{"A_", "B_"}[qi]
			if study.ID[:2] != wantPrefix {
				t.Fatalf("Queue %d returned study %s from another dataset", qi, study.ID)
			}
		}
	}
}

// TestLimitationWholeDatasetResident tests the case where the bound covers
// the whole dataset: nothing can be rotated in, so no eviction happens.
func TestLimitationWholeDatasetResident(t *testing.T) {
	d := testDataset(t, "A", 2)
	loader := newFakeLoader()

	queues, err := New([]*dataset.Dataset{d}, Config{
		Type:                  Limitation,
		MaxLoadedPerDataset:   10,
		NumAccessBeforeReload: 1,
		Loader:                loader,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	q := queues[0]

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 10; i++ {
		if _, err := q.GetRandom(rng); err != nil {
			t.Fatalf("GetRandom failed: %v", err)
		}
	}

	stats := q.Stats()
	if stats.Evictions != 0 {
		t.Errorf("Expected no evictions with whole dataset resident, got %d", stats.Evictions)
	}
	if stats.Loads != 2 {
		t.Errorf("Expected 2 loads, got %d", stats.Loads)
	}
	if q.ResidentCount() != 2 {
		t.Errorf("Expected 2 resident, got %d", q.ResidentCount())
	}
}

// TestLimitationConcurrentAccess tests that concurrent consumers never
// observe a resident count above the bound
func TestLimitationConcurrentAccess(t *testing.T) {
	d := testDataset(t, "A", 8)
	loader := newFakeLoader()

	queues, err := New([]*dataset.Dataset{d}, Config{
		Type:                  Limitation,
		MaxLoadedPerDataset:   3,
		NumAccessBeforeReload: 2,
		Loader:                loader,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	q := queues[0]

	done := make(chan error, 4)
	for w := 0; w < 4; w++ {
		go func(seed int64) {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				if _, err := q.GetRandom(rng); err != nil {
					done <- err
					return
				}
				if q.ResidentCount() > 3 {
					done <- errOverBound
					return
				}
			}
			done <- nil
		}(int64(w))
	}
	for w := 0; w < 4; w++ {
		if err := <-done; err != nil {
			t.Fatalf("Concurrent access failed: %v", err)
		}
	}
}

var errOverBound = errBound("resident count exceeded bound")

type errBound string

func (e errBound) Error() string { return string(e) }
