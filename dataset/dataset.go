package dataset

import (
	"fmt"
	"math/rand"
)

// Pair references one study's on-disk input/label files. For pre-processed
// stores the paths are empty and the ID alone addresses the stored study.
type Pair struct {
	ID      string
	PSGPath string
	HypPath string
}

// Study holds one subject's loaded recording: a fixed-rate signal split into
// scoring periods plus one stage label per period. Signal layout is
// [period][sample][channel], flattened.
type Study struct {
	ID               string
	Channels         []string
	SamplesPerPeriod int
	Signal           []float32
	Stages           []int32
}

// Periods returns the number of scoring periods in the study.
func (s *Study) Periods() int {
	return len(s.Stages)
}

// MemSize returns the approximate in-memory size of the study in bytes.
func (s *Study) MemSize() int {
	return 4*len(s.Signal) + 4*len(s.Stages)
}

// Dataset is an identified collection of study pairs with a derived
// id-to-position index.
type Dataset struct {
	ID               string
	Channels         []string
	SamplesPerPeriod int

	pairs []Pair
	index map[string]int
}

// NewDataset creates a dataset from a list of pairs. Pair IDs must be unique
// within the dataset.
func NewDataset(id string, channels []string, samplesPerPeriod int, pairs []Pair) (*Dataset, error) {
	d := &Dataset{
		ID:               id,
		Channels:         channels,
		SamplesPerPeriod: samplesPerPeriod,
		pairs:            pairs,
	}
	if err := d.rebuildIndex(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dataset) rebuildIndex() error {
	d.index = make(map[string]int, len(d.pairs))
	for i, pair := range d.pairs {
		if _, exists := d.index[pair.ID]; exists {
			return fmt.Errorf("duplicate study %q in dataset %s", pair.ID, d.ID)
		}
		d.index[pair.ID] = i
	}
	return nil
}

// Len returns the number of study pairs in the dataset.
func (d *Dataset) Len() int {
	return len(d.pairs)
}

// Pairs returns the dataset's study pairs. The returned slice is the live
// backing slice, not a copy.
func (d *Dataset) Pairs() []Pair {
	return d.pairs
}

// Pair returns the study pair at the given position.
func (d *Dataset) Pair(index int) (Pair, error) {
	if index < 0 || index >= len(d.pairs) {
		return Pair{}, fmt.Errorf("study index %d out of range [0, %d) in dataset %s", index, len(d.pairs), d.ID)
	}
	return d.pairs[index], nil
}

// ByID returns the study pair with the given ID.
func (d *Dataset) ByID(id string) (Pair, bool) {
	i, ok := d.index[id]
	if !ok {
		return Pair{}, false
	}
	return d.pairs[i], true
}

// Merge appends another dataset's pairs to this dataset and rebuilds the
// id-to-study index. Used when validation studies are absorbed into the
// training split.
func (d *Dataset) Merge(other *Dataset) error {
	d.pairs = append(d.pairs, other.pairs...)
	return d.rebuildIndex()
}

// KeepNRandom truncates the dataset to n pairs sampled without replacement
// and rebuilds the id-to-study index. A nil rng uses the global source.
// Keeping more pairs than exist is a no-op.
func (d *Dataset) KeepNRandom(n int, rng *rand.Rand) {
	if n >= len(d.pairs) {
		return
	}
	perm := permutation(len(d.pairs), rng)
	kept := make([]Pair, n)
	for i := 0; i < n; i++ {
		kept[i] = d.pairs[perm[i]]
	}
	d.pairs = kept
	// Index positions shifted, so the derived index must be rebuilt.
	if err := d.rebuildIndex(); err != nil {
		// Pairs were unique before truncation; a subset stays unique.
		panic(err)
	}
}

func permutation(n int, rng *rand.Rand) []int {
	if rng != nil {
		return rng.Perm(n)
	}
	return rand.Perm(n)
}

// String returns a short description of the dataset.
func (d *Dataset) String() string {
	return fmt.Sprintf("Dataset(%s: %d studies, %d channels)", d.ID, len(d.pairs), len(d.Channels))
}
