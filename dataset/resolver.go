package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/tsawler/sleepstage/hparams"
)

// ErrUnknownDataset is returned when an allow-listed dataset id is not
// configured in the hyperparameter tree.
var ErrUnknownDataset = errors.New("unknown dataset id")

// Options controls how configured datasets are resolved into train and
// validation collections.
type Options struct {
	// AllowList restricts resolution to the listed dataset ids. Empty means
	// all configured datasets. Ids outside the list are excluded from both
	// collections entirely.
	AllowList []string

	// NoVal skips the validation collection.
	NoVal bool

	// TrainOnVal absorbs validation studies into the training collection.
	// Implies NoVal: merging leaves no separate validation pass.
	TrainOnVal bool
}

// RecordSource lists pre-processed study records per dataset split. The
// consolidated store implements this for bulk retrieval.
type RecordSource interface {
	Records(datasetID, split string) ([]string, error)
}

// Resolve builds disjoint train and validation dataset collections from the
// hyperparameter tree using the raw per-study retrieval strategy: record
// lists come from each dataset sub-config and studies load from archive
// files under its data_dir.
func Resolve(hp *hparams.HParams, opts Options) (train, val []*Dataset, err error) {
	return resolve(hp, opts, nil)
}

// ResolveFromSource builds the collections using the bulk retrieval
// strategy: record lists come from the consolidated pre-processed store.
// The strategy is selected once and applies uniformly to both splits.
func ResolveFromSource(hp *hparams.HParams, src RecordSource, opts Options) (train, val []*Dataset, err error) {
	if src == nil {
		return nil, nil, fmt.Errorf("nil record source")
	}
	return resolve(hp, opts, src)
}

func resolve(hp *hparams.HParams, opts Options, src RecordSource) (train, val []*Dataset, err error) {
	configs, err := hparams.DatasetConfigs(hp)
	if err != nil {
		return nil, nil, err
	}

	ids, err := selectIDs(configs, opts.AllowList)
	if err != nil {
		return nil, nil, err
	}

	for _, id := range ids {
		cfg := configs[id]
		channels, err := cfg.GetStringSlice("select_channels")
		if err != nil {
			return nil, nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		spp, err := cfg.GetInt("samples_per_period")
		if err != nil {
			return nil, nil, fmt.Errorf("dataset %s: %w", id, err)
		}

		trainRecords, valRecords, err := splitRecords(id, cfg, src)
		if err != nil {
			return nil, nil, err
		}

		dataDir, _ := cfg.GetString("data_dir")
		trainSet, err := NewDataset(id, channels, spp, recordsToPairs(dataDir, trainRecords))
		if err != nil {
			return nil, nil, err
		}
		valSet, err := NewDataset(id, channels, spp, recordsToPairs(dataDir, valRecords))
		if err != nil {
			return nil, nil, err
		}

		if opts.TrainOnVal {
			if err := trainSet.Merge(valSet); err != nil {
				return nil, nil, fmt.Errorf("failed to merge validation studies into %s: %w", id, err)
			}
		}
		train = append(train, trainSet)
		if !opts.NoVal && !opts.TrainOnVal && valSet.Len() > 0 {
			val = append(val, valSet)
		}
	}

	slog.Info("resolved datasets",
		"train", len(train), "val", len(val), "train_on_val", opts.TrainOnVal, "no_val", opts.NoVal)
	return train, val, nil
}

// selectIDs applies the allow-list against the configured dataset ids and
// returns the resolved set in sorted order.
func selectIDs(configs map[string]*hparams.HParams, allowList []string) ([]string, error) {
	var ids []string
	if len(allowList) == 0 {
		for id := range configs {
			ids = append(ids, id)
		}
	} else {
		for _, id := range allowList {
			if _, ok := configs[id]; !ok {
				return nil, fmt.Errorf("%w: %q is not configured in the hyperparameter file", ErrUnknownDataset, id)
			}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func splitRecords(id string, cfg *hparams.HParams, src RecordSource) (trainRecords, valRecords []string, err error) {
	if src != nil {
		trainRecords, err = src.Records(id, "train")
		if err != nil {
			return nil, nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		valRecords, err = src.Records(id, "val")
		if err != nil {
			return nil, nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		return trainRecords, valRecords, nil
	}

	trainRecords, err = cfg.GetStringSlice("train_records")
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	// A dataset used only for training may omit val_records.
	valRecords, err = cfg.GetStringSlice("val_records")
	if err != nil && !errors.Is(err, hparams.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	return trainRecords, valRecords, nil
}

func recordsToPairs(dataDir string, records []string) []Pair {
	pairs := make([]Pair, len(records))
	for i, record := range records {
		pairs[i] = Pair{ID: record}
		if dataDir != "" {
			pairs[i].PSGPath = filepath.Join(dataDir, record+".psg")
			pairs[i].HypPath = filepath.Join(dataDir, record+".hyp")
		}
	}
	return pairs
}
