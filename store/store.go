// Package store implements the consolidated pre-processed study store used
// by the --preprocessed retrieval strategy. Studies are kept in a single
// bbolt file with one bucket per dataset and a nested bucket per split, so
// training streams records from disk instead of re-reading raw archives.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tsawler/sleepstage/dataset"
)

// ErrStudyNotFound is returned when a requested study is not in the store.
var ErrStudyNotFound = errors.New("study not found in pre-processed store")

// Splits recognized by the store.
const (
	SplitTrain = "train"
	SplitVal   = "val"
)

// Store is a consolidated pre-processed study store.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Open opens (or creates) a store at the given path.
func Open(path string) (*Store, error) {
	logger := slog.With("store", path)

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 20 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening pre-processed store: %w", err)
	}

	logger.Info("pre-processed store opened")
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a study into the given dataset and split.
func (s *Store) Put(datasetID, split string, study *dataset.Study) error {
	data, err := json.Marshal(study)
	if err != nil {
		return fmt.Errorf("error serializing study %s: %v", study.ID, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		ds, err := tx.CreateBucketIfNotExists([]byte(datasetID))
		if err != nil {
			return err
		}
		bucket, err := ds.CreateBucketIfNotExists([]byte(split))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(study.ID), data)
	})
}

// Records returns the study ids stored under the given dataset and split,
// in key order. A missing dataset or split yields an empty list, matching
// datasets that carry no validation records.
func (s *Store) Records(datasetID, split string) ([]string, error) {
	var records []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := splitBucket(tx, datasetID, split)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			records = append(records, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("error listing records for %s/%s: %w", datasetID, split, err)
	}
	return records, nil
}

// LoadStudy reads one study from the store. The split is not part of the
// address; both splits are searched since queues only know the dataset.
func (s *Store) LoadStudy(datasetID, studyID string) (*dataset.Study, error) {
	var study *dataset.Study
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, split := range []string{SplitTrain, SplitVal} {
			bucket := splitBucket(tx, datasetID, split)
			if bucket == nil {
				continue
			}
			data := bucket.Get([]byte(studyID))
			if data == nil {
				continue
			}
			study = new(dataset.Study)
			if err := json.Unmarshal(data, study); err != nil {
				return fmt.Errorf("error parsing stored study %s: %w", studyID, err)
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrStudyNotFound, datasetID, studyID)
	}
	return study, nil
}

// Load implements the queue study loader over the store, so train and
// validation queues can stream studies directly from the consolidated file.
func (s *Store) Load(d *dataset.Dataset, pair dataset.Pair) (*dataset.Study, error) {
	return s.LoadStudy(d.ID, pair.ID)
}

func splitBucket(tx *bbolt.Tx, datasetID, split string) *bbolt.Bucket {
	ds := tx.Bucket([]byte(datasetID))
	if ds == nil {
		return nil
	}
	return ds.Bucket([]byte(split))
}
