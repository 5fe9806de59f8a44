package hparams

import (
	"fmt"
	"path/filepath"
	"sort"
)

// DatasetConfigs loads the per-dataset hyperparameter files referenced by
// the top-level "datasets" group, which maps dataset id to a YAML file path
// relative to the top-level hyperparameter file. Each sub-config is returned
// as its own HParams so channel overrides can be written and saved per file.
func DatasetConfigs(hp *HParams) (map[string]*HParams, error) {
	group, err := hp.Group("datasets")
	if err != nil {
		return nil, fmt.Errorf("no datasets group in hyperparameters: %w", err)
	}

	baseDir := filepath.Dir(hp.Path())
	configs := make(map[string]*HParams, len(group))
	for id, value := range group {
		rel, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("datasets/%s must be a file path (got %T)", id, value)
		}
		sub, err := Load(filepath.Join(baseDir, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to load dataset config for %s: %w", id, err)
		}
		configs[id] = sub
	}
	return configs, nil
}

// DatasetIDs returns the configured dataset ids in sorted order.
func DatasetIDs(hp *HParams) ([]string, error) {
	group, err := hp.Group("datasets")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(group))
	for id := range group {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetChannels writes a channel selection override into every dataset
// sub-config and persists each file individually before returning. Any
// channel sampling groups are removed since an explicit selection replaces
// sampled channel sets.
func SetChannels(hp *HParams, channels []string) error {
	configs, err := DatasetConfigs(hp)
	if err != nil {
		return err
	}
	for id, sub := range configs {
		if err := sub.Set("select_channels", channels, true); err != nil {
			return fmt.Errorf("failed to set channels for dataset %s: %w", id, err)
		}
		if err := sub.DeleteGroup("channel_sampling_groups", true); err != nil {
			return fmt.Errorf("failed to clear channel sampling groups for dataset %s: %w", id, err)
		}
		if err := sub.Save(); err != nil {
			return fmt.Errorf("failed to save dataset config for %s: %w", id, err)
		}
	}
	return nil
}
