// Package project defines the on-disk layout of a training project
// directory and the assertions run before a session may touch it.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotInitialized is returned when the working directory lacks the
// initialization artifacts a training session depends on.
var ErrNotInitialized = errors.New("project not initialized")

// Well-known names inside a project directory.
const (
	HParamsFileName             = "hparams.yaml"
	PreProcessedHParamsFileName = "hparams_preprocessed.yaml"
	DatasetConfigDirName        = "dataset_configurations"
	ModelDirName                = "model"
	LogDirName                  = "logs"
	PreProcessedDirName         = "preprocessed"
	PreProcessedStoreFileName   = "processed_data.db"
)

// HParamsPath returns the top-level hyperparameter file path.
func HParamsPath(projectDir string) string {
	return filepath.Join(projectDir, HParamsFileName)
}

// PreProcessedHParamsPath returns the hyperparameter file written by the
// preprocessing step.
func PreProcessedHParamsPath(projectDir string) string {
	return filepath.Join(projectDir, PreProcessedHParamsFileName)
}

// ModelDir returns the directory holding checkpoints and final weights.
func ModelDir(projectDir string) string {
	return filepath.Join(projectDir, ModelDirName)
}

// LogDir returns the directory holding training logs.
func LogDir(projectDir string) string {
	return filepath.Join(projectDir, LogDirName)
}

// StorePath returns the consolidated pre-processed store file path.
func StorePath(projectDir string) string {
	return filepath.Join(projectDir, PreProcessedDirName, PreProcessedStoreFileName)
}

// AssertProjectDir verifies the directory was initialized (the top-level
// hyperparameter file exists) and reports whether the model directory is
// empty. A missing model directory counts as empty.
func AssertProjectDir(projectDir string) (modelDirEmpty bool, err error) {
	if _, err := os.Stat(HParamsPath(projectDir)); err != nil {
		return false, fmt.Errorf("%w: no %s in %s (run project initialization first)",
			ErrNotInitialized, HParamsFileName, projectDir)
	}

	entries, err := os.ReadDir(ModelDir(projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to inspect model directory: %w", err)
	}
	return len(entries) == 0, nil
}

// RemovePreviousSession purges the prior session's model and log artifacts.
// Hyperparameter files and data are left untouched.
func RemovePreviousSession(projectDir string) error {
	for _, dir := range []string{ModelDir(projectDir), LogDir(projectDir)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

// InitSessionDirs recreates the model and log directory layout.
func InitSessionDirs(projectDir string) error {
	for _, dir := range []string{ModelDir(projectDir), LogDir(projectDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
