package hparams

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrKeyNotFound is returned when a requested path does not exist in the tree.
var ErrKeyNotFound = errors.New("hyperparameter key not found")

// AlreadySetError is returned by Set when the path already holds a different
// value and overwrite was not requested.
type AlreadySetError struct {
	Path     string
	Existing interface{}
	New      interface{}
}

func (e *AlreadySetError) Error() string {
	return fmt.Sprintf("hyperparameter %q already set to %v (attempted %v without overwrite)",
		e.Path, e.Existing, e.New)
}

// HParams is a path-addressable tree of hyperparameter groups backed by a
// YAML file. Paths use slash notation, e.g. "/fit/n_epochs"; a leading or
// trailing slash is ignored. Mutations are held in memory until Save is
// called. HParams assumes a single writer and is not safe for concurrent
// mutation.
type HParams struct {
	path string
	tree map[string]interface{}
}

// Load reads a YAML hyperparameter file into a new HParams.
func Load(path string) (*HParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hyperparameter file: %w", err)
	}

	tree := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse hyperparameter file %s: %v", path, err)
	}

	return &HParams{path: path, tree: tree}, nil
}

// New creates an empty HParams backed by the given file path. The file is
// not created until Save is called.
func New(path string) *HParams {
	return &HParams{path: path, tree: make(map[string]interface{})}
}

// Path returns the backing file path.
func (hp *HParams) Path() string {
	return hp.path
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Get returns the value stored at path, or ErrKeyNotFound.
func (hp *HParams) Get(path string) (interface{}, error) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrKeyNotFound)
	}

	var node interface{} = hp.tree
	for _, key := range keys {
		group, ok := node.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		node, ok = group[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
	}
	return node, nil
}

// GetDefault returns the value at path, or def if the path is absent.
func (hp *HParams) GetDefault(path string, def interface{}) interface{} {
	value, err := hp.Get(path)
	if err != nil {
		return def
	}
	return value
}

// GetInt returns the value at path coerced to int. YAML decodes integers as
// int, but values written programmatically may be other integer kinds.
func (hp *HParams) GetInt(path string) (int, error) {
	value, err := hp.Get(path)
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("hyperparameter %s is not an integer (got %T)", path, value)
	}
}

// GetString returns the value at path coerced to string.
func (hp *HParams) GetString(path string) (string, error) {
	value, err := hp.Get(path)
	if err != nil {
		return "", err
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("hyperparameter %s is not a string (got %T)", path, value)
	}
	return s, nil
}

// GetStringSlice returns the value at path as a []string. YAML list values
// decode as []interface{}; each element must be a string.
func (hp *HParams) GetStringSlice(path string) ([]string, error) {
	value, err := hp.Get(path)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("hyperparameter %s element %d is not a string (got %T)", path, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("hyperparameter %s is not a list (got %T)", path, value)
	}
}

// GetIntSlice returns the value at path as an []int. Values written
// programmatically may already be []int; YAML list values decode as
// []interface{}.
func (hp *HParams) GetIntSlice(path string) ([]int, error) {
	value, err := hp.Get(path)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case []int:
		return v, nil
	case []interface{}:
		out := make([]int, len(v))
		for i, item := range v {
			n, ok := item.(int)
			if !ok {
				return nil, fmt.Errorf("hyperparameter %s element %d is not an integer (got %T)", path, i, item)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("hyperparameter %s is not a list (got %T)", path, value)
	}
}

// Group returns the mapping stored at path. The returned map is the live
// subtree, not a copy.
func (hp *HParams) Group(path string) (map[string]interface{}, error) {
	value, err := hp.Get(path)
	if err != nil {
		return nil, err
	}
	group, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("hyperparameter %s is not a group (got %T)", path, value)
	}
	return group, nil
}

// Set writes value at path, creating intermediate groups as needed. If the
// path already holds a different value and overwrite is false, Set fails
// with *AlreadySetError. Setting an identical value is a no-op.
func (hp *HParams) Set(path string, value interface{}, overwrite bool) error {
	keys := splitPath(path)
	if len(keys) == 0 {
		return fmt.Errorf("cannot set empty hyperparameter path")
	}

	group := hp.tree
	for _, key := range keys[:len(keys)-1] {
		next, ok := group[key]
		if !ok {
			sub := make(map[string]interface{})
			group[key] = sub
			group = sub
			continue
		}
		sub, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("hyperparameter %s: %q is a value, not a group", path, key)
		}
		group = sub
	}

	leaf := keys[len(keys)-1]
	if existing, ok := group[leaf]; ok && !overwrite {
		if reflect.DeepEqual(existing, value) {
			return nil
		}
		return &AlreadySetError{Path: path, Existing: existing, New: value}
	}
	group[leaf] = value
	return nil
}

// DeleteGroup removes the subtree at path. If the path does not exist the
// call fails with ErrKeyNotFound unless nonExistingOK is set.
func (hp *HParams) DeleteGroup(path string, nonExistingOK bool) error {
	keys := splitPath(path)
	if len(keys) == 0 {
		return fmt.Errorf("cannot delete empty hyperparameter path")
	}

	group := hp.tree
	for _, key := range keys[:len(keys)-1] {
		next, ok := group[key].(map[string]interface{})
		if !ok {
			if nonExistingOK {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		group = next
	}

	leaf := keys[len(keys)-1]
	if _, ok := group[leaf]; !ok {
		if nonExistingOK {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	}
	delete(group, leaf)
	return nil
}

// Save persists the full tree to the backing file. The write is atomic: the
// document is written to a temp file in the same directory and renamed over
// the target, so a concurrent reader never observes a partial file. Save is
// idempotent.
func (hp *HParams) Save() error {
	data, err := yaml.Marshal(hp.tree)
	if err != nil {
		return fmt.Errorf("failed to encode hyperparameters: %v", err)
	}

	dir := filepath.Dir(hp.path)
	tmp, err := os.CreateTemp(dir, ".hparams-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp hyperparameter file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write hyperparameters: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp hyperparameter file: %w", err)
	}

	if err := os.Rename(tmpPath, hp.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace hyperparameter file: %w", err)
	}
	return nil
}
