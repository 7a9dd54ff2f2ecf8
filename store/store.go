// Package store keeps calibration results keyed by name and selector index
// (the illumination or imaging mode the value was measured in).  Writes are
// last-write-wins; there are no transactions.  A Store can be persisted to
// and loaded from YAML.
package store

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/temcal/response"
)

// ErrNotFound is returned when no value is stored for a key and selector
var ErrNotFound = errors.New("no value stored for key and selector")

// Table is the stored data: key -> selector -> coefficients
type Table map[string]map[int][]float64

// Store is a concurrency safe calibration store
type Store struct {
	mu   sync.RWMutex
	data Table
}

// New returns an empty store
func New() *Store {
	return &Store{data: Table{}}
}

// Get returns a copy of the values stored under key and sel
func (s *Store) Get(key string, sel int) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key][sel]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), v...), true
}

// Set stores a copy of v under key and sel, replacing any previous value
func (s *Store) Set(key string, sel int, v []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[key] == nil {
		s.data[key] = map[int][]float64{}
	}
	s.data[key][sel] = append([]float64(nil), v...)
}

// Delete removes the value under key and sel, if any
func (s *Store) Delete(key string, sel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[key], sel)
	if len(s.data[key]) == 0 {
		delete(s.data, key)
	}
}

// Model decodes the response model stored under key and sel
func (s *Store) Model(key string, sel int) (response.Model, error) {
	v, ok := s.Get(key, sel)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s[%d]", key, sel)
	}
	return response.Decode(v)
}

// SetModel stores m under key and sel
func (s *Store) SetModel(key string, sel int, m response.Model) {
	s.Set(key, sel, m.Encode())
}

// Keys returns the stored keys in sorted order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the store's contents
func (s *Store) Snapshot() Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Table, len(s.data))
	for k, sels := range s.data {
		out[k] = make(map[int][]float64, len(sels))
		for sel, v := range sels {
			out[k][sel] = append([]float64(nil), v...)
		}
	}
	return out
}

// Save writes the store to path as YAML.  The file is replaced atomically.
func (s *Store) Save(path string) error {
	b, err := yml.Marshal(s.Snapshot())
	if err != nil {
		return err
	}
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".store-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a store written by Save.  A missing file yields an empty store.
func Load(path string) (*Store, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	t := Table{}
	if err := yml.Unmarshal(b, &t); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if t == nil {
		// an empty document or ~
		t = Table{}
	}
	return &Store{data: t}, nil
}
