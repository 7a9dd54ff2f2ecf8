package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/response"
	"github.com/nasa-jpl/temcal/store"
)

func TestModelRoundTripIsPerSelector(t *testing.T) {
	s := store.New()
	m3 := response.Matrix{0.1, 0.2, -0.3, 1.0 / 3}
	s.SetModel("beamshift", 3, m3)
	s.SetModel("beamshift", 4, response.Matrix{9, 9, 9, 9})
	s.SetModel("beamshift", 2, response.Matrix{})

	got, err := s.Model("beamshift", 3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(response.Model(m3), got, cmpopts.EquateApprox(0, 1e-15)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	// rewriting a neighbour does not disturb index 3
	s.SetModel("beamshift", 4, response.Matrix{-1, 0, 0, -1})
	got, _ = s.Model("beamshift", 3)
	if got != response.Model(m3) {
		t.Errorf("index 3 changed to %v", got)
	}
}

func TestMissingModel(t *testing.T) {
	s := store.New()
	_, err := s.Model("spot", 1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := store.New()
	v := []float64{1, 2}
	s.Set("focus", 0, v)
	v[0] = 100
	got, _ := s.Get("focus", 0)
	got[1] = 100
	again, _ := s.Get("focus", 0)
	if again[0] != 1 || again[1] != 2 {
		t.Errorf("store aliased caller memory: %v", again)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.yml")
	s := store.New()
	s.SetModel("beamtilt", 1, response.Matrix{1.5, -2.25, 0.125, 3})
	s.SetModel("focus", 7, response.Scalar(-0.75))
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	l, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.Snapshot(), l.Snapshot()); diff != "" {
		t.Errorf("(-saved +loaded):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"beamtilt", "focus"}, l.Keys()); diff != "" {
		t.Errorf("keys: %s", diff)
	}

	empty, err := store.Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil || len(empty.Keys()) != 0 {
		t.Errorf("missing file should load empty, got %v %v", empty.Keys(), err)
	}
}

func TestDelete(t *testing.T) {
	s := store.New()
	s.Set("k", 1, []float64{1})
	s.Delete("k", 1)
	if _, ok := s.Get("k", 1); ok || len(s.Keys()) != 0 {
		t.Error("delete left data behind")
	}
}

func TestLoadEmptyDocument(t *testing.T) {
	for _, doc := range []string{"", "~\n", "null\n"} {
		path := filepath.Join(t.TempDir(), "store.yml")
		if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
			t.Fatal(err)
		}
		s, err := store.Load(path)
		if err != nil {
			t.Fatalf("%q: %v", doc, err)
		}
		s.Set("spot", 1, []float64{2})
		if v, ok := s.Get("spot", 1); !ok || v[0] != 2 {
			t.Errorf("%q: set after load lost, got %v %v", doc, v, ok)
		}
	}
}
