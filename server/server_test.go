package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/temcal/control"
	"github.com/nasa-jpl/temcal/feature"
	"github.com/nasa-jpl/temcal/generichttp"
	"github.com/nasa-jpl/temcal/server"
	"github.com/nasa-jpl/temcal/sim"
	"github.com/nasa-jpl/temcal/store"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

func newServer(t *testing.T) (*server.Server, *sim.Microscope) {
	t.Helper()
	scope := sim.NewMicroscope()
	sess := tem.NewSession(sim.NewBeamCamera(scope), scope)
	st := store.New()
	ctl, err := control.New(control.Config{
		Name:       "shift",
		Index:      sim.RegBeamShift,
		Kind:       feature.Ellipse,
		Detect:     feature.Options{Otsu: true, MinArea: 20},
		Thresholds: feature.Thresholds{Noise: 30, Borderline: 0.5},
	}, sess, st)
	if err != nil {
		t.Fatal(err)
	}
	return &server.Server{
		Session:     sess,
		Worker:      worker.New(),
		Store:       st,
		Controllers: map[string]*control.Controller{"shift": ctl},
	}, scope
}

func postJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	buf := &bytes.Buffer{}
	json.NewEncoder(buf).Encode(v)
	resp, err := http.Post(url, "application/json", buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRoutesAreMounted(t *testing.T) {
	s, _ := newServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, path := range []string{"/ctl", "/ctl/shift/config", "/worker/status", "/tem/optics", "/store", "/tem/frame"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/ctl")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var names []string
	json.NewDecoder(resp.Body).Decode(&names)
	if diff := cmp.Diff([]string{"shift"}, names); diff != "" {
		t.Errorf("controller list mismatch (-want +got):\n%s", diff)
	}
}

func TestBusyWorkerLocksMutations(t *testing.T) {
	s, _ := newServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.Worker.Start(context.Background(), "hold", func(ctx context.Context) error {
		return s.Worker.WaitFor(ctx, "never", 0)
	})
	if code := postJSON(t, srv.URL+"/ctl/shift/align", map[string]interface{}{"target": []float64{64, 64}}); code != http.StatusLocked {
		t.Errorf("align while busy: expected 423, got %d", code)
	}
	if code := postJSON(t, srv.URL+"/worker/stop", nil); code != http.StatusOK {
		t.Errorf("stop while busy: expected 200, got %d", code)
	}
	if err := s.Worker.Wait(); !worker.IsStop(err) {
		t.Errorf("expected the held task to stop, got %v", err)
	}
}

func TestManualLock(t *testing.T) {
	s, scope := newServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if code := postJSON(t, srv.URL+"/worker/lock", generichttp.BoolT{Bool: true}); code != http.StatusOK {
		t.Fatalf("lock: expected 200, got %d", code)
	}
	if code := postJSON(t, srv.URL+"/ctl/shift/cal", map[string]int{"step": 4, "maxiter": 2}); code != http.StatusLocked {
		t.Errorf("cal while locked: expected 423, got %d", code)
	}
	if len(scope.Journal()) != 0 {
		t.Errorf("a locked server wrote to the instrument: %v", scope.Journal())
	}
	postJSON(t, srv.URL+"/worker/lock", generichttp.BoolT{Bool: false})
	if code := postJSON(t, srv.URL+"/ctl/shift/cal", map[string]interface{}{"step": 4, "maxiter": 2, "wait": true}); code == http.StatusLocked {
		t.Error("cal still refused after unlock")
	}
}
