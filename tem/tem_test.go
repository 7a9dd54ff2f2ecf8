package tem_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/camera"
	"github.com/nasa-jpl/temcal/imgproc"
	"github.com/nasa-jpl/temcal/sim"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

func TestParseSetPoint(t *testing.T) {
	tests := []struct {
		in   string
		want tem.SetPoint
		ok   bool
	}{
		{"5", tem.SetPoint{5}, true},
		{"-3,12", tem.SetPoint{-3, 12}, true},
		{"", nil, false},
		{"1,2,3", nil, false},
		{"x", nil, false},
	}
	for _, tt := range tests {
		got, err := tem.ParseSetPoint(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseSetPoint(%q) error = %v", tt.in, err)
			continue
		}
		if tt.ok && !got.Equal(tt.want) {
			t.Errorf("ParseSetPoint(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetPointAdd(t *testing.T) {
	s := tem.SetPoint{10, 20}
	if got := s.Add([]int{1, -2}); !got.Equal(tem.SetPoint{11, 18}) {
		t.Errorf("got %v", got)
	}
	if !s.Equal(tem.SetPoint{10, 20}) {
		t.Error("Add mutated its receiver")
	}
}

func TestCaptureRetriesOnce(t *testing.T) {
	calls := 0
	cam := camera.CaptureFunc(func(ctx context.Context) (imgproc.Image, error) {
		calls++
		if calls == 1 {
			return imgproc.Image{}, errors.New("readout timeout")
		}
		return imgproc.New(4, 4), nil
	})
	s := tem.NewSession(cam, sim.NewMicroscope(), tem.WithRetryDelay(time.Millisecond))
	if _, err := s.Capture(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected 2 capture attempts, got %d", calls)
	}
}

func TestCaptureGivesUpAfterRetry(t *testing.T) {
	calls := 0
	cam := camera.CaptureFunc(func(ctx context.Context) (imgproc.Image, error) {
		calls++
		return imgproc.Image{}, errors.New("camera unplugged")
	})
	s := tem.NewSession(cam, sim.NewMicroscope(), tem.WithRetryDelay(time.Millisecond))
	if _, err := s.Capture(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if calls != 2 {
		t.Errorf("expected 2 capture attempts, got %d", calls)
	}
}

func TestSessionStopsAtCheckpoint(t *testing.T) {
	m := sim.NewMicroscope()
	s := tem.NewSession(sim.NewBeamCamera(m), m)
	w := worker.New()
	err := w.Run(context.Background(), "stop", func(ctx context.Context) error {
		w.Stop()
		return s.SetIndex(ctx, tem.RegSpot, tem.SetPoint{5})
	})
	if !worker.IsStop(err) {
		t.Errorf("expected a stop, got %v", err)
	}
	if len(m.Journal()) != 0 {
		t.Errorf("a write reached the instrument after stop: %v", m.Journal())
	}
}

func TestNotifyWithoutNotifier(t *testing.T) {
	m := sim.NewMicroscope()
	s := tem.NewSession(sim.NewBeamCamera(m), m)
	s.Notify("detect-beam", nil)

	var got []string
	s = tem.NewSession(sim.NewBeamCamera(m), m, tem.WithNotifier(tem.NotifierFunc(func(ev string, _ interface{}) {
		got = append(got, ev)
	})))
	s.Notify("detect-nobeam", nil)
	if len(got) != 1 || got[0] != "detect-nobeam" {
		t.Errorf("unexpected events %v", got)
	}
}

func TestReadOptics(t *testing.T) {
	m := sim.NewMicroscope()
	o, err := tem.ReadOptics(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	want := tem.OpticalState{
		IlluminationMode: "TEM", Spot: 1, Alpha: 3,
		ImagingMode: "MAG", Mag: 20000,
		DispersionMode: "OFF", DispersionValue: 0,
	}
	if o != want {
		t.Errorf("got %+v, want %+v", o, want)
	}
}
