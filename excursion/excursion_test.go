package excursion_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/excursion"
	"github.com/nasa-jpl/temcal/sim"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

func optics(t *testing.T, m *sim.Microscope) tem.OpticalState {
	t.Helper()
	o, err := tem.ReadOptics(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestNestedExcursionsRestoreLIFO(t *testing.T) {
	m := sim.NewMicroscope()
	ctx := context.Background()
	before := optics(t, m)
	var inner, outer tem.OpticalState
	err := excursion.Excursion(ctx, m, func(ctx context.Context) error {
		outer = optics(t, m)
		err := excursion.Excursion(ctx, m, func(ctx context.Context) error {
			inner = optics(t, m)
			return m.SetIndex(ctx, tem.RegSpot, tem.SetPoint{3})
		}, excursion.ImagingMode("DIFF"))
		if err != nil {
			return err
		}
		if got := optics(t, m); got != outer {
			t.Errorf("inner block left %s, expected %s", got, outer)
		}
		return nil
	}, excursion.ImagingMode("MAG"))
	if err != nil {
		t.Fatal(err)
	}
	if outer.ImagingMode != "MAG" || inner.ImagingMode != "DIFF" {
		t.Errorf("overrides not applied: outer %s inner %s", outer, inner)
	}
	if diff := cmp.Diff(before, optics(t, m)); diff != "" {
		t.Errorf("state not restored (-before +after):\n%s", diff)
	}
}

func TestRestoreAfterError(t *testing.T) {
	m := sim.NewMicroscope()
	before := optics(t, m)
	boom := errors.New("detector saturated")
	err := excursion.Excursion(context.Background(), m, func(ctx context.Context) error {
		m.SetIndex(ctx, tem.RegMag, tem.SetPoint{50000})
		return boom
	}, excursion.Spot(5), excursion.Alpha(1), excursion.DispersionMode("EELS"))
	if err != boom {
		t.Errorf("expected the body error, got %v", err)
	}
	if diff := cmp.Diff(before, optics(t, m)); diff != "" {
		t.Errorf("state not restored (-before +after):\n%s", diff)
	}
}

func TestRestoreAfterPanic(t *testing.T) {
	m := sim.NewMicroscope()
	before := optics(t, m)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		excursion.Excursion(context.Background(), m, func(ctx context.Context) error {
			panic("bad index")
		}, excursion.Spot(7))
	}()
	if got := optics(t, m); got != before {
		t.Errorf("state not restored after panic: %s", got)
	}
}

func TestRestoreAfterStop(t *testing.T) {
	m := sim.NewMicroscope()
	before := optics(t, m)
	w := worker.New()
	err := w.Run(context.Background(), "stopped", func(ctx context.Context) error {
		return excursion.Excursion(ctx, m, func(ctx context.Context) error {
			w.Stop()
			return worker.Checkpoint(ctx)
		}, excursion.ImagingMode("DIFF"), excursion.Spot(4))
	})
	if !worker.IsStop(err) {
		t.Errorf("expected a stop, got %v", err)
	}
	if got := optics(t, m); got != before {
		t.Errorf("state not restored after stop: %s", got)
	}
}

func TestModeSwitchIsConfirmed(t *testing.T) {
	m := sim.NewMicroscope()
	m.ModeDelay = 30 * time.Millisecond
	var seen string
	err := excursion.Excursion(context.Background(), m, func(ctx context.Context) error {
		seen, _ = m.GetMode(ctx, tem.SysImaging)
		return nil
	}, excursion.ImagingMode("DIFF"), excursion.PollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if seen != "DIFF" {
		t.Errorf("body ran before the mode switch completed, saw %s", seen)
	}
}

func TestModeSwitchTimeout(t *testing.T) {
	m := sim.NewMicroscope()
	m.ModeDelay = time.Hour
	ran := false
	err := excursion.Excursion(context.Background(), m, func(ctx context.Context) error {
		ran = true
		return nil
	}, excursion.ImagingMode("DIFF"),
		excursion.ModeTimeout(20*time.Millisecond), excursion.PollInterval(5*time.Millisecond))
	if !errors.Is(err, excursion.ErrModeTimeout) {
		t.Errorf("expected ErrModeTimeout, got %v", err)
	}
	if ran {
		t.Error("body ran although the mode switch failed")
	}
}

func TestRestrictionOrder(t *testing.T) {
	m := sim.NewMicroscope()
	ctx := context.Background()
	err := excursion.Restriction(ctx, m, map[string]int{
		"objective-aperture": 4,
		"condenser-aperture": 1,
	}, func(ctx context.Context) error {
		return errors.New("aperture stuck")
	})
	if err == nil || err.Error() != "aperture stuck" {
		t.Errorf("expected the body error, got %v", err)
	}
	want := []string{
		"restrict condenser-aperture 1",
		"restrict objective-aperture 4",
		"restrict objective-aperture 0",
		"restrict condenser-aperture 2",
	}
	if diff := cmp.Diff(want, m.Journal()); diff != "" {
		t.Errorf("journal mismatch (-want +got):\n%s", diff)
	}
}

func TestInnerRestoreFailureDoesNotSkipOuter(t *testing.T) {
	m := sim.NewMicroscope()
	ctx := context.Background()
	err := excursion.Restriction(ctx, m, map[string]int{"condenser-aperture": 3}, func(ctx context.Context) error {
		return excursion.Restriction(ctx, m, map[string]int{"objective-aperture": 1}, func(ctx context.Context) error {
			m.Fail("restrict objective-aperture", errors.New("motor fault"))
			return nil
		})
	})
	if err == nil {
		t.Error("expected the inner restore failure to surface")
	}
	if v, _ := m.GetRestriction(ctx, "condenser-aperture"); v != 2 {
		t.Errorf("outer restriction not restored, got %d", v)
	}
}
