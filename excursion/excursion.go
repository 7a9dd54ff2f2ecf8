/*Package excursion temporarily changes optical modes, set-points and
hardware restrictions, and puts them back afterwards.

Excursion and Restriction each snapshot the state they are responsible for,
apply their overrides, run a body and restore the snapshot whether the body
returns normally, returns an error, panics or is stopped.  Blocks nest; each
restores only its own slice of state, so nesting is LIFO.

	err := excursion.Excursion(ctx, inst, func(ctx context.Context) error {
		return excursion.Excursion(ctx, inst, body, excursion.ImagingMode("DIFF"))
	}, excursion.ImagingMode("MAG"))
*/
package excursion

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

// ModeChanged is the worker condition that wakes a mode switch wait early
const ModeChanged = "mode-changed"

// ErrModeTimeout is returned when a mode switch is not confirmed in time
var ErrModeTimeout = errors.New("mode switch not confirmed")

// Body is the code run inside a block
type Body func(ctx context.Context) error

type plan struct {
	modes   map[string]string
	indices map[string]int
	timeout time.Duration
	poll    time.Duration
}

// Override changes one field of the optical state for the duration of an excursion
type Override func(*plan)

func mode(system, m string) Override {
	return func(p *plan) { p.modes[system] = m }
}

func index(name string, v int) Override {
	return func(p *plan) { p.indices[name] = v }
}

// IlluminationMode overrides the illumination mode
func IlluminationMode(m string) Override { return mode(tem.SysIllumination, m) }

// ImagingMode overrides the imaging mode
func ImagingMode(m string) Override { return mode(tem.SysImaging, m) }

// DispersionMode overrides the dispersion mode
func DispersionMode(m string) Override { return mode(tem.SysDispersion, m) }

// Spot overrides the spot size index
func Spot(v int) Override { return index(tem.RegSpot, v) }

// Alpha overrides the alpha index
func Alpha(v int) Override { return index(tem.RegAlpha, v) }

// Mag overrides the magnification index
func Mag(v int) Override { return index(tem.RegMag, v) }

// DispersionValue overrides the dispersion (camera length) index
func DispersionValue(v int) Override { return index(tem.RegDispersion, v) }

// ModeTimeout bounds how long a mode switch may take to be confirmed.
// Default 10 s.
func ModeTimeout(d time.Duration) Override {
	return func(p *plan) { p.timeout = d }
}

// PollInterval sets how often GetMode is polled while waiting.  Default 20 ms.
func PollInterval(d time.Duration) Override {
	return func(p *plan) { p.poll = d }
}

// field order for both applying and restoring: modes before indices
var (
	modeOrder  = []string{tem.SysIllumination, tem.SysImaging, tem.SysDispersion}
	indexOrder = []string{tem.RegSpot, tem.RegAlpha, tem.RegMag, tem.RegDispersion}
)

func modesOf(o tem.OpticalState) map[string]string {
	return map[string]string{
		tem.SysIllumination: o.IlluminationMode,
		tem.SysImaging:      o.ImagingMode,
		tem.SysDispersion:   o.DispersionMode,
	}
}

func indicesOf(o tem.OpticalState) map[string]int {
	return map[string]int{
		tem.RegSpot:       o.Spot,
		tem.RegAlpha:      o.Alpha,
		tem.RegMag:        o.Mag,
		tem.RegDispersion: o.DispersionValue,
	}
}

// Excursion snapshots the optical state, applies the overrides, runs body
// and restores every field that differs from the snapshot, modes first.
//
// The body's error wins over a restore error; a restore error is returned
// when the body succeeded.  A panic in body is re-raised after restoring.
func Excursion(ctx context.Context, inst tem.Instrument, body Body, overrides ...Override) (err error) {
	p := &plan{
		modes:   map[string]string{},
		indices: map[string]int{},
		timeout: 10 * time.Second,
		poll:    20 * time.Millisecond,
	}
	for _, o := range overrides {
		o(p)
	}
	snap, err := tem.ReadOptics(ctx, inst)
	if err != nil {
		return errors.Wrap(err, "excursion snapshot")
	}
	defer func() {
		r := recover()
		rerr := restoreOptics(worker.Detach(ctx), inst, snap, p)
		if r != nil {
			if rerr != nil {
				log.Printf("excursion: restore after panic failed: %v\n", rerr)
			}
			panic(r)
		}
		if err == nil {
			err = rerr
		} else if rerr != nil {
			log.Printf("excursion: restore failed after %v: %v\n", err, rerr)
		}
	}()

	for _, sys := range modeOrder {
		if m, ok := p.modes[sys]; ok {
			if err = switchMode(ctx, inst, sys, m, p); err != nil {
				return err
			}
		}
	}
	for _, name := range indexOrder {
		if v, ok := p.indices[name]; ok {
			if err = inst.SetIndex(ctx, name, tem.SetPoint{v}); err != nil {
				return errors.Wrapf(err, "excursion setting %s", name)
			}
		}
	}
	return body(ctx)
}

// restoreOptics writes back every field that differs from snap.  It keeps
// going past failures and returns the first one.
func restoreOptics(ctx context.Context, inst tem.Instrument, snap tem.OpticalState, p *plan) error {
	cur, err := tem.ReadOptics(ctx, inst)
	blind := err != nil
	var first error
	keep := func(e error) {
		if e != nil && first == nil {
			first = e
		}
	}
	keep(err)
	want, have := modesOf(snap), modesOf(cur)
	for _, sys := range modeOrder {
		if blind || want[sys] != have[sys] {
			keep(switchMode(ctx, inst, sys, want[sys], p))
		}
	}
	wantI, haveI := indicesOf(snap), indicesOf(cur)
	for _, name := range indexOrder {
		if blind || wantI[name] != haveI[name] {
			if err := inst.SetIndex(ctx, name, tem.SetPoint{wantI[name]}); err != nil {
				keep(errors.Wrapf(err, "restoring %s", name))
			}
		}
	}
	return first
}

// switchMode requests a mode and waits until GetMode confirms it
func switchMode(ctx context.Context, inst tem.ModeSwitcher, system, m string, p *plan) error {
	if err := inst.SetMode(ctx, system, m); err != nil {
		return errors.Wrapf(err, "switching %s to %s", system, m)
	}
	deadline := time.Now().Add(p.timeout)
	for {
		got, err := inst.GetMode(ctx, system)
		if err != nil {
			return errors.Wrapf(err, "confirming %s mode", system)
		}
		if got == m {
			return nil
		}
		if !time.Now().Before(deadline) {
			return errors.Wrapf(ErrModeTimeout, "%s still %s, wanted %s after %v", system, got, m, p.timeout)
		}
		if err := pause(ctx, p.poll); err != nil {
			return err
		}
	}
}

// pause sleeps for d.  Inside a worker a ModeChanged signal ends it early.
func pause(ctx context.Context, d time.Duration) error {
	if w := worker.From(ctx); w != nil {
		err := w.WaitFor(ctx, ModeChanged, d)
		if err != nil && !errors.Is(err, worker.ErrTimeout) {
			return err
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return worker.ErrStopRequested
	}
}

// Restriction snapshots the named restrictions, applies overrides in sorted
// key order, runs body and restores the snapshot in reverse order.  Error
// precedence and panics are handled as in Excursion.
func Restriction(ctx context.Context, r tem.Restrictor, overrides map[string]int, body Body) (err error) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type saved struct {
		name string
		v    int
	}
	var snap []saved
	defer func() {
		rec := recover()
		rctx := worker.Detach(ctx)
		var rerr error
		for i := len(snap) - 1; i >= 0; i-- {
			if e := r.SetRestriction(rctx, snap[i].name, snap[i].v); e != nil && rerr == nil {
				rerr = errors.Wrapf(e, "restoring restriction %s", snap[i].name)
			}
		}
		if rec != nil {
			if rerr != nil {
				log.Printf("restriction: restore after panic failed: %v\n", rerr)
			}
			panic(rec)
		}
		if err == nil {
			err = rerr
		} else if rerr != nil {
			log.Printf("restriction: restore failed after %v: %v\n", err, rerr)
		}
	}()

	for _, k := range keys {
		v, err := r.GetRestriction(ctx, k)
		if err != nil {
			return errors.Wrapf(err, "reading restriction %s", k)
		}
		snap = append(snap, saved{k, v})
		if err := r.SetRestriction(ctx, k, overrides[k]); err != nil {
			return errors.Wrapf(err, "setting restriction %s", k)
		}
	}
	return body(ctx)
}

// Optics is an excursion read from configuration.  Empty modes and nil
// indices leave a field alone.
type Optics struct {
	IlluminationMode string `yaml:"IlluminationMode,omitempty"`
	ImagingMode      string `yaml:"ImagingMode,omitempty"`
	DispersionMode   string `yaml:"DispersionMode,omitempty"`

	Spot            *int `yaml:"Spot,omitempty"`
	Alpha           *int `yaml:"Alpha,omitempty"`
	Mag             *int `yaml:"Mag,omitempty"`
	DispersionValue *int `yaml:"DispersionValue,omitempty"`

	// Restrictions are applied inside the optical overrides
	Restrictions map[string]int `yaml:"Restrictions,omitempty"`

	// ModeTimeout bounds each mode switch.  Default 10s
	ModeTimeout time.Duration `yaml:"ModeTimeout,omitempty"`
}

// Overrides returns the optical overrides of o
func (o Optics) Overrides() []Override {
	var out []Override
	if o.IlluminationMode != "" {
		out = append(out, IlluminationMode(o.IlluminationMode))
	}
	if o.ImagingMode != "" {
		out = append(out, ImagingMode(o.ImagingMode))
	}
	if o.DispersionMode != "" {
		out = append(out, DispersionMode(o.DispersionMode))
	}
	for _, f := range []struct {
		v  *int
		fn func(int) Override
	}{{o.Spot, Spot}, {o.Alpha, Alpha}, {o.Mag, Mag}, {o.DispersionValue, DispersionValue}} {
		if f.v != nil {
			out = append(out, f.fn(*f.v))
		}
	}
	if len(out) > 0 && o.ModeTimeout > 0 {
		out = append(out, ModeTimeout(o.ModeTimeout))
	}
	return out
}

// Empty is true when o changes nothing
func (o Optics) Empty() bool {
	return len(o.Overrides()) == 0 && len(o.Restrictions) == 0
}

// Run runs body inside an Excursion for o's optical overrides, and inside
// that a Restriction for o's restrictions.  An empty o just runs body.
func (o Optics) Run(ctx context.Context, inst tem.Instrument, body Body) error {
	inner := body
	if len(o.Restrictions) > 0 {
		inner = func(ctx context.Context) error {
			return Restriction(ctx, inst, o.Restrictions, body)
		}
	}
	ov := o.Overrides()
	if len(ov) == 0 {
		return inner(ctx)
	}
	return Excursion(ctx, inst, inner, ov...)
}
