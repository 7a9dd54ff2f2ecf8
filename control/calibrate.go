package control

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/response"
	"github.com/nasa-jpl/temcal/tem"
)

// errBackOff marks a probe that must be retried with a smaller step
var errBackOff = errors.New("probe rejected")

// Calibrate measures the response model by probing the register at origin
// and at origin + step along each axis, and stores the model on success.
//
// A probe is rejected, and the step halved, when it would leave the
// software limits, when the register does not read back as commanded, when
// the feature is lost or its P falls below half of the origin's, or when it
// moves the observable by less than MinShift.  Each rejection uses one of
// maxiter iterations.  The register is returned to origin on every path.
func (c *Controller) Calibrate(ctx context.Context, step, maxiter int) (Outcome, error) {
	return c.within(ctx, "calibrate", func(ctx context.Context) (Outcome, error) {
		return c.runCalibrate(ctx, step, maxiter)
	})
}

func (c *Controller) runCalibrate(ctx context.Context, step, maxiter int) (Outcome, error) {
	r := Report{Procedure: "calibrate"}
	if step < 1 || maxiter < 1 {
		return c.conclude(ctx, r, nil, errors.Wrapf(ErrConfig, "step %d and maxiter %d must be positive", step, maxiter))
	}
	origin, err := c.hw.GetIndex(ctx, c.cfg.Index)
	if err != nil {
		return c.conclude(ctx, r, nil, err)
	}
	r.SetPoint = origin
	dim := len(origin)
	if dim != c.cfg.Observable.Dim() {
		return c.conclude(ctx, r, nil, errors.Wrapf(ErrConfig, "register %s has %d axes, %s has %d components",
			c.cfg.Index, dim, c.cfg.Observable, c.cfg.Observable.Dim()))
	}

	out, err := c.calibrate(ctx, &r, origin, step, maxiter)
	if err != nil {
		return c.conclude(ctx, r, origin, err)
	}
	r.Outcome = out
	if rerr := c.restore(ctx, origin); rerr != nil {
		return c.conclude(ctx, r, origin, rerr)
	}
	return c.conclude(ctx, r, origin, nil)
}

func (c *Controller) calibrate(ctx context.Context, r *Report, origin tem.SetPoint, step, maxiter int) (Outcome, error) {
	dim := len(origin)
	for r.Iter = 1; r.Iter <= maxiter; r.Iter++ {
		r.Step = step
		// origin is re-measured every round; the previous round left the register at a probe
		if err := c.write(ctx, origin); err != nil {
			return Fault, err
		}
		o0, err := c.measure(ctx)
		if err != nil {
			return Fault, err
		}
		r.Class = o0.class.String()
		if !o0.class.Valid() {
			if o0.class.Ambiguous() {
				return Ambiguous, nil
			}
			return NoSignal, nil
		}
		v0, err := c.observe(o0.m)
		if err != nil {
			return Fault, err
		}

		cols := make([][]float64, dim)
		for axis := 0; axis < dim && err == nil; axis++ {
			cols[axis], err = c.probe(ctx, origin, axis, step, o0, v0)
		}
		if errors.Is(err, errBackOff) {
			log.Printf("%s: %v, step %d -> %d\n", c.cfg.Name, err, step, step/2)
			step /= 2
			if step < 1 {
				return Ineffective, nil
			}
			continue
		}
		if err != nil {
			return Fault, err
		}

		var model response.Model
		if dim == 1 {
			model, err = response.ScalarFromProbes(v0[0], cols[0][0], float64(step))
		} else {
			obs0 := [2]float64{v0[0], v0[1]}
			model, err = response.FromProbes(obs0,
				[2]float64{cols[0][0], cols[0][1]}, [2]float64{cols[1][0], cols[1][1]},
				float64(step), float64(step))
		}
		if err != nil {
			return Fault, err
		}
		r.Model = model.Encode()
		unit := make([]float64, dim)
		unit[0] = 1
		if _, err := model.Solve(unit); err != nil {
			return Singular, nil
		}
		c.store.SetModel(c.cfg.ResponseKey, c.cfg.Selector, model)
		return Success, nil
	}
	return Ineffective, nil
}

// probe moves one axis by step and returns the observable there
func (c *Controller) probe(ctx context.Context, origin tem.SetPoint, axis, step int, o0 observation, v0 []float64) ([]float64, error) {
	delta := make([]int, len(origin))
	delta[axis] = step
	p := origin.Add(delta)
	if !c.inLimits(p) {
		return nil, errors.Wrapf(errBackOff, "probe %s outside limits", p)
	}
	if err := c.write(ctx, p); err != nil {
		return nil, err
	}
	got, err := c.hw.GetIndex(ctx, c.cfg.Index)
	if err != nil {
		return nil, err
	}
	if !got.Equal(p) {
		return nil, errors.Wrapf(errBackOff, "probe %s read back as %s", p, got)
	}
	o, err := c.measure(ctx)
	if err != nil {
		return nil, err
	}
	if !o.class.Valid() {
		return nil, errors.Wrapf(errBackOff, "probe %s lost the feature (%s)", p, o.class)
	}
	if o.m.P < 0.5*o0.m.P {
		return nil, errors.Wrapf(errBackOff, "probe %s signal fell to %.3g of %.3g", p, o.m.P, o0.m.P)
	}
	v, err := c.observe(o.m)
	if err != nil {
		return nil, err
	}
	shift := make([]float64, len(v))
	for i := range v {
		shift[i] = v[i] - v0[i]
	}
	if norm(shift) < c.cfg.MinShift {
		return nil, errors.Wrapf(errBackOff, "probe %s moved %.3g px", p, norm(shift))
	}
	return v, nil
}
