package control

import (
	"context"
	"log"
	"math"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/tem"
)

// FindBeam searches for a beam that is not visible.  Each round samples the
// mean image density at the current set-point and one step along each
// axis, then moves along the axis with the larger absolute slope by the
// distance a linear extrapolation needs to reach the noise level, clamped
// to [step, 4*step] and to the software limits.
//
// The search ends with Success as soon as a capture classifies as a valid
// beam, leaving the register there.  Otherwise the register is restored and
// the outcome is NoSignal.
func (c *Controller) FindBeam(ctx context.Context, step, maxiter int) (Outcome, error) {
	return c.within(ctx, "findbeam", func(ctx context.Context) (Outcome, error) {
		return c.runFindBeam(ctx, step, maxiter)
	})
}

func (c *Controller) runFindBeam(ctx context.Context, step, maxiter int) (Outcome, error) {
	r := Report{Procedure: "findbeam"}
	if step < 1 || maxiter < 1 {
		return c.conclude(ctx, r, nil, errors.Wrapf(ErrConfig, "step %d and maxiter %d must be positive", step, maxiter))
	}
	origin, err := c.hw.GetIndex(ctx, c.cfg.Index)
	if err != nil {
		return c.conclude(ctx, r, nil, err)
	}
	r.Step = step

	found, cur, err := c.findBeam(ctx, &r, origin, step, maxiter)
	if err != nil {
		return c.conclude(ctx, r, origin, err)
	}
	if found {
		r.Outcome = Success
		r.SetPoint = cur
		return c.conclude(ctx, r, origin, nil)
	}
	r.Outcome = NoSignal
	r.SetPoint = origin
	if rerr := c.restore(ctx, origin); rerr != nil {
		return c.conclude(ctx, r, origin, rerr)
	}
	return c.conclude(ctx, r, origin, nil)
}

func (c *Controller) findBeam(ctx context.Context, r *Report, origin tem.SetPoint, step, maxiter int) (bool, tem.SetPoint, error) {
	cur := origin.Clone()
	dim := len(cur)
	for r.Iter = 1; r.Iter <= maxiter; r.Iter++ {
		if err := c.write(ctx, cur); err != nil {
			return false, cur, err
		}
		o0, err := c.measure(ctx)
		if err != nil {
			return false, cur, err
		}
		r.Class = o0.class.String()
		if o0.class.Valid() {
			return true, cur, nil
		}

		samples := make([]float64, dim)
		for axis := 0; axis < dim; axis++ {
			delta := make([]int, dim)
			delta[axis] = step
			p := c.clampLimits(cur.Add(delta))
			if err := c.write(ctx, p); err != nil {
				return false, cur, err
			}
			o, err := c.measure(ctx)
			if err != nil {
				return false, cur, err
			}
			if o.class.Valid() {
				r.Class = o.class.String()
				return true, p, nil
			}
			samples[axis] = o.mean
		}

		axis, slope := steepest(o0.mean, samples, float64(step))
		dist := extrapolate(o0.mean, slope, c.cfg.Thresholds.Noise, float64(step))
		delta := make([]int, dim)
		if slope < 0 {
			delta[axis] = -int(dist)
		} else {
			delta[axis] = int(dist)
		}
		next := c.clampLimits(cur.Add(delta))
		if next.Equal(cur) {
			log.Printf("%s: search pinned at the limits at %s\n", c.cfg.Name, cur)
			return false, cur, nil
		}
		cur = next
	}
	return false, cur, nil
}

// steepest returns the axis whose sample differs most from s0 per unit
// step, and that slope.  An exact tie goes to the lower axis.
func steepest(s0 float64, samples []float64, step float64) (axis int, slope float64) {
	for i, s := range samples {
		k := (s - s0) / step
		if i == 0 || math.Abs(k) > math.Abs(slope) {
			axis, slope = i, k
		}
	}
	return axis, slope
}

// extrapolate returns how far to move along a slope to bring s0 up to
// target, clamped to [step, 4*step].  A flat slope or a signal already above
// target moves the full 4*step or a single step respectively.
func extrapolate(s0, slope, target, step float64) float64 {
	if s0 >= target {
		return step
	}
	if slope == 0 || math.IsNaN(slope) {
		return 4 * step
	}
	d := math.Abs((target - s0) / slope)
	return math.Round(math.Max(step, math.Min(4*step, d)))
}
