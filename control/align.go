package control

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/mathx"
	"github.com/nasa-jpl/temcal/response"
	"github.com/nasa-jpl/temcal/store"
)

// Align captures once, and if a valid feature is found writes a single
// correction  index += -Power * M^-1 (observed - target).
//
// No signal, an ambiguous signal and a missing or singular model are
// reported as outcomes without writing.  A fault restores the register
// before returning the error.
func (c *Controller) Align(ctx context.Context, target []float64) (Outcome, error) {
	return c.within(ctx, "align", func(ctx context.Context) (Outcome, error) {
		return c.runAlign(ctx, target)
	})
}

func (c *Controller) runAlign(ctx context.Context, target []float64) (Outcome, error) {
	r := Report{Procedure: "align"}
	if len(target) != c.cfg.Observable.Dim() {
		return c.conclude(ctx, r, nil, errors.Wrapf(ErrConfig, "target has %d components, %s needs %d",
			len(target), c.cfg.Observable, c.cfg.Observable.Dim()))
	}
	origin, err := c.hw.GetIndex(ctx, c.cfg.Index)
	if err != nil {
		return c.conclude(ctx, r, nil, err)
	}
	r.SetPoint = origin

	model, err := c.store.Model(c.cfg.ResponseKey, c.cfg.Selector)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.Outcome = Singular
			return c.conclude(ctx, r, origin, nil)
		}
		return c.conclude(ctx, r, origin, err)
	}
	r.Model = model.Encode()
	if model.Dim() != len(origin) {
		return c.conclude(ctx, r, origin, errors.Wrapf(ErrConfig, "model has %d axes, register %s has %d",
			model.Dim(), c.cfg.Index, len(origin)))
	}

	obs, err := c.measure(ctx)
	if err != nil {
		return c.conclude(ctx, r, origin, err)
	}
	r.Class = obs.class.String()
	if !obs.class.Valid() {
		r.Outcome = NoSignal
		if obs.class.Ambiguous() {
			r.Outcome = Ambiguous
		}
		return c.conclude(ctx, r, origin, nil)
	}
	val, err := c.observe(obs.m)
	if err != nil {
		return c.conclude(ctx, r, origin, err)
	}
	r.Observed = val
	e := make([]float64, len(val))
	for i := range val {
		e[i] = val[i] - target[i]
	}
	r.Error = e
	c.record(norm(e))

	if len(e) != model.Dim() {
		return c.conclude(ctx, r, origin, errors.Wrapf(ErrConfig, "%s has %d components, model has %d axes",
			c.cfg.Observable, len(e), model.Dim()))
	}
	d, err := model.Solve(e)
	if err != nil {
		if errors.Is(err, response.ErrSingular) {
			r.Outcome = Singular
			return c.conclude(ctx, r, origin, nil)
		}
		return c.conclude(ctx, r, origin, err)
	}
	delta := make([]int, len(d))
	zero := true
	for i := range d {
		delta[i] = mathx.RoundInt(-c.cfg.Power * d[i])
		zero = zero && delta[i] == 0
	}
	r.Delta = delta
	r.Outcome = Success
	if zero {
		return c.conclude(ctx, r, origin, nil)
	}
	next := c.clampLimits(origin.Add(delta))
	if err := c.write(ctx, next); err != nil {
		return c.conclude(ctx, r, origin, err)
	}
	r.SetPoint = next
	return c.conclude(ctx, r, origin, nil)
}
