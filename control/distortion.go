package control

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/feature"
	"github.com/nasa-jpl/temcal/fit"
	"github.com/nasa-jpl/temcal/mathx"
	"github.com/nasa-jpl/temcal/worker"
)

// GridSize is the length of a stored lattice fit:
// pitch, tilt, aspect, k3, centre x, centre y
const GridSize = 6

// EncodeGrid flattens a lattice for the store
func EncodeGrid(g fit.Grid) []float64 {
	return []float64{g.Pitch, g.Tilt, g.Aspect, g.K3, g.Center.X, g.Center.Y}
}

// DecodeGrid is the inverse of EncodeGrid.  Scale is not stored.
func DecodeGrid(v []float64) (fit.Grid, error) {
	if len(v) != GridSize {
		return fit.Grid{}, errors.Errorf("grid has %d values, expected %d", len(v), GridSize)
	}
	g := fit.Grid{Pitch: v[0], Tilt: v[1], Aspect: v[2], K3: v[3]}
	g.Center.X, g.Center.Y = v[4], v[5]
	return g, nil
}

// EncodeRing flattens a ring model for the store: R, A, Phi, B, Psi
func EncodeRing(r fit.Ring) []float64 {
	return []float64{r.R, r.A, r.Phi, r.B, r.Psi}
}

// FitDistortion captures a frame of a marker lattice, fits a lattice of the
// given kind to the detected markers and stores the result under the
// controller's response key and selector.  The register is not written.
//
// Too few markers is NoSignal and a fit that does not converge to a finite
// lattice is Singular.  A stop during the fit is Stopped.
func (c *Controller) FitDistortion(ctx context.Context, kind fit.GridKind) (Outcome, error) {
	return c.within(ctx, "fitgrid", func(ctx context.Context) (Outcome, error) {
		return c.runFitDistortion(ctx, kind)
	})
}

// FitRing is FitDistortion for a diffraction ring: the per-angle radii of
// the detected ring are fitted with the harmonic ring model and
// R, A, Phi, B, Psi are stored.
func (c *Controller) FitRing(ctx context.Context) (Outcome, error) {
	return c.within(ctx, "fitring", c.runFitRing)
}

// pattern captures and detects a feature of the given kind for a fitting
// procedure, recording the classification in r
func (c *Controller) pattern(ctx context.Context, kind feature.Kind, r *Report) (feature.Measurement, error) {
	if c.cfg.Kind != kind {
		return feature.Measurement{}, errors.Wrapf(ErrConfig, "%s needs %s detection, have %s", r.Procedure, kind, c.cfg.Kind)
	}
	img, err := c.hw.Capture(ctx)
	if err != nil {
		return feature.Measurement{}, err
	}
	m, err := feature.Detect(img, kind, c.cfg.Detect)
	if err != nil {
		return feature.Measurement{}, err
	}
	class := feature.Classify(m, c.cfg.Thresholds)
	c.hw.Notify(class.Event(), m)
	r.Class = class.String()
	return m, nil
}

// fitted maps a fit error to an outcome, or stores v on success
func (c *Controller) fitted(ctx context.Context, r Report, v []float64, err error) (Outcome, error) {
	switch {
	case errors.Is(err, fit.ErrTooFewPoints):
		r.Outcome = NoSignal
		return c.conclude(ctx, r, nil, nil)
	case errors.Is(err, fit.ErrStopped):
		return c.conclude(ctx, r, nil, errors.Wrap(worker.ErrStopRequested, r.Procedure))
	case err != nil:
		return c.conclude(ctx, r, nil, err)
	}
	if !mathx.Finite(v...) {
		r.Outcome = Singular
		return c.conclude(ctx, r, nil, nil)
	}
	c.store.Set(c.cfg.ResponseKey, c.cfg.Selector, v)
	r.Model = v
	r.Outcome = Success
	return c.conclude(ctx, r, nil, nil)
}

func (c *Controller) runFitDistortion(ctx context.Context, kind fit.GridKind) (Outcome, error) {
	r := Report{Procedure: "fitgrid"}
	m, err := c.pattern(ctx, feature.Grid, &r)
	if err != nil {
		return c.conclude(ctx, r, nil, err)
	}
	g, ok := m.Geometry.(feature.GridGeometry)
	if !ok {
		r.Outcome = NoSignal
		return c.conclude(ctx, r, nil, nil)
	}
	r.Observed = []float64{g.Guess.Center.X, g.Guess.Center.Y}

	res, err := fit.FitGridFrom(ctx, g.Markers, kind, g.Guess, fit.Options{})
	if err != nil {
		return c.fitted(ctx, r, nil, err)
	}
	r.Iter, r.RMS = res.Iter, res.RMS
	if res.Grid.Pitch <= 0 {
		r.Outcome = Singular
		return c.conclude(ctx, r, nil, nil)
	}
	return c.fitted(ctx, r, EncodeGrid(res.Grid), nil)
}

func (c *Controller) runFitRing(ctx context.Context) (Outcome, error) {
	r := Report{Procedure: "fitring"}
	m, err := c.pattern(ctx, feature.Ring, &r)
	if err != nil {
		return c.conclude(ctx, r, nil, err)
	}
	ring, ok := m.Geometry.(feature.RingGeometry)
	if !ok {
		r.Outcome = NoSignal
		return c.conclude(ctx, r, nil, nil)
	}
	p := ring.Position()
	r.Observed = []float64{p.X, p.Y}

	res, err := fit.FitRingFrom(ctx, ring.Theta, ring.Radii, ring.Model, fit.Options{})
	if err != nil {
		return c.fitted(ctx, r, nil, err)
	}
	r.Iter, r.RMS = res.Iter, res.RMS
	if res.Ring.R <= 0 {
		r.Outcome = Singular
		return c.conclude(ctx, r, nil, nil)
	}
	return c.fitted(ctx, r, EncodeRing(res.Ring), nil)
}
