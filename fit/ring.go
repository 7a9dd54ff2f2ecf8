package fit

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nasa-jpl/temcal/mathx"
)

// Ring is the radius of a diffraction ring as a function of angle:
//
//	r(t) = R + A cos(t - Phi) + B cos(2(t - Psi))
//
// The first harmonic is the offset of the ring centre from the polar origin,
// the second is its ellipticity.  Phases are in degrees and kept in (-90, 90].
type Ring struct {
	R   float64 `json:"r" yaml:"r"`
	A   float64 `json:"a" yaml:"a"`
	Phi float64 `json:"phi" yaml:"phi"`
	B   float64 `json:"b" yaml:"b"`
	Psi float64 `json:"psi" yaml:"psi"`
}

// At evaluates the ring radius at t radians
func (r Ring) At(t float64) float64 {
	return r.R + r.A*math.Cos(t-mathx.Rad(r.Phi)) + r.B*math.Cos(2*(t-mathx.Rad(r.Psi)))
}

// Offset returns the displacement of the ring centre from the polar origin,
// (A cos Phi, A sin Phi)
func (r Ring) Offset() (dx, dy float64) {
	s, c := math.Sincos(mathx.Rad(r.Phi))
	return r.A * c, r.A * s
}

// Normalize folds both phases into (-90, 90].  Moving Phi by 180 degrees
// negates A; Psi has half the period and needs no sign change.
func (r Ring) Normalize() Ring {
	var flipped bool
	r.Phi, flipped = mathx.FoldHalfTurn(r.Phi)
	if flipped {
		r.A = -r.A
	}
	r.Psi, _ = mathx.FoldHalfTurn(r.Psi)
	return r
}

// HarmonicRing solves for the ring model by linear least squares on
// R + a1 cos t + b1 sin t + a2 cos 2t + b2 sin 2t.  theta is in radians.
func HarmonicRing(theta, r []float64) (Ring, error) {
	n := len(theta)
	if n < 5 || len(r) != n {
		return Ring{}, ErrTooFewPoints
	}
	a := mat.NewDense(n, 5, nil)
	for i, t := range theta {
		s1, c1 := math.Sincos(t)
		s2, c2 := math.Sincos(2 * t)
		a.SetRow(i, []float64{1, c1, s1, c2, s2})
	}
	var x mat.VecDense
	if err := x.SolveVec(a, mat.NewVecDense(n, append([]float64(nil), r...))); err != nil {
		return Ring{}, err
	}
	ring := Ring{
		R:   x.AtVec(0),
		A:   math.Hypot(x.AtVec(1), x.AtVec(2)),
		Phi: mathx.Deg(math.Atan2(x.AtVec(2), x.AtVec(1))),
		B:   math.Hypot(x.AtVec(3), x.AtVec(4)),
		Psi: mathx.Deg(math.Atan2(x.AtVec(4), x.AtVec(3))) / 2,
	}
	return ring.Normalize(), nil
}

func (r Ring) params() []float64 {
	return []float64{r.R, r.A, r.Phi, r.B, r.Psi}
}

func ringFromParams(p []float64) Ring {
	return Ring{R: p[0], A: p[1], Phi: p[2], B: p[3], Psi: p[4]}
}

// RingResult is the outcome of FitRing
type RingResult struct {
	Ring Ring    `json:"ring" yaml:"ring"`
	RMS  float64 `json:"rms" yaml:"rms"`
	Iter int     `json:"iter" yaml:"iter"`
}

// FitRing fits the ring model to (theta, r) samples, theta in radians,
// starting from the harmonic solution.
func FitRing(ctx context.Context, theta, r []float64, opts Options) (RingResult, error) {
	r0, err := HarmonicRing(theta, r)
	if err != nil {
		return RingResult{}, err
	}
	return FitRingFrom(ctx, theta, r, r0, opts)
}

// FitRingFrom is FitRing with a caller supplied starting point.  The start
// need not be normalized.
func FitRingFrom(ctx context.Context, theta, r []float64, r0 Ring, opts Options) (RingResult, error) {
	if len(theta) != len(r) || len(r) < 5 {
		return RingResult{}, ErrTooFewPoints
	}
	f := func(dst, p []float64) {
		ring := ringFromParams(p)
		for i, t := range theta {
			dst[i] = r[i] - ring.At(t)
		}
	}
	opts.Normalize = func(p []float64) {
		copy(p, ringFromParams(p).Normalize().params())
	}
	res, err := LevenbergMarquardt(ctx, f, len(r), r0.params(), opts)
	if err != nil {
		return RingResult{}, err
	}
	return RingResult{Ring: ringFromParams(res.Params), RMS: res.RMS, Iter: res.Iter}, nil
}
