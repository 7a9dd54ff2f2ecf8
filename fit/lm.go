/*Package fit contains the nonlinear least squares engine and the lattice and
ring models it is used with.

LevenbergMarquardt is a small, dependency-light implementation over
gonum/mat: forward difference Jacobian, Marquardt's diagonal damping and
a caller supplied Normalize hook that folds parameters back into their
canonical range after every accepted step.

Every residual evaluation checks the context.  A cancelled fit returns
ErrStopped and no partial result.
*/
package fit

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrStopped is returned when the context is cancelled during a fit
	ErrStopped = errors.New("fit stopped")

	// ErrTooFewPoints is returned when there are fewer observations than parameters
	ErrTooFewPoints = errors.New("too few points for the model")
)

// ResidualFunc writes the residuals for params into dst.  len(dst) is fixed
// for the lifetime of a fit.
type ResidualFunc func(dst, params []float64)

// Options controls LevenbergMarquardt.  The zero value is usable.
type Options struct {
	// MaxIter bounds the number of Jacobian evaluations.  Default 200
	MaxIter int

	// Tol is the relative change in cost below which the fit is converged.  Default 1e-12
	Tol float64

	// Lambda is the initial damping.  Default 1e-3
	Lambda float64

	// Step is the relative finite difference step.  Default 1e-7
	Step float64

	// Normalize, if not nil, is applied to the parameters after every
	// accepted step.  It must not change the residuals.
	Normalize func(params []float64)
}

func (o Options) withDefaults() Options {
	if o.MaxIter <= 0 {
		o.MaxIter = 200
	}
	if o.Tol <= 0 {
		o.Tol = 1e-12
	}
	if o.Lambda <= 0 {
		o.Lambda = 1e-3
	}
	if o.Step <= 0 {
		o.Step = 1e-7
	}
	return o
}

// Result is the outcome of a fit
type Result struct {
	Params    []float64
	Cost      float64 // sum of squared residuals
	RMS       float64
	Iter      int
	Converged bool
}

// LevenbergMarquardt minimizes the sum of squares of f over params, starting
// from p0, with m residuals.
func LevenbergMarquardt(ctx context.Context, f ResidualFunc, m int, p0 []float64, opts Options) (Result, error) {
	opts = opts.withDefaults()
	n := len(p0)
	if m < n || n == 0 {
		return Result{}, ErrTooFewPoints
	}
	eval := func(dst, p []float64) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, ErrStopped
		}
		f(dst, p)
		var c float64
		for _, v := range dst {
			c += v * v
		}
		return c, nil
	}

	p := append([]float64(nil), p0...)
	if opts.Normalize != nil {
		opts.Normalize(p)
	}
	r := make([]float64, m)
	cost, err := eval(r, p)
	if err != nil {
		return Result{}, err
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Result{}, errors.New("residuals are not finite at the initial guess")
	}

	var (
		jac    = mat.NewDense(m, n, nil)
		rTrial = make([]float64, m)
		pTrial = make([]float64, n)
		lambda = opts.Lambda
		res    = Result{}
	)
	for res.Iter = 0; res.Iter < opts.MaxIter; res.Iter++ {
		if cost == 0 {
			res.Converged = true
			break
		}
		// forward difference Jacobian
		for j := 0; j < n; j++ {
			h := opts.Step * math.Max(math.Abs(p[j]), 1)
			copy(pTrial, p)
			pTrial[j] += h
			if _, err := eval(rTrial, pTrial); err != nil {
				return Result{}, err
			}
			for i := 0; i < m; i++ {
				jac.Set(i, j, (rTrial[i]-r[i])/h)
			}
		}
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), mat.NewVecDense(m, r))
		g.ScaleVec(-1, &g)

		accepted := false
		for !accepted && lambda < 1e16 {
			aug := mat.DenseCopyOf(&jtj)
			for k := 0; k < n; k++ {
				d := jtj.At(k, k)
				if d == 0 {
					d = 1
				}
				aug.Set(k, k, d*(1+lambda))
			}
			var delta mat.VecDense
			if err := delta.SolveVec(aug, &g); err != nil {
				lambda *= 10
				continue
			}
			for k := 0; k < n; k++ {
				pTrial[k] = p[k] + delta.AtVec(k)
			}
			c, err := eval(rTrial, pTrial)
			if err != nil {
				return Result{}, err
			}
			if c < cost && !math.IsNaN(c) {
				accepted = true
				if opts.Normalize != nil {
					opts.Normalize(pTrial)
				}
				copy(p, pTrial)
				copy(r, rTrial)
				small := cost-c <= opts.Tol*cost
				cost = c
				lambda = math.Max(lambda/10, 1e-12)
				if small {
					res.Converged = true
				}
			} else {
				lambda *= 10
			}
		}
		if !accepted {
			// no downhill step exists at any damping: a minimum
			res.Converged = true
		}
		if res.Converged {
			break
		}
	}
	res.Params = p
	res.Cost = cost
	res.RMS = math.Sqrt(cost / float64(m))
	return res, nil
}
