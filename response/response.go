/*Package response holds the linear models that map a change of a hardware
set-point (in register bits) to the change of an observed quantity (in
pixels).

A Model is only used through Solve, which refuses to invert a singular or
ill-conditioned model.
*/
package response

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/temcal/mathx"
)

var (
	// ErrSingular is returned when a model cannot be inverted
	ErrSingular = errors.New("response model is singular or ill-conditioned")

	// ErrDimension is returned when a vector does not match the model
	ErrDimension = errors.New("dimension mismatch")
)

// MaxCondition is the largest 2-norm condition number Solve accepts
var MaxCondition = 1e6

// Model is a linear response: observed delta = M * set-point delta
type Model interface {
	// Dim is the number of axes, 1 or 2
	Dim() int

	// Apply maps a set-point delta to an observed delta
	Apply(delta []float64) ([]float64, error)

	// Solve returns the set-point delta d with M d = e
	Solve(e []float64) ([]float64, error)

	// Encode flattens the model for storage
	Encode() []float64
}

// Matrix is a 2x2 response, row major: [dx/da dx/db; dy/da dy/db].
// The columns are the observed displacement per bit of each axis.
type Matrix [4]float64

// Scalar is a one axis response
type Scalar float64

// Dim is 2
func (m Matrix) Dim() int { return 2 }

// Dim is 1
func (s Scalar) Dim() int { return 1 }

func (m Matrix) dense() *mat.Dense {
	return mat.NewDense(2, 2, []float64{m[0], m[1], m[2], m[3]})
}

// Apply returns m * delta
func (m Matrix) Apply(delta []float64) ([]float64, error) {
	if len(delta) != 2 {
		return nil, ErrDimension
	}
	return []float64{m[0]*delta[0] + m[1]*delta[1], m[2]*delta[0] + m[3]*delta[1]}, nil
}

// Condition returns the 2-norm condition number of m
func (m Matrix) Condition() float64 {
	return mat.Cond(m.dense(), 2)
}

// Solve returns m^-1 e.  It fails with ErrSingular when the determinant is
// zero, the condition number exceeds MaxCondition, or an entry is not finite.
func (m Matrix) Solve(e []float64) ([]float64, error) {
	if len(e) != 2 {
		return nil, ErrDimension
	}
	if !mathx.Finite(m[:]...) || !mathx.Finite(e...) {
		return nil, ErrSingular
	}
	a := m.dense()
	if mat.Det(a) == 0 {
		return nil, ErrSingular
	}
	if c := mat.Cond(a, 2); math.IsInf(c, 1) || math.IsNaN(c) || c > MaxCondition {
		return nil, errors.Wrapf(ErrSingular, "condition number %g", c)
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, errors.Wrap(ErrSingular, err.Error())
	}
	var x mat.VecDense
	x.MulVec(&inv, mat.NewVecDense(2, []float64{e[0], e[1]}))
	return []float64{x.AtVec(0), x.AtVec(1)}, nil
}

// Encode returns the four entries
func (m Matrix) Encode() []float64 {
	return []float64{m[0], m[1], m[2], m[3]}
}

// Apply returns s * delta
func (s Scalar) Apply(delta []float64) ([]float64, error) {
	if len(delta) != 1 {
		return nil, ErrDimension
	}
	return []float64{float64(s) * delta[0]}, nil
}

// Solve returns e / s, or ErrSingular if s is zero or not finite
func (s Scalar) Solve(e []float64) ([]float64, error) {
	if len(e) != 1 {
		return nil, ErrDimension
	}
	if s == 0 || !mathx.Finite(float64(s), e[0]) {
		return nil, ErrSingular
	}
	return []float64{e[0] / float64(s)}, nil
}

// Encode returns the single coefficient
func (s Scalar) Encode() []float64 {
	return []float64{float64(s)}
}

// Decode is the inverse of Encode
func Decode(v []float64) (Model, error) {
	switch len(v) {
	case 1:
		return Scalar(v[0]), nil
	case 4:
		return Matrix{v[0], v[1], v[2], v[3]}, nil
	default:
		return nil, fmt.Errorf("cannot decode a response model from %d values", len(v))
	}
}

// FromProbes builds a Matrix from observations at an origin and after steps
// along each axis.  Column k is (obsK - obs0) / stepK.
func FromProbes(obs0, obsX, obsY [2]float64, stepX, stepY float64) (Matrix, error) {
	if stepX == 0 || stepY == 0 {
		return Matrix{}, errors.New("probe step must be nonzero")
	}
	return Matrix{
		(obsX[0] - obs0[0]) / stepX, (obsY[0] - obs0[0]) / stepY,
		(obsX[1] - obs0[1]) / stepX, (obsY[1] - obs0[1]) / stepY,
	}, nil
}

// ScalarFromProbes builds a Scalar from two observations step apart
func ScalarFromProbes(obs0, obs1, step float64) (Scalar, error) {
	if step == 0 {
		return 0, errors.New("probe step must be nonzero")
	}
	return Scalar((obs1 - obs0) / step), nil
}

// Slope fits y = alpha + beta x by least squares and returns beta and alpha
func Slope(x, y []float64) (beta, alpha float64, err error) {
	if len(x) < 2 || len(x) != len(y) {
		return 0, 0, ErrDimension
	}
	alpha, beta = stat.LinearRegression(x, y, nil, false)
	if !mathx.Finite(alpha, beta) {
		return 0, 0, ErrSingular
	}
	return beta, alpha, nil
}
