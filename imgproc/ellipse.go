package imgproc

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/nasa-jpl/temcal/mathx"
)

var (
	// ErrTooFewPoints is returned when fewer than five points are given to FitEllipse
	ErrTooFewPoints = errors.New("at least five points are required to fit an ellipse")

	// ErrNotEllipse is returned when the best fitting conic is not a real ellipse
	ErrNotEllipse = errors.New("points do not describe an ellipse")
)

// Ellipse describes a fitted beam or disk outline
type Ellipse struct {
	// Center is the centre of the ellipse in pixels
	Center Point `json:"center" yaml:"center"`

	// Minor and Major are the full axis lengths in pixels.  Minor <= Major.
	Minor float64 `json:"minor" yaml:"minor"`
	Major float64 `json:"major" yaml:"major"`

	// Angle is the direction of the major axis in degrees, measured from +x
	// toward +y, in [-90, 90)
	Angle float64 `json:"angle" yaml:"angle"`
}

// Diameter is the mean of the two axes
func (e Ellipse) Diameter() float64 {
	return (e.Minor + e.Major) / 2
}

// Ellipticity is 1 - Minor/Major, 0 for a circle
func (e Ellipse) Ellipticity() float64 {
	if e.Major == 0 {
		return 0
	}
	return 1 - e.Minor/e.Major
}

// Valid is true if the ellipse has finite, positive, ordered axes
func (e Ellipse) Valid() bool {
	return mathx.Finite(e.Center.X, e.Center.Y, e.Minor, e.Major, e.Angle) &&
		e.Minor > 0 && e.Minor <= e.Major
}

// FitEllipse fits an ellipse to pts by algebraic least squares.
//
// The conic A x^2 + B xy + C y^2 + D x + E y + F = 0 is normalized by
// A + C = 1, which excludes no ellipse.  The points are centred and scaled
// to unit RMS radius before fitting.
func FitEllipse(pts []Point) (Ellipse, error) {
	n := len(pts)
	if n < 5 {
		return Ellipse{}, ErrTooFewPoints
	}
	var mx, my float64
	for _, p := range pts {
		mx += p.X
		my += p.Y
	}
	mx /= float64(n)
	my /= float64(n)
	var ss float64
	for _, p := range pts {
		dx, dy := p.X-mx, p.Y-my
		ss += dx*dx + dy*dy
	}
	s := math.Sqrt(ss / float64(n))
	if s == 0 || !mathx.Finite(s) {
		return Ellipse{}, ErrNotEllipse
	}

	// with A = 1 - C the model is linear in (B, C, D, E, F):
	// B uv + C (v^2 - u^2) + D u + E v + F = -u^2
	design := mat.NewDense(n, 5, nil)
	rhs := mat.NewVecDense(n, nil)
	for i, p := range pts {
		u, v := (p.X-mx)/s, (p.Y-my)/s
		design.SetRow(i, []float64{u * v, v*v - u*u, u, v, 1})
		rhs.SetVec(i, -u*u)
	}
	var sol mat.VecDense
	if err := sol.SolveVec(design, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || sol.Len() != 5 {
			return Ellipse{}, ErrNotEllipse
		}
	}
	B, C, D, E, F := sol.AtVec(0), sol.AtVec(1), sol.AtVec(2), sol.AtVec(3), sol.AtVec(4)
	A := 1 - C

	det := 4*A*C - B*B
	if det <= 0 || !mathx.Finite(det) {
		return Ellipse{}, ErrNotEllipse
	}
	x0 := (B*E - 2*C*D) / det
	y0 := (B*D - 2*A*E) / det
	f0 := F + (D*x0+E*y0)/2
	if f0 >= 0 {
		return Ellipse{}, ErrNotEllipse
	}
	mid := (A + C) / 2
	rad := math.Hypot((A-C)/2, B/2)
	lamSmall, lamLarge := mid-rad, mid+rad
	if lamSmall <= 0 {
		return Ellipse{}, ErrNotEllipse
	}
	major := 2 * s * math.Sqrt(-f0/lamSmall)
	minor := 2 * s * math.Sqrt(-f0/lamLarge)

	// the quadratic form peaks along the minor axis
	minorDir := mathx.Deg(math.Atan2(B, A-C) / 2)
	e := Ellipse{
		Center: Point{X: mx + s*x0, Y: my + s*y0},
		Minor:  minor,
		Major:  major,
		Angle:  mathx.WrapDeg(minorDir+90, -90, 180),
	}
	if !e.Valid() {
		return Ellipse{}, ErrNotEllipse
	}
	return e, nil
}

// EllipsePoints returns n points evenly spaced in parameter around e.
// It is the inverse of FitEllipse and is used to synthesize test outlines.
func EllipsePoints(e Ellipse, n int) []Point {
	a, b := e.Major/2, e.Minor/2
	th := mathx.Rad(e.Angle)
	ct, st := math.Cos(th), math.Sin(th)
	out := make([]Point, n)
	for i := range out {
		t := 2 * math.Pi * float64(i) / float64(n)
		u, v := a*math.Cos(t), b*math.Sin(t)
		out[i] = Point{X: e.Center.X + u*ct - v*st, Y: e.Center.Y + u*st + v*ct}
	}
	return out
}

// Contains reports whether p lies inside or on e
func (e Ellipse) Contains(p Point) bool {
	a, b := e.Major/2, e.Minor/2
	if a <= 0 || b <= 0 {
		return false
	}
	st, ct := math.Sincos(mathx.Rad(e.Angle))
	dx, dy := p.X-e.Center.X, p.Y-e.Center.Y
	u := dx*ct + dy*st
	v := -dx*st + dy*ct
	return (u*u)/(a*a)+(v*v)/(b*b) <= 1
}

// EllipseMask returns a w x h mask of the pixels whose centres lie in e
func EllipseMask(w, h int, e Ellipse) Mask {
	m := Mask{W: w, H: h, Bits: make([]bool, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Bits[y*w+x] = e.Contains(Point{X: float64(x), Y: float64(y)})
		}
	}
	return m
}
