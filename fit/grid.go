package fit

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nasa-jpl/temcal/imgproc"
	"github.com/nasa-jpl/temcal/mathx"
)

// GridKind selects which lattice parameters are free in a fit
type GridKind int

const (
	// Square fits centre, pitch and tilt
	Square GridKind = iota

	// Aspect additionally fits the ratio of the row pitch to the column pitch
	Aspect

	// Distortion additionally fits aspect and third order radial distortion
	Distortion
)

var gridKindNames = map[GridKind]string{
	Square:     "square",
	Aspect:     "aspect",
	Distortion: "distortion",
}

func (k GridKind) String() string {
	if s, ok := gridKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("GridKind(%d)", int(k))
}

// ParseGridKind is the inverse of GridKind.String, case insensitive
func ParseGridKind(s string) (GridKind, error) {
	for k, v := range gridKindNames {
		if strings.EqualFold(v, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown grid kind %q", s)
}

func (k GridKind) nparams() int {
	switch k {
	case Aspect:
		return 5
	case Distortion:
		return 6
	default:
		return 4
	}
}

// Grid is a rotated, optionally anisotropic and radially distorted lattice.
//
// Node (i, j) sits at q = R(Tilt) * (i*Pitch, j*Pitch*Aspect) relative to
// Center before distortion, and at Center + q*(1 + K3*(|q|/Scale)^2) after.
type Grid struct {
	Center imgproc.Point `json:"center" yaml:"center"`
	Pitch  float64       `json:"pitch" yaml:"pitch"`
	Tilt   float64       `json:"tilt" yaml:"tilt"` // degrees, +x toward +y
	Aspect float64       `json:"aspect" yaml:"aspect"`
	K3     float64       `json:"k3" yaml:"k3"`

	// Scale normalizes the radius in the distortion term.  It is fixed
	// during a fit.
	Scale float64 `json:"scale" yaml:"scale"`
}

func (g Grid) aspect() float64 {
	if g.Aspect == 0 {
		return 1
	}
	return g.Aspect
}

func (g Grid) scale() float64 {
	if g.Scale <= 0 {
		return 1
	}
	return g.Scale
}

// Node returns the image position of lattice node (i, j)
func (g Grid) Node(i, j int) imgproc.Point {
	st, ct := math.Sincos(mathx.Rad(g.Tilt))
	u, v := float64(i)*g.Pitch, float64(j)*g.Pitch*g.aspect()
	qx, qy := u*ct-v*st, u*st+v*ct
	s := g.scale()
	k := 1 + g.K3*(qx*qx+qy*qy)/(s*s)
	return imgproc.Point{X: g.Center.X + k*qx, Y: g.Center.Y + k*qy}
}

// Nearest returns the lattice node closest to p and its indices.  The
// distortion is inverted by fixed point iteration, which converges for the
// small K3 seen in practice.
func (g Grid) Nearest(p imgproc.Point) (node imgproc.Point, i, j int) {
	dx, dy := p.X-g.Center.X, p.Y-g.Center.Y
	qx, qy := dx, dy
	if g.K3 != 0 {
		s := g.scale()
		for it := 0; it < 8; it++ {
			k := 1 + g.K3*(qx*qx+qy*qy)/(s*s)
			if k <= 0 {
				break
			}
			qx, qy = dx/k, dy/k
		}
	}
	st, ct := math.Sincos(mathx.Rad(g.Tilt))
	u := qx*ct + qy*st
	v := -qx*st + qy*ct
	if g.Pitch == 0 {
		return g.Center, 0, 0
	}
	i = mathx.RoundInt(u / g.Pitch)
	j = mathx.RoundInt(v / (g.Pitch * g.aspect()))
	return g.Node(i, j), i, j
}

func (g Grid) params(kind GridKind) []float64 {
	p := []float64{g.Center.X, g.Center.Y, g.Pitch, g.Tilt}
	if kind >= Aspect {
		p = append(p, g.aspect())
	}
	if kind == Distortion {
		p = append(p, g.K3)
	}
	return p
}

func gridFromParams(p []float64, kind GridKind, scale float64) Grid {
	g := Grid{Center: imgproc.Point{X: p[0], Y: p[1]}, Pitch: p[2], Tilt: p[3], Aspect: 1, Scale: scale}
	if kind >= Aspect {
		g.Aspect = p[4]
	}
	if kind == Distortion {
		g.K3 = p[5]
	}
	return g
}

// normalizeGrid makes pitch and aspect positive and folds the tilt.  A
// lattice is unchanged by a half turn; a square one also by a quarter turn.
func normalizeGrid(kind GridKind) func([]float64) {
	return func(p []float64) {
		if p[2] < 0 {
			p[2] = -p[2]
			p[3] += 180
		}
		if kind >= Aspect && p[4] < 0 {
			p[4] = -p[4]
		}
		if kind == Square {
			p[3] = mathx.FoldQuarterTurn(p[3])
		} else {
			p[3], _ = mathx.FoldHalfTurn(p[3])
		}
	}
}

// InitialGuess estimates a square lattice from marker positions.
//
// Each marker's nearest neighbour distance is computed; the marker at the
// median rank gives the pitch, and the direction to its nearest neighbour
// gives the tilt.  When that marker has several neighbours within 1% of the
// nearest, the direction with the smallest absolute angle is used.  The
// centre is the marker closest to the centroid.
func InitialGuess(markers []imgproc.Point) (Grid, error) {
	n := len(markers)
	if n < 2 {
		return Grid{}, ErrTooFewPoints
	}
	nnDist := make([]float64, n)
	for i, a := range markers {
		nnDist[i] = math.Inf(1)
		for j, b := range markers {
			if i == j {
				continue
			}
			if d := b.Sub(a).Norm(); d < nnDist[i] && d > 0 {
				nnDist[i] = d
			}
		}
	}
	k := mathx.MedianIndex(nnDist)
	pitch := nnDist[k]
	if math.IsInf(pitch, 1) {
		return Grid{}, ErrTooFewPoints
	}

	tilt := math.NaN()
	for j, b := range markers {
		if j == k {
			continue
		}
		v := b.Sub(markers[k])
		d := v.Norm()
		if d == 0 || d > pitch*1.01 {
			continue
		}
		if v.X < 0 || (v.X == 0 && v.Y < 0) {
			v = imgproc.Point{X: -v.X, Y: -v.Y}
		}
		a := mathx.Deg(math.Atan2(v.Y, v.X))
		if math.IsNaN(tilt) || math.Abs(a) < math.Abs(tilt) {
			tilt = a
		}
	}

	var c imgproc.Point
	for _, m := range markers {
		c = c.Add(m)
	}
	c = imgproc.Point{X: c.X / float64(n), Y: c.Y / float64(n)}
	best := 0
	var ss float64
	for i, m := range markers {
		d := m.Sub(c)
		ss += d.X*d.X + d.Y*d.Y
		if d.Norm() < markers[best].Sub(c).Norm() {
			best = i
		}
	}
	scale := math.Sqrt(ss / float64(n))
	if scale == 0 {
		scale = 1
	}
	return Grid{Center: markers[best], Pitch: pitch, Tilt: tilt, Aspect: 1, Scale: scale}, nil
}

// GridResult is the outcome of FitGrid
type GridResult struct {
	Grid      Grid            `json:"grid" yaml:"grid"`
	Kind      GridKind        `json:"kind" yaml:"kind"`
	RMS       float64         `json:"rms" yaml:"rms"`
	Iter      int             `json:"iter" yaml:"iter"`
	Residuals []imgproc.Point `json:"residuals" yaml:"residuals"`
}

// FitGrid fits a lattice of the given kind to markers, starting from
// InitialGuess.  The residual of each marker is its offset from the nearest
// lattice node.
func FitGrid(ctx context.Context, markers []imgproc.Point, kind GridKind, opts Options) (GridResult, error) {
	g0, err := InitialGuess(markers)
	if err != nil {
		return GridResult{}, err
	}
	return FitGridFrom(ctx, markers, kind, g0, opts)
}

// FitGridFrom is FitGrid with a caller supplied starting lattice
func FitGridFrom(ctx context.Context, markers []imgproc.Point, kind GridKind, g0 Grid, opts Options) (GridResult, error) {
	if 2*len(markers) < kind.nparams() {
		return GridResult{}, ErrTooFewPoints
	}
	scale := g0.scale()
	f := func(dst, p []float64) {
		g := gridFromParams(p, kind, scale)
		for i, m := range markers {
			node, _, _ := g.Nearest(m)
			dst[2*i] = m.X - node.X
			dst[2*i+1] = m.Y - node.Y
		}
	}
	opts.Normalize = normalizeGrid(kind)
	res, err := LevenbergMarquardt(ctx, f, 2*len(markers), g0.params(kind), opts)
	if err != nil {
		return GridResult{}, err
	}
	g := gridFromParams(res.Params, kind, scale)
	out := GridResult{Grid: g, Kind: kind, RMS: res.RMS, Iter: res.Iter, Residuals: make([]imgproc.Point, len(markers))}
	for i, m := range markers {
		node, _, _ := g.Nearest(m)
		out.Residuals[i] = m.Sub(node)
	}
	return out, nil
}
