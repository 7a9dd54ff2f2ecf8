package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/nasa-jpl/temcal/imgproc"
)

// BeamCamera renders the beam of a Microscope.  The beam centre is
// Origin + Response * register, with Response row major in pixels per bit.
type BeamCamera struct {
	Scope    *Microscope
	Register string
	Response [4]float64
	Origin   imgproc.Point

	W, H int

	// Minor, Major and Angle shape the beam, see imgproc.Ellipse
	Minor, Major, Angle float64

	// Level and Background are the beam and background densities
	Level, Background float64

	// Noise is the standard deviation of additive gaussian noise
	Noise float64

	// HaloSigma and HaloLevel describe a wide gaussian glow around the beam
	// that reaches the frame before the beam does
	HaloSigma, HaloLevel float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBeamCamera returns a 128x128 camera looking at scope's beam shift,
// with one pixel per bit and the beam centred at register zero
func NewBeamCamera(scope *Microscope) *BeamCamera {
	return &BeamCamera{
		Scope:      scope,
		Register:   RegBeamShift,
		Response:   [4]float64{1, 0, 0, 1},
		Origin:     imgproc.Point{X: 64, Y: 64},
		W:          128,
		H:          128,
		Minor:      20,
		Major:      24,
		Level:      100,
		Background: 10,
		Noise:      1,
		HaloSigma:  60,
		HaloLevel:  20,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// BeamAt returns where the beam falls for a register value
func (c *BeamCamera) BeamAt(v []int) imgproc.Point {
	var bx, by float64
	if len(v) > 0 {
		bx = float64(v[0])
	}
	if len(v) > 1 {
		by = float64(v[1])
	}
	return imgproc.Point{
		X: c.Origin.X + c.Response[0]*bx + c.Response[1]*by,
		Y: c.Origin.Y + c.Response[2]*bx + c.Response[3]*by,
	}
}

// Capture renders one frame
func (c *BeamCamera) Capture(ctx context.Context) (imgproc.Image, error) {
	if err := ctx.Err(); err != nil {
		return imgproc.Image{}, err
	}
	ctr := c.BeamAt(c.Scope.Peek(c.Register))
	e := imgproc.Ellipse{Center: ctr, Minor: c.Minor, Major: c.Major, Angle: c.Angle}
	img := imgproc.DrawEllipse(c.W, c.H, e, c.Level, c.Background)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(1))
	}
	s2 := 2 * c.HaloSigma * c.HaloSigma
	for y := 0; y < c.H; y++ {
		for x := 0; x < c.W; x++ {
			v := img.Pix[y*c.W+x]
			if c.HaloLevel != 0 && s2 > 0 {
				dx, dy := float64(x)-ctr.X, float64(y)-ctr.Y
				v += c.HaloLevel * math.Exp(-(dx*dx+dy*dy)/s2)
			}
			if c.Noise > 0 {
				v += c.rng.NormFloat64() * c.Noise
			}
			img.Pix[y*c.W+x] = v
		}
	}
	return img, nil
}
