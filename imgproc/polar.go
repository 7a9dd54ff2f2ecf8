package imgproc

import (
	"math"
)

// PolarOpts configures a polar or log-polar remap
type PolarOpts struct {
	// Center is the origin of the transform in the source image
	Center Point

	// NTheta is the number of angular rows, NR the number of radial columns
	NTheta, NR int

	// RMin and RMax bound the sampled radii in pixels.  With Log set RMin
	// must be positive; it defaults to 1.
	RMin, RMax float64

	// Log selects logarithmic radial spacing
	Log bool
}

func (o PolarOpts) rmin() float64 {
	if o.Log && o.RMin <= 0 {
		return 1
	}
	return o.RMin
}

// Radius maps a (fractional) column index to a radius in pixels
func (o PolarOpts) Radius(col float64) float64 {
	if o.NR < 2 {
		return o.rmin()
	}
	f := col / float64(o.NR-1)
	if o.Log {
		return o.rmin() * math.Pow(o.RMax/o.rmin(), f)
	}
	return o.rmin() + (o.RMax-o.rmin())*f
}

// Theta maps a row index to an angle in radians, measured from +x toward +y
func (o PolarOpts) Theta(row int) float64 {
	return 2 * math.Pi * float64(row) / float64(o.NTheta)
}

// PolarRemap resamples img onto a (theta, r) grid.  Row i of the result holds
// angle Theta(i) and column j holds Radius(j).  Samples falling outside the
// source are zero.
func PolarRemap(img Image, o PolarOpts) Image {
	out := New(o.NR, o.NTheta)
	for i := 0; i < o.NTheta; i++ {
		st, ct := math.Sincos(o.Theta(i))
		for j := 0; j < o.NR; j++ {
			r := o.Radius(float64(j))
			v, ok := img.Bilinear(o.Center.X+r*ct, o.Center.Y+r*st)
			if ok {
				out.Pix[i*out.W+j] = v
			}
		}
	}
	return out
}

// Row returns a copy of row y of img
func (img Image) Row(y int) []float64 {
	out := make([]float64, img.W)
	copy(out, img.Pix[y*img.W:(y+1)*img.W])
	return out
}

// ColumnMeans returns the mean of each column of img
func (img Image) ColumnMeans() []float64 {
	out := make([]float64, img.W)
	if img.H == 0 {
		return out
	}
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			out[x] += img.Pix[y*img.W+x]
		}
	}
	for x := range out {
		out[x] /= float64(img.H)
	}
	return out
}
