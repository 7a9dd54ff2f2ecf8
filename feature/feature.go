/*Package feature locates beams, diffraction rings and spot lattices in
captured images and classifies the result by signal to noise.

Detect is pure: it reads only the image it is given.  Units are pixels.
*/
package feature

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/fit"
	"github.com/nasa-jpl/temcal/imgproc"
)

// Kind is the kind of feature to detect
type Kind int

const (
	// Ellipse is a beam or disk outline
	Ellipse Kind = iota

	// Ring is a diffraction ring around an assumed centre
	Ring

	// Grid is a lattice of bright markers
	Grid
)

var kindNames = map[Kind]string{Ellipse: "ellipse", Ring: "ring", Grid: "grid"}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String, case insensitive
func ParseKind(s string) (Kind, error) {
	for k, v := range kindNames {
		if strings.EqualFold(s, v) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown feature kind %q", s)
}

// MarshalText lets a Kind be written by name in config files
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText is the inverse of MarshalText
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Selection chooses among several candidate ellipses
type Selection int

const (
	// Largest picks the contour with the greatest area
	Largest Selection = iota

	// NearestCenter picks the ellipse whose centre is closest to the image or ROI centre
	NearestCenter
)

// RingOptions configures ring detection
type RingOptions struct {
	// Center is the assumed ring centre; nil means the image or ROI centre
	Center *imgproc.Point `yaml:"Center,omitempty"`

	// NTheta and NR size the polar image.  Defaults 90 and min(W,H)/2
	NTheta int `yaml:"NTheta"`
	NR     int `yaml:"NR"`

	// RMin and RMax bound the radii searched.  RMax defaults to min(W,H)/2 - 1
	RMin float64 `yaml:"RMin"`
	RMax float64 `yaml:"RMax"`

	// Log selects a log-polar remap
	Log bool `yaml:"Log"`

	// Template is the reference radial profile; nil means the mean profile
	Template []float64 `yaml:"Template,omitempty"`
}

// GridOptions configures marker detection
type GridOptions struct {
	// Radius is the non-maximum suppression half width in pixels.  Default 2
	Radius int `yaml:"Radius"`
}

// Options configures Detect.  The zero value thresholds automatically and
// selects the largest ellipse.
type Options struct {
	// BlurSigma is the standard deviation of the gaussian pre-blur, 0 for none
	BlurSigma float64 `yaml:"BlurSigma"`

	// Threshold is a fixed binarization level.  It is ignored when Otsu is
	// set or when it is not positive
	Threshold float64 `yaml:"Threshold"`

	// Otsu requests an automatic threshold: Otsu's method refined by intermeans
	Otsu bool `yaml:"Otsu"`

	// Select chooses among candidate ellipses
	Select Selection `yaml:"Select"`

	// MinArea discards contours smaller than this many pixels
	MinArea int `yaml:"MinArea"`

	Ring RingOptions `yaml:"Ring"`
	Grid GridOptions `yaml:"Grid"`
}

// Geometry is a located feature
type Geometry interface {
	// Position is the feature's reference point in pixels
	Position() imgproc.Point
}

// RingGeometry is a detected ring
type RingGeometry struct {
	// Assumed is the polar origin used for detection
	Assumed imgproc.Point `json:"assumed"`

	// Model is the fitted radius as a function of angle about Assumed
	Model fit.Ring `json:"model"`

	// Theta and Radii are the per-angle samples the model was fitted to
	Theta []float64 `json:"-"`
	Radii []float64 `json:"-"`
}

// Position is the ring centre implied by the first harmonic
func (r RingGeometry) Position() imgproc.Point {
	dx, dy := r.Model.Offset()
	return imgproc.Point{X: r.Assumed.X + dx, Y: r.Assumed.Y + dy}
}

// GridGeometry is a detected marker lattice
type GridGeometry struct {
	Markers []imgproc.Point `json:"markers"`

	// Guess is the nearest neighbour estimate of the lattice
	Guess fit.Grid `json:"guess"`
}

// Position is the marker nearest the markers' centroid
func (g GridGeometry) Position() imgproc.Point {
	return g.Guess.Center
}

// EllipseGeometry wraps imgproc.Ellipse as a Geometry
type EllipseGeometry struct {
	imgproc.Ellipse
}

// Position is the ellipse centre
func (e EllipseGeometry) Position() imgproc.Point {
	return e.Center
}

// Measurement is the geometry found in one image and the signal strength
// inside (P) and outside (Q) the feature.  Geometry is nil when nothing was
// found, in which case Q is the mean of the image.
type Measurement struct {
	Geometry Geometry
	P, Q     float64
}

// Ellipse returns the ellipse geometry, if that is what was found
func (m Measurement) Ellipse() (imgproc.Ellipse, bool) {
	e, ok := m.Geometry.(EllipseGeometry)
	return e.Ellipse, ok
}

// Detect locates a feature of the given kind in img.  Errors are returned
// only for invalid options; an image without a feature yields a nil Geometry.
func Detect(img imgproc.Image, kind Kind, opts Options) (Measurement, error) {
	if img.W == 0 || img.H == 0 || len(img.Pix) != img.W*img.H {
		return Measurement{}, errors.New("empty or malformed image")
	}
	work := img
	if opts.BlurSigma > 0 {
		work = imgproc.GaussianBlur(img, opts.BlurSigma)
	}
	th := threshold(work, opts)
	switch kind {
	case Ellipse:
		return detectEllipse(work, th, opts), nil
	case Ring:
		return detectRing(work, th, opts.Ring), nil
	case Grid:
		return detectGrid(work, th, opts.Grid), nil
	default:
		return Measurement{}, fmt.Errorf("unknown feature kind %d", int(kind))
	}
}

func threshold(img imgproc.Image, opts Options) float64 {
	if opts.Otsu || opts.Threshold <= 0 {
		return imgproc.Intermeans(img, imgproc.Otsu(img), 1e-3, 50)
	}
	return opts.Threshold
}

func nothing(img imgproc.Image) Measurement {
	return Measurement{Q: img.Mean()}
}

func detectEllipse(img imgproc.Image, th float64, opts Options) Measurement {
	lo, hi := img.MinMax()
	if hi <= lo {
		return nothing(img)
	}
	contours := imgproc.FindContours(imgproc.Binarize(img, th))
	type cand struct {
		e    imgproc.Ellipse
		area int
	}
	var cands []cand
	for _, c := range contours {
		if c.Area < opts.MinArea || len(c.Points) < 5 {
			continue
		}
		e, err := imgproc.FitEllipse(c.Points)
		if err != nil || !e.Valid() {
			continue
		}
		cands = append(cands, cand{e, c.Area})
	}
	if len(cands) == 0 {
		return nothing(img)
	}
	best := 0
	switch opts.Select {
	case NearestCenter:
		ctr := img.Center()
		for i, c := range cands {
			if c.e.Center.Sub(ctr).Norm() < cands[best].e.Center.Sub(ctr).Norm() {
				best = i
			}
		}
	default:
		for i, c := range cands {
			if c.area > cands[best].area {
				best = i
			}
		}
	}
	e := cands[best].e
	p, q := imgproc.MaskedMeans(img, imgproc.EllipseMask(img.W, img.H, e))
	return Measurement{Geometry: EllipseGeometry{e}, P: p, Q: q}
}

func detectRing(img imgproc.Image, th float64, o RingOptions) Measurement {
	mask := imgproc.Binarize(img, th)
	if mask.Count() == 0 {
		return nothing(img)
	}
	ctr := img.Center()
	if o.Center != nil {
		ctr = *o.Center
	}
	b := img.Bounds()
	half := b.Dx()
	if b.Dy() < half {
		half = b.Dy()
	}
	half /= 2
	po := imgproc.PolarOpts{Center: ctr, NTheta: o.NTheta, NR: o.NR, RMin: o.RMin, RMax: o.RMax, Log: o.Log}
	if po.NTheta <= 0 {
		po.NTheta = 90
	}
	if po.NR <= 0 {
		po.NR = half
	}
	if po.RMax <= 0 {
		po.RMax = float64(half - 1)
	}
	polar := imgproc.PolarRemap(img, po)
	tmpl := o.Template
	if len(tmpl) != po.NR {
		tmpl = polar.ColumnMeans()
	}
	peak := 0
	for j, v := range tmpl {
		if v > tmpl[peak] {
			peak = j
		}
	}
	theta := make([]float64, 0, po.NTheta)
	radii := make([]float64, 0, po.NTheta)
	for i := 0; i < po.NTheta; i++ {
		s := imgproc.Shift(tmpl, polar.Row(i))
		col := float64(peak) + s
		if col < 0 || col > float64(po.NR-1) || math.IsNaN(col) {
			continue
		}
		theta = append(theta, po.Theta(i))
		radii = append(radii, po.Radius(col))
	}
	model, err := fit.HarmonicRing(theta, radii)
	if err != nil {
		return nothing(img)
	}
	p, q := imgproc.MaskedMeans(img, mask)
	return Measurement{Geometry: RingGeometry{Assumed: ctr, Model: model, Theta: theta, Radii: radii}, P: p, Q: q}
}

func detectGrid(img imgproc.Image, th float64, o GridOptions) Measurement {
	markers := imgproc.LocalMaxima(img, o.Radius, th)
	if len(markers) < 2 {
		return nothing(img)
	}
	guess, err := fit.InitialGuess(markers)
	if err != nil {
		return nothing(img)
	}
	p, q := imgproc.MaskedMeans(img, imgproc.Binarize(img, th))
	return Measurement{Geometry: GridGeometry{Markers: markers, Guess: guess}, P: p, Q: q}
}
