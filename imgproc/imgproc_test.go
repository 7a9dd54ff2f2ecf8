package imgproc_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/temcal/imgproc"
)

func TestFitEllipseRecoversOutline(t *testing.T) {
	tbl := []imgproc.Ellipse{
		{Center: imgproc.Point{X: 10, Y: -4}, Minor: 20, Major: 50, Angle: 30},
		{Center: imgproc.Point{X: 0, Y: 0}, Minor: 7, Major: 8, Angle: -60},
		{Center: imgproc.Point{X: 300, Y: 120}, Minor: 40, Major: 40.5, Angle: 0},
	}
	opt := cmpopts.EquateApprox(0, 1e-6)
	for _, e := range tbl {
		got, err := imgproc.FitEllipse(imgproc.EllipsePoints(e, 64))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(e, got, opt); diff != "" {
			t.Errorf("fit mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestFitEllipseTooFewPoints(t *testing.T) {
	_, err := imgproc.FitEllipse([]imgproc.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}})
	if err != imgproc.ErrTooFewPoints {
		t.Errorf("expected ErrTooFewPoints, got %v", err)
	}
}

func TestFitEllipseRejectsLine(t *testing.T) {
	pts := make([]imgproc.Point, 20)
	for i := range pts {
		pts[i] = imgproc.Point{X: float64(i), Y: 2 * float64(i)}
	}
	if _, err := imgproc.FitEllipse(pts); err == nil {
		t.Error("collinear points should not fit an ellipse")
	}
}

func TestFitEllipseAxisOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a := 5 + 40*rng.Float64()
		b := 5 + 40*rng.Float64()
		// deliberately unordered input axes, arbitrary angle
		e := imgproc.Ellipse{Center: imgproc.Point{X: 50, Y: 50}, Minor: a, Major: b, Angle: 360*rng.Float64() - 180}
		pts := imgproc.EllipsePoints(e, 40)
		for j := range pts {
			pts[j].X += 0.05 * rng.NormFloat64()
			pts[j].Y += 0.05 * rng.NormFloat64()
		}
		got, err := imgproc.FitEllipse(pts)
		if err != nil {
			t.Fatal(err)
		}
		if got.Minor > got.Major {
			t.Fatalf("minor %v > major %v", got.Minor, got.Major)
		}
		if got.Angle < -90 || got.Angle >= 90 {
			t.Fatalf("angle %v outside [-90, 90)", got.Angle)
		}
	}
}

func TestFindContoursFillsHoles(t *testing.T) {
	// a 9x9 square ring with a 3x3 hole, plus one isolated pixel
	m := imgproc.Mask{W: 20, H: 20, Bits: make([]bool, 400)}
	for y := 2; y < 11; y++ {
		for x := 2; x < 11; x++ {
			if x >= 5 && x < 8 && y >= 5 && y < 8 {
				continue
			}
			m.Bits[y*20+x] = true
		}
	}
	m.Bits[15*20+15] = true
	cs := imgproc.FindContours(m)
	if len(cs) != 2 {
		t.Fatalf("expected 2 contours, got %d", len(cs))
	}
	if cs[0].Area != 81 {
		t.Errorf("expected filled area 81, got %d", cs[0].Area)
	}
	if len(cs[0].Points) != 36 {
		t.Errorf("expected only the 36 outer edges, got %d", len(cs[0].Points))
	}
	if cs[1].Area != 1 || len(cs[1].Points) != 4 {
		t.Errorf("isolated pixel: area %d, %d edges", cs[1].Area, len(cs[1].Points))
	}
}

func TestFindContoursDiagonalIsConnected(t *testing.T) {
	m := imgproc.Mask{W: 4, H: 4, Bits: make([]bool, 16)}
	m.Bits[0*4+0] = true
	m.Bits[1*4+1] = true
	if n := len(imgproc.FindContours(m)); n != 1 {
		t.Errorf("diagonal pixels should form one region, got %d", n)
	}
}

func TestThresholdOfDrawnEllipse(t *testing.T) {
	e := imgproc.Ellipse{Center: imgproc.Point{X: 32, Y: 32}, Minor: 20, Major: 30, Angle: 0}
	img := imgproc.DrawEllipse(64, 64, e, 100, 0)
	th := imgproc.Intermeans(img, imgproc.Otsu(img), 1e-3, 50)
	if th < 20 || th > 80 {
		t.Errorf("expected a mid-level threshold, got %v", th)
	}
	cs := imgproc.FindContours(imgproc.Binarize(img, th))
	if len(cs) != 1 {
		t.Fatalf("expected one contour, got %d", len(cs))
	}
	got, err := imgproc.FitEllipse(cs[0].Points)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got.Major-30) > 0.6 || math.Abs(got.Minor-20) > 0.4 {
		t.Errorf("axes %v x %v, expected 30 x 20", got.Major, got.Minor)
	}
}

func TestGaussianBlurPreservesMean(t *testing.T) {
	img := imgproc.New(16, 16)
	img.Pix[8*16+8] = 256
	out := imgproc.GaussianBlur(img, 1.5)
	if math.Abs(out.Mean()-img.Mean()) > 1e-9 {
		t.Errorf("blur changed total intensity: %v vs %v", out.Mean(), img.Mean())
	}
	if img.Pix[8*16+8] != 256 {
		t.Error("blur modified its input")
	}
	if out.Pix[8*16+8] >= 256 || out.Pix[8*16+9] <= 0 {
		t.Error("blur did not spread the impulse")
	}
}

func TestShiftRecoversLag(t *testing.T) {
	n := 64
	tmpl := make([]float64, n)
	for i := range tmpl {
		d := float64(i - 20)
		tmpl[i] = math.Exp(-d * d / 8)
	}
	for _, lag := range []float64{0, 3, -5, 2.5} {
		sig := make([]float64, n)
		for i := range sig {
			d := float64(i) - 20 - lag
			sig[i] = math.Exp(-d * d / 8)
		}
		if got := imgproc.Shift(tmpl, sig); math.Abs(got-lag) > 0.1 {
			t.Errorf("expected lag %v got %v", lag, got)
		}
	}
}

func TestCircularCorrelateMatchesDirectSum(t *testing.T) {
	a := []float64{1, 2, 0, -1, 3}
	b := []float64{0, 1, 4, 1, -2}
	got := imgproc.CircularCorrelate(a, b)
	for k := range a {
		var want float64
		for i := range a {
			want += a[i] * b[(i+k)%len(a)]
		}
		if math.Abs(got[k]-want) > 1e-9 {
			t.Errorf("lag %d: expected %v got %v", k, want, got[k])
		}
	}
}

func TestLocalMaxima(t *testing.T) {
	img := imgproc.New(30, 30)
	img.Pix[5*30+5] = 10
	img.Pix[20*30+12] = 8
	img.Pix[20*30+13] = 8 // plateau, only one peak survives
	img.Pix[25*30+25] = 1 // below threshold
	pts := imgproc.LocalMaxima(img, 2, 2)
	if len(pts) != 2 {
		t.Fatalf("expected 2 peaks, got %v", pts)
	}
	if pts[0] != (imgproc.Point{X: 5, Y: 5}) {
		t.Errorf("first peak at %v", pts[0])
	}
	if math.Abs(pts[1].X-12.5) > 1e-9 || pts[1].Y != 20 {
		t.Errorf("plateau peak should refine to its centroid, got %v", pts[1])
	}
}

func TestPolarRemapOfRing(t *testing.T) {
	img := imgproc.New(101, 101)
	for y := 0; y < 101; y++ {
		for x := 0; x < 101; x++ {
			r := math.Hypot(float64(x-50), float64(y-50))
			img.Pix[y*101+x] = math.Exp(-(r - 30) * (r - 30) / 4)
		}
	}
	o := imgproc.PolarOpts{Center: imgproc.Point{X: 50, Y: 50}, NTheta: 36, NR: 50, RMax: 49}
	pol := imgproc.PolarRemap(img, o)
	for i := 0; i < o.NTheta; i++ {
		row := pol.Row(i)
		best := 0
		for j := range row {
			if row[j] > row[best] {
				best = j
			}
		}
		if r := o.Radius(float64(best)); math.Abs(r-30) > 1.5 {
			t.Errorf("row %d: ring found at r=%v", i, r)
		}
	}
	lo := imgproc.PolarOpts{NR: 11, RMin: 1, RMax: 100, Log: true}
	if r := lo.Radius(5); math.Abs(r-10) > 1e-9 {
		t.Errorf("log-polar midpoint radius expected 10 got %v", r)
	}
}
