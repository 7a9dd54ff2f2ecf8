package feature_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/nasa-jpl/temcal/feature"
	"github.com/nasa-jpl/temcal/fit"
	"github.com/nasa-jpl/temcal/imgproc"
)

var thresholds = feature.Thresholds{Noise: 5, Borderline: 0.5}

func addNoise(img imgproc.Image, level float64, seed int64) imgproc.Image {
	rng := rand.New(rand.NewSource(seed))
	out := img
	out.Pix = make([]float64, len(img.Pix))
	for i, v := range img.Pix {
		out.Pix[i] = v + level*rng.Float64()
	}
	return out
}

// a 30 x 50 ellipse at (100, 100) over unit noise
func TestDetectEllipseSyntheticBeam(t *testing.T) {
	truth := imgproc.Ellipse{Center: imgproc.Point{X: 100, Y: 100}, Minor: 30, Major: 50, Angle: 0}
	img := addNoise(imgproc.DrawEllipse(200, 200, truth, 100, 0), 1, 1)
	m, err := feature.Detect(img, feature.Ellipse, feature.Options{Otsu: true})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := m.Ellipse()
	if !ok {
		t.Fatalf("no ellipse found, measurement %+v", m)
	}
	if d := e.Center.Sub(truth.Center).Norm(); d > 1 {
		t.Errorf("centre %v is %v px from truth", e.Center, d)
	}
	if math.Abs(e.Minor-30)/30 > 0.02 || math.Abs(e.Major-50)/50 > 0.02 {
		t.Errorf("axes %v x %v, expected 30 x 50", e.Minor, e.Major)
	}
	if c := feature.Classify(m, thresholds); c != feature.Beam {
		t.Errorf("expected a valid beam, got %v (P=%v Q=%v)", c, m.P, m.Q)
	}
}

func TestDetectEllipseOrderingOverManyBeams(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 20; i++ {
		e := imgproc.Ellipse{
			Center: imgproc.Point{X: 50 + 10*rng.Float64(), Y: 50 + 10*rng.Float64()},
			Minor:  10 + 30*rng.Float64(),
			Major:  10 + 30*rng.Float64(),
			Angle:  360*rng.Float64() - 180,
		}
		img := imgproc.DrawEllipse(110, 110, e, 50, 0)
		m, err := feature.Detect(img, feature.Ellipse, feature.Options{})
		if err != nil {
			t.Fatal(err)
		}
		got, ok := m.Ellipse()
		if !ok {
			t.Fatalf("beam %d not found", i)
		}
		if got.Minor > got.Major || got.Angle < -180 || got.Angle >= 180 {
			t.Errorf("beam %d: %+v violates axis ordering or angle range", i, got)
		}
	}
}

func TestDetectNothing(t *testing.T) {
	dark := imgproc.New(40, 40)
	m, err := feature.Detect(dark, feature.Ellipse, feature.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Geometry != nil {
		t.Fatalf("expected no geometry, got %v", m.Geometry)
	}
	if c := feature.Classify(m, thresholds); c != feature.NoSignal {
		t.Errorf("dark frame classified %v", c)
	}

	bright := imgproc.New(40, 40)
	for i := range bright.Pix {
		bright.Pix[i] = 300
	}
	m, _ = feature.Detect(bright, feature.Ellipse, feature.Options{})
	if m.Geometry != nil || m.Q != 300 {
		t.Fatalf("flat frame: %+v", m)
	}
	if c := feature.Classify(m, thresholds); c != feature.NoEllipse {
		t.Errorf("flat bright frame classified %v", c)
	}
}

func TestDetectSelectNearestCenter(t *testing.T) {
	big := imgproc.DrawEllipse(200, 200, imgproc.Ellipse{Center: imgproc.Point{X: 40, Y: 40}, Minor: 30, Major: 30}, 100, 0)
	small := imgproc.DrawEllipse(200, 200, imgproc.Ellipse{Center: imgproc.Point{X: 100, Y: 100}, Minor: 10, Major: 12}, 100, 0)
	img := imgproc.New(200, 200)
	for i := range img.Pix {
		img.Pix[i] = big.Pix[i] + small.Pix[i]
	}
	m, _ := feature.Detect(img, feature.Ellipse, feature.Options{Threshold: 50})
	if e, _ := m.Ellipse(); math.Abs(e.Center.X-40) > 1 {
		t.Errorf("Largest should pick the big beam, got %v", e.Center)
	}
	m, _ = feature.Detect(img, feature.Ellipse, feature.Options{Threshold: 50, Select: feature.NearestCenter})
	if e, _ := m.Ellipse(); math.Abs(e.Center.X-100) > 1 {
		t.Errorf("NearestCenter should pick the centred beam, got %v", e.Center)
	}
}

func TestDetectRingOffset(t *testing.T) {
	const w = 201
	img := imgproc.New(w, w)
	cx, cy := 103., 98.
	for y := 0; y < w; y++ {
		for x := 0; x < w; x++ {
			r := math.Hypot(float64(x)-cx, float64(y)-cy)
			img.Pix[y*w+x] = 100 * math.Exp(-(r-50)*(r-50)/8)
		}
	}
	assumed := imgproc.Point{X: 100, Y: 100}
	opts := feature.Options{Ring: feature.RingOptions{Center: &assumed, NTheta: 90, NR: 100, RMax: 99}}
	m, err := feature.Detect(img, feature.Ring, opts)
	if err != nil {
		t.Fatal(err)
	}
	ring, ok := m.Geometry.(feature.RingGeometry)
	if !ok {
		t.Fatalf("no ring found: %+v", m)
	}
	p := ring.Position()
	if math.Abs(p.X-cx) > 0.5 || math.Abs(p.Y-cy) > 0.5 {
		t.Errorf("ring centre %v, expected (%v, %v)", p, cx, cy)
	}
	if ring.Model.Phi <= -90 || ring.Model.Phi > 90 {
		t.Errorf("phase %v not folded", ring.Model.Phi)
	}
}

func TestDetectGridMarkers(t *testing.T) {
	truth := fit.Grid{Center: imgproc.Point{X: 100, Y: 100}, Pitch: 20, Tilt: 10, Aspect: 1}
	img := imgproc.New(200, 200)
	for j := -3; j <= 3; j++ {
		for i := -3; i <= 3; i++ {
			n := truth.Node(i, j)
			for y := int(n.Y) - 6; y <= int(n.Y)+6; y++ {
				for x := int(n.X) - 6; x <= int(n.X)+6; x++ {
					d2 := (float64(x)-n.X)*(float64(x)-n.X) + (float64(y)-n.Y)*(float64(y)-n.Y)
					img.Pix[y*200+x] += 100 * math.Exp(-d2/4.5)
				}
			}
		}
	}
	m, err := feature.Detect(img, feature.Grid, feature.Options{Grid: feature.GridOptions{Radius: 3}})
	if err != nil {
		t.Fatal(err)
	}
	g, ok := m.Geometry.(feature.GridGeometry)
	if !ok {
		t.Fatal("no grid found")
	}
	if len(g.Markers) != 49 {
		t.Errorf("expected 49 markers, got %d", len(g.Markers))
	}
	if math.Abs(g.Guess.Pitch-20) > 0.5 || math.Abs(g.Guess.Tilt-10) > 1 {
		t.Errorf("guess pitch %v tilt %v", g.Guess.Pitch, g.Guess.Tilt)
	}
	if feature.Classify(m, thresholds) != feature.Beam {
		t.Errorf("grid classified %v", feature.Classify(m, thresholds))
	}
}

func TestClassify(t *testing.T) {
	geom := feature.EllipseGeometry{}
	tbl := []struct {
		m    feature.Measurement
		want feature.Class
	}{
		{feature.Measurement{Q: 1}, feature.NoSignal},
		{feature.Measurement{Q: 10}, feature.NoEllipse},
		{feature.Measurement{Geometry: geom, P: 2, Q: 1}, feature.NoBeam},
		{feature.Measurement{Geometry: geom, P: 100, Q: 60}, feature.NoBorder},
		{feature.Measurement{Geometry: geom, P: 100, Q: 50}, feature.Beam},
	}
	for _, tc := range tbl {
		if got := feature.Classify(tc.m, thresholds); got != tc.want {
			t.Errorf("%+v: expected %v got %v", tc.m, tc.want, got)
		}
	}
	if feature.Beam.Event() != "detect-beam" || feature.NoBorder.Event() != "detect-noborder" {
		t.Error("unexpected event names")
	}
	if !feature.NoBorder.Ambiguous() || feature.NoBeam.Valid() {
		t.Error("class predicates are wrong")
	}
}

func TestParseKind(t *testing.T) {
	k, err := feature.ParseKind("Ring")
	if err != nil || k != feature.Ring {
		t.Errorf("got %v, %v", k, err)
	}
	if _, err := feature.ParseKind("blob"); err == nil {
		t.Error("expected an error")
	}
}
