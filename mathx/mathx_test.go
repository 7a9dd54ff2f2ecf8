package mathx_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/nasa-jpl/temcal/mathx"
)

func ExampleFoldHalfTurn() {
	phi, flipped := mathx.FoldHalfTurn(100)
	fmt.Println(phi, flipped)
	// Output: -80 true
}

func ExampleRound() {
	fmt.Println(mathx.Round(1.26, 0.1) > 1.29, mathx.RoundInt(-2.5))
	// Output: true -3
}

func TestFoldHalfTurnRange(t *testing.T) {
	for _, in := range []float64{-450, -270, -90, -89.9, 0, 90, 90.1, 270, 359, 720} {
		out, flipped := mathx.FoldHalfTurn(in)
		if out <= -90 || out > 90 {
			t.Errorf("FoldHalfTurn(%v) = %v, outside (-90, 90]", in, out)
		}
		// the folded angle must describe the same signed direction
		c := math.Cos(mathx.Rad(in))
		c2 := math.Cos(mathx.Rad(out))
		if flipped {
			c2 = -c2
		}
		if math.Abs(c-c2) > 1e-9 {
			t.Errorf("FoldHalfTurn(%v) changed the curve: cos %v vs %v", in, c, c2)
		}
	}
}

func TestFoldQuarterTurn(t *testing.T) {
	cases := map[float64]float64{95: 5, -85: 5, 45: 45, -45: 45, 180: 0}
	for in, expected := range cases {
		if out := mathx.FoldQuarterTurn(in); math.Abs(out-expected) > 1e-12 {
			t.Errorf("FoldQuarterTurn(%v) expected %v got %v", in, expected, out)
		}
	}
}

func TestWrapDeg(t *testing.T) {
	if out := mathx.WrapDeg(190, -180, 360); math.Abs(out+170) > 1e-12 {
		t.Errorf("expected -170 got %v", out)
	}
	if out := mathx.WrapDeg(-180, -180, 360); out != -180 {
		t.Errorf("expected -180 got %v", out)
	}
}

func TestMedianDoesNotMutate(t *testing.T) {
	x := []float64{5, 1, 3, 2}
	m := mathx.Median(x)
	if m != 2.5 {
		t.Errorf("expected median 2.5 got %v", m)
	}
	if x[0] != 5 {
		t.Error("Median sorted its input")
	}
	if i := mathx.MedianIndex(x); x[i] != 2 {
		t.Errorf("expected lower-middle sample 2, got %v", x[i])
	}
}
