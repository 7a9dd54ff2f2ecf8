// Package mathx contains small numeric helpers shared by the image and fitting code.
package mathx

import (
	"math"
	"sort"
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// RoundInt rounds x to the nearest integer, halves away from zero
func RoundInt(x float64) int {
	return int(math.Round(x))
}

// Deg converts radians to degrees
func Deg(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Rad converts degrees to radians
func Rad(deg float64) float64 {
	return deg * math.Pi / 180
}

// WrapDeg wraps an angle in degrees into [lo, lo+period).
func WrapDeg(a, lo, period float64) float64 {
	a = math.Mod(a-lo, period)
	if a < 0 {
		a += period
	}
	return a + lo
}

// FoldHalfTurn folds a phase in degrees into (-90, 90] by adding or
// subtracting 180 as many times as needed.  flipped reports whether an odd
// number of half turns was applied, in which case any amplitude that
// multiplies cos(t - phase) must be negated to describe the same curve.
func FoldHalfTurn(phase float64) (folded float64, flipped bool) {
	n := 0
	for phase > 90 {
		phase -= 180
		n++
	}
	for phase <= -90 {
		phase += 180
		n++
	}
	return phase, n%2 == 1
}

// FoldQuarterTurn folds an angle in degrees into (-45, 45] by steps of 90.
// It is used for lattices with four-fold symmetry.
func FoldQuarterTurn(a float64) float64 {
	for a > 45 {
		a -= 90
	}
	for a <= -45 {
		a += 90
	}
	return a
}

// Median returns the median of x without modifying it.  It returns NaN for an empty slice.
func Median(x []float64) float64 {
	n := len(x)
	if n == 0 {
		return math.NaN()
	}
	s := make([]float64, n)
	copy(s, x)
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// MedianIndex returns the index into x of the element at the median rank.
// For even lengths the lower-middle element is chosen so that the result is
// always an actual sample.
func MedianIndex(x []float64) int {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	return idx[(len(idx)-1)/2]
}

// Finite is true if none of the values are NaN or Inf
func Finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Hypot2 returns the euclidean norm of a 2-vector
func Hypot2(v [2]float64) float64 {
	return math.Hypot(v[0], v[1])
}
