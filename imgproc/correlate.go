package imgproc

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CircularCorrelate returns c[k] = sum_i a[i] * b[(i+k) mod n].
// a and b must have the same length.
func CircularCorrelate(a, b []float64) []float64 {
	n := len(a)
	if n == 0 {
		return nil
	}
	fft := fourier.NewFFT(n)
	fa := fft.Coefficients(nil, a)
	fb := fft.Coefficients(nil, b)
	for i := range fa {
		fb[i] = cmplx.Conj(fa[i]) * fb[i]
	}
	c := fft.Sequence(nil, fb)
	for i := range c {
		c[i] /= float64(n)
	}
	return c
}

// Shift returns the fractional lag s that best aligns signal with template,
// in the sense signal[i] ~ template[i-s].  Both are mean-subtracted and zero
// padded so the correlation does not wrap.  The integer peak is refined with
// a parabola through its neighbours.
func Shift(template, signal []float64) float64 {
	n := len(template)
	if n == 0 || len(signal) != n {
		return 0
	}
	m := 2 * n
	t := demeanPad(template, m)
	s := demeanPad(signal, m)
	c := CircularCorrelate(t, s)

	lag := func(k int) int {
		if k >= n {
			return k - m
		}
		return k
	}
	best := 0
	for k := range c {
		l := lag(k)
		if l <= -n || l >= n {
			continue
		}
		if c[k] > c[best] {
			best = k
		}
	}
	prev, next := c[(best-1+m)%m], c[(best+1)%m]
	frac := 0.
	if den := prev - 2*c[best] + next; den < 0 {
		frac = 0.5 * (prev - next) / den
	}
	return float64(lag(best)) + frac
}

func demeanPad(x []float64, m int) []float64 {
	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	out := make([]float64, m)
	for i, v := range x {
		out[i] = v - mean
	}
	return out
}
