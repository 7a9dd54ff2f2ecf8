package imgproc

import "math"

// GaussianBlur returns img convolved with a gaussian of the given standard
// deviation, in pixels.  Edges are handled by clamping.  sigma <= 0 returns a copy.
func GaussianBlur(img Image, sigma float64) Image {
	out := img
	out.Pix = make([]float64, len(img.Pix))
	if sigma <= 0 {
		copy(out.Pix, img.Pix)
		return out
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v >= hi {
			return hi - 1
		}
		return v
	}
	// separable: rows then columns
	tmp := make([]float64, len(img.Pix))
	for y := 0; y < img.H; y++ {
		row := img.Pix[y*img.W : (y+1)*img.W]
		for x := 0; x < img.W; x++ {
			var acc float64
			for k, w := range kernel {
				acc += w * row[clamp(x+k-radius, img.W)]
			}
			tmp[y*img.W+x] = acc
		}
	}
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			var acc float64
			for k, w := range kernel {
				acc += w * tmp[clamp(y+k-radius, img.H)*img.W+x]
			}
			out.Pix[y*img.W+x] = acc
		}
	}
	return out
}

// otsuBins is the histogram resolution used by Otsu
const otsuBins = 256

// Otsu computes a global threshold by maximizing the between-class variance
// of a 256 bin histogram spanning [min, max] of the image.  Pixels strictly
// greater than the returned value belong to the foreground.
func Otsu(img Image) float64 {
	lo, hi := img.MinMax()
	if hi <= lo {
		return hi
	}
	width := (hi - lo) / otsuBins
	var hist [otsuBins]float64
	for _, v := range img.Pix {
		b := int((v - lo) / width)
		if b >= otsuBins {
			b = otsuBins - 1
		}
		hist[b]++
	}
	total := float64(len(img.Pix))
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i) * c
	}
	var (
		wB, sumB float64
		best     = -1.0
		bestK    int
	)
	for k := 0; k < otsuBins-1; k++ {
		wB += hist[k]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(k) * hist[k]
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			bestK = k
		}
	}
	return lo + float64(bestK+1)*width
}

// Intermeans refines a threshold by iterating t = (mean below t + mean above t)/2
// until it moves by less than tol or maxiter passes are made.  Started from
// Otsu it places the threshold midway between the two populations, which
// puts the binarized edge at half coverage.
func Intermeans(img Image, t0, tol float64, maxiter int) float64 {
	t := t0
	for i := 0; i < maxiter; i++ {
		var sLo, sHi float64
		var nLo, nHi int
		for _, v := range img.Pix {
			if v > t {
				sHi += v
				nHi++
			} else {
				sLo += v
				nLo++
			}
		}
		if nLo == 0 || nHi == 0 {
			return t
		}
		next := (sLo/float64(nLo) + sHi/float64(nHi)) / 2
		if math.Abs(next-t) < tol {
			return next
		}
		t = next
	}
	return t
}

// Mask is a binary image
type Mask struct {
	W, H int
	Bits []bool
}

// At returns the mask value at (x, y); out of bounds is false
func (m Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Bits[y*m.W+x]
}

// Count returns the number of set pixels
func (m Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Binarize returns a mask of the pixels strictly above thresh.  Pixels outside
// the image ROI are cleared.
func Binarize(img Image, thresh float64) Mask {
	m := Mask{W: img.W, H: img.H, Bits: make([]bool, len(img.Pix))}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := y*img.W + x
			m.Bits[i] = img.Pix[i] > thresh
		}
	}
	return m
}

// MaskedMeans returns the mean of img inside and outside of m
func MaskedMeans(img Image, m Mask) (inside, outside float64) {
	var sIn, sOut float64
	var nIn, nOut int
	for i, v := range img.Pix {
		if m.Bits[i] {
			sIn += v
			nIn++
		} else {
			sOut += v
			nOut++
		}
	}
	if nIn > 0 {
		inside = sIn / float64(nIn)
	}
	if nOut > 0 {
		outside = sOut / float64(nOut)
	}
	return inside, outside
}
