package imgproc

import "math"

// LocalMaxima returns the sub-pixel positions of the peaks of img that exceed
// thresh and dominate a (2*radius+1) square window.  Within a plateau only
// the first pixel in raster order is kept.
//
// Each axis is refined independently by fitting a parabola to the logarithm
// of the three samples around the peak, which is exact for gaussian spots.
// Where a sample is not positive a plain parabola is used instead.
func LocalMaxima(img Image, radius int, thresh float64) []Point {
	if radius < 1 {
		radius = 1
	}
	b := img.Bounds()
	var out []Point
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := img.Pix[y*img.W+x]
			if v <= thresh || !dominates(img, x, y, radius) {
				continue
			}
			dx := peakOffset(img.At(x-1, y), v, img.At(x+1, y))
			dy := peakOffset(img.At(x, y-1), v, img.At(x, y+1))
			out = append(out, Point{float64(x) + dx, float64(y) + dy})
		}
	}
	return out
}

func peakOffset(l, c, r float64) float64 {
	if l > 0 && c > 0 && r > 0 {
		l, c, r = math.Log(l), math.Log(c), math.Log(r)
	}
	den := l - 2*c + r
	if den >= 0 {
		return 0
	}
	d := 0.5 * (l - r) / den
	if d > 0.5 {
		return 0.5
	}
	if d < -0.5 {
		return -0.5
	}
	return d
}

func dominates(img Image, x, y, radius int) bool {
	v := img.Pix[y*img.W+x]
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			nx, ny := x+dx, y+dy
			if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= img.W || ny >= img.H {
				continue
			}
			u := img.Pix[ny*img.W+nx]
			earlier := dy < 0 || (dy == 0 && dx < 0)
			if u > v || (earlier && u == v) {
				return false
			}
		}
	}
	return true
}
