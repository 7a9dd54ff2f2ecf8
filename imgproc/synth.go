package imgproc

import "math"

const superSample = 4

// DrawEllipse renders a filled ellipse of the given level onto a uniform
// background.  Edge pixels are antialiased by 4x4 supersampling.
func DrawEllipse(w, h int, e Ellipse, level, background float64) Image {
	img := New(w, h)
	a, b := e.Major/2, e.Minor/2
	st, ct := math.Sincos(e.Angle * math.Pi / 180)
	reach := int(math.Ceil(a)) + 1
	cx, cy := int(math.Round(e.Center.X)), int(math.Round(e.Center.Y))
	for i := range img.Pix {
		img.Pix[i] = background
	}
	if a <= 0 || b <= 0 {
		return img
	}
	step := 1. / superSample
	for y := cy - reach; y <= cy+reach; y++ {
		if y < 0 || y >= h {
			continue
		}
		for x := cx - reach; x <= cx+reach; x++ {
			if x < 0 || x >= w {
				continue
			}
			hits := 0
			for sy := 0; sy < superSample; sy++ {
				for sx := 0; sx < superSample; sx++ {
					px := float64(x) - 0.5 + (float64(sx)+0.5)*step - e.Center.X
					py := float64(y) - 0.5 + (float64(sy)+0.5)*step - e.Center.Y
					u := px*ct + py*st
					v := -px*st + py*ct
					if (u*u)/(a*a)+(v*v)/(b*b) <= 1 {
						hits++
					}
				}
			}
			cov := float64(hits) / (superSample * superSample)
			img.Pix[y*w+x] = background + cov*(level-background)
		}
	}
	return img
}
