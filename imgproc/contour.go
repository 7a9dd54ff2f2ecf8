package imgproc

import "image"

// Contour is the outer boundary of one connected foreground region
type Contour struct {
	// Points are the midpoints of the pixel edges that separate the region
	// from the surrounding background
	Points []Point

	// Area is the number of pixels in the region, holes included
	Area int

	// Centroid is the mean pixel position of the region
	Centroid Point

	// Bounds is the bounding box of the region
	Bounds image.Rectangle
}

var (
	n4 = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	n8 = [8][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
)

// outside marks every background pixel 4-connected to the frame border.
// Background pixels not marked are holes inside a foreground region.
func outside(m Mask) []bool {
	out := make([]bool, len(m.Bits))
	stack := make([]int, 0, 2*(m.W+m.H))
	push := func(x, y int) {
		i := y*m.W + x
		if !m.Bits[i] && !out[i] {
			out[i] = true
			stack = append(stack, i)
		}
	}
	for x := 0; x < m.W; x++ {
		push(x, 0)
		push(x, m.H-1)
	}
	for y := 0; y < m.H; y++ {
		push(0, y)
		push(m.W-1, y)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%m.W, i/m.W
		for _, d := range n4 {
			nx, ny := x+d[0], y+d[1]
			if nx >= 0 && ny >= 0 && nx < m.W && ny < m.H {
				push(nx, ny)
			}
		}
	}
	return out
}

// FindContours returns the external contours of the 8-connected foreground
// regions of m, in raster order of their first pixel.  Holes are filled, so
// a ring-shaped region yields only its outer boundary.
func FindContours(m Mask) []Contour {
	if m.W == 0 || m.H == 0 {
		return nil
	}
	bg := outside(m)
	seen := make([]bool, len(m.Bits))
	var contours []Contour
	stack := []int{}
	for start := range m.Bits {
		if bg[start] || seen[start] {
			continue
		}
		var c Contour
		var sx, sy float64
		c.Bounds = image.Rect(start%m.W, start/m.W, start%m.W+1, start/m.W+1)
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%m.W, i/m.W
			c.Area++
			sx += float64(x)
			sy += float64(y)
			c.Bounds = c.Bounds.Union(image.Rect(x, y, x+1, y+1))
			for _, d := range n4 {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H || bg[ny*m.W+nx] {
					c.Points = append(c.Points, Point{float64(x) + float64(d[0])/2, float64(y) + float64(d[1])/2})
				}
			}
			for _, d := range n8 {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H {
					continue
				}
				j := ny*m.W + nx
				if !bg[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		c.Centroid = Point{sx / float64(c.Area), sy / float64(c.Area)}
		contours = append(contours, c)
	}
	return contours
}
