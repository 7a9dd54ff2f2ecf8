/*Package imgproc contains the image primitives used to locate beam and
diffraction features: smoothing, thresholding, contour extraction, conic
fitting, polar remapping and correlation.

All geometry is in pixels.  Pixel (x, y) has its centre at (x, y), x grows to
the right and y grows downward.  Conversion to physical units with
Image.UnitPerPixel is left to the caller.

Functions never modify their inputs; every transform returns a new Image.
*/
package imgproc

import (
	"image"
	"image/color"
	"math"
)

// Point is a 2D coordinate in pixels
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Sub returns p - q
func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y}
}

// Add returns p + q
func (p Point) Add(q Point) Point {
	return Point{p.X + q.X, p.Y + q.Y}
}

// Norm returns the length of p treated as a vector
func (p Point) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Vec returns p as a 2-vector
func (p Point) Vec() [2]float64 {
	return [2]float64{p.X, p.Y}
}

// Image is a 2D array of intensity samples.  It is produced once per
// acquisition and treated as immutable.
type Image struct {
	// W and H are the width and height in pixels
	W, H int

	// Pix holds the samples, row major, len(Pix) == W*H
	Pix []float64

	// UnitPerPixel is the physical length of one pixel, e.g. nm/px.  Zero if unknown
	UnitPerPixel float64

	// ROI is the region of interest.  The zero rectangle means the whole frame
	ROI image.Rectangle
}

// New returns a zero-filled image of the given size
func New(w, h int) Image {
	return Image{W: w, H: h, Pix: make([]float64, w*h)}
}

// FromU16 builds an Image from a strided uint16 buffer as returned by camera drivers.
// The buffer is copied.
func FromU16(buf []uint16, w, h int) Image {
	img := New(w, h)
	n := w * h
	if len(buf) < n {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		img.Pix[i] = float64(buf[i])
	}
	return img
}

// FromImage converts any image.Image to a gray Image, using 16-bit luminance
func FromImage(src image.Image) Image {
	b := src.Bounds()
	img := New(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16)
			img.Pix[(y-b.Min.Y)*img.W+(x-b.Min.X)] = float64(g.Y)
		}
	}
	return img
}

// At returns the sample at (x, y); out of bounds reads return 0
func (img Image) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= img.W || y >= img.H {
		return 0
	}
	return img.Pix[y*img.W+x]
}

// Bilinear samples the image at a fractional coordinate.  ok is false when
// the coordinate lies outside the frame.
func (img Image) Bilinear(x, y float64) (v float64, ok bool) {
	if x < 0 || y < 0 || x > float64(img.W-1) || y > float64(img.H-1) {
		return 0, false
	}
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)
	x1, y1 := x0+1, y0+1
	if x1 >= img.W {
		x1 = x0
	}
	if y1 >= img.H {
		y1 = y0
	}
	top := img.At(x0, y0)*(1-fx) + img.At(x1, y0)*fx
	bot := img.At(x0, y1)*(1-fx) + img.At(x1, y1)*fx
	return top*(1-fy) + bot*fy, true
}

// Bounds returns the ROI if one is set, otherwise the full frame
func (img Image) Bounds() image.Rectangle {
	full := image.Rect(0, 0, img.W, img.H)
	if img.ROI.Empty() {
		return full
	}
	return img.ROI.Intersect(full)
}

// Center returns the centre of Bounds()
func (img Image) Center() Point {
	b := img.Bounds()
	return Point{X: float64(b.Min.X+b.Max.X-1) / 2, Y: float64(b.Min.Y+b.Max.Y-1) / 2}
}

// Crop returns a copy of the pixels inside r.  The ROI of the result is cleared.
func (img Image) Crop(r image.Rectangle) Image {
	r = r.Intersect(image.Rect(0, 0, img.W, img.H))
	out := New(r.Dx(), r.Dy())
	out.UnitPerPixel = img.UnitPerPixel
	for y := 0; y < out.H; y++ {
		copy(out.Pix[y*out.W:(y+1)*out.W], img.Pix[(y+r.Min.Y)*img.W+r.Min.X:(y+r.Min.Y)*img.W+r.Max.X])
	}
	return out
}

// Mean returns the mean intensity over the whole frame
func (img Image) Mean() float64 {
	if len(img.Pix) == 0 {
		return 0
	}
	var s float64
	for _, v := range img.Pix {
		s += v
	}
	return s / float64(len(img.Pix))
}

// MinMax returns the extreme values of the image
func (img Image) MinMax() (min, max float64) {
	if len(img.Pix) == 0 {
		return 0, 0
	}
	min, max = img.Pix[0], img.Pix[0]
	for _, v := range img.Pix[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// ToGray16 converts the image to an image.Gray16, clipping to [0, 65535]
func (img Image) ToGray16() *image.Gray16 {
	out := image.NewGray16(image.Rect(0, 0, img.W, img.H))
	for i, v := range img.Pix {
		if v < 0 {
			v = 0
		} else if v > 65535 {
			v = 65535
		}
		u := uint16(v)
		out.Pix[2*i] = byte(u >> 8)
		out.Pix[2*i+1] = byte(u)
	}
	return out
}
