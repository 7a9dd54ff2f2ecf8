/*Package camera describes the cameras the calibration procedures capture from.

Capturer is what the procedures consume.  Drivers implement the smaller
Minimal interface and are adapted with FrameSource.  Playback replays frames
from disk for offline work and tests.
*/
package camera

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/imgproc"
)

// ErrNoFrames is returned by a Playback with nothing to play
var ErrNoFrames = errors.New("no frames loaded")

// Capturer takes one exposure.  Capture blocks and may fail on hardware
// error; callers retry at most once.
type Capturer interface {
	Capture(context.Context) (imgproc.Image, error)
}

// CaptureFunc adapts a function to Capturer
type CaptureFunc func(context.Context) (imgproc.Image, error)

// Capture calls f
func (f CaptureFunc) Capture(ctx context.Context) (imgproc.Image, error) {
	return f(ctx)
}

// Minimal describes a minimal camera driver with only the basics.
type Minimal interface {
	// Initialize initializes the camera.  This may have myriad side effects,
	// for example the initialization of a camera driver in C or the
	// allocation of buffers for holding camera frames
	Initialize() error

	// Finalize releases the camera
	Finalize() error

	// GetRes gets the (H, W) associated with the data returned by GetFrameU16
	GetRes() ([2]int, error)

	// GetFrameU16 gets a frame as uint16.  The data is a 1D slice which is
	// strided by the frame width.
	GetFrameU16() (*[]uint16, error)
}

// FrameSource adapts a Minimal driver to Capturer
type FrameSource struct {
	Cam Minimal

	// UnitPerPixel is copied onto every captured image
	UnitPerPixel float64

	// ROI is copied onto every captured image
	ROI image.Rectangle
}

// Capture reads one frame from the driver
func (f FrameSource) Capture(ctx context.Context) (imgproc.Image, error) {
	if err := ctx.Err(); err != nil {
		return imgproc.Image{}, err
	}
	res, err := f.Cam.GetRes()
	if err != nil {
		return imgproc.Image{}, errors.Wrap(err, "reading camera resolution")
	}
	buf, err := f.Cam.GetFrameU16()
	if err != nil {
		return imgproc.Image{}, errors.Wrap(err, "reading frame")
	}
	if buf == nil || len(*buf) < res[0]*res[1] {
		return imgproc.Image{}, errors.Errorf("short frame from camera, expected %dx%d", res[1], res[0])
	}
	img := imgproc.FromU16(*buf, res[1], res[0])
	img.UnitPerPixel = f.UnitPerPixel
	img.ROI = f.ROI
	return img, nil
}
