package camera

import (
	"context"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"github.com/nasa-jpl/temcal/imgproc"
)

// Playback is a Capturer that cycles through a fixed list of frames
type Playback struct {
	mu     sync.Mutex
	frames []imgproc.Image
	cursor int
}

// NewPlayback returns a Playback over frames
func NewPlayback(frames ...imgproc.Image) *Playback {
	return &Playback{frames: frames}
}

// LoadDir loads every .fits, .fit and .tif(f) file in dir, in name order
func LoadDir(dir string) (*Playback, error) {
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	p := &Playback{}
	for _, n := range names {
		ext := strings.ToLower(filepath.Ext(n))
		if ext != ".fits" && ext != ".fit" && ext != ".tif" && ext != ".tiff" {
			continue
		}
		img, err := LoadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		p.frames = append(p.frames, img)
	}
	if len(p.frames) == 0 {
		return nil, errors.Wrapf(ErrNoFrames, "%s", dir)
	}
	log.Printf("loaded %d playback frames from %s\n", len(p.frames), dir)
	return p, nil
}

// LoadFile reads one FITS or TIFF frame
func LoadFile(fn string) (imgproc.Image, error) {
	f, err := os.Open(fn)
	if err != nil {
		return imgproc.Image{}, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".tif", ".tiff":
		im, err := tiff.Decode(f)
		if err != nil {
			return imgproc.Image{}, errors.Wrapf(err, "decoding %s", fn)
		}
		return imgproc.FromImage(im), nil
	default:
		img, err := ReadFits(f)
		return img, errors.Wrapf(err, "decoding %s", fn)
	}
}

// ReadFits reads the primary image HDU of a FITS stream
func ReadFits(r io.Reader) (imgproc.Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return imgproc.Image{}, err
	}
	defer f.Close()
	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return imgproc.Image{}, errors.New("primary HDU is not an image")
	}
	axes := hdu.Header().Axes()
	if len(axes) < 2 {
		return imgproc.Image{}, errors.Errorf("expected a 2D image, got axes %v", axes)
	}
	w, h := axes[0], axes[1]
	if hdu.Header().Bitpix() == -32 {
		data := make([]float32, w*h)
		if err := hdu.Read(&data); err != nil {
			return imgproc.Image{}, err
		}
		img := imgproc.New(w, h)
		for i := range img.Pix {
			img.Pix[i] = float64(data[i])
		}
		return img, nil
	}
	im := hdu.Image()
	if im == nil {
		return imgproc.Image{}, errors.Errorf("unsupported BITPIX %d", hdu.Header().Bitpix())
	}
	return imgproc.FromImage(im), nil
}

// Capture returns the next frame, wrapping around at the end
func (p *Playback) Capture(ctx context.Context) (imgproc.Image, error) {
	if err := ctx.Err(); err != nil {
		return imgproc.Image{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return imgproc.Image{}, ErrNoFrames
	}
	img := p.frames[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.frames)
	return img, nil
}

// Len returns the number of frames
func (p *Playback) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}
