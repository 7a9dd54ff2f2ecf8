package camera_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/camera"
	"github.com/nasa-jpl/temcal/imgproc"
	"github.com/nasa-jpl/temcal/imgrec"
)

func ramp(w, h int, offset float64) imgproc.Image {
	img := imgproc.New(w, h)
	for i := range img.Pix {
		img.Pix[i] = float64(i) + offset
	}
	return img
}

func TestFitsRoundTrip(t *testing.T) {
	in := ramp(7, 5, 0.5)
	buf := &bytes.Buffer{}
	if err := imgrec.WriteFits(buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := camera.ReadFits(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if out.W != 7 || out.H != 5 {
		t.Fatalf("expected 7x5, got %dx%d", out.W, out.H)
	}
	if diff := cmp.Diff(in.Pix, out.Pix); diff != "" {
		t.Errorf("pixel mismatch (-want +got):\n%s", diff)
	}
}

func TestPlaybackCycles(t *testing.T) {
	p := camera.NewPlayback(ramp(2, 2, 0), ramp(2, 2, 10))
	ctx := context.Background()
	var firsts []float64
	for i := 0; i < 3; i++ {
		img, err := p.Capture(ctx)
		if err != nil {
			t.Fatal(err)
		}
		firsts = append(firsts, img.Pix[0])
	}
	if diff := cmp.Diff([]float64{0, 10, 0}, firsts); diff != "" {
		t.Errorf("frame order mismatch (-want +got):\n%s", diff)
	}
}

func TestPlaybackEmpty(t *testing.T) {
	_, err := camera.NewPlayback().Capture(context.Background())
	if !errors.Is(err, camera.ErrNoFrames) {
		t.Errorf("expected ErrNoFrames, got %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"b.fits", "a.fits"} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := imgrec.WriteFits(f, ramp(3, 3, float64(i*100))); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	p, err := camera.LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 frames, got %d", p.Len())
	}
	img, _ := p.Capture(context.Background())
	if img.Pix[0] != 100 {
		t.Errorf("expected a.fits first, got first pixel %g", img.Pix[0])
	}
}

func TestLoadDirWithoutFrames(t *testing.T) {
	if _, err := camera.LoadDir(t.TempDir()); !errors.Is(err, camera.ErrNoFrames) {
		t.Errorf("expected ErrNoFrames, got %v", err)
	}
}
