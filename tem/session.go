package tem

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/temcal/camera"
	"github.com/nasa-jpl/temcal/imgproc"
	"github.com/nasa-jpl/temcal/imgrec"
	"github.com/nasa-jpl/temcal/worker"
)

// Session is the hardware handle shared by every procedure.  It serializes
// camera and instrument access so that no capture or write is issued while
// another is outstanding, and places a worker checkpoint before and after
// each operation.
//
// Session implements Instrument, Notifier and camera.Capturer.
type Session struct {
	mu sync.Mutex

	cam    camera.Capturer
	inst   Instrument
	notify Notifier

	limiter    *rate.Limiter
	rec        *imgrec.Recorder
	retryDelay time.Duration
}

// Option configures a Session
type Option func(*Session)

// WithNotifier sets the notification sink
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notify = n }
}

// WithRateLimit limits captures to one per interval
func WithRateLimit(interval time.Duration) Option {
	return func(s *Session) {
		if interval > 0 {
			s.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// WithRecorder records every captured frame
func WithRecorder(r *imgrec.Recorder) Option {
	return func(s *Session) { s.rec = r }
}

// WithRetryDelay sets the pause before the single capture retry
func WithRetryDelay(d time.Duration) Option {
	return func(s *Session) { s.retryDelay = d }
}

// NewSession returns a session over a camera and an instrument
func NewSession(cam camera.Capturer, inst Instrument, opts ...Option) *Session {
	s := &Session{cam: cam, inst: inst, retryDelay: 100 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// around runs op under the session lock between two checkpoints
func (s *Session) around(ctx context.Context, op func() error) error {
	if err := worker.Checkpoint(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	err := op()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return worker.Checkpoint(ctx)
}

// Capture takes one exposure.  A failed capture is retried once.
func (s *Session) Capture(ctx context.Context) (imgproc.Image, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return imgproc.Image{}, worker.ErrStopRequested
		}
	}
	var img imgproc.Image
	err := s.around(ctx, func() error {
		attempt := 0
		op := func() error {
			attempt++
			var err error
			img, err = s.cam.Capture(ctx)
			if err != nil && ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), 1), ctx)
		return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
			log.Printf("capture attempt %d failed, retrying in %v: %v\n", attempt, d, err)
		})
	})
	if err != nil {
		return imgproc.Image{}, errors.Wrap(err, "capture")
	}
	if s.rec != nil {
		if fn, err := s.rec.Record(img); err != nil {
			log.Printf("recording frame failed: %v\n", err)
		} else if fn != "" {
			log.Printf("recorded %s\n", fn)
		}
	}
	return img, nil
}

// GetIndex reads a register
func (s *Session) GetIndex(ctx context.Context, name string) (SetPoint, error) {
	var v SetPoint
	err := s.around(ctx, func() (err error) {
		v, err = s.inst.GetIndex(ctx, name)
		return err
	})
	return v, err
}

// SetIndex writes a register
func (s *Session) SetIndex(ctx context.Context, name string, v SetPoint) error {
	return s.around(ctx, func() error { return s.inst.SetIndex(ctx, name, v) })
}

// GetMode reads the mode of a system
func (s *Session) GetMode(ctx context.Context, system string) (string, error) {
	var m string
	err := s.around(ctx, func() (err error) {
		m, err = s.inst.GetMode(ctx, system)
		return err
	})
	return m, err
}

// SetMode requests a mode switch; it does not wait for completion
func (s *Session) SetMode(ctx context.Context, system, mode string) error {
	return s.around(ctx, func() error { return s.inst.SetMode(ctx, system, mode) })
}

// GetRestriction reads a restriction
func (s *Session) GetRestriction(ctx context.Context, name string) (int, error) {
	var v int
	err := s.around(ctx, func() (err error) {
		v, err = s.inst.GetRestriction(ctx, name)
		return err
	})
	return v, err
}

// SetRestriction writes a restriction
func (s *Session) SetRestriction(ctx context.Context, name string, v int) error {
	return s.around(ctx, func() error { return s.inst.SetRestriction(ctx, name, v) })
}

// Notify forwards to the notifier, if one is set
func (s *Session) Notify(event string, payload interface{}) {
	if s.notify != nil {
		s.notify.Notify(event, payload)
	}
}
