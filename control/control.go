/*Package control closes the loop between a camera and a microscope
set-point register.

A Controller owns one register and one stored response model.  Align
applies a single correction toward a target, Calibrate measures the
response model by probing, and FindBeam searches for the beam when none is
visible.  Cursor steps a register through a list of values.

Procedures report ordinary failures (no signal, singular model, stop) as an
Outcome with a nil error.  Errors are reserved for faults, and are returned
only after the register has been put back where it was.
*/
package control

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/camera"
	"github.com/nasa-jpl/temcal/excursion"
	"github.com/nasa-jpl/temcal/feature"
	"github.com/nasa-jpl/temcal/mathx"
	"github.com/nasa-jpl/temcal/store"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/util"
	"github.com/nasa-jpl/temcal/worker"
)

// ErrConfig is returned for a Config that cannot drive a procedure
var ErrConfig = errors.New("invalid controller configuration")

// Outcome is the non-exceptional result of a procedure
type Outcome int

const (
	// Fault means the procedure returned an error
	Fault Outcome = iota

	// Success means the procedure did what it was asked
	Success

	// NoSignal means no valid feature was detected
	NoSignal

	// Ambiguous means a feature was found but its border was not distinct
	Ambiguous

	// Ineffective means probing never produced a usable change within the budget
	Ineffective

	// Singular means the response model could not be inverted or measured
	Singular

	// Stopped means the worker was asked to stop
	Stopped
)

var outcomeNames = map[Outcome]string{
	Fault:       "fault",
	Success:     "success",
	NoSignal:    "nosignal",
	Ambiguous:   "ambiguous",
	Ineffective: "ineffective",
	Singular:    "singular",
	Stopped:     "stopped",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText encodes the outcome by name
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText is the inverse of MarshalText
func (o *Outcome) UnmarshalText(b []byte) error {
	for k, v := range outcomeNames {
		if v == string(b) {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(b))
}

// Observable is the quantity a controller steers
type Observable int

const (
	// Position is the two dimensional feature position
	Position Observable = iota

	// PositionX is the horizontal feature position
	PositionX

	// PositionY is the vertical feature position
	PositionY

	// Diameter is the mean ellipse diameter
	Diameter
)

var observableNames = map[Observable]string{
	Position:  "position",
	PositionX: "x",
	PositionY: "y",
	Diameter:  "diameter",
}

func (o Observable) String() string {
	if s, ok := observableNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Observable(%d)", int(o))
}

// Dim is the number of components of the observable
func (o Observable) Dim() int {
	if o == Position {
		return 2
	}
	return 1
}

// MarshalText lets an Observable be written by name in config files
func (o Observable) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText is the inverse of MarshalText
func (o *Observable) UnmarshalText(b []byte) error {
	for k, v := range observableNames {
		if strings.EqualFold(v, string(b)) {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("unknown observable %q", string(b))
}

// DefaultBorderline is the Q/P ratio used when a Config leaves Thresholds.Borderline unset
const DefaultBorderline = 0.5

// Config describes one controlled register
type Config struct {
	// Name identifies the controller in logs and over HTTP
	Name string `yaml:"Name"`

	// Index is the register that is written
	Index string `yaml:"Index"`

	// ResponseKey and Selector locate the response model in the store.
	// Selector is usually the illumination or imaging index.
	ResponseKey string `yaml:"ResponseKey"`
	Selector    int    `yaml:"Selector"`

	// Kind is the feature to detect, Observable the quantity steered
	Kind       feature.Kind `yaml:"Kind"`
	Observable Observable   `yaml:"Observable"`

	Detect     feature.Options    `yaml:"Detect"`
	Thresholds feature.Thresholds `yaml:"Thresholds"`

	// Power scales each correction, 1 for a full step.  Default 1
	Power float64 `yaml:"Power"`

	// Limits are software limits per register element, in bits
	Limits []util.Limiter `yaml:"Limits"`

	// Settle is waited after every write before the next capture
	Settle time.Duration `yaml:"Settle"`

	// MinShift is the smallest probe displacement, in pixels, accepted as a
	// real response.  Default 1
	MinShift float64 `yaml:"MinShift"`

	// HistoryLen bounds the convergence history.  Default 100
	HistoryLen int `yaml:"HistoryLen"`

	// Optics are held for the duration of every procedure and undone after
	Optics excursion.Optics `yaml:"Optics"`
}

func (c Config) withDefaults() Config {
	if c.Power == 0 {
		c.Power = 1
	}
	if c.MinShift == 0 {
		c.MinShift = 1
	}
	if c.HistoryLen == 0 {
		c.HistoryLen = 100
	}
	if c.Thresholds.Borderline == 0 {
		c.Thresholds.Borderline = DefaultBorderline
	}
	if c.ResponseKey == "" {
		c.ResponseKey = c.Name
	}
	return c
}

// Validate checks the parts of c every procedure needs
func (c Config) Validate() error {
	switch {
	case c.Index == "":
		return errors.Wrap(ErrConfig, "no register")
	case c.Power < 0 || c.Power > 1:
		return errors.Wrapf(ErrConfig, "power %g outside (0, 1]", c.Power)
	case c.Thresholds.Borderline < 0 || c.Thresholds.Noise < 0:
		return errors.Wrapf(ErrConfig, "negative thresholds %+v", c.Thresholds)
	case c.Observable == Diameter && c.Kind != feature.Ellipse:
		return errors.Wrap(ErrConfig, "diameter is only observable on ellipses")
	}
	return nil
}

// Hardware is everything a controller drives.  *tem.Session implements it.
type Hardware interface {
	tem.Instrument
	tem.Notifier
	camera.Capturer
}

// Aligner applies one correction toward a target
type Aligner interface {
	Align(ctx context.Context, target []float64) (Outcome, error)
}

// Calibratable measures its response model
type Calibratable interface {
	Calibrate(ctx context.Context, step, maxiter int) (Outcome, error)
}

// BeamFinder searches for a lost beam
type BeamFinder interface {
	FindBeam(ctx context.Context, step, maxiter int) (Outcome, error)
}

// Report describes the last procedure a controller ran
type Report struct {
	Procedure string       `json:"procedure"`
	Outcome   Outcome      `json:"outcome"`
	Class     string       `json:"class,omitempty"`
	Observed  []float64    `json:"observed,omitempty"`
	Error     []float64    `json:"error,omitempty"`
	Delta     []int        `json:"delta,omitempty"`
	Model     []float64    `json:"model,omitempty"`
	Step      int          `json:"step,omitempty"`
	Iter      int          `json:"iter,omitempty"`
	RMS       float64      `json:"rms,omitempty"`
	SetPoint  tem.SetPoint `json:"setPoint,omitempty"`
	Err       string       `json:"err,omitempty"`
	When      time.Time    `json:"when"`
}

// Controller runs the closed-loop procedures for one register
type Controller struct {
	cfg   Config
	hw    Hardware
	store *store.Store

	mu      sync.Mutex
	history []float64
	last    Report
}

// New returns a controller.  The store holds its response model.
func New(cfg Config, hw Hardware, st *store.Store) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		st = store.New()
	}
	return &Controller{cfg: cfg, hw: hw, store: st}, nil
}

// Config returns the controller's configuration with defaults applied
func (c *Controller) Config() Config {
	return c.cfg
}

// Model returns the stored response model
func (c *Controller) Model() ([]float64, bool) {
	return c.store.Get(c.cfg.ResponseKey, c.cfg.Selector)
}

// History returns the magnitudes of past alignment errors, oldest first
func (c *Controller) History() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.history...)
}

// Last returns the report of the most recent procedure
func (c *Controller) Last() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) record(e float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, e)
	if n := len(c.history) - c.cfg.HistoryLen; n > 0 {
		c.history = append(c.history[:0], c.history[n:]...)
	}
}

func (c *Controller) report(r Report, err error) {
	r.When = time.Now()
	if err != nil {
		r.Err = err.Error()
	}
	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
	log.Printf("%s: %s %s\n", c.cfg.Name, r.Procedure, r.Outcome)
}

// observation is one capture run through detection and classification
type observation struct {
	m     feature.Measurement
	class feature.Class
	mean  float64
}

// measure captures, detects, classifies and notifies
func (c *Controller) measure(ctx context.Context) (observation, error) {
	img, err := c.hw.Capture(ctx)
	if err != nil {
		return observation{}, err
	}
	m, err := feature.Detect(img, c.cfg.Kind, c.cfg.Detect)
	if err != nil {
		return observation{}, err
	}
	class := feature.Classify(m, c.cfg.Thresholds)
	c.hw.Notify(class.Event(), m)
	return observation{m: m, class: class, mean: img.Mean()}, nil
}

// observe extracts the steered quantity from a valid measurement
func (c *Controller) observe(m feature.Measurement) ([]float64, error) {
	if m.Geometry == nil {
		return nil, errors.New("no geometry")
	}
	p := m.Geometry.Position()
	switch c.cfg.Observable {
	case Position:
		return []float64{p.X, p.Y}, nil
	case PositionX:
		return []float64{p.X}, nil
	case PositionY:
		return []float64{p.Y}, nil
	case Diameter:
		e, ok := m.Ellipse()
		if !ok {
			return nil, errors.Wrap(ErrConfig, "diameter of a non-ellipse")
		}
		return []float64{e.Diameter()}, nil
	}
	return nil, errors.Wrapf(ErrConfig, "unknown observable %d", int(c.cfg.Observable))
}

// inLimits is true if every element of v is inside its software limit
func (c *Controller) inLimits(v tem.SetPoint) bool {
	for i, x := range v {
		if i < len(c.cfg.Limits) && !c.cfg.Limits[i].Check(float64(x)) {
			return false
		}
	}
	return true
}

// clampLimits moves v inside the software limits
func (c *Controller) clampLimits(v tem.SetPoint) tem.SetPoint {
	out := v.Clone()
	for i := range out {
		if i < len(c.cfg.Limits) {
			out[i] = mathx.RoundInt(c.cfg.Limits[i].Clamp(float64(out[i])))
		}
	}
	return out
}

// write sets the register and waits the settle time
func (c *Controller) write(ctx context.Context, v tem.SetPoint) error {
	if err := c.hw.SetIndex(ctx, c.cfg.Index, v); err != nil {
		return err
	}
	return settle(ctx, c.cfg.Settle)
}

// settle waits d, returning early with ErrStopRequested on a stop
func settle(ctx context.Context, d time.Duration) error {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	return worker.Checkpoint(ctx)
}

// restore puts the register back to origin if it has moved.  It runs on a
// detached context so that it also works after a stop.
func (c *Controller) restore(ctx context.Context, origin tem.SetPoint) error {
	dctx := worker.Detach(ctx)
	cur, err := c.hw.GetIndex(dctx, c.cfg.Index)
	if err == nil && cur.Equal(origin) {
		return nil
	}
	if err := c.hw.SetIndex(dctx, c.cfg.Index, origin); err != nil {
		return errors.Wrapf(err, "restoring %s to %s", c.cfg.Index, origin)
	}
	return nil
}

// conclude restores origin when err is set and maps a stop to Stopped
func (c *Controller) conclude(ctx context.Context, r Report, origin tem.SetPoint, err error) (Outcome, error) {
	if err == nil {
		c.report(r, nil)
		return r.Outcome, nil
	}
	if origin != nil {
		if rerr := c.restore(ctx, origin); rerr != nil {
			log.Printf("%s: %v\n", c.cfg.Name, rerr)
		}
	}
	if worker.IsStop(err) {
		r.Outcome = Stopped
		c.report(r, nil)
		return Stopped, nil
	}
	r.Outcome = Fault
	err = errors.Wrapf(err, "%s %s", c.cfg.Name, r.Procedure)
	c.report(r, err)
	return Fault, err
}

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
