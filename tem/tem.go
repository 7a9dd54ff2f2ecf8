/*Package tem describes the microscope as the calibration procedures see it:
named set-point registers, optical mode switches, hardware restrictions and
a notification sink.

Session wraps a camera and an instrument into the single, serialized
hardware handle shared by every procedure.  Client speaks a plain line
protocol to a microscope controller.
*/
package tem

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/util"
)

// Register names used by the optical state
const (
	RegSpot       = "spot"
	RegAlpha      = "alpha"
	RegMag        = "mag"
	RegDispersion = "dispersion"
)

// Mode systems used by the optical state
const (
	SysIllumination = "illumination"
	SysImaging      = "imaging"
	SysDispersion   = "dispersion"
)

// ErrUnknown is returned by instruments for a register, system or restriction they do not have
var ErrUnknown = errors.New("unknown register, mode system or restriction")

// SetPoint is the value of a hardware control register, one or two integers
type SetPoint []int

// Clone returns a copy of s
func (s SetPoint) Clone() SetPoint {
	return append(SetPoint(nil), s...)
}

// Equal is true if s and o have the same length and values
func (s SetPoint) Equal(o SetPoint) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Add returns s + delta.  delta must have the same length as s.
func (s SetPoint) Add(delta []int) SetPoint {
	out := s.Clone()
	for i := range out {
		if i < len(delta) {
			out[i] += delta[i]
		}
	}
	return out
}

// String formats s as CSV
func (s SetPoint) String() string {
	return util.IntSliceToCSV(s)
}

// ParseSetPoint is the inverse of SetPoint.String
func ParseSetPoint(str string) (SetPoint, error) {
	v, err := util.CSVToIntSlice(str)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing set-point %q", str)
	}
	if len(v) < 1 || len(v) > 2 {
		return nil, errors.Errorf("set-point must have one or two values, got %d", len(v))
	}
	return SetPoint(v), nil
}

// Indexer reads and writes named set-point registers.  A write may be
// clamped, rounded or applied late by the device; read back when accuracy
// matters.
type Indexer interface {
	GetIndex(ctx context.Context, name string) (SetPoint, error)
	SetIndex(ctx context.Context, name string, v SetPoint) error
}

// ModeSwitcher reads and switches the optical mode of a system.  A switch
// may take seconds to complete.
type ModeSwitcher interface {
	GetMode(ctx context.Context, system string) (string, error)
	SetMode(ctx context.Context, system, mode string) error
}

// Restrictor reads and writes hardware restrictions such as aperture
// selection or lens locks
type Restrictor interface {
	GetRestriction(ctx context.Context, name string) (int, error)
	SetRestriction(ctx context.Context, name string, v int) error
}

// Instrument is the full microscope control surface
type Instrument interface {
	Indexer
	ModeSwitcher
	Restrictor
}

// Notifier publishes classified detection outcomes and procedure events.
// It is purely observational.
type Notifier interface {
	Notify(event string, payload interface{})
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(event string, payload interface{})

// Notify calls f
func (f NotifierFunc) Notify(event string, payload interface{}) {
	f(event, payload)
}

// OpticalState is a snapshot of the optical configuration
type OpticalState struct {
	IlluminationMode string `json:"illuminationMode" yaml:"IlluminationMode"`
	Spot             int    `json:"spot" yaml:"Spot"`
	Alpha            int    `json:"alpha" yaml:"Alpha"`
	ImagingMode      string `json:"imagingMode" yaml:"ImagingMode"`
	Mag              int    `json:"mag" yaml:"Mag"`
	DispersionMode   string `json:"dispersionMode" yaml:"DispersionMode"`
	DispersionValue  int    `json:"dispersionValue" yaml:"DispersionValue"`
}

// String is a compact human readable form
func (o OpticalState) String() string {
	parts := []string{
		o.IlluminationMode, "spot=" + strconv.Itoa(o.Spot), "alpha=" + strconv.Itoa(o.Alpha),
		o.ImagingMode, "mag=" + strconv.Itoa(o.Mag),
		o.DispersionMode, "disp=" + strconv.Itoa(o.DispersionValue),
	}
	return strings.Join(parts, " ")
}

func scalar(ctx context.Context, in Indexer, name string) (int, error) {
	v, err := in.GetIndex(ctx, name)
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", name)
	}
	if len(v) != 1 {
		return 0, errors.Errorf("register %s is not scalar: %v", name, v)
	}
	return v[0], nil
}

// ReadOptics reads the full optical state
func ReadOptics(ctx context.Context, in Instrument) (OpticalState, error) {
	var (
		o   OpticalState
		err error
	)
	if o.IlluminationMode, err = in.GetMode(ctx, SysIllumination); err != nil {
		return o, errors.Wrap(err, "reading illumination mode")
	}
	if o.ImagingMode, err = in.GetMode(ctx, SysImaging); err != nil {
		return o, errors.Wrap(err, "reading imaging mode")
	}
	if o.DispersionMode, err = in.GetMode(ctx, SysDispersion); err != nil {
		return o, errors.Wrap(err, "reading dispersion mode")
	}
	if o.Spot, err = scalar(ctx, in, RegSpot); err != nil {
		return o, err
	}
	if o.Alpha, err = scalar(ctx, in, RegAlpha); err != nil {
		return o, err
	}
	if o.Mag, err = scalar(ctx, in, RegMag); err != nil {
		return o, err
	}
	if o.DispersionValue, err = scalar(ctx, in, RegDispersion); err != nil {
		return o, err
	}
	return o, nil
}
