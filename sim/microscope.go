/*Package sim provides a simulated microscope and beam camera.

The microscope keeps named registers with hard clamps, mode systems that
switch after a delay, and restrictions.  Every write is journaled so tests
can check what reached the "hardware".  The beam camera renders an
elliptical beam whose position follows a register through a linear
response.
*/
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/tem"
)

// Register names of the simulated deflectors
const (
	RegBeamShift = "beamshift"
	RegBeamTilt  = "beamtilt"
)

type pendingMode struct {
	mode string
	at   time.Time
}

// Microscope is an in-memory tem.Instrument
type Microscope struct {
	sync.Mutex

	// ModeDelay is how long a mode switch takes to be reported by GetMode
	ModeDelay time.Duration

	regs    map[string]tem.SetPoint
	limits  map[string][2]int
	modes   map[string]string
	pending map[string]pendingMode
	restr   map[string]int
	faults  map[string]error
	journal []string
}

// NewMicroscope returns a microscope with the optical registers and two
// deflectors at zero
func NewMicroscope() *Microscope {
	return &Microscope{
		regs: map[string]tem.SetPoint{
			tem.RegSpot:       {1},
			tem.RegAlpha:      {3},
			tem.RegMag:        {20000},
			tem.RegDispersion: {0},
			RegBeamShift:      {0, 0},
			RegBeamTilt:       {0, 0},
		},
		limits: map[string][2]int{},
		modes: map[string]string{
			tem.SysIllumination: "TEM",
			tem.SysImaging:      "MAG",
			tem.SysDispersion:   "OFF",
		},
		pending: map[string]pendingMode{},
		restr: map[string]int{
			"condenser-aperture": 2,
			"objective-aperture": 0,
		},
		faults: map[string]error{},
	}
}

// Define adds or overwrites a register without journaling
func (m *Microscope) Define(name string, v tem.SetPoint) {
	m.Lock()
	defer m.Unlock()
	m.regs[name] = v.Clone()
}

// SetLimit installs a hard clamp [lo, hi] applied to every element written to name
func (m *Microscope) SetLimit(name string, lo, hi int) {
	m.Lock()
	defer m.Unlock()
	m.limits[name] = [2]int{lo, hi}
}

// Fail makes the next operation op fail with err.  op is the journal verb
// and name, for example "set spot" or "mode imaging".
func (m *Microscope) Fail(op string, err error) {
	m.Lock()
	defer m.Unlock()
	m.faults[op] = err
}

// Journal returns every write, in order
func (m *Microscope) Journal() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.journal...)
}

// Peek reads a register without checkpoints or faults
func (m *Microscope) Peek(name string) tem.SetPoint {
	m.Lock()
	defer m.Unlock()
	return m.regs[name].Clone()
}

func (m *Microscope) fault(op string) error {
	if err, ok := m.faults[op]; ok {
		delete(m.faults, op)
		return err
	}
	return nil
}

// GetIndex reads a register
func (m *Microscope) GetIndex(ctx context.Context, name string) (tem.SetPoint, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.fault("get " + name); err != nil {
		return nil, err
	}
	v, ok := m.regs[name]
	if !ok {
		return nil, errors.Wrapf(tem.ErrUnknown, "register %s", name)
	}
	return v.Clone(), nil
}

// SetIndex writes a register, clamping each element to the register's limits
func (m *Microscope) SetIndex(ctx context.Context, name string, v tem.SetPoint) error {
	m.Lock()
	defer m.Unlock()
	if err := m.fault("set " + name); err != nil {
		return err
	}
	old, ok := m.regs[name]
	if !ok {
		return errors.Wrapf(tem.ErrUnknown, "register %s", name)
	}
	if len(v) != len(old) {
		return errors.Errorf("register %s takes %d values, got %d", name, len(old), len(v))
	}
	v = v.Clone()
	if lim, ok := m.limits[name]; ok {
		for i := range v {
			if v[i] < lim[0] {
				v[i] = lim[0]
			}
			if v[i] > lim[1] {
				v[i] = lim[1]
			}
		}
	}
	m.regs[name] = v
	m.journal = append(m.journal, fmt.Sprintf("set %s %s", name, v))
	return nil
}

func (m *Microscope) settle(system string) {
	if p, ok := m.pending[system]; ok && !time.Now().Before(p.at) {
		m.modes[system] = p.mode
		delete(m.pending, system)
	}
}

// GetMode reads the mode of a system.  A switch in progress reports the
// previous mode until ModeDelay has elapsed.
func (m *Microscope) GetMode(ctx context.Context, system string) (string, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.fault("get-mode " + system); err != nil {
		return "", err
	}
	m.settle(system)
	mode, ok := m.modes[system]
	if !ok {
		return "", errors.Wrapf(tem.ErrUnknown, "mode system %s", system)
	}
	return mode, nil
}

// SetMode starts a mode switch
func (m *Microscope) SetMode(ctx context.Context, system, mode string) error {
	m.Lock()
	defer m.Unlock()
	if err := m.fault("mode " + system); err != nil {
		return err
	}
	if _, ok := m.modes[system]; !ok {
		return errors.Wrapf(tem.ErrUnknown, "mode system %s", system)
	}
	m.journal = append(m.journal, fmt.Sprintf("mode %s %s", system, mode))
	if m.ModeDelay <= 0 {
		m.modes[system] = mode
		delete(m.pending, system)
		return nil
	}
	m.pending[system] = pendingMode{mode: mode, at: time.Now().Add(m.ModeDelay)}
	return nil
}

// GetRestriction reads a restriction
func (m *Microscope) GetRestriction(ctx context.Context, name string) (int, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.fault("get-restrict " + name); err != nil {
		return 0, err
	}
	v, ok := m.restr[name]
	if !ok {
		return 0, errors.Wrapf(tem.ErrUnknown, "restriction %s", name)
	}
	return v, nil
}

// SetRestriction writes a restriction
func (m *Microscope) SetRestriction(ctx context.Context, name string, v int) error {
	m.Lock()
	defer m.Unlock()
	if err := m.fault("restrict " + name); err != nil {
		return err
	}
	if _, ok := m.restr[name]; !ok {
		return errors.Wrapf(tem.ErrUnknown, "restriction %s", name)
	}
	m.restr[name] = v
	m.journal = append(m.journal, fmt.Sprintf("restrict %s %d", name, v))
	return nil
}
