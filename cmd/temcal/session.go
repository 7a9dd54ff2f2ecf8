package main

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/camera"
	"github.com/nasa-jpl/temcal/comm"
	"github.com/nasa-jpl/temcal/control"
	"github.com/nasa-jpl/temcal/feature"
	"github.com/nasa-jpl/temcal/imgrec"
	"github.com/nasa-jpl/temcal/sim"
	"github.com/nasa-jpl/temcal/store"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/util"
)

// RecordConfig configures frame recording
type RecordConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Root    string `yaml:"Root"`
	Prefix  string `yaml:"Prefix"`
}

// Config is the configuration of temcal
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock replaces the microscope and camera with a simulation.  The
	// simulated microscope is still driven over TCP, through Instrument.
	Mock bool `yaml:"Mock"`

	// Instrument is the microscope controller connection
	Instrument comm.Config `yaml:"Instrument"`

	// PoolSize is the number of concurrent connections to the controller
	PoolSize int `yaml:"PoolSize"`

	// Playback is a folder of FITS frames replayed as the camera.  Ignored
	// in mock mode.
	Playback string `yaml:"Playback"`

	// CaptureInterval is the shortest time between two exposures
	CaptureInterval time.Duration `yaml:"CaptureInterval"`

	// StorePath is the calibration store file
	StorePath string `yaml:"StorePath"`

	Record RecordConfig `yaml:"Record"`

	// Step and MaxIter are the defaults for Calibrate and FindBeam
	Step    int `yaml:"Step"`
	MaxIter int `yaml:"MaxIter"`

	Controllers []control.Config `yaml:"Controllers"`
}

func defaultConfig() Config {
	return Config{
		Addr:       ":8000",
		Mock:       true,
		Instrument: comm.Config{Addr: "192.168.100.10:5000", Timeout: 3 * time.Second},
		PoolSize:   1,
		StorePath:  "temcal-store.yml",
		Record:     RecordConfig{Root: "frames", Prefix: "temcal"},
		Step:       16,
		MaxIter:    6,
		Controllers: []control.Config{{
			Name:       "beamshift",
			Index:      sim.RegBeamShift,
			Kind:       feature.Ellipse,
			Observable: control.Position,
			Detect:     feature.Options{Otsu: true, MinArea: 20},
			Thresholds: feature.Thresholds{Noise: 30, Borderline: 0.5},
			Limits:     []util.Limiter{{Min: -2000, Max: 2000}, {Min: -2000, Max: 2000}},
			Settle:     50 * time.Millisecond,
		}},
	}
}

// rig is everything a command needs, and how to release it
type rig struct {
	sess   *tem.Session
	client *tem.Client
	store  *store.Store
	rec    *imgrec.Recorder
	ctls   map[string]*control.Controller
	close  func()
}

func logNotifier(event string, payload interface{}) {
	log.Printf("%s: %v\n", event, payload)
}

// setup connects to the instrument, or starts the simulation, and builds
// the controllers
func setup(ctx context.Context, c Config) (*rig, error) {
	r := &rig{ctls: map[string]*control.Controller{}}
	closers := []func(){}
	r.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var cam camera.Capturer
	icfg := c.Instrument
	if c.Mock {
		scope := sim.NewMicroscope()
		scope.ModeDelay = 200 * time.Millisecond
		cam = sim.NewBeamCamera(scope)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, errors.Wrap(err, "starting simulated controller")
		}
		sctx, cancel := context.WithCancel(ctx)
		go sim.Serve(sctx, ln, scope)
		closers = append(closers, cancel)
		icfg = comm.Config{Addr: ln.Addr().String(), Timeout: time.Second}
		log.Printf("simulated microscope listening at %s\n", icfg.Addr)
	} else {
		if c.Playback == "" {
			return nil, errors.New("no camera: set Playback or Mock")
		}
		pb, err := camera.LoadDir(c.Playback)
		if err != nil {
			return nil, err
		}
		cam = pb
	}
	r.client = tem.NewClient(icfg, c.PoolSize)
	closers = append(closers, func() { r.client.Close() })

	st, err := store.Load(c.StorePath)
	if err != nil {
		r.close()
		return nil, errors.Wrap(err, "loading calibration store")
	}
	r.store = st

	opts := []tem.Option{tem.WithNotifier(tem.NotifierFunc(logNotifier)), tem.WithRateLimit(c.CaptureInterval)}
	if c.Record.Root != "" {
		r.rec = imgrec.New(c.Record.Root, c.Record.Prefix)
		r.rec.Enabled = c.Record.Enabled
		opts = append(opts, tem.WithRecorder(r.rec))
	}
	r.sess = tem.NewSession(cam, r.client, opts...)

	for _, cc := range c.Controllers {
		if _, dup := r.ctls[cc.Name]; dup {
			r.close()
			return nil, errors.Errorf("controller %q defined twice", cc.Name)
		}
		ctl, err := control.New(cc, r.sess, r.store)
		if err != nil {
			r.close()
			return nil, errors.Wrapf(err, "controller %q", cc.Name)
		}
		r.ctls[cc.Name] = ctl
	}
	return r, nil
}
