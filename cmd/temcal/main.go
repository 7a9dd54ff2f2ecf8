package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/maruel/interrupt"
	"github.com/mitchellh/mapstructure"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/temcal/control"
	"github.com/nasa-jpl/temcal/fit"
	"github.com/nasa-jpl/temcal/generichttp/calib"
	"github.com/nasa-jpl/temcal/server"
	"github.com/nasa-jpl/temcal/worker"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "temcal.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

// unmarshal decodes the loaded configuration.  Kinds and observables are
// written by name, so text unmarshalers are honored.
func unmarshal() (Config, error) {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{DecoderConfig: &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc()),
		Result:           &c,
		WeaklyTypedInput: true,
	}})
	return c, err
}

func loadconfig() Config {
	c, err := unmarshal()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `temcal aligns and calibrates the beam of a transmission electron microscope
by closing the loop between the microscope's registers and what the camera sees.

Usage:
	temcal <command>

Commands:
	run
	align <controller> <x> [y]
	cal <controller> [step] [maxiter]
	findbeam <controller> [step] [maxiter]
	fitgrid <controller> [square|aspect|distortion]
	fitring <controller>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `temcal is configured by temcal.yml in the working directory.  mkconf writes
the defaults there; conf prints the configuration in effect.

Each entry of Controllers steers one register.  Kind is the feature detected
(ellipse, ring, grid), Observable the quantity steered (position, x, y,
diameter).  Calibrate measures the register's response and stores it in
StorePath; Align and FindBeam use the stored response.

With Mock: true the microscope and camera are simulated.  The simulated
microscope is served on a loopback port and driven over the same line
protocol as the real controller.

run serves every controller over HTTP at Addr:
	/ctl/<name>/{align,cal,findbeam,fitgrid,fitring,report,history,model,config}
	/worker/{status,stop,pause,resume,signal,lock}
	/tem/{optics,index,frame,detect,raw}, /tem/autowrite/{root,prefix,enabled}
	/store, /store/keys, /store/save

fitgrid fits a lattice to the markers of a grid controller, fitring the
harmonic model to the radii of a ring controller.  Either stores the result
under the controller's ResponseKey.

align, cal, findbeam, fitgrid and fitring run one procedure and exit.  Ctrl-C stops the
procedure and restores the register.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("temcal version %v\n", Version)
}

func run() {
	c := loadconfig()
	r, err := setup(context.Background(), c)
	if err != nil {
		log.Fatal(err)
	}
	defer r.close()
	s := &server.Server{
		Session:     r.sess,
		Worker:      worker.New(),
		Store:       r.store,
		StorePath:   c.StorePath,
		Controllers: r.ctls,
		Defaults:    calib.ProcedureRequest{Step: c.Step, MaxIter: c.MaxIter},
		Recorder:    r.rec,
		Raw:         r.client,
	}
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, s.Handler()))
}

func intArg(args []string, i, def int) int {
	if len(args) <= i {
		return def
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		log.Fatalf("argument %d: %v", i+1, err)
	}
	return v
}

// procedure runs one procedure from the command line with a spinner.
// Ctrl-C stops it.
func procedure(cmd string, args []string) {
	if len(args) < 1 {
		log.Fatalf("usage: temcal %s <controller> ...", cmd)
	}
	c := loadconfig()
	r, err := setup(context.Background(), c)
	if err != nil {
		log.Fatal(err)
	}
	defer r.close()
	ctl, ok := r.ctls[args[0]]
	if !ok {
		log.Fatalf("no controller named %q, have %v", args[0], calib.Names(r.ctls))
	}

	var task func(ctx context.Context) (control.Outcome, error)
	switch cmd {
	case "align":
		if len(args) < 2 {
			log.Fatal("usage: temcal align <controller> <x> [y]")
		}
		target := make([]float64, 0, 2)
		for _, a := range args[1:] {
			f, err := strconv.ParseFloat(a, 64)
			if err != nil {
				log.Fatal(err)
			}
			target = append(target, f)
		}
		task = func(ctx context.Context) (control.Outcome, error) { return ctl.Align(ctx, target) }
	case "cal":
		step, maxiter := intArg(args, 1, c.Step), intArg(args, 2, c.MaxIter)
		task = func(ctx context.Context) (control.Outcome, error) { return ctl.Calibrate(ctx, step, maxiter) }
	case "findbeam":
		step, maxiter := intArg(args, 1, c.Step), intArg(args, 2, c.MaxIter)
		task = func(ctx context.Context) (control.Outcome, error) { return ctl.FindBeam(ctx, step, maxiter) }
	case "fitgrid":
		kind := fit.Distortion
		if len(args) > 1 {
			kind, err = fit.ParseGridKind(args[1])
			if err != nil {
				log.Fatal(err)
			}
		}
		task = func(ctx context.Context) (control.Outcome, error) { return ctl.FitDistortion(ctx, kind) }
	case "fitring":
		task = ctl.FitRing
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + cmd + " " + args[0],
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	})
	if err != nil {
		log.Fatal(err)
	}

	w := worker.New()
	interrupt.HandleCtrlC()
	go func() {
		<-interrupt.Channel
		spinner.Message("stopping")
		w.Stop()
	}()

	spinner.Start()
	var out control.Outcome
	err = w.Run(context.Background(), cmd, func(ctx context.Context) (err error) {
		out, err = task(ctx)
		return err
	})
	rep := ctl.Last()
	if err != nil || out != control.Success {
		spinner.StopFailMessage(out.String())
		spinner.StopFail()
	} else {
		spinner.StopMessage(out.String())
		spinner.Stop()
	}
	yml.NewEncoder(os.Stdout).Encode(rep)
	if err != nil && !worker.IsStop(err) {
		log.Fatal(err)
	}
	if out == control.Success && (cmd == "cal" || cmd == "fitgrid" || cmd == "fitring") && c.StorePath != "" {
		if err := r.store.Save(c.StorePath); err != nil {
			log.Fatal(err)
		}
		log.Printf("store saved to %s\n", c.StorePath)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "align", "cal", "findbeam", "fitgrid", "fitring":
		procedure(cmd, args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
