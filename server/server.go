// Package server assembles the HTTP surface of a calibration session.
package server

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/temcal/control"
	"github.com/nasa-jpl/temcal/generichttp"
	"github.com/nasa-jpl/temcal/generichttp/calib"
	"github.com/nasa-jpl/temcal/generichttp/camera"
	"github.com/nasa-jpl/temcal/imgrec"
	"github.com/nasa-jpl/temcal/server/middleware/locker"
	"github.com/nasa-jpl/temcal/store"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

// Server holds everything exposed over HTTP.  Only Session, Worker and
// Store are required.
type Server struct {
	Session *tem.Session
	Worker  *worker.Worker
	Store   *store.Store

	// StorePath is where POST /store/save writes
	StorePath string

	// Controllers are mounted at /ctl/<name>
	Controllers map[string]*control.Controller

	// Defaults fill in procedure requests
	Defaults calib.ProcedureRequest

	// Recorder, if not nil, records frames and is exposed under /tem
	Recorder *imgrec.Recorder

	// Raw, if not nil, is exposed as POST /tem/raw
	Raw calib.RawCommunicator
}

// stem holds a route table at a URL stem
type stem struct {
	rt generichttp.RouteTable
}

func (s stem) RT() generichttp.RouteTable {
	return s.rt
}

// Handler returns a chi router with every route bound.  Mutating requests
// other than worker control are refused with 423 while a procedure runs or
// the lock is set.
func (s *Server) Handler() http.Handler {
	lock := locker.New(s.Worker.Busy)
	lock.DoNotProtect = append(lock.DoNotProtect, "/worker/", "/store/save")

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(middleware.Recoverer)
	root.Use(lock.Check)

	w := calib.NewHTTPWorker(s.Worker)
	locker.Inject(w, lock)
	mount(root, "worker", w.RT())

	inst := stem{rt: generichttp.RouteTable{}}
	calib.InjectOptics(inst, s.Session)
	// the session records every capture itself
	camera.HTTPCapture(s.Session, inst.rt, nil)
	if s.Recorder != nil {
		imgrec.NewHTTPWrapper(s.Recorder).Inject(inst)
	}
	if s.Raw != nil {
		calib.InjectRaw(inst, s.Raw)
	}
	mount(root, "tem", inst.RT())

	mount(root, "", calib.NewHTTPStore(s.Store, s.StorePath).RT())

	names := calib.Names(s.Controllers)
	for _, name := range names {
		h := calib.NewHTTPController(s.Controllers[name], s.Worker, s.Defaults)
		mount(root, "ctl/"+name, h.RT())
	}
	root.Get("/ctl", func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, names)
	})
	return root
}

func mount(root chi.Router, at string, rt generichttp.RouteTable) {
	if at == "" {
		rt.Bind(root)
		return
	}
	sub := chi.NewRouter()
	rt.Bind(sub)
	root.Mount(generichttp.SubMuxSanitize(at), sub)
}
