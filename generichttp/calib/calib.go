/*Package calib exposes the calibration worker, controllers, instrument and
model store over HTTP.

Procedures are started on the shared worker.  By default a request returns
202 Accepted as soon as the procedure starts and its report is read later
from /report; with "wait": true the request blocks and returns the report.
A second procedure while one runs is refused with 409 Conflict.
*/
package calib

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"sort"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/control"
	"github.com/nasa-jpl/temcal/fit"
	"github.com/nasa-jpl/temcal/generichttp"
	"github.com/nasa-jpl/temcal/store"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

// HTTPWorker exposes worker control
type HTTPWorker struct {
	W *worker.Worker

	RouteTable generichttp.RouteTable
}

// NewHTTPWorker returns a route table with status, stop, pause, resume and signal
func NewHTTPWorker(w *worker.Worker) HTTPWorker {
	h := HTTPWorker{W: w, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = h.Status
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = h.Stop
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/pause"}] = h.Pause
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/resume"}] = h.Resume
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/signal"}] = generichttp.SetString(func(name string) error {
		w.Signal(name)
		return nil
	})
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPWorker) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Status returns the worker status as JSON
func (h HTTPWorker) Status(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.W.Status())
}

// Stop asks the running procedure to stop
func (h HTTPWorker) Stop(w http.ResponseWriter, r *http.Request) {
	h.W.Stop()
	w.WriteHeader(http.StatusOK)
}

// Pause pauses the running procedure at its next checkpoint
func (h HTTPWorker) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.W.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Resume releases a paused procedure
func (h HTTPWorker) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.W.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ProcedureRequest is the body of a procedure start request
type ProcedureRequest struct {
	// Target is the Align target, in pixels
	Target []float64 `json:"target"`

	// Step and MaxIter configure Calibrate and FindBeam
	Step    int `json:"step"`
	MaxIter int `json:"maxiter"`

	// Grid is the lattice model fitted by fitgrid: square, aspect or
	// distortion.  Default distortion
	Grid string `json:"grid"`

	// Wait blocks the request until the procedure returns
	Wait bool `json:"wait"`
}

func (r ProcedureRequest) gridKind() (fit.GridKind, error) {
	if r.Grid == "" {
		return fit.Distortion, nil
	}
	return fit.ParseGridKind(r.Grid)
}

// HTTPController exposes one controller's procedures and reports
type HTTPController struct {
	Ctl *control.Controller
	W   *worker.Worker

	// Defaults fill in a request's zero Step and MaxIter
	Defaults ProcedureRequest

	RouteTable generichttp.RouteTable
}

// NewHTTPController returns a route table with align, cal, findbeam, fitgrid,
// fitring, report, history, model and config routes
func NewHTTPController(ctl *control.Controller, w *worker.Worker, defaults ProcedureRequest) HTTPController {
	h := HTTPController{Ctl: ctl, W: w, Defaults: defaults, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/align"}] = h.procedure("align", func(ctx context.Context, req ProcedureRequest) (control.Outcome, error) {
		return ctl.Align(ctx, req.Target)
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/cal"}] = h.procedure("cal", func(ctx context.Context, req ProcedureRequest) (control.Outcome, error) {
		return ctl.Calibrate(ctx, req.Step, req.MaxIter)
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/findbeam"}] = h.procedure("findbeam", func(ctx context.Context, req ProcedureRequest) (control.Outcome, error) {
		return ctl.FindBeam(ctx, req.Step, req.MaxIter)
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/fitgrid"}] = h.procedure("fitgrid", func(ctx context.Context, req ProcedureRequest) (control.Outcome, error) {
		kind, err := req.gridKind()
		if err != nil {
			return control.Fault, err
		}
		return ctl.FitDistortion(ctx, kind)
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/fitring"}] = h.procedure("fitring", func(ctx context.Context, req ProcedureRequest) (control.Outcome, error) {
		return ctl.FitRing(ctx)
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/report"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, ctl.Last())
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/history"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, ctl.History())
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/model"}] = func(w http.ResponseWriter, r *http.Request) {
		m, ok := ctl.Model()
		if !ok {
			http.Error(w, "no stored response model", http.StatusNotFound)
			return
		}
		generichttp.RespondJSON(w, m)
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, ctl.Config())
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPController) RT() generichttp.RouteTable {
	return h.RouteTable
}

type runner func(ctx context.Context, req ProcedureRequest) (control.Outcome, error)

func (h HTTPController) procedure(name string, run runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := ProcedureRequest{}
		if r.ContentLength != 0 {
			err := json.NewDecoder(r.Body).Decode(&req)
			defer r.Body.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.Step == 0 {
			req.Step = h.Defaults.Step
		}
		if req.MaxIter == 0 {
			req.MaxIter = h.Defaults.MaxIter
		}
		if req.Target == nil {
			req.Target = h.Defaults.Target
		}
		if req.Grid == "" {
			req.Grid = h.Defaults.Grid
		}
		if _, err := req.gridKind(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		task := func(ctx context.Context) error {
			_, err := run(ctx, req)
			return err
		}
		taskName := h.Ctl.Config().Name + " " + name
		// procedures outlive the request that started them
		ctx := context.WithoutCancel(r.Context())
		if !req.Wait {
			if err := h.W.Start(ctx, taskName, task); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		err := h.W.Run(ctx, taskName, task)
		if errors.Is(err, worker.ErrBusy) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		rep := h.Ctl.Last()
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(rep)
			return
		}
		generichttp.RespondJSON(w, rep)
	}
}

// HTTPStore exposes the calibration store
type HTTPStore struct {
	Store *store.Store

	// Path is where POST /store/save writes; empty disables saving
	Path string

	RouteTable generichttp.RouteTable
}

// NewHTTPStore returns a route table with GET /store, GET /store/keys and POST /store/save
func NewHTTPStore(s *store.Store, path string) HTTPStore {
	h := HTTPStore{Store: s, Path: path, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/store"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, s.Snapshot())
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/store/keys"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, s.Keys())
	}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/store/save"}] = func(w http.ResponseWriter, r *http.Request) {
		if h.Path == "" {
			http.Error(w, "no store path configured", http.StatusConflict)
			return
		}
		if err := s.Save(h.Path); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPStore) RT() generichttp.RouteTable {
	return h.RouteTable
}

// InjectOptics adds GET /optics, reporting the optical state, and
// GET /index?name=<register>, reporting one register
func InjectOptics(other generichttp.HTTPer, inst tem.Instrument) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/optics"}] = func(w http.ResponseWriter, r *http.Request) {
		o, err := tem.ReadOptics(r.Context(), inst)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.RespondJSON(w, o)
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/index"}] = func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "query parameter name is required", http.StatusBadRequest)
			return
		}
		v, err := inst.GetIndex(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.RespondJSON(w, v)
	}
}

// RawCommunicator has a single Raw method
type RawCommunicator interface {
	Raw(ctx context.Context, line string) (string, error)
}

// InjectRaw adds POST /raw, which forwards {"str": line} to the controller
// and returns its reply as {"str": reply}
func InjectRaw(other generichttp.HTTPer, raw RawCommunicator) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = func(w http.ResponseWriter, r *http.Request) {
		str := generichttp.StrT{}
		err := json.NewDecoder(r.Body).Decode(&str)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := raw.Raw(r.Context(), str.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.String, String: resp}
		hp.EncodeAndRespond(w, r)
	}
}

// Names returns the sorted controller names, for listing
func Names(ctls map[string]*control.Controller) []string {
	out := make([]string, 0, len(ctls))
	for k := range ctls {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
