package calib_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/temcal/camera"
	"github.com/nasa-jpl/temcal/control"
	"github.com/nasa-jpl/temcal/feature"
	"github.com/nasa-jpl/temcal/fit"
	"github.com/nasa-jpl/temcal/generichttp"
	"github.com/nasa-jpl/temcal/generichttp/calib"
	"github.com/nasa-jpl/temcal/imgproc"
	"github.com/nasa-jpl/temcal/response"
	"github.com/nasa-jpl/temcal/sim"
	"github.com/nasa-jpl/temcal/store"
	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

type fixture struct {
	scope *sim.Microscope
	sess  *tem.Session
	store *store.Store
	w     *worker.Worker
	ctl   *control.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{scope: sim.NewMicroscope(), store: store.New(), w: worker.New()}
	f.sess = tem.NewSession(sim.NewBeamCamera(f.scope), f.scope)
	cfg := control.Config{
		Name:       "shift",
		Index:      sim.RegBeamShift,
		Kind:       feature.Ellipse,
		Observable: control.Position,
		Detect:     feature.Options{Otsu: true, MinArea: 20},
		Thresholds: feature.Thresholds{Noise: 30, Borderline: 0.5},
	}
	ctl, err := control.New(cfg, f.sess, f.store)
	if err != nil {
		t.Fatal(err)
	}
	f.ctl = ctl
	return f
}

func serve(rt generichttp.RouteTable) *httptest.Server {
	r := chi.NewRouter()
	rt.Bind(r)
	return httptest.NewServer(r)
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	if body != nil {
		json.NewEncoder(buf).Encode(body)
	}
	resp, err := http.Post(url, "application/json", buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestAlignWaitReturnsReport(t *testing.T) {
	f := newFixture(t)
	f.store.SetModel("shift", 0, response.Matrix{1, 0, 0, 1})
	f.scope.Define(sim.RegBeamShift, tem.SetPoint{6, -4})
	srv := serve(calib.NewHTTPController(f.ctl, f.w, calib.ProcedureRequest{}).RT())
	defer srv.Close()

	resp := post(t, srv.URL+"/align", calib.ProcedureRequest{Target: []float64{64, 64}, Wait: true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rep control.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != control.Success {
		t.Errorf("expected success, got %s", rep.Outcome)
	}
	v := f.scope.Peek(sim.RegBeamShift)
	if v[0] < -1 || v[0] > 1 || v[1] < -1 || v[1] > 1 {
		t.Errorf("expected the beam back on target, set-point %s", v)
	}
}

func TestCalibrateInBackground(t *testing.T) {
	f := newFixture(t)
	defaults := calib.ProcedureRequest{Step: 8, MaxIter: 4}
	srv := serve(calib.NewHTTPController(f.ctl, f.w, defaults).RT())
	defer srv.Close()

	resp := post(t, srv.URL+"/cal", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if err := f.w.Wait(); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(srv.URL + "/model")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var m []float64
	json.NewDecoder(resp.Body).Decode(&m)
	if len(m) != 4 {
		t.Errorf("expected a 2x2 model, got %v", m)
	}
}

func TestModelMissing(t *testing.T) {
	f := newFixture(t)
	srv := serve(calib.NewHTTPController(f.ctl, f.w, calib.ProcedureRequest{}).RT())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/model")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProcedureWhileBusy(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.w.Start(context.Background(), "hold", func(ctx context.Context) error {
		<-release
		return nil
	})
	defer func() {
		close(release)
		f.w.Wait()
	}()
	srv := serve(calib.NewHTTPController(f.ctl, f.w, calib.ProcedureRequest{}).RT())
	defer srv.Close()
	resp := post(t, srv.URL+"/findbeam", calib.ProcedureRequest{Step: 4, MaxIter: 2})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
}

func TestWorkerRoutes(t *testing.T) {
	w := worker.New()
	srv := serve(calib.NewHTTPWorker(w).RT())
	defer srv.Close()

	resp := post(t, srv.URL+"/pause", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pausing an idle worker: expected 409, got %d", resp.StatusCode)
	}

	waiting := make(chan struct{})
	w.Start(context.Background(), "operator", func(ctx context.Context) error {
		close(waiting)
		return w.WaitFor(ctx, "unblank", 0)
	})
	<-waiting
	for !w.Waiting("unblank") {
		time.Sleep(time.Millisecond)
	}
	resp = post(t, srv.URL+"/signal", generichttp.StrT{Str: "unblank"})
	resp.Body.Close()
	if err := w.Wait(); err != nil {
		t.Errorf("signal did not release the waiter: %v", err)
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st worker.Status
	json.NewDecoder(resp.Body).Decode(&st)
	if diff := cmp.Diff(worker.Status{State: "idle", Task: "operator"}, st); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

type echo struct{}

func (echo) Raw(ctx context.Context, line string) (string, error) {
	return strings.ToUpper(line), nil
}

func TestOpticsAndRaw(t *testing.T) {
	f := newFixture(t)
	h := calib.NewHTTPStore(f.store, "")
	calib.InjectOptics(h, f.sess)
	calib.InjectRaw(h, echo{})
	srv := serve(h.RT())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/optics")
	if err != nil {
		t.Fatal(err)
	}
	var o tem.OpticalState
	json.NewDecoder(resp.Body).Decode(&o)
	resp.Body.Close()
	if o.Mag != 20000 || o.ImagingMode != "MAG" {
		t.Errorf("unexpected optical state %+v", o)
	}

	resp = post(t, srv.URL+"/raw", generichttp.StrT{Str: "get mag"})
	var s generichttp.StrT
	json.NewDecoder(resp.Body).Decode(&s)
	resp.Body.Close()
	if s.Str != "GET MAG" {
		t.Errorf("expected the echoed line, got %q", s.Str)
	}

	resp = post(t, srv.URL+"/store/save", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("saving without a path: expected 409, got %d", resp.StatusCode)
	}
}

func TestFitGrid(t *testing.T) {
	lattice := fit.Grid{Center: imgproc.Point{X: 100, Y: 100}, Pitch: 20, Tilt: 5, Aspect: 1}
	img := imgproc.New(200, 200)
	for j := -3; j <= 3; j++ {
		for i := -3; i <= 3; i++ {
			n := lattice.Node(i, j)
			for y := int(n.Y) - 6; y <= int(n.Y)+6; y++ {
				for x := int(n.X) - 6; x <= int(n.X)+6; x++ {
					dx, dy := float64(x)-n.X, float64(y)-n.Y
					img.Pix[y*200+x] += 100 * math.Exp(-(dx*dx+dy*dy)/4.5)
				}
			}
		}
	}
	scope := sim.NewMicroscope()
	cam := camera.CaptureFunc(func(context.Context) (imgproc.Image, error) { return img, nil })
	st := store.New()
	ctl, err := control.New(control.Config{
		Name:   "lattice",
		Index:  sim.RegBeamShift,
		Kind:   feature.Grid,
		Detect: feature.Options{Grid: feature.GridOptions{Radius: 3}},
	}, tem.NewSession(cam, scope), st)
	if err != nil {
		t.Fatal(err)
	}
	w := worker.New()
	srv := serve(calib.NewHTTPController(ctl, w, calib.ProcedureRequest{}).RT())
	defer srv.Close()

	resp := post(t, srv.URL+"/fitgrid", calib.ProcedureRequest{Grid: "hexagonal", Wait: true})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown lattice model: expected 400, got %d", resp.StatusCode)
	}
	if w.Busy() {
		t.Error("a rejected request started a task")
	}

	resp = post(t, srv.URL+"/fitgrid", calib.ProcedureRequest{Grid: "square", Wait: true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rep control.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Outcome != control.Success || rep.Procedure != "fitgrid" {
		t.Fatalf("unexpected report %+v", rep)
	}
	v, ok := st.Get("lattice", 0)
	if !ok {
		t.Fatal("lattice was not stored")
	}
	if diff := cmp.Diff(rep.Model, v); diff != "" {
		t.Errorf("report and store disagree (-report +store):\n%s", diff)
	}
	if math.Abs(v[0]-20) > 0.05 {
		t.Errorf("pitch %v, expected 20", v[0])
	}
}
