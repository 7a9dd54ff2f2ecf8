// Package camera provides a generic HTTP interface to the calibration camera
package camera

import (
	"bytes"
	"image/jpeg"
	"image/png"
	"net/http"
	"strconv"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/temcal/camera"
	"github.com/nasa-jpl/temcal/feature"
	"github.com/nasa-jpl/temcal/generichttp"
	"github.com/nasa-jpl/temcal/imgproc"
	"github.com/nasa-jpl/temcal/imgrec"
)

// HTTPCapture injects GET /frame and GET /detect into a route table
func HTTPCapture(c camera.Capturer, table generichttp.RouteTable, rec *imgrec.Recorder) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/frame"}] = GetFrame(c, rec)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/detect"}] = Detect(c)
}

// GetFrame takes a picture and returns it on a GET request.
//
// the image format may be specified in the query parameter fmt, one of
// png, jpg or fits; default png.  PNG and JPEG frames are scaled to the
// frame's range.  FITS frames are also recorded if rec is enabled.
func GetFrame(c camera.Capturer, rec *imgrec.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img, err := c.Capture(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		format := r.URL.Query().Get("fmt")
		if format == "" {
			format = "png"
		}
		buf := &bytes.Buffer{}
		switch format {
		case "png":
			err = png.Encode(buf, img.ToGray16())
			w.Header().Set("Content-Type", "image/png")
		case "jpg", "jpeg":
			err = jpeg.Encode(buf, img.ToGray16(), nil)
			w.Header().Set("Content-Type", "image/jpeg")
		case "fits":
			cards := []fitsio.Card{{Name: "ORIGIN", Value: "temcal"}}
			if rec != nil {
				if _, rerr := rec.Record(img, cards...); rerr != nil {
					http.Error(w, rerr.Error(), http.StatusInternalServerError)
					return
				}
			}
			err = imgrec.WriteFits(buf, img, cards...)
			w.Header().Set("Content-Type", "image/fits")
			w.Header().Set("Content-Disposition", "attachment; filename=image.fits")
		default:
			http.Error(w, "unknown format "+strconv.Quote(format), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}

// DetectResult is the JSON form of a detection on a fresh frame
type DetectResult struct {
	Kind     string         `json:"kind"`
	Class    string         `json:"class"`
	Position *imgproc.Point `json:"position,omitempty"`
	Geometry interface{}    `json:"geometry,omitempty"`
	P        float64        `json:"p"`
	Q        float64        `json:"q"`
}

// Detect captures a frame and runs feature detection on it.  The query
// parameters kind (ellipse, ring, grid), noise and borderline are optional.
func Detect(c camera.Capturer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		kind := feature.Ellipse
		if s := q.Get("kind"); s != "" {
			k, err := feature.ParseKind(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			kind = k
		}
		th := feature.Thresholds{Noise: 0, Borderline: 1}
		for name, dst := range map[string]*float64{"noise": &th.Noise, "borderline": &th.Borderline} {
			if s := q.Get(name); s != "" {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				*dst = v
			}
		}
		img, err := c.Capture(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		m, err := feature.Detect(img, kind, feature.Options{Otsu: true})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res := DetectResult{Kind: kind.String(), Class: feature.Classify(m, th).String(), P: m.P, Q: m.Q}
		if m.Geometry != nil {
			p := m.Geometry.Position()
			res.Position = &p
			res.Geometry = m.Geometry
		}
		generichttp.RespondJSON(w, res)
	}
}
