package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bvscope/bvscope/pkg/compute"
	"github.com/bvscope/bvscope/pkg/ingest"
	"github.com/bvscope/bvscope/pkg/types"
	"github.com/bvscope/bvscope/server/internal/alerts"
	"github.com/bvscope/bvscope/server/internal/auth"
	"github.com/bvscope/bvscope/server/internal/bus"
	"github.com/bvscope/bvscope/server/internal/config"
	"github.com/bvscope/bvscope/server/internal/export"
	"github.com/bvscope/bvscope/server/internal/metrics"
	"github.com/bvscope/bvscope/server/internal/store"
)

// Broadcaster receives each newly stored session, typically the WebSocket hub.
type Broadcaster interface {
	Publish(types.Summary)
}

// Options wires a Handler to its collaborators. Store is required; every
// other field may be left zero.
type Options struct {
	Store   *store.Store
	Alerts  *alerts.Engine
	Hub     Broadcaster
	Bus     bus.Publisher
	Subject string
	Metrics *metrics.Metrics

	// Settings returns the current evaluation defaults. It is called once per
	// upload so that a config reload applies to the next request.
	Settings       func() config.EvaluationConfig
	MaxUploadBytes int64

	// NewID and Now are injectable for tests.
	NewID func() string
	Now   func() time.Time
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	opt    Options
	router chi.Router
}

// New creates a Handler and registers all routes.
func New(opt Options) *Handler {
	if opt.Settings == nil {
		def := config.Default().Server.Evaluation
		opt.Settings = func() config.EvaluationConfig { return def }
	}
	if opt.MaxUploadBytes <= 0 {
		opt.MaxUploadBytes = config.DefaultMaxUploadBytes
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = bus.Nop{}
	}
	if opt.Subject == "" {
		opt.Subject = config.DefaultNATSSubject
	}

	h := &Handler{opt: opt}
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, CodeMethod, "method not allowed")
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/alerts", h.listAlerts)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.upload)
			r.Get("/", h.listSessions)
			r.Get("/{id}", h.getSession)
			r.Get("/{id}/export.xlsx", h.exportXLSX)
			r.Get("/{id}/export.pdf", h.exportPDF)
		})
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// upload handles POST /api/v1/sessions. The export arrives either as the
// multipart field "file" or as the raw request body; patient, dry_weight,
// encoding, sbp_drop_policy and dry_weight_policy come from form fields or the
// query string.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	start := h.opt.Now()
	r.Body = http.MaxBytesReader(w, r.Body, h.opt.MaxUploadBytes)

	up, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, CodeTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", h.opt.MaxUploadBytes))
			return
		}
		h.reject(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	defer up.body.Close()

	override, err := parseWeight(up.dryWeight)
	if err != nil {
		h.reject(w, http.StatusBadRequest, CodeInvalidWeight, err.Error())
		return
	}

	settings := h.opt.Settings()
	if up.encoding != "" {
		settings.Encoding = up.encoding
	}
	if up.sbpPolicy != "" {
		settings.SBPDropPolicy = up.sbpPolicy
	}
	if up.weightPolicy != "" {
		settings.DryWeightPolicy = up.weightPolicy
	}
	enc, err := ingest.ParseEncoding(settings.Encoding)
	if err != nil {
		h.reject(w, http.StatusBadRequest, CodeInvalidEncoding, err.Error())
		return
	}
	cfg := settings.Compute(override)
	if err := cfg.Validate(); err != nil {
		code := compute.ErrorKind(err)
		if code == "" {
			code = CodeInvalidPolicy
		}
		h.reject(w, http.StatusBadRequest, code, err.Error())
		return
	}

	table, err := ingest.Read(up.body, enc)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, CodeTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", h.opt.MaxUploadBytes))
			return
		}
		h.reject(w, http.StatusUnprocessableEntity, CodeUnreadable, err.Error())
		return
	}

	ev, err := compute.Evaluate(table, cfg)
	if err != nil {
		kind := compute.ErrorKind(err)
		status := http.StatusUnprocessableEntity
		if kind == compute.KindWeightOutOfRange {
			status = http.StatusBadRequest
		}
		if kind == "" {
			kind = CodeBadRequest
		}
		h.reject(w, status, kind, err.Error())
		return
	}

	rep := types.NewReport(h.opt.NewID(), up.filename, up.patient, start, ev)
	h.publish(rep)
	if h.opt.Metrics != nil {
		h.opt.Metrics.ObserveReport(rep, h.opt.Now().Sub(start))
	}

	slog.Info("api: session evaluated",
		"id", rep.ID,
		"file", rep.Filename,
		"patient", rep.Patient,
		"records", rep.Records,
		"worst", rep.Worst,
		"dry_weight_source", rep.DryWeight.Source,
		"uploaded_by", auth.SubjectFromContext(r.Context()),
	)

	w.Header().Set("Location", "/api/v1/sessions/"+rep.ID)
	jsonResp(w, http.StatusCreated, rep)
}

// publish stores rep and fans it out to alerts, live clients and the bus.
func (h *Handler) publish(rep *types.Report) {
	h.opt.Store.Put(rep)
	if h.opt.Alerts != nil {
		h.opt.Alerts.Evaluate(rep)
	}
	if h.opt.Hub != nil {
		h.opt.Hub.Publish(rep.Summary())
	}
	if err := h.opt.Bus.Publish(h.opt.Subject, bus.NewSessionEvaluated(rep)); err != nil {
		slog.Warn("api: publish session event failed", "id", rep.ID, "err", err)
		if h.opt.Metrics != nil {
			h.opt.Metrics.ObservePublishError()
		}
	}
}

// listSessions returns GET /api/v1/sessions: live session summaries, newest
// first. ?patient= filters and ?limit= caps the result.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	patient := r.URL.Query().Get("patient")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, CodeBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	out := make([]types.Summary, 0)
	for _, e := range h.opt.Store.List() {
		if patient != "" && e.Report.Patient != patient {
			continue
		}
		out = append(out, e.Report.Summary())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	jsonResp(w, http.StatusOK, out)
}

// getSession returns GET /api/v1/sessions/{id}: the full report.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.lookup(w, r)
	if !ok {
		return
	}
	jsonResp(w, http.StatusOK, rep)
}

func (h *Handler) exportXLSX(w http.ResponseWriter, r *http.Request) {
	h.serveExport(w, r, "xlsx", export.ContentTypeXLSX, export.BuildReportXLSX)
}

func (h *Handler) exportPDF(w http.ResponseWriter, r *http.Request) {
	h.serveExport(w, r, "pdf", export.ContentTypePDF, export.BuildReportPDF)
}

func (h *Handler) serveExport(w http.ResponseWriter, r *http.Request, format, contentType string, build func(*types.Report) ([]byte, error)) {
	rep, ok := h.lookup(w, r)
	if !ok {
		return
	}
	data, err := build(rep)
	if h.opt.Metrics != nil {
		h.opt.Metrics.ObserveExport(format, err)
	}
	if err != nil {
		slog.Error("api: export failed", "id", rep.ID, "format", format, "err", err)
		jsonErr(w, http.StatusInternalServerError, CodeExportFailed, "export failed")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": rep.ID + "." + format}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// health returns GET /api/v1/health: live session counts by worst label.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	entries := h.opt.Store.List()
	resp := HealthResponse{
		State:        "unknown",
		SessionCount: len(entries),
		Counts:       make(map[string]int, 4),
		GeneratedAt:  h.opt.Now().UTC().Format(time.RFC3339),
	}
	for s := compute.SeveritySafe; s <= compute.SeverityDanger; s++ {
		resp.Counts[s.String()] = 0
	}

	worst := compute.Severity(-1)
	for _, e := range entries {
		resp.Counts[e.Report.Worst]++
		if s, err := compute.ParseSeverity(e.Report.Worst); err == nil && s > worst {
			worst = s
		}
	}
	if worst >= compute.SeveritySafe {
		resp.State = worst.String()
	}
	if h.opt.Alerts != nil {
		resp.FiringAlerts = h.opt.Alerts.FiringCount()
	}
	jsonResp(w, http.StatusOK, resp)
}

// listAlerts returns GET /api/v1/alerts: firing alerts plus those resolved in
// the past hour.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.opt.Alerts == nil {
		jsonResp(w, http.StatusOK, []*alerts.Alert{})
		return
	}
	jsonResp(w, http.StatusOK, h.opt.Alerts.Active())
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*types.Report, bool) {
	id := chi.URLParam(r, "id")
	rep, ok := h.opt.Store.Get(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, CodeNotFound, "session not found")
		return nil, false
	}
	return rep, true
}

func (h *Handler) reject(w http.ResponseWriter, status int, code, msg string) {
	if h.opt.Metrics != nil {
		h.opt.Metrics.ObserveRejected(code)
	}
	slog.Info("api: upload rejected", "status", status, "code", code, "err", msg)
	jsonErr(w, status, code, msg)
}

type upload struct {
	body      io.ReadCloser
	filename  string
	patient   string
	dryWeight string
	encoding  string

	sbpPolicy    string
	weightPolicy string
}

func readUpload(r *http.Request) (*upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("multipart field \"file\": %w", err)
		}
		return &upload{
			body:      file,
			filename:  hdr.Filename,
			patient:   strings.TrimSpace(r.FormValue("patient")),
			dryWeight: strings.TrimSpace(r.FormValue("dry_weight")),
			encoding:  strings.TrimSpace(r.FormValue("encoding")),

			sbpPolicy:    strings.TrimSpace(r.FormValue("sbp_drop_policy")),
			weightPolicy: strings.TrimSpace(r.FormValue("dry_weight_policy")),
		}, nil
	}

	q := r.URL.Query()
	return &upload{
		body:      r.Body,
		filename:  q.Get("filename"),
		patient:   strings.TrimSpace(q.Get("patient")),
		dryWeight: strings.TrimSpace(q.Get("dry_weight")),
		encoding:  strings.TrimSpace(q.Get("encoding")),

		sbpPolicy:    strings.TrimSpace(q.Get("sbp_drop_policy")),
		weightPolicy: strings.TrimSpace(q.Get("dry_weight_policy")),
	}, nil
}

// parseWeight parses an optional dry-weight override. Range checks are left
// to compute.Config.Validate.
func parseWeight(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("dry_weight %q is not a number", s)
	}
	return &v, nil
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, status int, code, msg string) {
	jsonResp(w, status, errorResponse{Error: msg, Code: code})
}
