package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bvscope/bvscope/pkg/types"
	"github.com/bvscope/bvscope/server/internal/alerts"
	"github.com/bvscope/bvscope/server/internal/api"
	"github.com/bvscope/bvscope/server/internal/config"
	"github.com/bvscope/bvscope/server/internal/metrics"
	"github.com/bvscope/bvscope/server/internal/store"
)

// --- fixtures ---------------------------------------------------------------

const header = "treat-time[sec],dBV[%]*10,UFP-speed[L/h]*100,UF-volume[L]*100,sys-BP[mmHg],dia-BP[mmHg],pulse[bpm],Weight(kg)\n"

// dangerCSV: BV falls 6 % over an hour and SBP drops 35 mmHg.
const dangerCSV = header +
	"0,0,50,0,150,85,70,60\n" +
	"1800,-30,50,25,130,80,75,\n" +
	"3600,-60,50,50,115,75,80,\n"

// safeCSV: flat BV and stable pressure.
const safeCSV = header +
	"0,0,50,0,130,80,70,60\n" +
	"1800,0,50,25,128,80,71,\n" +
	"3600,0,50,50,126,79,72,\n"

// --- test doubles -----------------------------------------------------------

type recorder struct {
	mu       sync.Mutex
	sums     []types.Summary
	subjects []string
	payloads []any
}

func (r *recorder) Publish(s types.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sums = append(r.sums, s)
}

type busRecorder struct{ recorder }

func (b *busRecorder) Publish(subject string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *busRecorder) Close() {}

type fixture struct {
	h      http.Handler
	store  *store.Store
	engine *alerts.Engine
	hub    *recorder
	bus    *busRecorder
}

func newFixture(t *testing.T, maxUpload int64) *fixture {
	t.Helper()
	f := &fixture{
		store: store.New(time.Hour),
		engine: alerts.New(config.AlertsConfig{Rules: []config.AlertRule{
			{Name: "hypotension", Condition: "sbp_drop >= 30", Severity: "critical"},
		}}, time.Hour),
		hub: &recorder{},
		bus: &busRecorder{},
	}
	n := 0
	f.h = api.New(api.Options{
		Store:   f.store,
		Alerts:  f.engine,
		Hub:     f.hub,
		Bus:     f.bus,
		Subject: "test.sessions",
		Metrics: metrics.New(),
		Settings: func() config.EvaluationConfig {
			return config.EvaluationConfig{Encoding: "utf-8", DryWeightPolicy: "column_first", SBPDropPolicy: "standard"}
		},
		MaxUploadBytes: maxUpload,
		NewID: func() string {
			n++
			return "sess-" + string(rune('0'+n))
		},
	})
	return f
}

// --- helpers ----------------------------------------------------------------

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func postMultipart(t *testing.T, h http.Handler, csv string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", "session.csv")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, csv) //nolint:errcheck
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func postRaw(t *testing.T, h http.Handler, query, csv string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions"+query, strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decode(t, rr, &e)
	if e.Error == "" {
		t.Errorf("error message missing")
	}
	return e.Code
}

// --- POST /api/v1/sessions --------------------------------------------------

func TestUpload_Multipart(t *testing.T) {
	f := newFixture(t, 0)
	rr := postMultipart(t, f.h, dangerCSV, map[string]string{"patient": "p-1"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (body %s)", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/sessions/sess-1" {
		t.Errorf("Location: got %q", loc)
	}
	var rep types.Report
	decode(t, rr, &rep)

	if rep.ID != "sess-1" || rep.Patient != "p-1" || rep.Filename != "session.csv" {
		t.Errorf("identity: %+v", rep)
	}
	if rep.Records != 3 || rep.Worst != "danger" {
		t.Errorf("records/worst: got %d/%s, want 3/danger", rep.Records, rep.Worst)
	}
	if rep.DryWeight.Source != "column" || rep.DryWeight.Kg != 60 {
		t.Errorf("dry weight: %+v", rep.DryWeight)
	}
	sbp, ok := rep.Indicator("sbp_drop")
	if !ok || !sbp.OK() || *sbp.Value != 35 || sbp.Label != "danger" {
		t.Errorf("sbp_drop: %+v", sbp)
	}

	if _, ok := f.store.Get("sess-1"); !ok {
		t.Error("report not stored")
	}
	if len(f.hub.sums) != 1 || f.hub.sums[0].ID != "sess-1" {
		t.Errorf("hub: got %+v", f.hub.sums)
	}
	if len(f.bus.subjects) != 1 || f.bus.subjects[0] != "test.sessions" {
		t.Errorf("bus: got %v", f.bus.subjects)
	}
	if f.engine.FiringCount() != 1 {
		t.Errorf("alert not fired")
	}
}

func TestUpload_RawBodyWithOverride(t *testing.T) {
	f := newFixture(t, 0)
	rr := postRaw(t, f.h, "?patient=p-2&dry_weight=50&filename=a.csv&encoding=utf-8", safeCSV)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (body %s)", rr.Code, rr.Body.String())
	}
	var rep types.Report
	decode(t, rr, &rep)
	// column_first: the export's own weight wins over the override.
	if rep.DryWeight.Source != "column" {
		t.Errorf("dry weight source: got %q, want column", rep.DryWeight.Source)
	}
	if rep.Worst != "safe" || rep.Filename != "a.csv" {
		t.Errorf("report: worst %q filename %q", rep.Worst, rep.Filename)
	}
}

func TestUpload_RequestPolicies(t *testing.T) {
	// 25 mmHg drop with flat BV: caution under standard bands, danger under strict.
	csv := header +
		"0,0,50,0,140,85,70,60\n" +
		"1800,0,50,25,130,80,72,\n" +
		"3600,0,50,50,115,75,74,\n"

	tests := []struct {
		name       string
		fields     map[string]string
		wantPolicy string
		wantWorst  string
		wantSource string
	}{
		{"server defaults", nil, "standard", "caution", "column"},
		{"strict sbp", map[string]string{"sbp_drop_policy": "strict"}, "strict", "danger", "column"},
		{"override first", map[string]string{"dry_weight_policy": "override_first", "dry_weight": "50"}, "standard", "caution", "override"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			rr := postMultipart(t, f.h, csv, tt.fields)
			if rr.Code != http.StatusCreated {
				t.Fatalf("status: got %d (body %s)", rr.Code, rr.Body.String())
			}
			var rep types.Report
			decode(t, rr, &rep)
			if rep.SBPDropPolicy != tt.wantPolicy || rep.Worst != tt.wantWorst || rep.DryWeight.Source != tt.wantSource {
				t.Errorf("got policy %q worst %q source %q, want %q %q %q",
					rep.SBPDropPolicy, rep.Worst, rep.DryWeight.Source, tt.wantPolicy, tt.wantWorst, tt.wantSource)
			}
			stored, _ := f.store.Get(rep.ID)
			if stored == nil || stored.Worst != tt.wantWorst {
				t.Errorf("stored report does not match response")
			}
		})
	}
}

func TestUpload_Rejections(t *testing.T) {
	missingCol := "treat-time[sec],dBV[%]*10\n0,0\n"
	malformed := strings.Replace(safeCSV, "128", "abc", 1)

	tests := []struct {
		name     string
		query    string
		body     string
		wantCode int
		wantKind string
	}{
		{"missing column", "", missingCol, http.StatusUnprocessableEntity, "missing_column"},
		{"header only", "", header, http.StatusUnprocessableEntity, "empty_session"},
		{"malformed cell", "", malformed, http.StatusUnprocessableEntity, "malformed_record"},
		{"empty body", "", "", http.StatusUnprocessableEntity, api.CodeUnreadable},
		{"non-numeric weight", "?dry_weight=heavy", safeCSV, http.StatusBadRequest, api.CodeInvalidWeight},
		{"nan weight", "?dry_weight=NaN", safeCSV, http.StatusBadRequest, api.CodeInvalidWeight},
		{"weight out of range", "?dry_weight=10", safeCSV, http.StatusBadRequest, "weight_out_of_range"},
		{"unknown encoding", "?encoding=latin1", safeCSV, http.StatusBadRequest, api.CodeInvalidEncoding},
		{"unknown sbp policy", "?sbp_drop_policy=lenient", safeCSV, http.StatusBadRequest, api.CodeInvalidPolicy},
		{"unknown weight policy", "?dry_weight_policy=newest", safeCSV, http.StatusBadRequest, api.CodeInvalidPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			rr := postRaw(t, f.h, tt.query, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status: got %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tt.wantKind {
				t.Errorf("code: got %q, want %q", code, tt.wantKind)
			}
			if f.store.Count() != 0 {
				t.Error("rejected upload was stored")
			}
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	f := newFixture(t, 64)
	rr := postRaw(t, f.h, "", dangerCSV)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status: got %d, want 413", rr.Code)
	}
	if code := errorCode(t, rr); code != api.CodeTooLarge {
		t.Errorf("code: got %q", code)
	}
}

func TestUpload_MultipartWithoutFile(t *testing.T) {
	f := newFixture(t, 0)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("patient", "p") //nolint:errcheck
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
}

// --- GET endpoints ----------------------------------------------------------

func TestSessions_ListAndGet(t *testing.T) {
	f := newFixture(t, 0)
	postMultipart(t, f.h, dangerCSV, map[string]string{"patient": "p-1"})
	postMultipart(t, f.h, safeCSV, map[string]string{"patient": "p-2"})

	var all []types.Summary
	decode(t, get(t, f.h, "/api/v1/sessions"), &all)
	if len(all) != 2 {
		t.Fatalf("list: got %d, want 2", len(all))
	}

	var one []types.Summary
	decode(t, get(t, f.h, "/api/v1/sessions?patient=p-2"), &one)
	if len(one) != 1 || one[0].Worst != "safe" {
		t.Errorf("filtered list: %+v", one)
	}

	var limited []types.Summary
	decode(t, get(t, f.h, "/api/v1/sessions?limit=1"), &limited)
	if len(limited) != 1 {
		t.Errorf("limit=1: got %d", len(limited))
	}
	if rr := get(t, f.h, "/api/v1/sessions?limit=x"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", rr.Code)
	}

	rr := get(t, f.h, "/api/v1/sessions/sess-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: status %d", rr.Code)
	}
	var rep types.Report
	decode(t, rr, &rep)
	if len(rep.Series.TimeMin) != 3 || rep.Reference.BVLowerPct != 95 {
		t.Errorf("full report missing series or reference: %+v", rep)
	}
}

func TestSessions_NotFound(t *testing.T) {
	f := newFixture(t, 0)
	for _, path := range []string{
		"/api/v1/sessions/nope",
		"/api/v1/sessions/nope/export.pdf",
		"/api/v1/sessions/nope/export.xlsx",
		"/api/v1/unknown",
	} {
		rr := get(t, f.h, path)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", path, rr.Code)
		}
	}
}

func TestSessions_Export(t *testing.T) {
	f := newFixture(t, 0)
	postMultipart(t, f.h, dangerCSV, nil)

	tests := []struct {
		path   string
		ctype  string
		prefix string
	}{
		{"/api/v1/sessions/sess-1/export.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "PK"},
		{"/api/v1/sessions/sess-1/export.pdf", "application/pdf", "%PDF-"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := get(t, f.h, tt.path)
			if rr.Code != http.StatusOK {
				t.Fatalf("status: got %d (body %s)", rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != tt.ctype {
				t.Errorf("Content-Type: got %q", ct)
			}
			if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "sess-1") {
				t.Errorf("Content-Disposition: got %q", cd)
			}
			if !strings.HasPrefix(rr.Body.String(), tt.prefix) {
				t.Errorf("body does not start with %q", tt.prefix)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)

	var empty api.HealthResponse
	decode(t, get(t, f.h, "/api/v1/health"), &empty)
	if empty.State != "unknown" || empty.SessionCount != 0 || len(empty.Counts) != 4 {
		t.Errorf("empty health: %+v", empty)
	}

	postMultipart(t, f.h, dangerCSV, map[string]string{"patient": "p-1"})
	postMultipart(t, f.h, safeCSV, map[string]string{"patient": "p-2"})

	var resp api.HealthResponse
	decode(t, get(t, f.h, "/api/v1/health"), &resp)
	if resp.State != "danger" || resp.SessionCount != 2 {
		t.Errorf("state/count: %+v", resp)
	}
	if resp.Counts["danger"] != 1 || resp.Counts["safe"] != 1 || resp.Counts["caution"] != 0 {
		t.Errorf("counts: %v", resp.Counts)
	}
	if resp.FiringAlerts != 1 {
		t.Errorf("firing_alerts: got %d, want 1", resp.FiringAlerts)
	}
}

func TestAlerts(t *testing.T) {
	f := newFixture(t, 0)
	var none []map[string]any
	decode(t, get(t, f.h, "/api/v1/alerts"), &none)
	if len(none) != 0 {
		t.Fatalf("alerts before upload: %v", none)
	}

	postMultipart(t, f.h, dangerCSV, map[string]string{"patient": "p-1"})
	var got []map[string]any
	decode(t, get(t, f.h, "/api/v1/alerts"), &got)
	if len(got) != 1 || got[0]["rule_name"] != "hypotension" || got[0]["subject"] != "p-1" {
		t.Errorf("alerts: %v", got)
	}
}

func TestAlerts_NoEngine(t *testing.T) {
	h := api.New(api.Options{Store: store.New(time.Hour)})
	rr := get(t, h, "/api/v1/alerts")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("got %d %q", rr.Code, rr.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, 0)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/v1/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
}
