package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bvscope/bvscope/pkg/types"
	"github.com/bvscope/bvscope/server/internal/config"
)

func fptr(v float64) *float64 { return &v }

// makeReport builds a report with the given SBP drop and worst label.
func makeReport(id, patient string, sbpDrop float64, label, worst string) *types.Report {
	return &types.Report{
		ID:        id,
		Patient:   patient,
		Records:   12,
		Worst:     worst,
		DryWeight: types.DryWeight{Kg: 58, Source: "column"},
		Indicators: []types.Indicator{
			{Name: "prr", ErrorKind: "degenerate_session", Error: "zero span"},
			{Name: "sbp_drop", Value: fptr(sbpDrop), Label: label},
			{Name: "low_bp_events", Value: fptr(2)},
			{Name: "uf_rate_per_kg", Value: fptr(9.5), Label: "safe"},
		},
	}
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		cond    string
		wantErr bool
	}{
		{"sbp_drop >= 25", false},
		{"prr < -0.1", false},
		{"low_bp_events >= 3", false},
		{"records < 10", false},
		{"dry_weight_kg < 40", false},
		{"uf_rate_per_kg_label == danger", false},
		{"worst >= warning", false},
		{"sbp_drop >=", true},
		{"sbp_drop ~ 3", true},
		{"heart_rate > 3", true},
		{"sbp_drop > high", true},
		{"worst == critical", true},
		{"bogus_label == danger", true},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			_, err := parseCondition(tt.cond)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseCondition(%q) err = %v, wantErr %v", tt.cond, err, tt.wantErr)
			}
		})
	}
}

func TestConditionEval(t *testing.T) {
	r := makeReport("r1", "p1", 32, "danger", "danger")
	tests := []struct {
		cond      string
		wantFire  bool
		wantValue float64
	}{
		{"sbp_drop >= 30", true, 32},
		{"sbp_drop < 30", false, 32},
		{"low_bp_events == 2", true, 2},
		{"records < 10", false, 12},
		{"dry_weight_kg <= 58", true, 58},
		{"sbp_drop_label == danger", true, 3},
		{"uf_rate_per_kg_label != safe", false, 0},
		{"worst >= warning", true, 3},
		{"worst == caution", false, 3},
		// Failed and unclassified indicators never fire.
		{"prr < 0", false, 0},
		{"low_bp_events_label == safe", false, 0},
		{"pulse_variation > 0", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			c, err := parseCondition(tt.cond)
			if err != nil {
				t.Fatalf("parseCondition: %v", err)
			}
			fires, v := c.eval(r)
			if fires != tt.wantFire {
				t.Errorf("fires: got %v, want %v", fires, tt.wantFire)
			}
			if v != tt.wantValue {
				t.Errorf("value: got %v, want %v", v, tt.wantValue)
			}
		})
	}
}

// clock is a controllable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(cfg config.AlertsConfig) (*Engine, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	e := New(cfg, time.Hour)
	e.now = c.now
	return e, c
}

func TestEngine_FireAndResolveByPatient(t *testing.T) {
	e, c := newTestEngine(config.AlertsConfig{Rules: []config.AlertRule{
		{Name: "hypotension", Condition: "sbp_drop >= 30", Severity: "critical"},
	}})
	var transitions []string
	e.SetObserver(func(rule, sev, state string) { transitions = append(transitions, rule+"/"+sev+"/"+state) })

	e.Evaluate(makeReport("s1", "p1", 35, "danger", "danger"))
	active := e.Active()
	if len(active) != 1 || active[0].State != StateFiring {
		t.Fatalf("after fire: got %+v", active)
	}
	if active[0].Subject != "p1" || active[0].ReportID != "s1" || active[0].Value != 35 {
		t.Errorf("alert fields: %+v", active[0])
	}
	if e.FiringCount() != 1 {
		t.Errorf("FiringCount: got %d, want 1", e.FiringCount())
	}

	// Another patient does not resolve p1.
	c.advance(time.Minute)
	e.Evaluate(makeReport("s2", "p2", 5, "safe", "safe"))
	if e.FiringCount() != 1 {
		t.Fatalf("p2 affected p1's alert")
	}

	// p1's next session is fine.
	c.advance(time.Minute)
	e.Evaluate(makeReport("s3", "p1", 5, "safe", "safe"))
	active = e.Active()
	if len(active) != 1 || active[0].State != StateResolved || active[0].ResolvedAt == nil {
		t.Fatalf("after resolve: got %+v", active)
	}
	if e.FiringCount() != 0 {
		t.Errorf("FiringCount after resolve: got %d", e.FiringCount())
	}

	want := []string{"hypotension/critical/firing", "hypotension/critical/resolved"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Errorf("transitions: got %v, want %v", transitions, want)
	}

	// Resolved alerts drop out of the recent window after an hour.
	c.advance(2 * time.Hour)
	if n := len(e.Active()); n != 0 {
		t.Errorf("Active after window: got %d, want 0", n)
	}
}

func TestEngine_Cooldown(t *testing.T) {
	e, c := newTestEngine(config.AlertsConfig{Rules: []config.AlertRule{
		{Name: "hypo", Condition: "sbp_drop >= 30", Cooldown: 10 * time.Minute},
	}})
	fired := 0
	e.SetObserver(func(_, _, state string) {
		if state == StateFiring {
			fired++
		}
	})

	e.Evaluate(makeReport("s1", "p1", 35, "danger", "danger"))
	c.advance(5 * time.Minute)
	e.Evaluate(makeReport("s2", "p1", 36, "danger", "danger"))
	if fired != 1 {
		t.Fatalf("fired within cooldown: got %d fires", fired)
	}
	if a := e.Active(); a[0].ReportID != "s2" || a[0].Severity != "warning" {
		t.Errorf("active alert not refreshed or default severity missing: %+v", a[0])
	}
	c.advance(6 * time.Minute)
	e.Evaluate(makeReport("s3", "p1", 36, "danger", "danger"))
	if fired != 2 {
		t.Errorf("after cooldown: got %d fires, want 2", fired)
	}
}

func TestEngine_AnonymousAlertsGoStale(t *testing.T) {
	e, c := newTestEngine(config.AlertsConfig{Rules: []config.AlertRule{
		{Name: "worst", Condition: "worst == danger"},
	}})
	e.Evaluate(makeReport("anon-1", "", 35, "danger", "danger"))
	if a := e.Active(); len(a) != 1 || a[0].Subject != "anon-1" {
		t.Fatalf("anonymous alert: got %+v", a)
	}
	c.advance(61 * time.Minute)
	a := e.Active()
	if len(a) != 1 || a[0].State != StateResolved {
		t.Fatalf("stale alert not resolved: %+v", a)
	}
}

func TestEngine_UpdateDropsRules(t *testing.T) {
	e, c := newTestEngine(config.AlertsConfig{Rules: []config.AlertRule{
		{Name: "hypo", Condition: "sbp_drop >= 30"},
		{Name: "broken", Condition: "nonsense"},
	}})
	if len(e.rules) != 1 {
		t.Fatalf("invalid rule not skipped: %d rules", len(e.rules))
	}
	e.Evaluate(makeReport("s1", "p1", 35, "danger", "danger"))

	e.Update(config.AlertsConfig{Rules: []config.AlertRule{{Name: "worst", Condition: "worst == danger"}}})
	if e.FiringCount() != 0 {
		t.Errorf("alert for removed rule still firing")
	}
	c.advance(time.Minute)
	e.Evaluate(makeReport("s2", "p1", 35, "danger", "danger"))
	a := e.Active()
	if len(a) != 2 || a[0].RuleName != "worst" || a[0].State != StateFiring {
		t.Errorf("after update: %+v", a)
	}
}

func TestEngine_NoRulesIsNoop(t *testing.T) {
	e, _ := newTestEngine(config.AlertsConfig{})
	e.Evaluate(makeReport("s1", "p1", 35, "danger", "danger"))
	if n := len(e.Active()); n != 0 {
		t.Errorf("Active: got %d, want 0", n)
	}
}

func TestEngine_WebhookDelivery(t *testing.T) {
	type hit struct {
		path string
		body map[string]any
	}
	hits := make(chan hit, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		hits <- hit{path: r.URL.Path, body: m}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Setenv("TEST_SLACK_URL", srv.URL+"/slack")
	t.Setenv("TEST_TEAMS_URL", srv.URL+"/teams")
	t.Setenv("TEST_HTTP_URL", srv.URL+"/http")

	e, _ := newTestEngine(config.AlertsConfig{
		Rules: []config.AlertRule{{Name: "hypo", Condition: "sbp_drop >= 30", Severity: "critical"}},
		Webhooks: []config.WebhookConfig{
			{Type: "slack", URLEnv: "TEST_SLACK_URL"},
			{Type: "teams", URLEnv: "TEST_TEAMS_URL"},
			{Type: "http", URLEnv: "TEST_HTTP_URL"},
			{Type: "http", URLEnv: "TEST_UNSET_URL"},
		},
	})
	e.Evaluate(makeReport("s1", "p1", 35, "danger", "danger"))

	got := map[string]map[string]any{}
	deadline := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case h := <-hits:
			got[h.path] = h.body
		case <-deadline:
			t.Fatalf("only %d webhooks delivered: %v", len(got), got)
		}
	}
	if text, _ := got["/slack"]["text"].(string); !strings.Contains(text, "[CRITICAL]") {
		t.Errorf("slack text: %q", text)
	}
	if got["/teams"]["@type"] != "MessageCard" {
		t.Errorf("teams payload: %v", got["/teams"])
	}
	alert, _ := got["/http"]["alert"].(map[string]any)
	if got["/http"]["event"] != "alert.firing" {
		t.Errorf("http event: %v", got["/http"]["event"])
	}
	if alert["rule_name"] != "hypo" || alert["state"] != StateFiring {
		t.Errorf("http payload: %v", got["/http"])
	}
}
