package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bvscope/bvscope/pkg/types"
	"github.com/bvscope/bvscope/server/internal/config"
)

const (
	defaultCooldown   = 15 * time.Minute
	defaultStaleAfter = 24 * time.Hour
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID       string `json:"id"`
	RuleName string `json:"rule_name"`
	// Subject is the patient, or the report ID for anonymous uploads.
	Subject    string     `json:"subject"`
	ReportID   string     `json:"report_id"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"

	lastSeen time.Time
}

type rule struct {
	config.AlertRule
	cond condition
}

// Observer is told about every fire and resolve transition.
type Observer func(rule, severity, state string)

// Engine evaluates alert rules against evaluated session reports and delivers
// webhook notifications when rules fire or resolve. Alerts are keyed by rule
// and subject, so a patient's next session resolves an alert raised by the
// previous one.
//
// Engine is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	rules      []rule
	webhooks   []config.WebhookConfig
	active     map[string]*Alert    // key: "ruleName:subject"
	lastFire   map[string]time.Time // last fire time per key (for cooldown)
	history    []*Alert             // recently resolved alerts
	staleAfter time.Duration
	observer   Observer

	client *http.Client
	now    func() time.Time
}

// New creates an Engine from the server alert configuration. Rules whose
// condition does not parse are logged and skipped. staleAfter bounds how long
// an alert stays firing without a new report for its subject; zero means 24h.
func New(cfg config.AlertsConfig, staleAfter time.Duration) *Engine {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	e := &Engine{
		active:     make(map[string]*Alert),
		lastFire:   make(map[string]time.Time),
		staleAfter: staleAfter,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	e.Update(cfg)
	return e
}

// SetObserver installs fn to be called on each transition.
func (e *Engine) SetObserver(fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

// Update swaps in a new rule set and webhook list. Firing alerts whose rule
// no longer exists are resolved without notification.
func (e *Engine) Update(cfg config.AlertsConfig) {
	compiled := make([]rule, 0, len(cfg.Rules))
	names := make(map[string]bool, len(cfg.Rules))
	for _, r := range cfg.Rules {
		c, err := parseCondition(r.Condition)
		if err != nil {
			slog.Warn("alerts: skipping rule", "rule", r.Name, "err", err)
			continue
		}
		compiled = append(compiled, rule{AlertRule: r, cond: c})
		names[r.Name] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = compiled
	e.webhooks = append([]config.WebhookConfig(nil), cfg.Webhooks...)
	now := e.now()
	for key, a := range e.active {
		if !names[a.RuleName] {
			e.resolveLocked(key, a, now)
		}
	}
}

// Evaluate tests all configured rules against r.
// Alerts that fire are stored and webhook delivery is triggered asynchronously.
// Alerts that were firing for the same subject but whose condition is now
// false are resolved.
func (e *Engine) Evaluate(r *types.Report) {
	e.mu.Lock()
	rules := e.rules
	webhooks := e.webhooks
	e.mu.Unlock()
	if len(rules) == 0 {
		return
	}

	subject := r.Patient
	if subject == "" {
		subject = r.ID
	}

	now := e.now()
	for _, rl := range rules {
		key := rl.Name + ":" + subject
		fires, value := rl.cond.eval(r)

		e.mu.Lock()
		var out *Alert
		switch {
		case fires:
			if a, ok := e.active[key]; ok {
				a.lastSeen = now
				a.ReportID = r.ID
			}
			cooldown := rl.Cooldown
			if cooldown <= 0 {
				cooldown = defaultCooldown
			}
			if now.Sub(e.lastFire[key]) > cooldown {
				sev := rl.Severity
				if sev == "" {
					sev = "warning"
				}
				a := &Alert{
					ID:       fmt.Sprintf("%s:%s:%d", rl.Name, subject, now.UnixNano()),
					RuleName: rl.Name,
					Subject:  subject,
					ReportID: r.ID,
					Severity: sev,
					Value:    value,
					Message: fmt.Sprintf("[%s] %s fired for %s: %s (value %.2f)",
						sev, rl.Name, subject, rl.Condition, value),
					FiredAt:  now,
					State:    StateFiring,
					lastSeen: now,
				}
				e.active[key] = a
				e.lastFire[key] = now
				cp := *a
				out = &cp
				slog.Warn("alerts: fired",
					"rule", rl.Name,
					"subject", subject,
					"report", r.ID,
					"value", value,
					"severity", sev,
				)
			}
		default:
			if a, ok := e.active[key]; ok {
				e.resolveLocked(key, a, now)
				cp := *a
				out = &cp
				slog.Info("alerts: resolved", "rule", rl.Name, "subject", subject)
			}
		}
		obs := e.observer
		e.mu.Unlock()

		if out != nil {
			if obs != nil {
				obs(out.RuleName, out.Severity, out.State)
			}
			go e.deliver(webhooks, out)
		}
	}
}

// resolveLocked moves a firing alert into history. e.mu must be held.
func (e *Engine) resolveLocked(key string, a *Alert, now time.Time) {
	resolved := now
	a.State = StateResolved
	a.ResolvedAt = &resolved
	delete(e.active, key)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
}

// sweepLocked resolves alerts that no report has touched for staleAfter.
// Anonymous uploads never get a follow-up session, so without this they
// would fire forever. e.mu must be held.
func (e *Engine) sweepLocked(now time.Time) {
	for key, a := range e.active {
		if now.Sub(a.lastSeen) > e.staleAfter {
			e.resolveLocked(key, a, now)
		}
	}
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.sweepLocked(now)
	cutoff := now.Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return latest(out[i]).After(latest(out[j]))
	})
	return out
}

// FiringCount returns the number of currently firing alerts.
func (e *Engine) FiringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sweepLocked(e.now())
	return len(e.active)
}

func latest(a *Alert) time.Time {
	if a.ResolvedAt != nil {
		return *a.ResolvedAt
	}
	return a.FiredAt
}
