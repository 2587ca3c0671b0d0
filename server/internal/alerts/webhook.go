package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bvscope/bvscope/server/internal/config"
)

// deliver sends webhook notifications for a to every target in webhooks.
// Errors are logged but do not affect the caller.
func (e *Engine) deliver(webhooks []config.WebhookConfig, a *Alert) {
	for _, wh := range webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = e.sendSlack(url, a)
		case "teams":
			err = e.sendTeams(url, a)
		case "http":
			err = e.sendHTTP(url, a)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"rule", a.RuleName,
				"err", err,
			)
		} else {
			slog.Debug("alerts: webhook delivered",
				"type", wh.Type,
				"rule", a.RuleName,
				"state", a.State,
			)
		}
	}
}

func (e *Engine) sendSlack(url string, a *Alert) error {
	text := fmt.Sprintf("*%s* %s (patient %s, session %s)",
		severityTag(a.Severity), a.Message, a.Subject, a.ReportID)
	if a.State == StateResolved {
		text = fmt.Sprintf("*[RESOLVED]* %s for %s", a.RuleName, a.Subject)
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return e.post(url, body)
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (e *Engine) sendTeams(url string, a *Alert) error {
	payload := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Severity, a.State),
		"summary":    a.RuleName,
		"title":      fmt.Sprintf("bvscope alert: %s (%s)", a.RuleName, a.State),
		"text":       a.Message,
		"sections": []map[string]any{{
			"facts": []teamsFact{
				{"Patient", a.Subject},
				{"Session", a.ReportID},
				{"Value", strconv.FormatFloat(a.Value, 'g', 4, 64)},
				{"Fired", a.FiredAt.UTC().Format(time.RFC3339)},
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.post(url, body)
}

// sendHTTP posts {"event": "alert.firing"|"alert.resolved", "alert": {...}}.
func (e *Engine) sendHTTP(url string, a *Alert) error {
	body, err := json.Marshal(map[string]any{
		"event": "alert." + a.State,
		"alert": a,
	})
	if err != nil {
		return err
	}
	return e.post(url, body)
}

func (e *Engine) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityTag(s string) string {
	switch s {
	case "critical", "warning":
		return "[" + strings.ToUpper(s) + "]"
	default:
		return "[INFO]"
	}
}

func severityColor(severity, state string) string {
	if state == StateResolved {
		return "2EB67D"
	}
	switch severity {
	case "critical":
		return "D7263D"
	case "warning":
		return "F49D37"
	default:
		return "3F88C5"
	}
}
