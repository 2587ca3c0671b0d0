package types

import (
	"fmt"
	"sort"

	"github.com/bvscope/bvscope/pkg/compute"
)

// Note is one human-readable remark about a session. Presentation layers show
// Title as a chip and Detail on demand.
type Note struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical".
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

// Note levels.
const (
	LevelOK       = "ok"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

var levelRank = map[string]int{LevelCritical: 0, LevelWarning: 1, LevelInfo: 2, LevelOK: 3}

var indicatorTitles = map[compute.IndicatorName]string{
	compute.IndicatorPRR:            "PRR",
	compute.IndicatorSBPDrop:        "SBP drop",
	compute.IndicatorLowBPEvents:    "Low-BP events",
	compute.IndicatorUFRatePerKg:    "UF rate/kg",
	compute.IndicatorPulseVariation: "Pulse variation",
}

// BuildNotes derives notes from an evaluation, critical first.
func BuildNotes(ev *compute.Evaluation) []Note {
	var notes []Note

	if ev.DryWeight.Fallback() {
		kg := ev.DryWeight.Kg
		notes = append(notes, Note{
			Key:   "dry_weight_fallback",
			Level: LevelWarning,
			Title: "Fallback dry weight",
			Detail: fmt.Sprintf(
				"The export has no Weight(kg) value and no override was given, so UF rate "+
					"per kg is normalized to %.0f kg. Supply the patient's dry weight for a "+
					"meaningful figure.", kg),
			Value: &kg,
		})
	}

	for _, res := range ev.Indicators.All() {
		if res.OK() {
			continue
		}
		notes = append(notes, Note{
			Key:    "failed_" + string(res.Name),
			Level:  LevelWarning,
			Title:  indicatorTitles[res.Name] + " unavailable",
			Detail: res.Err.Error(),
		})
	}

	if n := ev.Indicators.LowBPEvents; n.OK() && n.Value > 0 {
		v := n.Value
		notes = append(notes, Note{
			Key:   "low_bp_events",
			Level: LevelInfo,
			Title: fmt.Sprintf("%.0f low-BP readings", v),
			Detail: fmt.Sprintf(
				"Systolic pressure was below %.0f mmHg in %.0f of %d records.",
				compute.LowBPThresholdMmHg, v, ev.Series.Len()),
			Value: &v,
		})
	}

	for _, res := range ev.Indicators.All() {
		c, ok := ev.Classifications[res.Name]
		if !ok || c.Label == compute.SeveritySafe {
			continue
		}
		level := LevelWarning
		if c.Label >= compute.SeverityDanger {
			level = LevelCritical
		}
		v := c.Value
		notes = append(notes, Note{
			Key:    string(c.Indicator),
			Level:  level,
			Title:  fmt.Sprintf("%s %s", indicatorTitles[c.Indicator], c.Label),
			Detail: fmt.Sprintf("%s (%.2f %s).", c.Rationale, c.Value, res.Unit),
			Value:  &v,
		})
	}

	if len(notes) == 0 {
		notes = append(notes, Note{
			Key:    "all_clear",
			Level:  LevelOK,
			Title:  "All clear",
			Detail: "Every classified indicator is within its safe band.",
		})
	}

	sort.SliceStable(notes, func(i, j int) bool {
		return levelRank[notes[i].Level] < levelRank[notes[j].Level]
	})
	return notes
}
