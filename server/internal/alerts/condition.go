package alerts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bvscope/bvscope/pkg/compute"
	"github.com/bvscope/bvscope/pkg/types"
)

const labelSuffix = "_label"

// condition is a parsed rule expression of the form "field op value".
type condition struct {
	field string
	op    string
	// Exactly one of num and label is meaningful, depending on the field.
	num   float64
	label compute.Severity
	// byLabel is true for "worst" and "<indicator>_label" fields.
	byLabel bool
}

// parseCondition compiles a rule condition.
//
// Supported expressions:
//
//	sbp_drop >= 25
//	prr < -0.1
//	uf_rate_per_kg > 12
//	low_bp_events >= 3
//	pulse_variation > 25
//	records < 10
//	dry_weight_kg < 40
//	sbp_drop_label == danger
//	worst >= warning
//
// Label comparisons follow severity order: safe < caution < warning < danger.
func parseCondition(cond string) (condition, error) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return condition{}, fmt.Errorf("alerts: condition %q: want \"field op value\"", cond)
	}
	c := condition{field: parts[0], op: parts[1]}
	switch c.op {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return condition{}, fmt.Errorf("alerts: condition %q: unknown operator %q", cond, c.op)
	}

	if c.field == "worst" || strings.HasSuffix(c.field, labelSuffix) {
		if ind := strings.TrimSuffix(c.field, labelSuffix); c.field != "worst" && !knownIndicator(ind) {
			return condition{}, fmt.Errorf("alerts: condition %q: unknown indicator %q", cond, ind)
		}
		sev, err := compute.ParseSeverity(parts[2])
		if err != nil {
			return condition{}, fmt.Errorf("alerts: condition %q: %w", cond, err)
		}
		c.label, c.byLabel = sev, true
		return c, nil
	}

	if c.field != "records" && c.field != "dry_weight_kg" && !knownIndicator(c.field) {
		return condition{}, fmt.Errorf("alerts: condition %q: unknown field %q", cond, c.field)
	}
	v, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return condition{}, fmt.Errorf("alerts: condition %q: %w", cond, err)
	}
	c.num = v
	return c, nil
}

func knownIndicator(name string) bool {
	switch compute.IndicatorName(name) {
	case compute.IndicatorPRR, compute.IndicatorSBPDrop, compute.IndicatorLowBPEvents,
		compute.IndicatorUFRatePerKg, compute.IndicatorPulseVariation:
		return true
	}
	return false
}

// eval tests the condition against r and returns the triggering value. Label
// comparisons report the severity rank as the value. A failed or unclassified
// indicator never fires.
func (c condition) eval(r *types.Report) (bool, float64) {
	if c.byLabel {
		var name string
		if c.field == "worst" {
			name = r.Worst
		} else {
			ind, ok := r.Indicator(strings.TrimSuffix(c.field, labelSuffix))
			if !ok || ind.Label == "" {
				return false, 0
			}
			name = ind.Label
		}
		sev, err := compute.ParseSeverity(name)
		if err != nil {
			return false, 0
		}
		v := float64(sev)
		return compareFloat(v, c.op, float64(c.label)), v
	}

	var v float64
	switch c.field {
	case "records":
		v = float64(r.Records)
	case "dry_weight_kg":
		v = r.DryWeight.Kg
	default:
		ind, ok := r.Indicator(c.field)
		if !ok || !ind.OK() {
			return false, 0
		}
		v = *ind.Value
	}
	return compareFloat(v, c.op, c.num), v
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
