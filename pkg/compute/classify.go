package compute

import "fmt"

// Severity is an ordered clinical warning level. Higher is more severe.
type Severity int

// Severity levels, least severe first.
const (
	SeveritySafe Severity = iota
	SeverityCaution
	SeverityWarning
	SeverityDanger
)

var severityNames = [...]string{"safe", "caution", "warning", "danger"}

func (s Severity) String() string {
	if s < SeveritySafe || s > SeverityDanger {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText encodes the severity as its lowercase name.
func (s Severity) MarshalText() ([]byte, error) {
	if s < SeveritySafe || s > SeverityDanger {
		return nil, fmt.Errorf("compute: invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts the lowercase names produced by MarshalText.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity converts "safe", "caution", "warning" or "danger".
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("compute: unknown severity %q", name)
}

// Threshold constants for the classification bands.
const (
	PRRDangerBelow  = -0.05 // %/min
	PRRCautionAbove = 0.0

	SBPDropDangerStandard = 30.0 // mmHg
	SBPDropDangerStrict   = 20.0
	SBPDropCaution        = 10.0

	UFRateDangerAbove  = 13.0 // mL/h/kg
	UFRateCautionAbove = 10.0
	UFRateLowBelow     = 5.0

	PulseVariationCautionAbove = 20.0 // bpm
)

// Band is one threshold test. Op is one of "<", "<=", ">", ">="; an empty Op
// always matches and is used for the final fallback band.
type Band struct {
	Op        string
	Threshold float64
	Label     Severity
	Rationale string
}

func (b Band) matches(v float64) bool {
	switch b.Op {
	case "":
		return true
	case "<":
		return v < b.Threshold
	case "<=":
		return v <= b.Threshold
	case ">":
		return v > b.Threshold
	case ">=":
		return v >= b.Threshold
	default:
		return false
	}
}

// RuleSet is the ordered band list for one indicator. Bands are evaluated in
// order and the first match wins, so the most severe condition comes first.
type RuleSet struct {
	Indicator IndicatorName
	Bands     []Band
}

// Classification is the labelled outcome for one indicator.
type Classification struct {
	Indicator IndicatorName
	Value     float64
	Label     Severity
	Rationale string
}

// Classify maps v to the first matching band. A rule set without a matching
// band yields SeveritySafe with an empty rationale.
func (r RuleSet) Classify(v float64) Classification {
	for _, b := range r.Bands {
		if b.matches(v) {
			return Classification{Indicator: r.Indicator, Value: v, Label: b.Label, Rationale: b.Rationale}
		}
	}
	return Classification{Indicator: r.Indicator, Value: v, Label: SeveritySafe}
}

// Rules holds one RuleSet per classified indicator. Low-BP events have no
// band table and are never classified.
type Rules struct {
	PRR            RuleSet
	SBPDrop        RuleSet
	UFRatePerKg    RuleSet
	PulseVariation RuleSet
}

// SBPDropPolicy selects between the two SBP-drop band sets.
type SBPDropPolicy string

const (
	SBPDropStandard SBPDropPolicy = "standard" // Danger at >= 30 mmHg
	SBPDropStrict   SBPDropPolicy = "strict"   // Danger at >= 20 mmHg
)

// DefaultRules returns the standard band tables.
func DefaultRules() Rules {
	return RulesFor(SBPDropStandard)
}

// RulesFor returns the band tables with the SBP-drop Danger threshold chosen
// by policy. Unknown policies fall back to SBPDropStandard.
func RulesFor(policy SBPDropPolicy) Rules {
	danger := SBPDropDangerStandard
	if policy == SBPDropStrict {
		danger = SBPDropDangerStrict
	}
	return Rules{
		PRR: RuleSet{Indicator: IndicatorPRR, Bands: []Band{
			{Op: "<", Threshold: PRRDangerBelow, Label: SeverityDanger,
				Rationale: "UF too fast: plasma refill rate is depressed"},
			{Op: ">", Threshold: PRRCautionAbove, Label: SeverityCaution,
				Rationale: "BV is rising: reassess dry weight"},
			{Label: SeveritySafe, Rationale: "plasma refill rate is appropriate"},
		}},
		SBPDrop: RuleSet{Indicator: IndicatorSBPDrop, Bands: []Band{
			{Op: ">=", Threshold: danger, Label: SeverityDanger,
				Rationale: "possible intradialytic hypotension"},
			{Op: ">=", Threshold: SBPDropCaution, Label: SeverityCaution,
				Rationale: "moderate systolic decline: monitor blood pressure"},
			{Label: SeveritySafe, Rationale: "blood pressure change is within tolerance"},
		}},
		UFRatePerKg: RuleSet{Indicator: IndicatorUFRatePerKg, Bands: []Band{
			{Op: ">", Threshold: UFRateDangerAbove, Label: SeverityDanger,
				Rationale: "UF rate is far too high for dry weight"},
			{Op: ">", Threshold: UFRateCautionAbove, Label: SeverityCaution,
				Rationale: "UF rate is high"},
			{Op: ">=", Threshold: UFRateLowBelow, Label: SeveritySafe,
				Rationale: "UF rate is appropriate"},
			{Label: SeverityCaution, Rationale: "UF rate is possibly too low"},
		}},
		PulseVariation: RuleSet{Indicator: IndicatorPulseVariation, Bands: []Band{
			{Op: ">", Threshold: PulseVariationCautionAbove, Label: SeverityCaution,
				Rationale: "large pulse variation: watch hemodynamics"},
			{Label: SeveritySafe, Rationale: "pulse is stable"},
		}},
	}
}

// ruleFor returns the rule set that classifies name, if any.
func (r Rules) ruleFor(name IndicatorName) (RuleSet, bool) {
	switch name {
	case IndicatorPRR:
		return r.PRR, true
	case IndicatorSBPDrop:
		return r.SBPDrop, true
	case IndicatorUFRatePerKg:
		return r.UFRatePerKg, true
	case IndicatorPulseVariation:
		return r.PulseVariation, true
	default:
		return RuleSet{}, false
	}
}

// Classifications maps an indicator name to its label. Only indicators that
// were computed successfully and have a rule set appear.
type Classifications map[IndicatorName]Classification

// Worst returns the most severe label in the bundle, or SeveritySafe when it
// is empty.
func (c Classifications) Worst() Severity {
	worst := SeveritySafe
	for _, cl := range c {
		if cl.Label > worst {
			worst = cl.Label
		}
	}
	return worst
}

// Classify labels every successful, classifiable indicator. It never fails.
func Classify(in Indicators, rules Rules) Classifications {
	out := make(Classifications, 4)
	for _, res := range in.All() {
		if !res.OK() {
			continue
		}
		rs, ok := rules.ruleFor(res.Name)
		if !ok {
			continue
		}
		out[res.Name] = rs.Classify(res.Value)
	}
	return out
}
