package compute

// IndicatorName identifies one session-level indicator.
type IndicatorName string

// Indicator names, also used as JSON keys and alert condition fields.
const (
	IndicatorPRR            IndicatorName = "prr"
	IndicatorSBPDrop        IndicatorName = "sbp_drop"
	IndicatorLowBPEvents    IndicatorName = "low_bp_events"
	IndicatorUFRatePerKg    IndicatorName = "uf_rate_per_kg"
	IndicatorPulseVariation IndicatorName = "pulse_variation"
)

// Units reported with each indicator.
const (
	UnitPRR            = "%/min"
	UnitSBPDrop        = "mmHg"
	UnitLowBPEvents    = "count"
	UnitUFRatePerKg    = "mL/h/kg"
	UnitPulseVariation = "bpm"
)

// LowBPThresholdMmHg is the fixed systolic pressure below which a record
// counts as a low-BP event.
const LowBPThresholdMmHg = 100.0

// IndicatorResult is the outcome of computing one indicator. Err is non-nil
// when the indicator could not be computed; Value is then meaningless.
type IndicatorResult struct {
	Name  IndicatorName
	Value float64
	Unit  string
	Err   error
}

// OK reports whether the indicator was computed.
func (r IndicatorResult) OK() bool { return r.Err == nil }

// Indicators is the scalar bundle for one session. Each field carries its
// own status, so a failure in one never hides the others.
type Indicators struct {
	PRR            IndicatorResult
	SBPDrop        IndicatorResult
	LowBPEvents    IndicatorResult
	UFRatePerKg    IndicatorResult
	PulseVariation IndicatorResult
}

// All returns the five results in display order.
func (in Indicators) All() []IndicatorResult {
	return []IndicatorResult{in.PRR, in.SBPDrop, in.LowBPEvents, in.UFRatePerKg, in.PulseVariation}
}

// Get returns the result for name.
func (in Indicators) Get(name IndicatorName) (IndicatorResult, bool) {
	for _, r := range in.All() {
		if r.Name == name {
			return r, true
		}
	}
	return IndicatorResult{}, false
}

// ComputeIndicators derives the session-level indicators from a non-empty
// series and the resolved dry weight in kg.
func ComputeIndicators(s *Series, dryWeightKg float64) Indicators {
	prr, prrErr := PlasmaRefillRate(s)
	uf, ufErr := UFRatePerKg(s, dryWeightKg)
	return Indicators{
		PRR:            newResult(IndicatorPRR, UnitPRR, prr, prrErr),
		SBPDrop:        newResult(IndicatorSBPDrop, UnitSBPDrop, SBPDrop(s), nil),
		LowBPEvents:    newResult(IndicatorLowBPEvents, UnitLowBPEvents, float64(LowBPEvents(s)), nil),
		UFRatePerKg:    newResult(IndicatorUFRatePerKg, UnitUFRatePerKg, uf, ufErr),
		PulseVariation: newResult(IndicatorPulseVariation, UnitPulseVariation, PulseVariation(s), nil),
	}
}

func newResult(name IndicatorName, unit string, v float64, err error) IndicatorResult {
	if err != nil {
		return IndicatorResult{Name: name, Unit: unit, Err: err}
	}
	return IndicatorResult{Name: name, Unit: unit, Value: v}
}

// PlasmaRefillRate returns the BV slope between the first and last record in
// %/min. Negative values mean blood volume is falling faster than plasma
// refills it.
func PlasmaRefillRate(s *Series) (float64, error) {
	first, last := 0, s.Len()-1
	span := s.TimeMin[last] - s.TimeMin[first]
	if span == 0 {
		return 0, &DegenerateSessionError{StartMin: s.TimeMin[first], EndMin: s.TimeMin[last]}
	}
	return (s.BVPct[last] - s.BVPct[first]) / span, nil
}

// SBPDrop returns the fall from the first systolic reading to the session
// minimum in mmHg. It is never negative.
func SBPDrop(s *Series) float64 {
	return s.SBP[0] - minOf(s.SBP)
}

// LowBPEvents counts records with SBP below LowBPThresholdMmHg.
func LowBPEvents(s *Series) int {
	n := 0
	for _, v := range s.SBP {
		if v < LowBPThresholdMmHg {
			n++
		}
	}
	return n
}

// UFRatePerKg returns the mean UF rate normalized to dry weight in mL/h/kg.
func UFRatePerKg(s *Series, dryWeightKg float64) (float64, error) {
	if dryWeightKg <= 0 {
		return 0, &InvalidWeightError{WeightKg: dryWeightKg}
	}
	return mean(s.UFRateLph) * 1000 / dryWeightKg, nil
}

// PulseVariation returns max(pulse) - min(pulse) in bpm.
func PulseVariation(s *Series) float64 {
	return maxOf(s.Pulse) - minOf(s.Pulse)
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
