package compute

import "fmt"

// Bounds for a user-supplied dry-weight override, in kg.
const (
	MinOverrideWeightKg = 30.0
	MaxOverrideWeightKg = 120.0
)

// FallbackDryWeightKg is used when neither the export nor the caller supplies
// a dry weight.
const FallbackDryWeightKg = 50.0

// DryWeightPolicy decides which dry-weight source wins when both the export
// column and an override are present.
type DryWeightPolicy string

const (
	// ColumnFirst prefers the Weight(kg) column, then the override.
	ColumnFirst DryWeightPolicy = "column_first"
	// OverrideFirst prefers the override, then the Weight(kg) column.
	OverrideFirst DryWeightPolicy = "override_first"
)

// Dry-weight sources recorded on an Evaluation.
const (
	SourceColumn   = "column"
	SourceOverride = "override"
	SourceFallback = "fallback"
)

// Config carries the per-request parameters of one evaluation. The zero value
// is valid: column-first precedence, standard SBP-drop bands, no override.
type Config struct {
	DryWeightOverride *float64
	DryWeightPolicy   DryWeightPolicy
	SBPDropPolicy     SBPDropPolicy
}

// Validate checks the override bounds and policy names.
func (c Config) Validate() error {
	if c.DryWeightOverride != nil {
		w := *c.DryWeightOverride
		if !(w >= MinOverrideWeightKg && w <= MaxOverrideWeightKg) { // also rejects NaN
			return fmt.Errorf("%w: %.1f kg not in [%.0f, %.0f]", ErrWeightOutOfRange, w, MinOverrideWeightKg, MaxOverrideWeightKg)
		}
	}
	switch c.DryWeightPolicy {
	case "", ColumnFirst, OverrideFirst:
	default:
		return fmt.Errorf("compute: unknown dry weight policy %q", c.DryWeightPolicy)
	}
	switch c.SBPDropPolicy {
	case "", SBPDropStandard, SBPDropStrict:
	default:
		return fmt.Errorf("compute: unknown sbp drop policy %q", c.SBPDropPolicy)
	}
	return nil
}

// DryWeight is the resolved dry weight and where it came from.
type DryWeight struct {
	Kg     float64
	Source string
}

// Fallback reports whether no real dry weight was available.
func (d DryWeight) Fallback() bool { return d.Source == SourceFallback }

// Evaluation is the complete, immutable result for one session.
type Evaluation struct {
	Series          *Series
	DryWeight       DryWeight
	Indicators      Indicators
	Classifications Classifications
	SBPDropPolicy   SBPDropPolicy
}

// Worst returns the most severe label across all classified indicators.
func (e *Evaluation) Worst() Severity { return e.Classifications.Worst() }

// Evaluate runs the full pipeline over one parsed table. A non-nil error means
// the session was rejected as a whole (bad config, missing column, malformed
// cell or no records); indicator-level failures are reported inside the
// returned Evaluation instead.
func Evaluate(t Table, cfg Config) (*Evaluation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mapped, err := MapColumns(t)
	if err != nil {
		return nil, err
	}
	series := Derive(mapped)
	dw := ResolveDryWeight(mapped, cfg)
	policy := cfg.SBPDropPolicy
	if policy == "" {
		policy = SBPDropStandard
	}
	ind := ComputeIndicators(series, dw.Kg)
	return &Evaluation{
		Series:          series,
		DryWeight:       dw,
		Indicators:      ind,
		Classifications: Classify(ind, RulesFor(policy)),
		SBPDropPolicy:   policy,
	}, nil
}

// ResolveDryWeight picks exactly one dry-weight source according to
// cfg.DryWeightPolicy. A column value of zero or less is still used as-is; the
// UF-rate indicator then reports an InvalidWeightError.
func ResolveDryWeight(m *Mapped, cfg Config) DryWeight {
	column := func() (DryWeight, bool) {
		return DryWeight{Kg: m.WeightKg, Source: SourceColumn}, m.HasWeight
	}
	override := func() (DryWeight, bool) {
		if cfg.DryWeightOverride == nil {
			return DryWeight{}, false
		}
		return DryWeight{Kg: *cfg.DryWeightOverride, Source: SourceOverride}, true
	}

	order := []func() (DryWeight, bool){column, override}
	if cfg.DryWeightPolicy == OverrideFirst {
		order = []func() (DryWeight, bool){override, column}
	}
	for _, src := range order {
		if dw, ok := src(); ok {
			return dw
		}
	}
	return DryWeight{Kg: FallbackDryWeightKg, Source: SourceFallback}
}
