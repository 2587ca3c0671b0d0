package types

import (
	"time"

	"github.com/bvscope/bvscope/pkg/compute"
)

// Report is the payload for one evaluated session.
type Report struct {
	ID            string      `json:"id"`
	Filename      string      `json:"filename,omitempty"`
	Patient       string      `json:"patient,omitempty"`
	CreatedAt     string      `json:"created_at"` // RFC3339
	Records       int         `json:"records"`
	DryWeight     DryWeight   `json:"dry_weight"`
	SBPDropPolicy string      `json:"sbp_drop_policy"`
	Worst         string      `json:"worst"`
	Indicators    []Indicator `json:"indicators"`
	Series        Series      `json:"series"`
	Reference     Reference   `json:"reference"`
	Notes         []Note      `json:"notes"`
}

// DryWeight records the dry weight used and its source.
type DryWeight struct {
	Kg       float64 `json:"kg"`
	Source   string  `json:"source"` // "column" | "override" | "fallback"
	Fallback bool    `json:"fallback"`
}

// Indicator is one session-level indicator. Value is nil when the indicator
// failed; Error and ErrorKind then say why. Label and Rationale are empty for
// indicators that are not classified.
type Indicator struct {
	Name      string   `json:"name"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit"`
	Label     string   `json:"label,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
}

// OK reports whether the indicator was computed.
func (i Indicator) OK() bool { return i.Value != nil }

// Series is the derived time series in columnar form, ready for charting.
type Series struct {
	TimeMin   []float64 `json:"time_min"`
	BVPct     []float64 `json:"bv_pct"`
	UFRateLph []float64 `json:"uf_rate_lph"`
	UFVolumeL []float64 `json:"uf_volume_l"`
	SBP       []float64 `json:"sbp"`
	DBP       []float64 `json:"dbp"`
	Pulse     []float64 `json:"pulse"`
	MAP       []float64 `json:"map"`
	PRRLph    []float64 `json:"prr_lph,omitempty"`
}

// Reference holds the chart reference lines for the BV plot.
type Reference struct {
	BVLowerPct float64 `json:"bv_lower_pct"`
	BVUpperPct float64 `json:"bv_upper_pct"`
}

// Summary is the short form used in listings and the live feed.
type Summary struct {
	ID        string `json:"id"`
	Filename  string `json:"filename,omitempty"`
	Patient   string `json:"patient,omitempty"`
	CreatedAt string `json:"created_at"`
	Records   int    `json:"records"`
	Worst     string `json:"worst"`
}

// NewReport converts an evaluation into its JSON-facing form.
func NewReport(id, filename, patient string, at time.Time, ev *compute.Evaluation) *Report {
	s := ev.Series
	r := &Report{
		ID:        id,
		Filename:  filename,
		Patient:   patient,
		CreatedAt: at.UTC().Format(time.RFC3339),
		Records:   s.Len(),
		DryWeight: DryWeight{
			Kg:       ev.DryWeight.Kg,
			Source:   ev.DryWeight.Source,
			Fallback: ev.DryWeight.Fallback(),
		},
		SBPDropPolicy: string(ev.SBPDropPolicy),
		Worst:         ev.Worst().String(),
		Series: Series{
			TimeMin:   s.TimeMin,
			BVPct:     s.BVPct,
			UFRateLph: s.UFRateLph,
			UFVolumeL: s.UFVolumeL,
			SBP:       s.SBP,
			DBP:       s.DBP,
			Pulse:     s.Pulse,
			MAP:       s.MAP,
			PRRLph:    s.PRRLph,
		},
		Reference: Reference{BVLowerPct: compute.BVLowerRefPct, BVUpperPct: compute.BVUpperRefPct},
	}

	for _, res := range ev.Indicators.All() {
		ind := Indicator{Name: string(res.Name), Unit: res.Unit}
		if res.OK() {
			v := res.Value
			ind.Value = &v
		} else {
			ind.Error = res.Err.Error()
			ind.ErrorKind = compute.ErrorKind(res.Err)
		}
		if c, ok := ev.Classifications[res.Name]; ok {
			ind.Label = c.Label.String()
			ind.Rationale = c.Rationale
		}
		r.Indicators = append(r.Indicators, ind)
	}
	r.Notes = BuildNotes(ev)
	return r
}

// Indicator returns the indicator called name.
func (r *Report) Indicator(name string) (Indicator, bool) {
	for _, ind := range r.Indicators {
		if ind.Name == name {
			return ind, true
		}
	}
	return Indicator{}, false
}

// Summary returns the short form of r.
func (r *Report) Summary() Summary {
	return Summary{
		ID:        r.ID,
		Filename:  r.Filename,
		Patient:   r.Patient,
		CreatedAt: r.CreatedAt,
		Records:   r.Records,
		Worst:     r.Worst,
	}
}
