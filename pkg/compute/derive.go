package compute

// Chart reference band for BV(%), drawn by the presentation layer.
const (
	BVLowerRefPct = 95.0
	BVUpperRefPct = 105.0
)

// Series is the per-record derived time series of one session.
// It is built once by Derive and must not be mutated afterwards.
type Series struct {
	TimeMin   []float64
	BVPct     []float64
	UFRateLph []float64
	UFVolumeL []float64
	SBP       []float64
	DBP       []float64
	Pulse     []float64
	MAP       []float64

	// PRRLph is nil when the export carries no PRR column.
	PRRLph []float64
}

// Record is one row of a Series, convenient for charting and tabular output.
type Record struct {
	TimeMin   float64
	BVPct     float64
	UFRateLph float64
	UFVolumeL float64
	SBP       float64
	DBP       float64
	Pulse     float64
	MAP       float64
	PRRLph    *float64
}

// Len returns the number of records in the series.
func (s *Series) Len() int { return len(s.TimeMin) }

// HasPRR reports whether the source export carried a PRR column.
func (s *Series) HasPRR() bool { return s.PRRLph != nil }

// At returns record i.
func (s *Series) At(i int) Record {
	r := Record{
		TimeMin:   s.TimeMin[i],
		BVPct:     s.BVPct[i],
		UFRateLph: s.UFRateLph[i],
		UFVolumeL: s.UFVolumeL[i],
		SBP:       s.SBP[i],
		DBP:       s.DBP[i],
		Pulse:     s.Pulse[i],
		MAP:       s.MAP[i],
	}
	if s.PRRLph != nil {
		v := s.PRRLph[i]
		r.PRRLph = &v
	}
	return r
}

// Records returns every row of the series in order.
func (s *Series) Records() []Record {
	out := make([]Record, s.Len())
	for i := range out {
		out[i] = s.At(i)
	}
	return out
}

// Derive computes the derived series from mapped columns. It is element-wise:
// record i of the output depends only on record i of the input.
func Derive(m *Mapped) *Series {
	n := m.Len()
	s := &Series{
		TimeMin:   make([]float64, n),
		BVPct:     clone(m.BVPct),
		UFRateLph: clone(m.UFRateLph),
		UFVolumeL: clone(m.UFVolumeL),
		SBP:       clone(m.SBP),
		DBP:       clone(m.DBP),
		Pulse:     clone(m.Pulse),
		MAP:       make([]float64, n),
	}
	for i := 0; i < n; i++ {
		s.TimeMin[i] = m.TreatTimeSec[i] / 60
		s.MAP[i] = MeanArterialPressure(m.SBP[i], m.DBP[i])
	}
	if m.PRRLph != nil {
		s.PRRLph = clone(m.PRRLph)
	}
	return s
}

// MeanArterialPressure approximates MAP as DBP + (SBP-DBP)/3, weighting the
// diastolic pressure 2:1 over the systolic.
func MeanArterialPressure(sbp, dbp float64) float64 {
	return dbp + (sbp-dbp)/3
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
