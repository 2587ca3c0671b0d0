package compute

import (
	"math"
	"strconv"
	"strings"
)

// Raw column names as written by the dialysis console export. The suffix
// encodes the multiplier applied to the true value.
const (
	ColTreatTime = "treat-time[sec]"
	ColDBV       = "dBV[%]*10"
	ColUFSpeed   = "UFP-speed[L/h]*100"
	ColUFVolume  = "UF-volume[L]*100"
	ColSBP       = "sys-BP[mmHg]"
	ColDBP       = "dia-BP[mmHg]"
	ColPulse     = "pulse[bpm]"
	ColWeight    = "Weight(kg)"
	ColPRR       = "PRR[L/h]*100"
)

// Table is an already-parsed CSV export: one header row plus data rows in
// chronological order. Cells are kept as text so that the mapper can report
// exactly which cell was malformed.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column describes one raw column of the export schema.
type Column struct {
	Name     string
	Scale    float64 // true value = raw / Scale
	Optional bool
}

// Schema lists every column the mapper understands, required columns first.
var Schema = []Column{
	{Name: ColTreatTime, Scale: 1},
	{Name: ColDBV, Scale: 10},
	{Name: ColUFSpeed, Scale: 100},
	{Name: ColUFVolume, Scale: 100},
	{Name: ColSBP, Scale: 1},
	{Name: ColDBP, Scale: 1},
	{Name: ColPulse, Scale: 1},
	{Name: ColWeight, Scale: 1, Optional: true},
	{Name: ColPRR, Scale: 100, Optional: true},
}

// Mapped holds the canonical columns with scale factors resolved.
// Every slice has one entry per record; PRRLph is nil when the export has no
// PRR column.
type Mapped struct {
	TreatTimeSec []float64
	BVPct        []float64
	UFRateLph    []float64
	UFVolumeL    []float64
	SBP          []float64
	DBP          []float64
	Pulse        []float64
	PRRLph       []float64

	// WeightKg is the first-row value of the Weight(kg) column.
	// HasWeight is false when the column is absent or its first cell is blank.
	WeightKg  float64
	HasWeight bool
}

// Len returns the number of records.
func (m *Mapped) Len() int { return len(m.TreatTimeSec) }

// MapColumns validates the header against Schema and converts every required
// (and present optional) column to physical units.
//
// The first missing required column yields a *MissingColumnError; the first
// blank or non-numeric cell yields a *MalformedRecordError. Rows are never
// skipped or coerced.
func MapColumns(t Table) (*Mapped, error) {
	index := headerIndex(t.Header)
	for _, col := range Schema {
		if _, ok := index[col.Name]; !ok && !col.Optional {
			return nil, &MissingColumnError{Column: col.Name}
		}
	}
	if len(t.Rows) == 0 {
		return nil, ErrEmptySession
	}

	m := &Mapped{}
	targets := map[string]*[]float64{
		ColTreatTime: &m.TreatTimeSec,
		ColDBV:       &m.BVPct,
		ColUFSpeed:   &m.UFRateLph,
		ColUFVolume:  &m.UFVolumeL,
		ColSBP:       &m.SBP,
		ColDBP:       &m.DBP,
		ColPulse:     &m.Pulse,
		ColPRR:       &m.PRRLph,
	}

	type binding struct {
		col Column
		idx int
		dst []float64
	}
	var series []binding
	for _, col := range Schema {
		idx, ok := index[col.Name]
		if !ok {
			continue
		}
		if col.Name == ColWeight {
			w, present, err := firstRowValue(t.Rows, idx, col)
			if err != nil {
				return nil, err
			}
			m.WeightKg, m.HasWeight = w, present
			continue
		}
		dst := make([]float64, len(t.Rows))
		*targets[col.Name] = dst
		series = append(series, binding{col: col, idx: idx, dst: dst})
	}

	// Row-major so the reported cell is the earliest malformed record.
	for i, row := range t.Rows {
		for _, b := range series {
			v, err := parseCell(row, b.idx)
			if err != nil {
				return nil, &MalformedRecordError{Record: i, Column: b.col.Name, Value: cell(row, b.idx)}
			}
			b.dst[i] = v / b.col.Scale
		}
	}
	return m, nil
}

// headerIndex maps trimmed header names to their position. A UTF-8 byte
// order mark on the first header is ignored.
func headerIndex(header []string) map[string]int {
	out := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if _, dup := out[name]; !dup {
			out[name] = i
		}
	}
	return out
}

// firstRowValue reads a per-session constant stored on the first row.
// A blank cell counts as absent rather than malformed.
func firstRowValue(rows [][]string, idx int, col Column) (float64, bool, error) {
	raw := strings.TrimSpace(cell(rows[0], idx))
	if raw == "" {
		return 0, false, nil
	}
	v, err := parseCell(rows[0], idx)
	if err != nil {
		return 0, false, &MalformedRecordError{Record: 0, Column: col.Name, Value: raw}
	}
	return v / col.Scale, true, nil
}

func parseCell(row []string, idx int) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(cell(row, idx)), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}

func cell(row []string, idx int) string {
	if idx < len(row) {
		return row[idx]
	}
	return ""
}
