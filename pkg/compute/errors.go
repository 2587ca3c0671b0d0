package compute

import (
	"errors"
	"fmt"
)

// ErrEmptySession is returned when the table has a header but no records.
var ErrEmptySession = errors.New("compute: session has no records")

// ErrWeightOutOfRange is returned by Config.Validate when a dry-weight
// override falls outside [MinOverrideWeightKg, MaxOverrideWeightKg].
var ErrWeightOutOfRange = errors.New("compute: dry weight override out of range")

// MissingColumnError reports a required raw column absent from the header.
// It is fatal to the whole session.
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("compute: missing required column %q", e.Column)
}

// MalformedRecordError reports a blank or non-numeric cell. Record is the
// zero-based index of the data row (the header is not counted).
type MalformedRecordError struct {
	Record int
	Column string
	Value  string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("compute: record %d: column %q: malformed value %q", e.Record, e.Column, e.Value)
}

// DegenerateSessionError is returned for PRR when the session spans zero time.
type DegenerateSessionError struct {
	StartMin float64
	EndMin   float64
}

func (e *DegenerateSessionError) Error() string {
	return fmt.Sprintf("compute: degenerate session: time span %.2f..%.2f min is zero", e.StartMin, e.EndMin)
}

// InvalidWeightError is returned for UF rate per kg when the resolved dry
// weight is not positive.
type InvalidWeightError struct {
	WeightKg float64
}

func (e *InvalidWeightError) Error() string {
	return fmt.Sprintf("compute: invalid dry weight %.2f kg", e.WeightKg)
}

// Error kinds reported alongside failed indicators and fatal errors.
const (
	KindMissingColumn     = "missing_column"
	KindMalformedRecord   = "malformed_record"
	KindEmptySession      = "empty_session"
	KindDegenerateSession = "degenerate_session"
	KindInvalidWeight     = "invalid_weight"
	KindWeightOutOfRange  = "weight_out_of_range"
)

// ErrorKind returns the stable machine-readable kind of err, or "" when err
// is nil or not produced by this package.
func ErrorKind(err error) string {
	var (
		missing    *MissingColumnError
		malformed  *MalformedRecordError
		degenerate *DegenerateSessionError
		weight     *InvalidWeightError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &missing):
		return KindMissingColumn
	case errors.As(err, &malformed):
		return KindMalformedRecord
	case errors.Is(err, ErrEmptySession):
		return KindEmptySession
	case errors.As(err, &degenerate):
		return KindDegenerateSession
	case errors.As(err, &weight):
		return KindInvalidWeight
	case errors.Is(err, ErrWeightOutOfRange):
		return KindWeightOutOfRange
	default:
		return ""
	}
}
