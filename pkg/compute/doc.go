// Package compute turns one dialysis-session export into clinical indicators
// and severity labels.
//
// The pipeline runs in four pure stages:
//
//	MapColumns         header validation, scale factors divided out
//	Derive             per-record time axis, BV %, MAP, UF rate/volume
//	ComputeIndicators  PRR, SBP drop, low-BP events, UF rate/kg, pulse variation
//	Classify           ordered threshold bands, most severe first
//
// Evaluate chains them and resolves the dry weight. Mapper errors are fatal to
// the session; indicator errors stay attached to the indicator that failed.
//
// Labels: Safe < Caution < Warning < Danger.
package compute
