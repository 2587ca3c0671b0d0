package render

import (
	"fmt"
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/bvscope/bvscope/pkg/compute"
	"github.com/bvscope/bvscope/pkg/types"
)

// Metric names written by Prom.
const (
	metricIndicatorValue  = "bvscope_indicator_value"
	metricIndicatorFailed = "bvscope_indicator_failed"
	metricSeverity        = "bvscope_indicator_severity"
	metricWorstSeverity   = "bvscope_session_worst_severity"
	metricRecords         = "bvscope_session_records"
	metricDryWeight       = "bvscope_session_dry_weight_kg"
)

// Prom writes r in the Prometheus text exposition format. Severities are
// encoded 0 (safe) through 3 (danger).
func Prom(w io.Writer, r *types.Report) error {
	for _, mf := range Families(r) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("render: write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Families converts r into metric families, in a stable order.
func Families(r *types.Report) []*dto.MetricFamily {
	session := []*dto.LabelPair{label("session", r.ID)}
	if r.Patient != "" {
		session = append(session, label("patient", r.Patient))
	}

	values := gaugeFamily(metricIndicatorValue, "Session-level indicator value in its unit.")
	failed := gaugeFamily(metricIndicatorFailed, "1 when the indicator could not be computed.")
	severity := gaugeFamily(metricSeverity, "Classified severity, 0=safe 1=caution 2=warning 3=danger.")

	for _, ind := range r.Indicators {
		labels := append(append([]*dto.LabelPair(nil), session...), label("indicator", ind.Name))
		if !ind.OK() {
			failed.Metric = append(failed.Metric, gauge(1, append(labels, label("kind", ind.ErrorKind))...))
			continue
		}
		values.Metric = append(values.Metric, gauge(*ind.Value, append(labels, label("unit", ind.Unit))...))
		if ind.Label == "" {
			continue
		}
		if sev, err := compute.ParseSeverity(ind.Label); err == nil {
			severity.Metric = append(severity.Metric, gauge(float64(sev), labels...))
		}
	}

	worst := gaugeFamily(metricWorstSeverity, "Most severe label across classified indicators.")
	if sev, err := compute.ParseSeverity(r.Worst); err == nil {
		worst.Metric = append(worst.Metric, gauge(float64(sev), session...))
	}
	records := gaugeFamily(metricRecords, "Number of records in the session export.")
	records.Metric = append(records.Metric, gauge(float64(r.Records), session...))
	dw := gaugeFamily(metricDryWeight, "Dry weight used for UF rate normalization.")
	dw.Metric = append(dw.Metric, gauge(r.DryWeight.Kg, append(append([]*dto.LabelPair(nil), session...), label("source", r.DryWeight.Source))...))

	var out []*dto.MetricFamily
	for _, mf := range []*dto.MetricFamily{values, failed, severity, worst, records, dw} {
		if len(mf.Metric) > 0 {
			out = append(out, mf)
		}
	}
	return out
}

func gaugeFamily(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: &name,
		Help: &help,
		Type: dto.MetricType_GAUGE.Enum(),
	}
}

func gauge(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{
		Label: labels,
		Gauge: &dto.Gauge{Value: &v},
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: &name, Value: &value}
}
