package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bvscope/bvscope/pkg/types"
)

// PreviewRows is the number of derived records printed by the text format.
const PreviewRows = 5

// Write renders r in the named format.
func Write(w io.Writer, format string, r *types.Report) error {
	switch format {
	case "text", "":
		return Text(w, r)
	case "json":
		return JSON(w, r)
	case "prom":
		return Prom(w, r)
	default:
		return fmt.Errorf("render: unknown format %q", format)
	}
}

// JSON writes r as indented JSON.
func JSON(w io.Writer, r *types.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("render: encode json: %w", err)
	}
	return nil
}

// Text writes a human-readable summary of r.
func Text(w io.Writer, r *types.Report) error {
	var b strings.Builder

	name := r.Filename
	if name == "" {
		name = r.ID
	}
	fmt.Fprintf(&b, "session:    %s (%d records)\n", name, r.Records)
	if r.Patient != "" {
		fmt.Fprintf(&b, "patient:    %s\n", r.Patient)
	}
	fmt.Fprintf(&b, "dry weight: %.1f kg (%s)\n", r.DryWeight.Kg, r.DryWeight.Source)
	fmt.Fprintf(&b, "sbp policy: %s\n", r.SBPDropPolicy)
	fmt.Fprintf(&b, "worst:      %s\n\n", strings.ToUpper(r.Worst))

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDICATOR\tVALUE\tUNIT\tLABEL\tRATIONALE")
	for _, ind := range r.Indicators {
		if !ind.OK() {
			fmt.Fprintf(tw, "%s\t-\t%s\t-\tunavailable: %s\n", ind.Name, ind.Unit, ind.ErrorKind)
			continue
		}
		label, rationale := ind.Label, ind.Rationale
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%s\t%s\t%s\n", ind.Name, *ind.Value, ind.Unit, label, rationale)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Notes) > 0 {
		b.WriteString("\nnotes:\n")
		for _, n := range r.Notes {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", n.Level, n.Title, n.Detail)
		}
	}

	if err := writePreview(&b, r); err != nil {
		return err
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writePreview(b *strings.Builder, r *types.Report) error {
	n := r.Records
	if n > PreviewRows {
		n = PreviewRows
	}
	if n > len(r.Series.TimeMin) {
		n = len(r.Series.TimeMin)
	}
	if n == 0 {
		return nil
	}
	s := r.Series
	hasPRR := len(s.PRRLph) > 0

	fmt.Fprintf(b, "\npreview (first %d of %d records, BV reference %.0f%% / %.0f%%):\n",
		n, r.Records, r.Reference.BVLowerPct, r.Reference.BVUpperPct)
	tw := tabwriter.NewWriter(b, 0, 0, 2, ' ', tabwriter.AlignRight)
	header := "Time(min)\tBV(%)\tUF(L/h)\tUF(L)\tSBP\tDBP\tPulse\tMAP\t"
	if hasPRR {
		header += "PRR(L/h)\t"
	}
	fmt.Fprintln(tw, header)
	for i := 0; i < n; i++ {
		fmt.Fprintf(tw, "%.1f\t%.1f\t%.2f\t%.2f\t%.0f\t%.0f\t%.0f\t%.1f\t",
			s.TimeMin[i], s.BVPct[i], s.UFRateLph[i], s.UFVolumeL[i], s.SBP[i], s.DBP[i], s.Pulse[i], s.MAP[i])
		if hasPRR {
			fmt.Fprintf(tw, "%.2f\t", s.PRRLph[i])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
