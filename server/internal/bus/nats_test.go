package bus

import (
	"encoding/json"
	"testing"

	"github.com/bvscope/bvscope/pkg/types"
)

func TestNewPublisher_EmptyURLIsNop(t *testing.T) {
	p, err := NewPublisher("")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if _, ok := p.(Nop); !ok {
		t.Fatalf("got %T, want Nop", p)
	}
	if err := p.Publish("x", map[string]int{"a": 1}); err != nil {
		t.Errorf("Nop.Publish: %v", err)
	}
	p.Close()
}

func TestNewPublisher_Unreachable(t *testing.T) {
	// Port 1 is never a NATS server.
	if _, err := NewPublisher("nats://127.0.0.1:1"); err == nil {
		t.Fatal("expected connect error, got nil")
	}
}

func TestSessionEvaluated_JSON(t *testing.T) {
	v := 12.5
	r := &types.Report{
		ID:         "abc",
		Patient:    "p1",
		Worst:      "caution",
		Records:    4,
		DryWeight:  types.DryWeight{Kg: 60, Source: "column"},
		Indicators: []types.Indicator{{Name: "sbp_drop", Value: &v, Unit: "mmHg", Label: "caution"}},
		Series:     types.Series{TimeMin: []float64{0, 1, 2, 3}},
	}
	b, err := json.Marshal(NewSessionEvaluated(r))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["id"] != "abc" || got["worst"] != "caution" || got["patient"] != "p1" {
		t.Errorf("summary fields not flattened: %s", b)
	}
	if _, ok := got["series"]; ok {
		t.Errorf("event should not carry the series: %s", b)
	}
	if inds, ok := got["indicators"].([]any); !ok || len(inds) != 1 {
		t.Errorf("indicators: %s", b)
	}
}
