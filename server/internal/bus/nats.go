package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bvscope/bvscope/pkg/types"
)

// Publisher sends session events to downstream consumers.
type Publisher interface {
	Publish(subject string, payload any) error
	Close()
}

// SessionEvaluated is the event published for each stored report. It carries
// the summary and indicator list but not the full series.
type SessionEvaluated struct {
	types.Summary
	DryWeight  types.DryWeight   `json:"dry_weight"`
	Indicators []types.Indicator `json:"indicators"`
}

// NewSessionEvaluated builds the event for r.
func NewSessionEvaluated(r *types.Report) SessionEvaluated {
	return SessionEvaluated{
		Summary:    r.Summary(),
		DryWeight:  r.DryWeight,
		Indicators: r.Indicators,
	}
}

// NATSPublisher publishes JSON payloads on a NATS connection.
type NATSPublisher struct {
	Conn *nats.Conn
}

// NewPublisher connects to url. An empty url returns a Nop publisher so that
// callers never need to nil-check.
func NewPublisher(url string) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("bvscope-server"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("bus: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return &NATSPublisher{Conn: conn}, nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

// Publish marshals payload as JSON and publishes it on subject.
func (p *NATSPublisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	return p.Conn.Publish(subject, data)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, any) error { return nil }
func (Nop) Close()                    {}
