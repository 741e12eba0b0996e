// Package audit publishes engine events to an external log sink. The
// engine emits terminal-state transitions and batch status records; what
// happens to them downstream is out of scope.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/natsclient"
)

// EventType classifies audit events.
type EventType string

const (
	EventFlowTerminal EventType = "flow_terminal"
	EventBatchStatus  EventType = "batch_status"
	EventCronMutation EventType = "cron_mutation"
)

// Event is one audit record.
type Event struct {
	Type      EventType       `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	EntityID  string          `json:"entity_id"`
	Summary   string          `json:"summary,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink receives audit events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

// NATSSink publishes events as JSON on grr.audit.<type> subjects. Publish
// failures are reported but callers typically log and continue; audit loss
// must not block the engine.
type NATSSink struct {
	client *natsclient.Client
	logger *slog.Logger
}

// NewNATSSink creates a sink over an established client.
func NewNATSSink(client *natsclient.Client, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{client: client, logger: logger}
}

// Publish sends the event.
func (s *NATSSink) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "audit", "Publish", "encode event")
	}
	subject := "grr.audit." + string(event.Type)
	if err := s.client.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "audit", "Publish", "publish event")
	}
	return nil
}
