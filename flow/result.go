package flow

import (
	"context"
	"encoding/json"
	"time"
)

// Result is one item of work product produced by a running flow.
type Result struct {
	FlowID    string          `json:"flow_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ResultSink receives results emitted by running flows, keyed by the owning
// flow or hunt. Append accumulates; Finalize flushes any partial batch once
// the owner reaches a terminal state.
type ResultSink interface {
	Append(ctx context.Context, ownerKey string, results []Result) error
	Finalize(ctx context.Context, ownerKey string) error
}

// NopSink discards all results. Used when no output pipeline is configured.
type NopSink struct{}

func (NopSink) Append(context.Context, string, []Result) error { return nil }
func (NopSink) Finalize(context.Context, string) error         { return nil }
