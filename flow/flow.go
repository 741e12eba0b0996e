// Package flow models the lifecycle of a unit of work executed against a
// remote endpoint. A Flow starts in RUNNING, may spawn nested child flows,
// and ends in exactly one terminal state. The Machine serializes all state
// mutations per flow and guarantees idempotent terminal transitions.
package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/thinrope/grr/errors"
)

// State is the lifecycle state of a Flow.
type State string

// Flow lifecycle states. StateRunning is the only non-terminal state.
const (
	StateRunning       State = "RUNNING"
	StateTerminated    State = "TERMINATED"
	StateError         State = "ERROR"
	StateClientCrashed State = "CLIENT_CRASHED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateError || s == StateClientCrashed
}

// Valid reports whether the state is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateRunning, StateTerminated, StateError, StateClientCrashed:
		return true
	}
	return false
}

// RunnerConfig bounds the resources a single flow run may consume.
// A zero value means no limit for that dimension.
type RunnerConfig struct {
	CPULimitSeconds   uint64 `json:"cpu_limit_seconds,omitempty"`
	NetworkBytesLimit uint64 `json:"network_bytes_limit,omitempty"`
	Timeout           int64  `json:"timeout_seconds,omitempty"`
}

// Flow is one unit of work. Child flows reference their parent by identity;
// the parent holds an ordered list of child identities.
type Flow struct {
	// Identity
	ID       string `json:"id"`
	Name     string `json:"name"`
	ClientID string `json:"client_id,omitempty"`

	// Ownership
	ParentID  string   `json:"parent_id,omitempty"`
	HuntID    string   `json:"hunt_id,omitempty"`
	CronJobID string   `json:"cron_job_id,omitempty"`
	ChildIDs  []string `json:"child_ids,omitempty"`

	// Request
	Args         json.RawMessage `json:"args,omitempty"`
	RunnerConfig RunnerConfig    `json:"runner_config"`

	// Runtime state
	State        State  `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	ResultCount  int64  `json:"result_count"`

	// Audit
	Creator      string    `json:"creator,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// OwnerKey identifies the result-stream owner for this flow. Flows spawned
// by a hunt feed the hunt's aggregate stream; all others own their own.
func (f *Flow) OwnerKey() string {
	if f.HuntID != "" {
		return "hunt/" + f.HuntID
	}
	return "flow/" + f.ID
}

// Touch advances the last-active timestamp, never moving it backwards.
func (f *Flow) Touch(now time.Time) {
	if now.After(f.LastActiveAt) {
		f.LastActiveAt = now
	}
}

// Validate checks structural invariants before persistence.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("flow ID cannot be empty"), "flow", "Validate", "validation")
	}
	if f.Name == "" {
		return errors.WrapInvalid(fmt.Errorf("flow name cannot be empty"), "flow", "Validate", "validation")
	}
	if !f.State.Valid() {
		return errors.WrapInvalid(fmt.Errorf("invalid flow state: %s", string(f.State)), "flow", "Validate", "state validation")
	}
	return nil
}
