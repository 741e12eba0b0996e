// Package cron periodically creates flows from job templates. The
// scheduler ticks at a fixed granularity and starts a run for every enabled
// job whose periodicity has elapsed, subject to the overrun policy; an
// independent enforcer force-terminates runs that outlive their job's
// lifetime. A blocked tick is skipped, not queued: the next opportunity is
// the next natural tick.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
)

// JobState enables or disables scheduling for a job.
type JobState string

const (
	JobEnabled  JobState = "ENABLED"
	JobDisabled JobState = "DISABLED"
)

// Job is a periodic template for creating flows.
type Job struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`

	// Flow template
	FlowName     string            `json:"flow_name"`
	Args         json.RawMessage   `json:"args,omitempty"`
	RunnerConfig flow.RunnerConfig `json:"runner_config"`

	// Scheduling policy
	Periodicity   time.Duration `json:"periodicity"`
	Lifetime      time.Duration `json:"lifetime,omitempty"`
	AllowOverruns bool          `json:"allow_overruns"`

	// Runtime state
	State       JobState  `json:"state"`
	LastRunTime time.Time `json:"last_run_time"`
	IsFailing   bool      `json:"is_failing"`

	// Audit
	Creator   string    `json:"creator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural invariants before persistence.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("cron job ID cannot be empty"), "cron", "Validate", "validation")
	}
	if j.FlowName == "" {
		return errors.WrapInvalid(fmt.Errorf("cron job %s has no flow name", j.ID), "cron", "Validate", "validation")
	}
	if j.Periodicity <= 0 {
		return errors.WrapInvalid(fmt.Errorf("cron job %s periodicity must be positive", j.ID), "cron", "Validate", "validation")
	}
	if j.State != JobEnabled && j.State != JobDisabled {
		return errors.WrapInvalid(fmt.Errorf("cron job %s has invalid state %q", j.ID, string(j.State)), "cron", "Validate", "validation")
	}
	return nil
}

// Due reports whether the job's periodicity has elapsed at now. A job that
// has never run is immediately due.
func (j *Job) Due(now time.Time) bool {
	if j.State != JobEnabled {
		return false
	}
	if j.LastRunTime.IsZero() {
		return true
	}
	return now.Sub(j.LastRunTime) >= j.Periodicity
}

// Store persists Job records. Update applies mutate atomically, as with
// flow.Store.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
	Delete(ctx context.Context, id string) error
}
