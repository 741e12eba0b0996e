package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/metric"
	"github.com/thinrope/grr/pkg/clock"
)

// Enforcer scans non-terminal cron-created runs and force-terminates any
// whose running duration exceeds its job's lifetime. It runs independently
// of the scheduler so a stuck run is killed even between scheduling ticks.
type Enforcer struct {
	jobs         Store
	flows        flow.Store
	machine      *flow.Machine
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metric.Metrics
	scanInterval time.Duration

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithEnforcerScanInterval sets the background scan granularity.
func WithEnforcerScanInterval(d time.Duration) EnforcerOption {
	return func(e *Enforcer) {
		if d > 0 {
			e.scanInterval = d
		}
	}
}

// WithEnforcerClock overrides the wall clock.
func WithEnforcerClock(c clock.Clock) EnforcerOption {
	return func(e *Enforcer) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithEnforcerLogger sets the structured logger.
func WithEnforcerLogger(logger *slog.Logger) EnforcerOption {
	return func(e *Enforcer) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEnforcerMetrics wires the lifetime-kill counter.
func WithEnforcerMetrics(metrics *metric.Metrics) EnforcerOption {
	return func(e *Enforcer) { e.metrics = metrics }
}

// NewEnforcer creates a lifetime enforcer.
func NewEnforcer(jobs Store, flows flow.Store, machine *flow.Machine, opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		jobs:         jobs,
		flows:        flows,
		machine:      machine,
		clock:        clock.Real{},
		logger:       slog.Default(),
		scanInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOnce performs a single enforcement scan.
func (e *Enforcer) RunOnce(ctx context.Context) error {
	now := e.clock.Now()

	flows, err := e.flows.List(ctx)
	if err != nil {
		return errors.Wrap(err, "cron", "RunOnce", "list flows")
	}

	// Lifetime lookups are cached per job within one scan.
	lifetimes := make(map[string]time.Duration)
	for _, f := range flows {
		if f.CronJobID == "" || f.State.Terminal() {
			continue
		}

		lifetime, ok := lifetimes[f.CronJobID]
		if !ok {
			job, err := e.jobs.Get(ctx, f.CronJobID)
			if err != nil {
				e.logger.Error("lifetime check: job lookup failed",
					"job_id", f.CronJobID, "flow_id", f.ID, "error", err)
				continue
			}
			lifetime = job.Lifetime
			lifetimes[f.CronJobID] = lifetime
		}
		if lifetime <= 0 {
			continue
		}

		if now.Sub(f.CreatedAt) > lifetime {
			if _, err := e.machine.Fail(ctx, f.ID, errors.ErrLifetimeExceeded.Error()); err != nil {
				e.logger.Error("lifetime kill failed", "flow_id", f.ID, "error", err)
				continue
			}
			if e.metrics != nil {
				e.metrics.CronLifetimeKills.Inc()
			}
			e.logger.Warn("run exceeded lifetime, force-terminated",
				"job_id", f.CronJobID,
				"flow_id", f.ID,
				"lifetime", lifetime.String(),
				"ran_for", now.Sub(f.CreatedAt).String())
		}
	}
	return nil
}

// Start launches the background scan loop.
func (e *Enforcer) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := e.RunOnce(loopCtx); err != nil {
					e.logger.Error("lifetime scan failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the background loop.
func (e *Enforcer) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.started {
		return nil
	}
	e.cancel()
	<-e.done
	e.started = false
	return nil
}
