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

const defaultTickInterval = time.Minute

// Scheduler ticks over stored jobs and starts a flow for every enabled job
// whose periodicity has elapsed. With allow-overruns disabled, a job whose
// previous run is still non-terminal is skipped silently and its last-run
// time is left unchanged.
type Scheduler struct {
	jobs         Store
	flows        flow.Store
	machine      *flow.Machine
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metric.Metrics
	tickInterval time.Duration

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets the tick granularity for Start.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics wires tick and run counters.
func WithMetrics(metrics *metric.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = metrics }
}

// NewScheduler creates a Scheduler starting flows through the machine.
func NewScheduler(jobs Store, flows flow.Store, machine *flow.Machine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:         jobs,
		flows:        flows,
		machine:      machine,
		clock:        clock.Real{},
		logger:       slog.Default(),
		tickInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs a single tick pass over all jobs. The background loop
// calls this each tick; tests call it directly with a fake clock.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.CronTicks.Inc()
	}
	now := s.clock.Now()

	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return errors.Wrap(err, "cron", "RunOnce", "list jobs")
	}

	for _, job := range jobs {
		if !job.Due(now) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			// One broken job must not starve the others.
			s.logger.Error("cron run failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) error {
	if !job.AllowOverruns {
		active, err := s.hasActiveRun(ctx, job.ID)
		if err != nil {
			return errors.Wrap(err, "cron", "runJob", "overrun check")
		}
		if active {
			if s.metrics != nil {
				s.metrics.CronRunsSkipped.Inc()
			}
			s.logger.Debug("skipping tick, previous run still active", "job_id", job.ID)
			return nil
		}
	}

	started, err := s.machine.Start(ctx, flow.StartRequest{
		Name:         job.FlowName,
		Args:         job.Args,
		RunnerConfig: job.RunnerConfig,
		Creator:      "cron/" + job.ID,
		CronJobID:    job.ID,
	})
	if err != nil {
		return errors.Wrap(err, "cron", "runJob", "start flow")
	}

	if _, err := s.jobs.Update(ctx, job.ID, func(j *Job) error {
		j.LastRunTime = now
		j.UpdatedAt = now
		return nil
	}); err != nil {
		return errors.Wrap(err, "cron", "runJob", "record run time")
	}

	if s.metrics != nil {
		s.metrics.CronRunsStarted.Inc()
	}
	s.logger.Info("cron run started", "job_id", job.ID, "flow_id", started.ID, "flow_type", job.FlowName)
	return nil
}

func (s *Scheduler) hasActiveRun(ctx context.Context, jobID string) (bool, error) {
	runs, err := s.flows.ListByCronJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, run := range runs {
		if !run.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// HandleRunTerminal recomputes a job's is-failing flag from the terminal
// state of one of its runs. Register it as a terminal hook on the machine.
// A run counts as failing unless it terminated cleanly.
func (s *Scheduler) HandleRunTerminal(ctx context.Context, f *flow.Flow) {
	if f.CronJobID == "" {
		return
	}
	failing := f.State != flow.StateTerminated
	if _, err := s.jobs.Update(ctx, f.CronJobID, func(j *Job) error {
		j.IsFailing = failing
		j.UpdatedAt = s.clock.Now()
		return nil
	}); err != nil {
		s.logger.Error("failed to update is-failing flag",
			"job_id", f.CronJobID, "flow_id", f.ID, "error", err)
		return
	}
	if failing {
		s.logger.Warn("cron run failed",
			"job_id", f.CronJobID, "flow_id", f.ID, "state", string(f.State))
	}
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.RunOnce(loopCtx); err != nil {
					s.logger.Error("cron tick failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the background loop.
func (s *Scheduler) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	<-s.done
	s.started = false
	return nil
}
