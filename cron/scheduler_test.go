package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinrope/grr/cron"
	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/pkg/clock"
	"github.com/thinrope/grr/testutil"
)

type fixture struct {
	jobs      *testutil.MemoryCronStore
	flows     *testutil.MemoryFlowStore
	machine   *flow.Machine
	scheduler *cron.Scheduler
	enforcer  *cron.Enforcer
	clock     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := flow.NewRegistry()
	require.NoError(t, registry.Register(flow.Definition{Name: "interrogate"}))

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	flows := testutil.NewMemoryFlowStore()
	jobs := testutil.NewMemoryCronStore()
	machine := flow.NewMachine(flows, registry, flow.WithClock(fake))

	scheduler := cron.NewScheduler(jobs, flows, machine, cron.WithClock(fake))
	machine.OnTerminal(scheduler.HandleRunTerminal)
	enforcer := cron.NewEnforcer(jobs, flows, machine, cron.WithEnforcerClock(fake))

	return &fixture{
		jobs:      jobs,
		flows:     flows,
		machine:   machine,
		scheduler: scheduler,
		enforcer:  enforcer,
		clock:     fake,
	}
}

func (fx *fixture) addJob(t *testing.T, id string, periodicity, lifetime time.Duration, allowOverruns bool) {
	t.Helper()
	require.NoError(t, fx.jobs.Create(context.Background(), &cron.Job{
		ID:            id,
		FlowName:      "interrogate",
		Periodicity:   periodicity,
		Lifetime:      lifetime,
		AllowOverruns: allowOverruns,
		State:         cron.JobEnabled,
		CreatedAt:     fx.clock.Now(),
	}))
}

func (fx *fixture) runsOf(t *testing.T, jobID string) []*flow.Flow {
	t.Helper()
	runs, err := fx.flows.ListByCronJob(context.Background(), jobID)
	require.NoError(t, err)
	return runs
}

func TestFirstTickStartsRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addJob(t, "daily", time.Hour, 0, false)

	require.NoError(t, fx.scheduler.RunOnce(ctx))

	runs := fx.runsOf(t, "daily")
	require.Len(t, runs, 1)
	assert.Equal(t, flow.StateRunning, runs[0].State)
	assert.Equal(t, "cron/daily", runs[0].Creator)

	job, err := fx.jobs.Get(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, fx.clock.Now(), job.LastRunTime)
}

func TestDisabledJobNeverScheduled(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.jobs.Create(ctx, &cron.Job{
		ID:          "off",
		FlowName:    "interrogate",
		Periodicity: time.Minute,
		State:       cron.JobDisabled,
	}))

	fx.clock.Advance(time.Hour)
	require.NoError(t, fx.scheduler.RunOnce(ctx))
	assert.Empty(t, fx.runsOf(t, "off"))
}

func TestOverrunSkipLeavesLastRunUnchanged(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addJob(t, "strict", time.Hour, 0, false)

	require.NoError(t, fx.scheduler.RunOnce(ctx))
	firstRunTime := fx.clock.Now()

	// Next period arrives with the run still active: tick is skipped.
	fx.clock.Advance(time.Hour)
	require.NoError(t, fx.scheduler.RunOnce(ctx))

	runs := fx.runsOf(t, "strict")
	assert.Len(t, runs, 1)
	job, err := fx.jobs.Get(ctx, "strict")
	require.NoError(t, err)
	assert.Equal(t, firstRunTime, job.LastRunTime, "skip must not touch last-run time")

	// Once the run finishes the next due tick starts a new one.
	_, err = fx.machine.Complete(ctx, runs[0].ID)
	require.NoError(t, err)
	require.NoError(t, fx.scheduler.RunOnce(ctx))
	assert.Len(t, fx.runsOf(t, "strict"), 2)
}

func TestAllowOverrunsStartsConcurrentRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addJob(t, "loose", time.Hour, 0, true)

	require.NoError(t, fx.scheduler.RunOnce(ctx))
	fx.clock.Advance(time.Hour)
	require.NoError(t, fx.scheduler.RunOnce(ctx))

	runs := fx.runsOf(t, "loose")
	assert.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, flow.StateRunning, run.State)
	}
}

func TestLifetimeEnforcement(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addJob(t, "bounded", time.Hour, 30*time.Minute, false)

	require.NoError(t, fx.scheduler.RunOnce(ctx))
	runs := fx.runsOf(t, "bounded")
	require.Len(t, runs, 1)

	// Within lifetime: untouched.
	fx.clock.Advance(30 * time.Minute)
	require.NoError(t, fx.enforcer.RunOnce(ctx))
	run, err := fx.machine.Get(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateRunning, run.State)

	// Past lifetime: force-terminated and the job is marked failing.
	fx.clock.Advance(time.Second)
	require.NoError(t, fx.enforcer.RunOnce(ctx))
	run, err = fx.machine.Get(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateError, run.State)
	assert.Equal(t, "lifetime exceeded", run.ErrorMessage)

	job, err := fx.jobs.Get(ctx, "bounded")
	require.NoError(t, err)
	assert.True(t, job.IsFailing)
}

func TestIsFailingRecomputedPerRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addJob(t, "job", time.Hour, 0, false)

	require.NoError(t, fx.scheduler.RunOnce(ctx))
	runs := fx.runsOf(t, "job")
	require.Len(t, runs, 1)
	_, err := fx.machine.Fail(ctx, runs[0].ID, "boom")
	require.NoError(t, err)

	job, err := fx.jobs.Get(ctx, "job")
	require.NoError(t, err)
	assert.True(t, job.IsFailing)

	// A clean run clears the flag.
	fx.clock.Advance(time.Hour)
	require.NoError(t, fx.scheduler.RunOnce(ctx))
	runs = fx.runsOf(t, "job")
	require.Len(t, runs, 2)
	for _, run := range runs {
		if run.State == flow.StateRunning {
			_, err = fx.machine.Complete(ctx, run.ID)
			require.NoError(t, err)
		}
	}

	job, err = fx.jobs.Get(ctx, "job")
	require.NoError(t, err)
	assert.False(t, job.IsFailing)
}

func TestCrashedRunMarksJobFailing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addJob(t, "job", time.Hour, 0, false)

	require.NoError(t, fx.scheduler.RunOnce(ctx))
	runs := fx.runsOf(t, "job")
	require.Len(t, runs, 1)
	_, err := fx.machine.ReportCrash(ctx, runs[0].ID)
	require.NoError(t, err)

	job, err := fx.jobs.Get(ctx, "job")
	require.NoError(t, err)
	assert.True(t, job.IsFailing)
}

// Periodicity 1h, lifetime 30m, overruns disallowed: the t=30m tick skips
// while the first run is alive, the enforcer kills the run just past its
// lifetime, and the t=1h tick starts a fresh run.
func TestHourlyJobWithHalfHourLifetime(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addJob(t, "job", time.Hour, 30*time.Minute, false)

	// t=0
	require.NoError(t, fx.scheduler.RunOnce(ctx))
	runs := fx.runsOf(t, "job")
	require.Len(t, runs, 1)
	r1 := runs[0]

	// t=30m: not due yet, and R1 still running.
	fx.clock.Advance(30 * time.Minute)
	require.NoError(t, fx.scheduler.RunOnce(ctx))
	assert.Len(t, fx.runsOf(t, "job"), 1)

	// t=30m+ε: lifetime kill.
	fx.clock.Advance(time.Second)
	require.NoError(t, fx.enforcer.RunOnce(ctx))
	got, err := fx.machine.Get(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateError, got.State)

	job, err := fx.jobs.Get(ctx, "job")
	require.NoError(t, err)
	assert.True(t, job.IsFailing)

	// t=1h: next period starts R2.
	fx.clock.Advance(30*time.Minute - time.Second)
	require.NoError(t, fx.scheduler.RunOnce(ctx))
	runs = fx.runsOf(t, "job")
	require.Len(t, runs, 2)
	for _, run := range runs {
		if run.ID != r1.ID {
			assert.Equal(t, flow.StateRunning, run.State)
		}
	}
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     cron.Job
		wantErr bool
	}{
		{"valid", cron.Job{ID: "j", FlowName: "interrogate", Periodicity: time.Minute, State: cron.JobEnabled}, false},
		{"missing id", cron.Job{FlowName: "interrogate", Periodicity: time.Minute, State: cron.JobEnabled}, true},
		{"missing flow name", cron.Job{ID: "j", Periodicity: time.Minute, State: cron.JobEnabled}, true},
		{"zero periodicity", cron.Job{ID: "j", FlowName: "interrogate", State: cron.JobEnabled}, true},
		{"bad state", cron.Job{ID: "j", FlowName: "interrogate", Periodicity: time.Minute, State: "PAUSED"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
