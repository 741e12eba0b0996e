package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/metric"
	"github.com/thinrope/grr/pkg/clock"
)

// StartRequest describes a flow to create.
type StartRequest struct {
	Name         string
	ClientID     string
	Args         json.RawMessage
	RunnerConfig RunnerConfig
	Creator      string
	HuntID       string
	CronJobID    string
}

// TerminalHook is invoked after a flow reaches a terminal state and the
// transition has been persisted. Hooks run synchronously on the caller's
// goroutine; they must not call back into the Machine for the same flow.
type TerminalHook func(ctx context.Context, f *Flow)

// Machine drives flow lifecycle transitions. All mutations of one flow are
// serialized through a per-flow lock; unrelated flows proceed concurrently.
type Machine struct {
	store    Store
	registry *Registry
	sink     ResultSink
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics

	locks sync.Map // flow ID -> *sync.Mutex

	hookMu sync.RWMutex
	hooks  []TerminalHook
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithResultSink routes reported results to the given sink.
func WithResultSink(sink ResultSink) MachineOption {
	return func(m *Machine) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) MachineOption {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires lifecycle counters.
func WithMetrics(metrics *metric.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

// NewMachine creates a Machine over the given store and type registry.
func NewMachine(store Store, registry *Registry, opts ...MachineOption) *Machine {
	m := &Machine{
		store:    store,
		registry: registry,
		sink:     NopSink{},
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTerminal registers a hook run after every terminal transition.
func (m *Machine) OnTerminal(hook TerminalHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hookMu.Unlock()
}

func (m *Machine) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ValidateStartRequest checks a flow type and argument blob against the
// registry without creating anything. Used to reject misconfigured cron
// jobs at creation time.
func (m *Machine) ValidateStartRequest(name string, args json.RawMessage) error {
	if err := m.registry.ValidateArgs(name, args); err != nil {
		return errors.WrapInvalid(err, "flow", "ValidateStartRequest", "argument validation")
	}
	return nil
}

// Start validates the request against the type registry and creates a new
// flow in RUNNING state.
func (m *Machine) Start(ctx context.Context, req StartRequest) (*Flow, error) {
	if err := m.registry.ValidateArgs(req.Name, req.Args); err != nil {
		return nil, errors.WrapInvalid(err, "flow", "Start", "argument validation")
	}

	now := m.clock.Now()
	f := &Flow{
		ID:           uuid.NewString(),
		Name:         req.Name,
		ClientID:     req.ClientID,
		HuntID:       req.HuntID,
		CronJobID:    req.CronJobID,
		Args:         req.Args,
		RunnerConfig: req.RunnerConfig,
		State:        StateRunning,
		Creator:      req.Creator,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.store.Create(ctx, f); err != nil {
		return nil, errors.Wrap(err, "flow", "Start", "persist flow")
	}

	if m.metrics != nil {
		m.metrics.FlowsStarted.WithLabelValues(f.Name).Inc()
		m.metrics.ActiveFlows.Inc()
	}
	m.logger.Info("flow started",
		"flow_id", f.ID,
		"flow_type", f.Name,
		"client_id", f.ClientID,
		"creator", f.Creator)
	return f, nil
}

// SpawnChild creates a nested flow owned by the parent. The parent must
// still be RUNNING.
func (m *Machine) SpawnChild(ctx context.Context, parentID string, req StartRequest) (*Flow, error) {
	if err := m.registry.ValidateArgs(req.Name, req.Args); err != nil {
		return nil, errors.WrapInvalid(err, "flow", "SpawnChild", "argument validation")
	}

	unlock := m.lock(parentID)
	defer unlock()

	parent, err := m.store.Get(ctx, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "flow", "SpawnChild", "load parent")
	}
	if parent.State != StateRunning {
		return nil, errors.WrapInvalid(
			fmt.Errorf("parent flow %s is %s: %w", parentID, parent.State, errors.ErrInvalidState),
			"flow", "SpawnChild", "parent state check")
	}

	now := m.clock.Now()
	child := &Flow{
		ID:           uuid.NewString(),
		Name:         req.Name,
		ClientID:     req.ClientID,
		ParentID:     parentID,
		HuntID:       parent.HuntID,
		CronJobID:    parent.CronJobID,
		Args:         req.Args,
		RunnerConfig: req.RunnerConfig,
		State:        StateRunning,
		Creator:      req.Creator,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.store.Create(ctx, child); err != nil {
		return nil, errors.Wrap(err, "flow", "SpawnChild", "persist child")
	}

	if _, err := m.store.Update(ctx, parentID, func(f *Flow) error {
		f.ChildIDs = append(f.ChildIDs, child.ID)
		f.Touch(now)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "flow", "SpawnChild", "link child to parent")
	}

	if m.metrics != nil {
		m.metrics.FlowsStarted.WithLabelValues(child.Name).Inc()
		m.metrics.ActiveFlows.Inc()
	}
	m.logger.Info("child flow spawned", "flow_id", child.ID, "parent_id", parentID, "flow_type", child.Name)
	return child, nil
}

// ReportProgress appends produced results to the flow's result stream and
// advances the last-active timestamp. Results arriving after the flow has
// reached a terminal state are dropped silently.
func (m *Machine) ReportProgress(ctx context.Context, id string, results []Result) error {
	unlock := m.lock(id)
	defer unlock()

	f, err := m.store.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "flow", "ReportProgress", "load flow")
	}
	if f.State.Terminal() {
		m.logger.Debug("dropping results for terminal flow", "flow_id", id, "state", string(f.State), "count", len(results))
		return nil
	}
	if len(results) == 0 {
		return nil
	}

	now := m.clock.Now()
	for i := range results {
		results[i].FlowID = id
		if results[i].ClientID == "" {
			results[i].ClientID = f.ClientID
		}
		if results[i].Timestamp.IsZero() {
			results[i].Timestamp = now
		}
	}

	updated, err := m.store.Update(ctx, id, func(f *Flow) error {
		f.ResultCount += int64(len(results))
		f.Touch(now)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "flow", "ReportProgress", "update flow")
	}

	if err := m.sink.Append(ctx, updated.OwnerKey(), results); err != nil {
		return errors.Wrap(err, "flow", "ReportProgress", "append results")
	}
	if m.metrics != nil {
		m.metrics.ResultsIngested.Add(float64(len(results)))
	}
	return nil
}

// Complete transitions RUNNING to TERMINATED. It fails with
// errors.ErrChildrenPending while any child is non-terminal; callers retry
// after children finish or force-terminate via Fail. Completing an already
// terminal flow is a no-op returning the existing state.
func (m *Machine) Complete(ctx context.Context, id string) (*Flow, error) {
	unlock := m.lock(id)
	defer unlock()

	f, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "flow", "Complete", "load flow")
	}
	if f.State.Terminal() {
		return f, nil
	}

	for _, childID := range f.ChildIDs {
		child, err := m.store.Get(ctx, childID)
		if err != nil {
			return nil, errors.Wrap(err, "flow", "Complete", "load child")
		}
		if !child.State.Terminal() {
			return nil, fmt.Errorf("flow %s child %s is %s: %w",
				id, childID, child.State, errors.ErrChildrenPending)
		}
	}

	return m.transition(ctx, id, StateTerminated, "")
}

// Fail transitions RUNNING to ERROR, recording the reason. It always
// succeeds and force-terminates every non-terminal child. Failing an
// already terminal flow is a no-op returning the existing state.
func (m *Machine) Fail(ctx context.Context, id, reason string) (*Flow, error) {
	unlock := m.lock(id)
	f, err := m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, errors.Wrap(err, "flow", "Fail", "load flow")
	}
	if f.State.Terminal() {
		unlock()
		return f, nil
	}

	updated, err := m.transition(ctx, id, StateError, reason)
	children := append([]string(nil), f.ChildIDs...)
	unlock()
	if err != nil {
		return nil, err
	}

	for _, childID := range children {
		if _, cerr := m.Fail(ctx, childID, "parent flow failed: "+reason); cerr != nil {
			m.logger.Error("failed to propagate termination to child",
				"flow_id", id, "child_id", childID, "error", cerr)
		}
	}
	return updated, nil
}

// ReportCrash transitions RUNNING to CLIENT_CRASHED when the target
// endpoint disappears mid-execution. Children on the same endpoint crash
// with it. Idempotent on terminal flows.
func (m *Machine) ReportCrash(ctx context.Context, id string) (*Flow, error) {
	unlock := m.lock(id)
	f, err := m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, errors.Wrap(err, "flow", "ReportCrash", "load flow")
	}
	if f.State.Terminal() {
		unlock()
		return f, nil
	}

	updated, err := m.transition(ctx, id, StateClientCrashed, "client crashed")
	children := append([]string(nil), f.ChildIDs...)
	unlock()
	if err != nil {
		return nil, err
	}

	for _, childID := range children {
		if _, cerr := m.ReportCrash(ctx, childID); cerr != nil {
			m.logger.Error("failed to propagate crash to child",
				"flow_id", id, "child_id", childID, "error", cerr)
		}
	}
	return updated, nil
}

// Get returns the flow without mutating it.
func (m *Machine) Get(ctx context.Context, id string) (*Flow, error) {
	f, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "flow", "Get", "load flow")
	}
	return f, nil
}

// transition persists the terminal state, flushes the flow's own result
// stream, and runs terminal hooks. Callers hold the flow's lock.
func (m *Machine) transition(ctx context.Context, id string, state State, reason string) (*Flow, error) {
	now := m.clock.Now()
	updated, err := m.store.Update(ctx, id, func(f *Flow) error {
		if f.State.Terminal() {
			return nil
		}
		f.State = state
		if reason != "" {
			f.ErrorMessage = reason
		}
		f.Touch(now)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "flow", "transition", "persist terminal state")
	}

	// Hunt-owned streams aggregate across many flows and are finalized at
	// the hunt level, not per member flow.
	if updated.HuntID == "" {
		if err := m.sink.Finalize(ctx, updated.OwnerKey()); err != nil {
			m.logger.Error("final flush failed", "flow_id", id, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.FlowsTerminal.WithLabelValues(string(state)).Inc()
		m.metrics.ActiveFlows.Dec()
	}
	m.logger.Info("flow reached terminal state",
		"flow_id", id,
		"state", string(state),
		"reason", reason,
		"duration", now.Sub(updated.CreatedAt).Round(time.Millisecond).String())

	m.hookMu.RLock()
	hooks := append([]TerminalHook(nil), m.hooks...)
	m.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, updated)
	}
	return updated, nil
}
