// Package engine is the orchestration facade external collaborators use to
// start, cancel and inspect flows and cron jobs. It composes the flow
// machine, result stream, output plugin runtime and scheduler, and performs
// no business logic of its own beyond access checks and dispatch.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thinrope/grr/audit"
	"github.com/thinrope/grr/authz"
	"github.com/thinrope/grr/cron"
	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/metric"
	"github.com/thinrope/grr/outputplugin"
	"github.com/thinrope/grr/pkg/clock"
	"github.com/thinrope/grr/pkg/worker"
	"github.com/thinrope/grr/resultstream"
)

const stopTimeout = 30 * time.Second

// Stores bundles the persistence backends the engine composes over.
type Stores struct {
	Flows    flow.Store
	Statuses outputplugin.StatusStore
	Cron     cron.Store
}

// Registries bundles the flow-type and plugin-type registries.
type Registries struct {
	FlowTypes *flow.Registry
	Plugins   *outputplugin.Registry
}

// Engine composes the execution core behind a single facade.
type Engine struct {
	machine   *flow.Machine
	stream    *resultstream.Manager
	runtime   *outputplugin.Runtime
	scheduler *cron.Scheduler
	enforcer  *cron.Enforcer
	pool      *worker.Pool[resultstream.Batch]

	stores  Stores
	checker authz.Checker
	sink    audit.Sink
	clock   clock.Clock
	logger  *slog.Logger

	lifecycleMu sync.Mutex
	started     bool
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	checker       authz.Checker
	sink          audit.Sink
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metric.Metrics
	registry      *metric.MetricsRegistry
	workers       int
	queueSize     int
	maxBatchSize  int
	flushInterval time.Duration
	cronTick      time.Duration
}

// WithAuthz sets the access-approval checker. Defaults to AllowAll.
func WithAuthz(checker authz.Checker) Option {
	return func(o *options) {
		if checker != nil {
			o.checker = checker
		}
	}
}

// WithAuditSink sets the audit event sink. Defaults to NopSink.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithClock overrides the wall clock for every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires engine metrics and, when a registry is given, the
// batch worker pool's gauges.
func WithMetrics(metrics *metric.Metrics, registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.metrics = metrics
		o.registry = registry
	}
}

// WithBatchWorkers sets the plugin-processing pool size and queue depth.
func WithBatchWorkers(workers, queueSize int) Option {
	return func(o *options) {
		if workers > 0 {
			o.workers = workers
		}
		if queueSize > 0 {
			o.queueSize = queueSize
		}
	}
}

// WithBatching sets the result batch size and staleness flush interval.
func WithBatching(maxBatchSize int, flushInterval time.Duration) Option {
	return func(o *options) {
		if maxBatchSize > 0 {
			o.maxBatchSize = maxBatchSize
		}
		if flushInterval > 0 {
			o.flushInterval = flushInterval
		}
	}
}

// WithCronTick sets the scheduler and enforcer tick granularity.
func WithCronTick(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cronTick = d
		}
	}
}

// New assembles an Engine over the given stores and registries.
func New(stores Stores, registries Registries, opts ...Option) *Engine {
	o := &options{
		checker:       authz.AllowAll{},
		sink:          audit.NopSink{},
		clock:         clock.Real{},
		logger:        slog.Default(),
		workers:       4,
		queueSize:     256,
		maxBatchSize:  100,
		flushInterval: 30 * time.Second,
		cronTick:      time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		stores:  stores,
		checker: o.checker,
		sink:    o.sink,
		clock:   o.clock,
		logger:  o.logger,
	}

	e.runtime = outputplugin.NewRuntime(registries.Plugins, stores.Statuses,
		outputplugin.WithClock(o.clock),
		outputplugin.WithLogger(o.logger),
		outputplugin.WithMetrics(o.metrics))

	var poolOpts []worker.Option[resultstream.Batch]
	if o.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[resultstream.Batch](o.registry, "batch_pool"))
	}
	e.pool = worker.NewPool(o.workers, o.queueSize, func(ctx context.Context, batch resultstream.Batch) error {
		e.runtime.ProcessBatch(ctx, batch)
		return nil
	}, poolOpts...)

	// Flush is a hand-off: the stream snapshots a batch and queues it for
	// the pool so ingestion never waits on plugin work. A full queue
	// degrades to inline processing rather than dropping the batch.
	e.stream = resultstream.NewManager(func(ctx context.Context, batch resultstream.Batch) {
		if err := e.pool.Submit(batch); err != nil {
			e.logger.Warn("batch pool refused work, processing inline",
				"owner", batch.OwnerKey, "batch_index", batch.Index, "error", err)
			e.runtime.ProcessBatch(ctx, batch)
		}
	},
		resultstream.WithMaxBatchSize(o.maxBatchSize),
		resultstream.WithFlushInterval(o.flushInterval),
		resultstream.WithClock(o.clock),
		resultstream.WithLogger(o.logger),
		resultstream.WithMetrics(o.metrics))

	e.machine = flow.NewMachine(stores.Flows, registries.FlowTypes,
		flow.WithResultSink(e.stream),
		flow.WithClock(o.clock),
		flow.WithLogger(o.logger),
		flow.WithMetrics(o.metrics))

	e.scheduler = cron.NewScheduler(stores.Cron, stores.Flows, e.machine,
		cron.WithTickInterval(o.cronTick),
		cron.WithClock(o.clock),
		cron.WithLogger(o.logger),
		cron.WithMetrics(o.metrics))

	e.enforcer = cron.NewEnforcer(stores.Cron, stores.Flows, e.machine,
		cron.WithEnforcerScanInterval(o.cronTick),
		cron.WithEnforcerClock(o.clock),
		cron.WithEnforcerLogger(o.logger),
		cron.WithEnforcerMetrics(o.metrics))

	e.machine.OnTerminal(e.scheduler.HandleRunTerminal)
	e.machine.OnTerminal(e.auditTerminal)
	e.runtime.OnStatus(e.auditStatus)

	return e
}

// Machine exposes the flow state machine for execution drivers that report
// progress and completion directly.
func (e *Engine) Machine() *flow.Machine { return e.machine }

// Start launches the background components.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started {
		return errors.ErrAlreadyStarted
	}

	if err := e.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "engine", "Start", "start batch pool")
	}
	if err := e.stream.Start(ctx); err != nil {
		return errors.Wrap(err, "engine", "Start", "start result stream")
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "engine", "Start", "start scheduler")
	}
	if err := e.enforcer.Start(ctx); err != nil {
		return errors.Wrap(err, "engine", "Start", "start lifetime enforcer")
	}

	e.started = true
	e.logger.Info("engine started")
	return nil
}

// Stop halts background components in reverse order, draining buffered
// results and queued batches.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.started {
		return errors.ErrNotStarted
	}

	if err := e.enforcer.Stop(); err != nil {
		e.logger.Error("enforcer stop failed", "error", err)
	}
	if err := e.scheduler.Stop(); err != nil {
		e.logger.Error("scheduler stop failed", "error", err)
	}
	if err := e.stream.Stop(ctx); err != nil {
		e.logger.Error("result stream stop failed", "error", err)
	}
	if err := e.pool.Stop(stopTimeout); err != nil {
		e.logger.Error("batch pool stop failed", "error", err)
	}

	e.started = false
	e.logger.Info("engine stopped")
	return nil
}

// StartFlow creates a new flow after the access check passes.
func (e *Engine) StartFlow(ctx context.Context, actor string, req flow.StartRequest) (*flow.Flow, error) {
	if err := e.checker.CheckAccess(ctx, actor, authz.ActionStartFlow, req.ClientID); err != nil {
		return nil, err
	}
	if req.Creator == "" {
		req.Creator = actor
	}
	return e.machine.Start(ctx, req)
}

// CancelFlow force-terminates a flow on the operator's behalf. The flow
// reports its terminal state on the next read even while buffered results
// are still draining.
func (e *Engine) CancelFlow(ctx context.Context, actor, flowID, reason string) (*flow.Flow, error) {
	if err := e.checker.CheckAccess(ctx, actor, authz.ActionCancelFlow, flowID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by " + actor
	}
	return e.machine.Fail(ctx, flowID, reason)
}

// GetFlow reads flow state without mutating it.
func (e *Engine) GetFlow(ctx context.Context, flowID string) (*flow.Flow, error) {
	return e.machine.Get(ctx, flowID)
}

// ListFlows returns all stored flows. Pagination and filtering live in the
// listing layer above the engine.
func (e *Engine) ListFlows(ctx context.Context) ([]*flow.Flow, error) {
	return e.stores.Flows.List(ctx)
}

// AttachOutputPlugin binds a plugin instance to a flow's or hunt's result
// stream after validating its arguments.
func (e *Engine) AttachOutputPlugin(ctx context.Context, actor, ownerKey, pluginName string, args json.RawMessage) (*outputplugin.Descriptor, error) {
	if err := e.checker.CheckAccess(ctx, actor, authz.ActionAttachPlugin, ownerKey); err != nil {
		return nil, err
	}
	return e.runtime.Attach(ctx, ownerKey, pluginName, args)
}

// ListOutputPluginStatus reads a plugin instance's append-only batch log.
func (e *Engine) ListOutputPluginStatus(ctx context.Context, pluginInstanceID string) ([]*outputplugin.BatchStatus, error) {
	return e.runtime.ListStatus(ctx, pluginInstanceID)
}

// CreateCronJob validates and persists a new job. The job's flow type must
// be registered so a misconfigured job fails here, not at its first tick.
func (e *Engine) CreateCronJob(ctx context.Context, actor string, job *cron.Job) (*cron.Job, error) {
	if err := e.checker.CheckAccess(ctx, actor, authz.ActionMutateCron, job.ID); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = cron.JobEnabled
	}
	now := e.clock.Now()
	job.Creator = actor
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := e.machine.ValidateStartRequest(job.FlowName, job.Args); err != nil {
		return nil, err
	}
	if err := e.stores.Cron.Create(ctx, job); err != nil {
		return nil, err
	}
	e.auditCron(ctx, actor, job.ID, "created")
	return job, nil
}

// EnableCronJob makes the job eligible for scheduling again.
func (e *Engine) EnableCronJob(ctx context.Context, actor, jobID string) error {
	return e.setCronState(ctx, actor, jobID, cron.JobEnabled)
}

// DisableCronJob stops future scheduling. Runs already started keep going.
func (e *Engine) DisableCronJob(ctx context.Context, actor, jobID string) error {
	return e.setCronState(ctx, actor, jobID, cron.JobDisabled)
}

// GetCronJob reads a job without mutating it.
func (e *Engine) GetCronJob(ctx context.Context, jobID string) (*cron.Job, error) {
	return e.stores.Cron.Get(ctx, jobID)
}

// ListCronJobs returns all stored jobs.
func (e *Engine) ListCronJobs(ctx context.Context) ([]*cron.Job, error) {
	return e.stores.Cron.List(ctx)
}

func (e *Engine) setCronState(ctx context.Context, actor, jobID string, state cron.JobState) error {
	if err := e.checker.CheckAccess(ctx, actor, authz.ActionMutateCron, jobID); err != nil {
		return err
	}
	_, err := e.stores.Cron.Update(ctx, jobID, func(j *cron.Job) error {
		j.State = state
		j.UpdatedAt = e.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	e.auditCron(ctx, actor, jobID, string(state))
	return nil
}

func (e *Engine) auditTerminal(ctx context.Context, f *flow.Flow) {
	event := audit.Event{
		Type:      audit.EventFlowTerminal,
		EntityID:  f.ID,
		Summary:   string(f.State),
		Timestamp: e.clock.Now(),
	}
	if f.ErrorMessage != "" {
		event.Summary += ": " + f.ErrorMessage
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Error("audit publish failed", "event", string(event.Type), "flow_id", f.ID, "error", err)
	}
}

func (e *Engine) auditStatus(ctx context.Context, status *outputplugin.BatchStatus) {
	details, _ := json.Marshal(status)
	event := audit.Event{
		Type:      audit.EventBatchStatus,
		EntityID:  status.PluginInstanceID,
		Summary:   string(status.Status),
		Details:   details,
		Timestamp: e.clock.Now(),
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Error("audit publish failed", "event", string(event.Type), "instance_id", status.PluginInstanceID, "error", err)
	}
}

func (e *Engine) auditCron(ctx context.Context, actor, jobID, summary string) {
	event := audit.Event{
		Type:      audit.EventCronMutation,
		Actor:     actor,
		EntityID:  jobID,
		Summary:   summary,
		Timestamp: e.clock.Now(),
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Error("audit publish failed", "event", string(event.Type), "job_id", jobID, "error", err)
	}
}
