package outputplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/metric"
	"github.com/thinrope/grr/pkg/clock"
	"github.com/thinrope/grr/resultstream"
)

// StatusHook observes every batch status after it has been persisted.
// Used for audit publishing.
type StatusHook func(ctx context.Context, status *BatchStatus)

// Runtime holds the ordered plugin attachments per owner and processes
// flushed batches through them. Plugin failures are recorded as ERROR
// status records, never rethrown, and never retried for that batch.
type Runtime struct {
	registry *Registry
	statuses StatusStore
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu          sync.RWMutex
	attachments map[string][]*Descriptor

	hookMu sync.RWMutex
	hooks  []StatusHook
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) RuntimeOption {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics wires per-plugin batch counters.
func WithMetrics(metrics *metric.Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = metrics }
}

// NewRuntime creates a Runtime over the given registry and status store.
func NewRuntime(registry *Registry, statuses StatusStore, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		registry:    registry,
		statuses:    statuses,
		clock:       clock.Real{},
		logger:      slog.Default(),
		attachments: make(map[string][]*Descriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStatus registers a hook observing persisted batch statuses.
func (r *Runtime) OnStatus(hook StatusHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hookMu.Unlock()
}

// Attach validates args against the named plugin type's schema and binds a
// new plugin instance to the owner. Attachment fails atomically on unknown
// plugin names or schema violations; no status records exist for a failed
// attachment.
func (r *Runtime) Attach(ctx context.Context, ownerKey, pluginName string, args json.RawMessage) (*Descriptor, error) {
	if err := r.registry.ValidateArgs(pluginName, args); err != nil {
		return nil, errors.WrapInvalid(err, "outputplugin", "Attach", "argument validation")
	}

	desc := &Descriptor{
		ID:         uuid.NewString(),
		PluginName: pluginName,
		OwnerKey:   ownerKey,
		Args:       args,
		AttachedAt: r.clock.Now(),
	}
	r.mu.Lock()
	r.attachments[ownerKey] = append(r.attachments[ownerKey], desc)
	r.mu.Unlock()

	r.logger.Info("output plugin attached",
		"plugin", pluginName,
		"instance_id", desc.ID,
		"owner", ownerKey)
	return desc, nil
}

// Attached returns the ordered descriptors bound to the owner.
func (r *Runtime) Attached(ownerKey string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Descriptor(nil), r.attachments[ownerKey]...)
}

// ProcessBatch applies every plugin attached to the batch's owner. Each
// plugin instance runs independently; one instance's failure or panic does
// not affect the others. A status record is written per instance per batch
// regardless of outcome, so every batch is durably accounted for.
func (r *Runtime) ProcessBatch(ctx context.Context, batch resultstream.Batch) {
	r.mu.RLock()
	descs := append([]*Descriptor(nil), r.attachments[batch.OwnerKey]...)
	r.mu.RUnlock()

	for _, desc := range descs {
		summary, err := r.processOne(ctx, desc, batch)

		status := &BatchStatus{
			PluginInstanceID: desc.ID,
			PluginName:       desc.PluginName,
			OwnerKey:         batch.OwnerKey,
			BatchIndex:       batch.Index,
			BatchSize:        len(batch.Results),
			Status:           StatusSuccess,
			Summary:          summary,
			CreatedAt:        r.clock.Now(),
		}
		if err != nil {
			status.Status = StatusError
			status.Summary = err.Error()
			r.logger.Error("output plugin batch failed",
				"plugin", desc.PluginName,
				"instance_id", desc.ID,
				"owner", batch.OwnerKey,
				"batch_index", batch.Index,
				"error", err)
		}

		if serr := r.statuses.Append(ctx, status); serr != nil {
			r.logger.Error("failed to persist batch status",
				"plugin", desc.PluginName,
				"instance_id", desc.ID,
				"batch_index", batch.Index,
				"error", serr)
		}
		if r.metrics != nil {
			r.metrics.PluginBatches.WithLabelValues(desc.PluginName, string(status.Status)).Inc()
		}

		r.hookMu.RLock()
		hooks := append([]StatusHook(nil), r.hooks...)
		r.hookMu.RUnlock()
		for _, hook := range hooks {
			hook(ctx, status)
		}
	}
}

// processOne runs a single plugin instance over the batch, containing
// panics so a misbehaving plugin is accounted for like any other failure.
func (r *Runtime) processOne(ctx context.Context, desc *Descriptor, batch resultstream.Batch) (summary string, err error) {
	plugin, perr := r.registry.Get(desc.PluginName)
	if perr != nil {
		return "", perr
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %q panicked on batch %d: %v", desc.PluginName, batch.Index, rec)
		}
	}()
	return plugin.ProcessBatch(ctx, desc.Args, batch.Results)
}

// ListStatus returns the append-only status log for a plugin instance.
func (r *Runtime) ListStatus(ctx context.Context, pluginInstanceID string) ([]*BatchStatus, error) {
	records, err := r.statuses.List(ctx, pluginInstanceID)
	if err != nil {
		return nil, errors.Wrap(err, "outputplugin", "ListStatus", "load status log")
	}
	return records, nil
}
