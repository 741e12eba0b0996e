package resultstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/metric"
	"github.com/thinrope/grr/pkg/clock"
)

const (
	defaultMaxBatchSize  = 100
	defaultFlushInterval = 30 * time.Second
	defaultTickInterval  = time.Second
)

// collector buffers results for one owner key.
type collector struct {
	pending   []flow.Result
	lastFlush time.Time
}

// Manager implements flow.ResultSink. It maintains one buffer per owner key
// and flushes completed batches to the handler. Appends for one owner are
// serialized; distinct owners never contend.
type Manager struct {
	handler       Handler
	maxBatchSize  int
	flushInterval time.Duration
	tickInterval  time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metric.Metrics

	mu         sync.Mutex
	collectors map[string]*collector
	nextIndex  map[string]uint64 // survives collector removal

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxBatchSize sets the item-count flush threshold.
func WithMaxBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBatchSize = n
		}
	}
}

// WithFlushInterval sets the staleness threshold for partial batches.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.flushInterval = d
		}
	}
}

// WithTickInterval sets how often the background loop checks for stale
// batches. Only relevant when Start is used.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tickInterval = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires flush counters.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager delivering batches to handler.
func NewManager(handler Handler, opts ...Option) *Manager {
	m := &Manager{
		handler:       handler,
		maxBatchSize:  defaultMaxBatchSize,
		flushInterval: defaultFlushInterval,
		tickInterval:  defaultTickInterval,
		clock:         clock.Real{},
		logger:        slog.Default(),
		collectors:    make(map[string]*collector),
		nextIndex:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append buffers results for the owner, flushing full batches immediately.
func (m *Manager) Append(ctx context.Context, ownerKey string, results []flow.Result) error {
	if len(results) == 0 {
		return nil
	}

	var ready []Batch
	m.mu.Lock()
	c, ok := m.collectors[ownerKey]
	if !ok {
		c = &collector{lastFlush: m.clock.Now()}
		m.collectors[ownerKey] = c
	}
	c.pending = append(c.pending, results...)
	for len(c.pending) >= m.maxBatchSize {
		ready = append(ready, m.snapshotLocked(ownerKey, c, m.maxBatchSize, FlushSize))
	}
	m.mu.Unlock()

	for _, batch := range ready {
		m.deliver(ctx, batch)
	}
	return nil
}

// Finalize flushes any partial batch for the owner and releases its buffer.
// The owner's batch index sequence is retained so a later stream for the
// same key cannot reuse indices.
func (m *Manager) Finalize(ctx context.Context, ownerKey string) error {
	m.mu.Lock()
	c, ok := m.collectors[ownerKey]
	var batch Batch
	var have bool
	if ok {
		if len(c.pending) > 0 {
			batch = m.snapshotLocked(ownerKey, c, len(c.pending), FlushFinal)
			have = true
		}
		delete(m.collectors, ownerKey)
	}
	m.mu.Unlock()

	if have {
		m.deliver(ctx, batch)
	}
	return nil
}

// FlushExpired flushes every partial batch whose time since last flush has
// reached the flush interval. The background loop calls this each tick;
// tests call it directly with a fake clock.
func (m *Manager) FlushExpired(ctx context.Context) {
	now := m.clock.Now()

	var ready []Batch
	m.mu.Lock()
	for ownerKey, c := range m.collectors {
		if len(c.pending) == 0 {
			continue
		}
		if now.Sub(c.lastFlush) >= m.flushInterval {
			ready = append(ready, m.snapshotLocked(ownerKey, c, len(c.pending), FlushInterval))
		}
	}
	m.mu.Unlock()

	for _, batch := range ready {
		m.deliver(ctx, batch)
	}
}

// snapshotLocked cuts up to n results into a batch and assigns the owner's
// next index. Caller holds m.mu.
func (m *Manager) snapshotLocked(ownerKey string, c *collector, n int, reason FlushReason) Batch {
	results := make([]flow.Result, n)
	copy(results, c.pending[:n])
	c.pending = append(c.pending[:0], c.pending[n:]...)
	c.lastFlush = m.clock.Now()

	index := m.nextIndex[ownerKey]
	m.nextIndex[ownerKey] = index + 1

	return Batch{OwnerKey: ownerKey, Index: index, Results: results, Reason: reason}
}

func (m *Manager) deliver(ctx context.Context, batch Batch) {
	if m.metrics != nil {
		m.metrics.BatchesFlushed.WithLabelValues(string(batch.Reason)).Inc()
	}
	m.logger.Debug("batch flushed",
		"owner", batch.OwnerKey,
		"index", batch.Index,
		"size", len(batch.Results),
		"reason", string(batch.Reason))
	m.handler(ctx, batch)
}

// Start launches the background staleness loop.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.FlushExpired(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the background loop and flushes all remaining partial batches.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.started {
		return nil
	}
	m.cancel()
	<-m.done
	m.started = false

	m.mu.Lock()
	owners := make([]string, 0, len(m.collectors))
	for ownerKey := range m.collectors {
		owners = append(owners, ownerKey)
	}
	m.mu.Unlock()
	for _, ownerKey := range owners {
		if err := m.Finalize(ctx, ownerKey); err != nil {
			m.logger.Error("final flush on stop failed", "owner", ownerKey, "error", err)
		}
	}
	return nil
}

// PendingOwners returns owner keys with buffered results. Diagnostic only.
func (m *Manager) PendingOwners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owners []string
	for ownerKey, c := range m.collectors {
		if len(c.pending) > 0 {
			owners = append(owners, ownerKey)
		}
	}
	return owners
}
