// Package worker provides a generic, thread-safe worker pool for concurrent
// task processing.
//
// The pool manages a fixed number of goroutines that process work items from
// a bounded channel. Submit is non-blocking: a full queue returns
// ErrQueueFull immediately rather than stalling the caller. The output
// plugin runtime relies on this property so that result ingestion hands off
// flushed batches without ever waiting on plugin processing.
//
// Statistics are always tracked with atomic counters; Prometheus metrics are
// optional via WithMetricsRegistry.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, b Batch) error {
//	    return runtime.ProcessBatch(ctx, b)
//	})
//	pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Worker count is fixed at creation; there is no dynamic scaling, priority
// ordering, or per-item cancellation. Per-work-item timeouts belong in the
// processor function.
package worker
