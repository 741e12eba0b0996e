// Package resultstream accumulates results produced by running flows into
// bounded batches and hands completed batches to a downstream processor.
// Batches flush on a size threshold, a staleness interval, or a final flush
// when the owning flow reaches a terminal state. Batch indices are strictly
// increasing per owner and are never reused.
package resultstream

import (
	"context"

	"github.com/thinrope/grr/flow"
)

// FlushReason records why a batch left the buffer. The values double as
// metric label values.
type FlushReason string

const (
	FlushSize     FlushReason = "size"
	FlushInterval FlushReason = "interval"
	FlushFinal    FlushReason = "final"
)

// Batch is a bounded group of results flushed together. Index is zero-based
// and strictly increasing per owner.
type Batch struct {
	OwnerKey string
	Index    uint64
	Results  []flow.Result
	Reason   FlushReason
}

// Handler receives flushed batches. The manager calls it outside its locks;
// implementations hand off to a worker pool rather than processing inline so
// ingestion never stalls on plugin work.
type Handler func(ctx context.Context, batch Batch)
