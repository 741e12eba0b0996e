package resultstream_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/pkg/clock"
	"github.com/thinrope/grr/resultstream"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches []resultstream.Batch
}

func (r *batchRecorder) handle(_ context.Context, b resultstream.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *batchRecorder) all() []resultstream.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resultstream.Batch(nil), r.batches...)
}

func results(n int) []flow.Result {
	out := make([]flow.Result, n)
	for i := range out {
		out[i] = flow.Result{Type: "StatEntry"}
	}
	return out
}

func TestSizeThresholdFlush(t *testing.T) {
	rec := &batchRecorder{}
	m := resultstream.NewManager(rec.handle, resultstream.WithMaxBatchSize(10))
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "flow/f1", results(25)))

	batches := rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, uint64(0), batches[0].Index)
	assert.Equal(t, uint64(1), batches[1].Index)
	assert.Len(t, batches[0].Results, 10)
	assert.Len(t, batches[1].Results, 10)
	assert.Equal(t, resultstream.FlushSize, batches[0].Reason)
	assert.Equal(t, []string{"flow/f1"}, m.PendingOwners(), "5 results remain buffered")
}

func TestFinalFlushDrainsPartialBatch(t *testing.T) {
	rec := &batchRecorder{}
	m := resultstream.NewManager(rec.handle, resultstream.WithMaxBatchSize(10))
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "flow/f1", results(3)))
	require.NoError(t, m.Finalize(ctx, "flow/f1"))

	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Equal(t, resultstream.FlushFinal, batches[0].Reason)
	assert.Len(t, batches[0].Results, 3)
	assert.Empty(t, m.PendingOwners())

	// Finalize with nothing buffered emits no empty batch.
	require.NoError(t, m.Finalize(ctx, "flow/f1"))
	assert.Len(t, rec.all(), 1)
}

func TestIntervalFlush(t *testing.T) {
	rec := &batchRecorder{}
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := resultstream.NewManager(rec.handle,
		resultstream.WithMaxBatchSize(100),
		resultstream.WithFlushInterval(30*time.Second),
		resultstream.WithClock(fake))
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "flow/f1", results(4)))

	m.FlushExpired(ctx)
	assert.Empty(t, rec.all(), "interval not yet reached")

	fake.Advance(30 * time.Second)
	m.FlushExpired(ctx)

	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Equal(t, resultstream.FlushInterval, batches[0].Reason)
	assert.Len(t, batches[0].Results, 4)
}

func TestIndicesSurviveFinalize(t *testing.T) {
	rec := &batchRecorder{}
	m := resultstream.NewManager(rec.handle, resultstream.WithMaxBatchSize(2))
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "hunt/h1", results(2)))
	require.NoError(t, m.Finalize(ctx, "hunt/h1"))
	require.NoError(t, m.Append(ctx, "hunt/h1", results(2)))

	batches := rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, uint64(0), batches[0].Index)
	assert.Equal(t, uint64(1), batches[1].Index, "index sequence continues after finalize")
}

func TestOwnersAreIndependent(t *testing.T) {
	rec := &batchRecorder{}
	m := resultstream.NewManager(rec.handle, resultstream.WithMaxBatchSize(2))
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "flow/a", results(2)))
	require.NoError(t, m.Append(ctx, "flow/b", results(2)))

	byOwner := map[string]uint64{}
	for _, b := range rec.all() {
		byOwner[b.OwnerKey] = b.Index
	}
	assert.Equal(t, map[string]uint64{"flow/a": 0, "flow/b": 0}, byOwner)
}

func TestConcurrentAppendsKeepIndicesStrictlyIncreasing(t *testing.T) {
	rec := &batchRecorder{}
	m := resultstream.NewManager(rec.handle, resultstream.WithMaxBatchSize(5))
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = m.Append(ctx, "flow/f1", results(1))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, m.Finalize(ctx, "flow/f1"))

	batches := rec.all()
	seen := make(map[uint64]bool)
	var total int
	for _, b := range batches {
		require.False(t, seen[b.Index], fmt.Sprintf("index %d reused", b.Index))
		seen[b.Index] = true
		total += len(b.Results)
	}
	assert.Equal(t, 200, total, "no result lost or duplicated")
	for i := 0; i < len(batches); i++ {
		assert.True(t, seen[uint64(i)], "indices have no gaps")
	}
}

func TestStopFlushesRemainders(t *testing.T) {
	rec := &batchRecorder{}
	m := resultstream.NewManager(rec.handle,
		resultstream.WithMaxBatchSize(100),
		resultstream.WithTickInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Append(ctx, "flow/f1", results(7)))
	require.NoError(t, m.Stop(ctx))

	batches := rec.all()
	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	assert.Equal(t, resultstream.FlushFinal, last.Reason)
	assert.Empty(t, m.PendingOwners())
}
