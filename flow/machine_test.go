package flow_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/pkg/clock"
	"github.com/thinrope/grr/testutil"
)

const fileFinderSchema = `{
	"type": "object",
	"properties": {
		"paths": {"type": "array", "items": {"type": "string"}, "minItems": 1}
	},
	"required": ["paths"],
	"additionalProperties": false
}`

type recordingSink struct {
	mu        sync.Mutex
	appends   map[string][]flow.Result
	finalized []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{appends: make(map[string][]flow.Result)}
}

func (s *recordingSink) Append(_ context.Context, ownerKey string, results []flow.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends[ownerKey] = append(s.appends[ownerKey], results...)
	return nil
}

func (s *recordingSink) Finalize(_ context.Context, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, ownerKey)
	return nil
}

func newTestMachine(t *testing.T) (*flow.Machine, *testutil.MemoryFlowStore, *recordingSink, *clock.Fake) {
	t.Helper()
	registry := flow.NewRegistry()
	require.NoError(t, registry.Register(flow.Definition{Name: "file_finder", ArgsSchema: fileFinderSchema}))
	require.NoError(t, registry.Register(flow.Definition{Name: "list_processes"}))

	store := testutil.NewMemoryFlowStore()
	sink := newRecordingSink()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := flow.NewMachine(store, registry,
		flow.WithResultSink(sink),
		flow.WithClock(fake))
	return m, store, sink, fake
}

func validStart() flow.StartRequest {
	return flow.StartRequest{
		Name:     "file_finder",
		ClientID: "C.1234",
		Args:     json.RawMessage(`{"paths": ["/etc/passwd"]}`),
		Creator:  "analyst",
	}
}

func TestStartCreatesRunningFlow(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	f, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, flow.StateRunning, f.State)
	assert.Equal(t, "analyst", f.Creator)
	assert.False(t, f.CreatedAt.After(f.LastActiveAt))
}

func TestStartRejectsUnknownType(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	_, err := m.Start(context.Background(), flow.StartRequest{Name: "no_such_flow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownFlowType)
	assert.True(t, errors.IsInvalid(err))
}

func TestStartRejectsSchemaViolation(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	req := validStart()
	req.Args = json.RawMessage(`{"paths": []}`)
	_, err := m.Start(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArgsSchemaViolation)
}

func TestCompleteBlockedByPendingChildren(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	parent, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	child, err := m.SpawnChild(ctx, parent.ID, flow.StartRequest{Name: "list_processes", ClientID: "C.1234"})
	require.NoError(t, err)

	_, err = m.Complete(ctx, parent.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChildrenPending)
	assert.True(t, errors.IsRetryable(err))

	got, err := m.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateRunning, got.State)

	_, err = m.Complete(ctx, child.ID)
	require.NoError(t, err)

	done, err := m.Complete(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateTerminated, done.State)
}

func TestFailPropagatesToChildren(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	parent, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	child, err := m.SpawnChild(ctx, parent.ID, flow.StartRequest{Name: "list_processes"})
	require.NoError(t, err)
	grandchild, err := m.SpawnChild(ctx, child.ID, flow.StartRequest{Name: "list_processes"})
	require.NoError(t, err)

	failed, err := m.Fail(ctx, parent.ID, "operator cancelled")
	require.NoError(t, err)
	assert.Equal(t, flow.StateError, failed.State)
	assert.Equal(t, "operator cancelled", failed.ErrorMessage)

	for _, id := range []string{child.ID, grandchild.ID} {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, flow.StateError, got.State)
	}
}

func TestFailSkipsAlreadyTerminalChildren(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	parent, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	child, err := m.SpawnChild(ctx, parent.ID, flow.StartRequest{Name: "list_processes"})
	require.NoError(t, err)
	_, err = m.Complete(ctx, child.ID)
	require.NoError(t, err)

	_, err = m.Fail(ctx, parent.ID, "cancelled")
	require.NoError(t, err)

	got, err := m.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateTerminated, got.State, "terminal child must keep its own state")
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	f, err := m.Start(ctx, validStart())
	require.NoError(t, err)

	first, err := m.Complete(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateTerminated, first.State)

	// Duplicate delivery of completion and crash signals returns the
	// existing terminal state without changing it.
	again, err := m.Complete(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateTerminated, again.State)

	crashed, err := m.ReportCrash(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateTerminated, crashed.State)

	failed, err := m.Fail(ctx, f.ID, "late cancel")
	require.NoError(t, err)
	assert.Equal(t, flow.StateTerminated, failed.State)
	assert.Empty(t, failed.ErrorMessage)
}

func TestReportCrashPropagates(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	parent, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	child, err := m.SpawnChild(ctx, parent.ID, flow.StartRequest{Name: "list_processes"})
	require.NoError(t, err)

	crashed, err := m.ReportCrash(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateClientCrashed, crashed.State)

	got, err := m.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateClientCrashed, got.State)
}

func TestSpawnChildRequiresRunningParent(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	parent, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	_, err = m.Complete(ctx, parent.ID)
	require.NoError(t, err)

	_, err = m.SpawnChild(ctx, parent.ID, flow.StartRequest{Name: "list_processes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestReportProgressFeedsSinkAndTouchesFlow(t *testing.T) {
	m, _, sink, fake := newTestMachine(t)
	ctx := context.Background()

	f, err := m.Start(ctx, validStart())
	require.NoError(t, err)

	fake.Advance(5 * time.Second)
	results := []flow.Result{
		{Type: "StatEntry", Payload: json.RawMessage(`{"path": "/etc/passwd"}`)},
		{Type: "StatEntry", Payload: json.RawMessage(`{"path": "/etc/shadow"}`)},
	}
	require.NoError(t, m.ReportProgress(ctx, f.ID, results))

	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ResultCount)
	assert.Equal(t, 5*time.Second, got.LastActiveAt.Sub(got.CreatedAt))

	appended := sink.appends["flow/"+f.ID]
	require.Len(t, appended, 2)
	assert.Equal(t, f.ID, appended[0].FlowID)
	assert.Equal(t, "C.1234", appended[0].ClientID)
}

func TestReportProgressDroppedAfterTerminal(t *testing.T) {
	m, _, sink, _ := newTestMachine(t)
	ctx := context.Background()

	f, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	_, err = m.Complete(ctx, f.ID)
	require.NoError(t, err)

	err = m.ReportProgress(ctx, f.ID, []flow.Result{{Type: "StatEntry"}})
	require.NoError(t, err, "late results are ignored, not an error")

	got, err := m.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ResultCount)
	assert.Empty(t, sink.appends["flow/"+f.ID])
}

func TestTerminalFlushAndHooks(t *testing.T) {
	m, _, sink, _ := newTestMachine(t)
	ctx := context.Background()

	var hooked []string
	m.OnTerminal(func(_ context.Context, f *flow.Flow) {
		hooked = append(hooked, f.ID+":"+string(f.State))
	})

	f, err := m.Start(ctx, validStart())
	require.NoError(t, err)
	_, err = m.Complete(ctx, f.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{f.ID + ":" + string(flow.StateTerminated)}, hooked)
	assert.Equal(t, []string{"flow/" + f.ID}, sink.finalized)
}

func TestHuntOwnedFlowSkipsPerFlowFinalize(t *testing.T) {
	m, _, sink, _ := newTestMachine(t)
	ctx := context.Background()

	req := validStart()
	req.HuntID = "H.42"
	f, err := m.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "hunt/H.42", f.OwnerKey())

	_, err = m.Complete(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, sink.finalized)
}
