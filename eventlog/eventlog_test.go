package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitflow/conduit/store/events"
	eventsmemory "github.com/conduitflow/conduit/store/events/memory"
	"github.com/conduitflow/conduit/store/processed"
	procmemory "github.com/conduitflow/conduit/store/processed/memory"
)

func TestRecordAndList(t *testing.T) {
	t.Parallel()
	store := eventsmemory.New()
	l := New(store)
	ctx := context.Background()

	l.Record(ctx, events.TriggerFired, map[string]any{"trigger": "new_email"}, Refs{
		UserID: "u1", WorkflowID: "wf1",
	})
	l.Record(ctx, events.ActionCompleted, map[string]any{"action": "send_dm"}, Refs{
		UserID: "u1", WorkflowID: "wf1", RunID: "r1",
	})

	got, err := l.ListByWorkflow(ctx, "wf1", nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byRun, err := l.ListByRun(ctx, "r1", nil, 0)
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, events.ActionCompleted, byRun[0].Type)

	filtered, err := l.ListByWorkflow(ctx, "wf1", []events.Type{events.TriggerFired}, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, events.TriggerFired, filtered[0].Type)
}

func TestListLimitClamping(t *testing.T) {
	t.Parallel()
	store := eventsmemory.New()
	l := New(store)
	ctx := context.Background()
	for i := 0; i < MaxLimit+50; i++ {
		l.Record(ctx, events.TriggerChecked, nil, Refs{WorkflowID: "wf1"})
	}

	got, err := l.ListByWorkflow(ctx, "wf1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultLimit, "a zero limit means the default")

	got, err = l.ListByWorkflow(ctx, "wf1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 10)

	got, err = l.ListByWorkflow(ctx, "wf1", nil, MaxLimit+1000)
	require.NoError(t, err)
	assert.Len(t, got, MaxLimit, "limits above the cap are clamped")
}

type failingStore struct {
	events.Store
}

func (failingStore) Append(context.Context, *events.Entry) error {
	return errors.New("mongo is down")
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	t.Parallel()
	l := New(failingStore{})
	// Must not panic or surface the error.
	l.Record(context.Background(), events.TriggerFired, nil, Refs{WorkflowID: "wf1"})
}

func TestReaperSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eventsStore := eventsmemory.New()
	procStore := procmemory.New()

	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	require.NoError(t, eventsStore.Append(ctx, &events.Entry{Type: events.TriggerFired, WorkflowID: "wf1", CreatedAt: old}))
	require.NoError(t, eventsStore.Append(ctx, &events.Entry{Type: events.TriggerFired, WorkflowID: "wf1", CreatedAt: recent}))
	require.NoError(t, procStore.Record(ctx, processed.Entry{WorkflowID: "wf1", TriggerType: "new_email", ExternalID: "old", ProcessedAt: old}))
	require.NoError(t, procStore.Record(ctx, processed.Entry{WorkflowID: "wf1", TriggerType: "new_email", ExternalID: "new", ProcessedAt: recent}))

	r := NewReaper(eventsStore, procStore, DefaultRetention)
	r.now = func() time.Time { return now }
	r.Sweep(ctx)

	kept, err := eventsStore.ListByWorkflow(ctx, "wf1", events.Query{})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, recent, kept[0].CreatedAt)

	ids, err := procStore.ListIDs(ctx, "wf1", "new_email")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)
}

func TestReaperRunSweepsOnTicks(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	eventsStore := eventsmemory.New()
	require.NoError(t, eventsStore.Append(ctx, &events.Entry{
		Type: events.TriggerFired, WorkflowID: "wf1", CreatedAt: time.Now().Add(-60 * 24 * time.Hour),
	}))

	r := NewReaper(eventsStore, procmemory.New(), DefaultRetention)
	ticks := make(chan time.Time, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, ticks)
	}()

	ticks <- time.Now()
	require.Eventually(t, func() bool {
		kept, err := eventsStore.ListByWorkflow(ctx, "wf1", events.Query{})
		return err == nil && len(kept) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
