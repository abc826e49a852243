package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/integration"
	queuememory "github.com/conduitflow/conduit/queue/memory"
	"github.com/conduitflow/conduit/store/credentials"
	credmemory "github.com/conduitflow/conduit/store/credentials/memory"
	"github.com/conduitflow/conduit/store/events"
	eventsmemory "github.com/conduitflow/conduit/store/events/memory"
	"github.com/conduitflow/conduit/store/processed"
	procmemory "github.com/conduitflow/conduit/store/processed/memory"
	"github.com/conduitflow/conduit/store/users"
	usersmemory "github.com/conduitflow/conduit/store/users/memory"
	wfmemory "github.com/conduitflow/conduit/store/workflows/memory"
	"github.com/conduitflow/conduit/trigger"
	"github.com/conduitflow/conduit/workflow"
)

type fakeAdapter struct {
	mu      sync.Mutex
	name    string
	replies map[string]any
	calls   int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(_ context.Context, _, method string, _ map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.replies[method], nil
}

type harness struct {
	sched     *Scheduler
	workflows *wfmemory.Store
	processed processed.Store
	queue     *queuememory.Queue
	events    *eventsmemory.Store
}

func newHarness(t *testing.T, gmail *fakeAdapter, oldestFirst bool) *harness {
	t.Helper()
	ctx := context.Background()

	usersStore := usersmemory.New()
	require.NoError(t, usersStore.Save(ctx, users.User{ID: "u1", Email: "u1@example.com"}))

	creds := credmemory.New()
	require.NoError(t, creds.Save(ctx, credentials.Credential{
		UserID: "u1", App: "gmail", AccessToken: "tok",
	}))
	d := integration.New(integration.Options{Credentials: creds})
	d.Register(gmail)

	h := &harness{
		workflows: wfmemory.New(),
		processed: procmemory.New(),
		queue:     queuememory.NewQueue(),
		events:    eventsmemory.New(),
	}
	h.sched = New(Options{
		Workflows:       h.workflows,
		Users:           usersStore,
		Processed:       h.processed,
		Detector:        trigger.New(d),
		Queue:           h.queue,
		Events:          eventlog.New(h.events),
		PickOldestFirst: oldestFirst,
	})
	return h
}

func emailWorkflow(t *testing.T, h *harness, active bool) *workflow.Workflow {
	t.Helper()
	wf := &workflow.Workflow{
		ID: "wf1", UserID: "u1", Name: "inbox watcher",
		Active:       active,
		PollInterval: time.Minute,
		Steps: []workflow.Step{
			{ID: "1", Type: workflow.StepTrigger, App: "gmail", TriggerID: "new_email", Next: "2"},
			{ID: "2", Type: workflow.StepAction, App: "slack", ActionID: "send_channel_message", Config: map[string]any{
				"channel": "C1", "message": "{{subject}}",
			}},
		},
	}
	require.NoError(t, h.workflows.Create(context.Background(), wf))
	return wf
}

func TestDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		wf   workflow.Workflow
		want bool
	}{
		{"never polled", workflow.Workflow{PollInterval: time.Minute}, true},
		{"interval elapsed", workflow.Workflow{PollInterval: time.Minute, LastRunAt: now.Add(-2 * time.Minute)}, true},
		{"exactly on the interval", workflow.Workflow{PollInterval: time.Minute, LastRunAt: now.Add(-time.Minute)}, true},
		{"interval pending", workflow.Workflow{PollInterval: time.Minute, LastRunAt: now.Add(-30 * time.Second)}, false},
		{"zero interval never polls", workflow.Workflow{LastRunAt: now.Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wf := tc.wf
			assert.Equal(t, tc.want, Due(&wf, now))
		})
	}
}

func TestSweepEnqueuesOneJob(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{
		name: "gmail",
		replies: map[string]any{
			"listMessages": []map[string]any{
				{"id": "m1", "subject": "old", "date": "2026-08-20T10:00:00Z"},
				{"id": "m2", "subject": "new", "date": "2026-08-21T10:00:00Z"},
			},
		},
	}
	h := newHarness(t, gmail, false)
	emailWorkflow(t, h, true)

	h.sched.Sweep(context.Background())

	jobs, err := h.queue.Subscribe(context.Background())
	require.NoError(t, err)
	select {
	case d := <-jobs:
		assert.Equal(t, "wf1", d.Job.WorkflowID)
		assert.Equal(t, "u1", d.Job.UserID)
		assert.Equal(t, "m2", d.Job.TriggerData["external_id"], "newest candidate wins by default")
		assert.Equal(t, "new_email", d.Job.TriggerData["trigger_type"])
		data, ok := d.Job.TriggerData["data"].(map[string]any)
		require.True(t, ok)
		msg, ok := data["trigger"].(map[string]any)
		require.True(t, ok, "the job payload keeps the trigger-scoped shape templates address")
		assert.Equal(t, "new", msg["subject"])
	default:
		t.Fatal("expected one job")
	}
	select {
	case <-jobs:
		t.Fatal("a sweep enqueues at most one job per workflow")
	default:
	}

	fired, err := h.events.ListByWorkflow(context.Background(), "wf1", events.Query{Types: []events.Type{events.TriggerFired}})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "m2", fired[0].Details["external_id"])
}

func TestSweepAdvancesPollClock(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{name: "gmail"}
	h := newHarness(t, gmail, false)
	emailWorkflow(t, h, true)

	h.sched.Sweep(context.Background())

	wf, err := h.workflows.Load(context.Background(), "wf1")
	require.NoError(t, err)
	assert.False(t, wf.LastRunAt.IsZero(), "the clock advances even when nothing fires")

	// Not due again until the interval elapses.
	h.sched.Sweep(context.Background())
	assert.Equal(t, 1, gmail.calls)
}

func TestSweepSkipsInactiveWorkflows(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{name: "gmail"}
	h := newHarness(t, gmail, false)
	emailWorkflow(t, h, false)

	h.sched.Sweep(context.Background())
	assert.Zero(t, gmail.calls)
}

func TestSweepDeduplicatesProcessedIDs(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{
		name: "gmail",
		replies: map[string]any{
			"listMessages": []map[string]any{
				{"id": "m1", "subject": "seen", "date": "2026-08-21T09:00:00Z"},
			},
		},
	}
	h := newHarness(t, gmail, false)
	emailWorkflow(t, h, true)
	require.NoError(t, h.processed.Record(context.Background(), processed.Entry{
		WorkflowID: "wf1", TriggerType: "new_email", ExternalID: "m1",
	}))

	h.sched.Sweep(context.Background())

	jobs, err := h.queue.Subscribe(context.Background())
	require.NoError(t, err)
	select {
	case <-jobs:
		t.Fatal("already-processed occurrences never fire")
	default:
	}

	checked, err := h.events.ListByWorkflow(context.Background(), "wf1", events.Query{Types: []events.Type{events.TriggerChecked}})
	require.NoError(t, err)
	require.Len(t, checked, 1, "the poll itself is still logged")
	assert.Equal(t, 1, checked[0].Details["candidates"])
}

func TestSweepPicksOldestFirst(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{
		name: "gmail",
		replies: map[string]any{
			"listMessages": []map[string]any{
				{"id": "m1", "subject": "old", "date": "2026-08-20T10:00:00Z"},
				{"id": "m2", "subject": "new", "date": "2026-08-21T10:00:00Z"},
			},
		},
	}
	h := newHarness(t, gmail, true)
	emailWorkflow(t, h, true)

	h.sched.Sweep(context.Background())

	jobs, err := h.queue.Subscribe(context.Background())
	require.NoError(t, err)
	select {
	case d := <-jobs:
		assert.Equal(t, "m1", d.Job.TriggerData["external_id"])
	default:
		t.Fatal("expected one job")
	}
}

func TestRunSweepsOnTicks(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{name: "gmail"}
	h := newHarness(t, gmail, false)
	emailWorkflow(t, h, true)

	ticks := make(chan time.Time, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sched.Run(ctx, ticks)
	}()

	ticks <- time.Now()
	require.Eventually(t, func() bool {
		gmail.mu.Lock()
		defer gmail.mu.Unlock()
		return gmail.calls == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
