package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/integration"
	"github.com/conduitflow/conduit/queue"
	queuememory "github.com/conduitflow/conduit/queue/memory"
	"github.com/conduitflow/conduit/store/credentials"
	credmemory "github.com/conduitflow/conduit/store/credentials/memory"
	eventsmemory "github.com/conduitflow/conduit/store/events/memory"
	procmemory "github.com/conduitflow/conduit/store/processed/memory"
	"github.com/conduitflow/conduit/store/runs"
	runsmemory "github.com/conduitflow/conduit/store/runs/memory"
	"github.com/conduitflow/conduit/store/users"
	usersmemory "github.com/conduitflow/conduit/store/users/memory"
	wfmemory "github.com/conduitflow/conduit/store/workflows/memory"
	"github.com/conduitflow/conduit/workflow"
	"github.com/conduitflow/conduit/workflow/interp"
)

type fakeAdapter struct {
	mu      sync.Mutex
	name    string
	replies map[string]any
	errs    map[string]error
	calls   int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(_ context.Context, _, method string, _ map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	return f.replies[method], nil
}

type harness struct {
	exec      *Executor
	queue     *queuememory.Queue
	cancelled *queuememory.CancelSet
	workflows *wfmemory.Store
	runs      *runsmemory.Store
	processed *procmemory.Store
	sleeps    []time.Duration
}

func newHarness(t *testing.T, slack *fakeAdapter, opts func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	usersStore := usersmemory.New()
	require.NoError(t, usersStore.Save(ctx, users.User{ID: "u1", Email: "u1@example.com"}))

	creds := credmemory.New()
	require.NoError(t, creds.Save(ctx, credentials.Credential{
		UserID: "u1", App: "slack", AccessToken: "tok",
	}))
	events := eventlog.New(eventsmemory.New())
	d := integration.New(integration.Options{Credentials: creds, Events: events})
	d.Register(slack)

	h := &harness{
		queue:     queuememory.NewQueue(),
		cancelled: queuememory.NewCancelSet(),
		workflows: wfmemory.New(),
		runs:      runsmemory.New(),
		processed: procmemory.New(),
	}
	o := Options{
		Queue:     h.queue,
		Cancelled: h.cancelled,
		Workflows: h.workflows,
		Users:     usersStore,
		Runs:      h.runs,
		Processed: h.processed,
		Interp:    interp.New(d, events),
		Events:    events,
	}
	if opts != nil {
		opts(&o)
	}
	h.exec = New(o)
	// Record backoffs instead of sleeping through them.
	h.exec.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func saveWorkflow(t *testing.T, h *harness, active bool) *workflow.Workflow {
	t.Helper()
	wf := &workflow.Workflow{
		ID: "wf1", UserID: "u1", Name: "notify",
		Active:       active,
		PollInterval: time.Minute,
		Steps: []workflow.Step{
			{ID: "1", Type: workflow.StepTrigger, App: "gmail", TriggerID: "new_email", Next: "2"},
			{ID: "2", Type: workflow.StepAction, App: "slack", ActionID: "send_channel_message", Config: map[string]any{
				"channel": "C1", "message": "{{trigger.subject}}",
			}},
		},
	}
	require.NoError(t, h.workflows.Create(context.Background(), wf))
	return wf
}

func emailJob(attempts int) queue.Job {
	return queue.Job{
		ID:         "j1",
		WorkflowID: "wf1",
		UserID:     "u1",
		Attempts:   attempts,
		TriggerData: map[string]any{
			"data":         map[string]any{"trigger": map[string]any{"subject": "hello"}},
			"external_id":  "m1",
			"trigger_type": "new_email",
		},
	}
}

func delivery(job queue.Job) queue.Delivery {
	return queue.NewDelivery(job, func(context.Context) error { return nil })
}

func pendingJobs(t *testing.T, h *harness) []queue.Job {
	t.Helper()
	jobs, err := h.queue.Subscribe(context.Background())
	require.NoError(t, err)
	var out []queue.Job
	for {
		select {
		case d := <-jobs:
			out = append(out, d.Job)
		default:
			return out
		}
	}
}

func TestHandleSuccess(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{name: "slack", replies: map[string]any{"postMessage": map[string]any{"ts": "1.2"}}}
	h := newHarness(t, slack, nil)
	saveWorkflow(t, h, true)

	h.exec.Handle(context.Background(), delivery(emailJob(0)))

	rows, err := h.runs.ListByWorkflow(context.Background(), "wf1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, runs.StatusSuccess, rows[0].Status)
	assert.Equal(t, 0, rows[0].RetryCount)
	assert.Len(t, rows[0].ExecutionLog, 1)
	assert.False(t, rows[0].FinishedAt.IsZero())

	seen, err := h.processed.Seen(context.Background(), "wf1", "new_email", "m1")
	require.NoError(t, err)
	assert.True(t, seen, "success marks the occurrence processed")
	assert.Empty(t, pendingJobs(t, h))
}

func TestHandleRetryableFailureReenqueues(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{
		name: "slack",
		errs: map[string]error{"postMessage": integration.E(integration.KindTransient, "slack", "503")},
	}
	h := newHarness(t, slack, nil)
	saveWorkflow(t, h, true)

	h.exec.Handle(context.Background(), delivery(emailJob(0)))

	rows, err := h.runs.ListByWorkflow(context.Background(), "wf1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, runs.StatusFailed, rows[0].Status)

	next := pendingJobs(t, h)
	require.Len(t, next, 1)
	assert.Equal(t, 1, next[0].Attempts)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)

	seen, err := h.processed.Seen(context.Background(), "wf1", "new_email", "m1")
	require.NoError(t, err)
	assert.False(t, seen, "a retryable failure leaves the occurrence unprocessed")
}

func TestHandleRetryBackoffDoubles(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{
		name: "slack",
		errs: map[string]error{"postMessage": integration.E(integration.KindTransient, "slack", "503")},
	}
	h := newHarness(t, slack, nil)
	saveWorkflow(t, h, true)

	h.exec.Handle(context.Background(), delivery(emailJob(1)))

	next := pendingJobs(t, h)
	require.Len(t, next, 1)
	assert.Equal(t, 2, next[0].Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.sleeps)
}

func TestHandleExhaustedAttemptsStop(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{
		name: "slack",
		errs: map[string]error{"postMessage": integration.E(integration.KindTransient, "slack", "503")},
	}
	h := newHarness(t, slack, nil)
	saveWorkflow(t, h, true)

	// Third execution of three: no retry is left.
	h.exec.Handle(context.Background(), delivery(emailJob(2)))

	assert.Empty(t, pendingJobs(t, h))
	rows, err := h.runs.ListByWorkflow(context.Background(), "wf1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].RetryCount)

	seen, err := h.processed.Seen(context.Background(), "wf1", "new_email", "m1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestHandleConfigFailureIsTerminal(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{name: "slack"}
	h := newHarness(t, slack, nil)
	wf := &workflow.Workflow{
		ID: "wf1", UserID: "u1", Name: "broken", Active: true,
		Steps: []workflow.Step{
			{ID: "1", Type: workflow.StepTrigger, App: "gmail", TriggerID: "new_email", Next: "2"},
			{ID: "2", Type: workflow.StepAction, App: "slack", ActionID: "send_channel_message", Config: map[string]any{
				"message": "no channel",
			}},
		},
	}
	require.NoError(t, h.workflows.Create(context.Background(), wf))

	h.exec.Handle(context.Background(), delivery(emailJob(0)))

	rows, err := h.runs.ListByWorkflow(context.Background(), "wf1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, runs.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Error, "channel")
	assert.Empty(t, pendingJobs(t, h), "a config failure never retries")
	assert.Zero(t, slack.calls)
}

func TestHandleMarkFailedProcessedKnob(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{
		name: "slack",
		errs: map[string]error{"postMessage": integration.E(integration.KindInvalidRequest, "slack", "bad channel")},
	}
	h := newHarness(t, slack, func(o *Options) { o.MarkFailedProcessed = true })
	saveWorkflow(t, h, true)

	h.exec.Handle(context.Background(), delivery(emailJob(0)))

	seen, err := h.processed.Seen(context.Background(), "wf1", "new_email", "m1")
	require.NoError(t, err)
	assert.True(t, seen, "the knob records terminally failed occurrences")
	assert.Empty(t, pendingJobs(t, h))
}

func TestHandleDropsCancelledWorkflow(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{name: "slack"}
	h := newHarness(t, slack, nil)
	saveWorkflow(t, h, true)
	require.NoError(t, h.cancelled.Add(context.Background(), "wf1"))

	h.exec.Handle(context.Background(), delivery(emailJob(0)))

	rows, err := h.runs.ListByWorkflow(context.Background(), "wf1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows, "cancelled jobs leave no run row")
	assert.Zero(t, slack.calls)
}

func TestHandleDropsDeletedWorkflow(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{name: "slack"}
	h := newHarness(t, slack, nil)

	h.exec.Handle(context.Background(), delivery(emailJob(0)))

	assert.Empty(t, pendingJobs(t, h), "a deleted workflow is not a retryable condition")
	assert.Zero(t, slack.calls)
}

func TestHandleDropsInactiveWorkflow(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{name: "slack"}
	h := newHarness(t, slack, nil)
	saveWorkflow(t, h, false)

	h.exec.Handle(context.Background(), delivery(emailJob(0)))

	rows, err := h.runs.ListByWorkflow(context.Background(), "wf1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, slack.calls)
}

func TestRunDrainsQueue(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{name: "slack", replies: map[string]any{"postMessage": map[string]any{"ts": "1.2"}}}
	h := newHarness(t, slack, func(o *Options) { o.Concurrency = 2 })
	saveWorkflow(t, h, true)

	for _, ext := range []string{"m1", "m2", "m3"} {
		job := emailJob(0)
		job.ID = "j" + ext
		job.TriggerData["external_id"] = ext
		require.NoError(t, h.queue.Enqueue(context.Background(), job))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.exec.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		rows, err := h.runs.ListByWorkflow(context.Background(), "wf1", 0)
		return err == nil && len(rows) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestTriggerPayloadUnwrapsSchedulerShape(t *testing.T) {
	t.Parallel()
	job := emailJob(0)
	assert.Equal(t, map[string]any{"trigger": map[string]any{"subject": "hello"}}, triggerPayload(job))

	flat := queue.Job{TriggerData: map[string]any{"subject": "direct"}}
	assert.Equal(t, map[string]any{"subject": "direct"}, triggerPayload(flat))

	assert.NotNil(t, triggerPayload(queue.Job{}))
}
