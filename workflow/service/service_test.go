package service

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
	"github.com/conduitflow/conduit/store/runs"
	runsmemory "github.com/conduitflow/conduit/store/runs/memory"
	"github.com/conduitflow/conduit/store/users"
	usersmemory "github.com/conduitflow/conduit/store/users/memory"
	"github.com/conduitflow/conduit/store/workflows"
	wfmemory "github.com/conduitflow/conduit/store/workflows/memory"
	"github.com/conduitflow/conduit/trigger"
	"github.com/conduitflow/conduit/workflow"
	"github.com/conduitflow/conduit/workflow/interp"
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
	svc       *Service
	workflows *wfmemory.Store
	runs      *runsmemory.Store
	processed *procmemory.Store
	events    *eventsmemory.Store
	cancelled *queuememory.CancelSet
}

func newHarness(t *testing.T, adapters ...integration.Adapter) *harness {
	t.Helper()
	ctx := context.Background()

	usersStore := usersmemory.New()
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, usersStore.Save(ctx, users.User{ID: id, Email: id + "@example.com"}))
	}
	creds := credmemory.New()
	for _, a := range adapters {
		require.NoError(t, creds.Save(ctx, credentials.Credential{
			UserID: "u1", App: a.Name(), AccessToken: "tok",
		}))
	}
	h := &harness{
		workflows: wfmemory.New(),
		runs:      runsmemory.New(),
		processed: procmemory.New(),
		events:    eventsmemory.New(),
		cancelled: queuememory.NewCancelSet(),
	}
	elog := eventlog.New(h.events)
	d := integration.New(integration.Options{Credentials: creds, Events: elog})
	for _, a := range adapters {
		d.Register(a)
	}
	h.svc = New(Options{
		Workflows:  h.workflows,
		Runs:       h.runs,
		Processed:  h.processed,
		Events:     h.events,
		Users:      usersStore,
		Log:        elog,
		Cancelled:  h.cancelled,
		Detector:   trigger.New(d),
		Interp:     interp.New(d, elog),
		Dispatcher: d,
	})
	return h
}

func draft(name string) *workflow.Workflow {
	return &workflow.Workflow{
		Name: name,
		Steps: []workflow.Step{
			{ID: "1", Type: workflow.StepTrigger, App: "gmail", TriggerID: "new_email", Next: "2"},
			{ID: "2", Type: workflow.StepAction, App: "slack", ActionID: "send_channel_message", Config: map[string]any{
				"channel": "C1", "message": "{{trigger.subject}}",
			}},
		},
	}
}

func TestCreateDerivesDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	created, err := h.svc.Create(context.Background(), "u1", draft("inbox watcher"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "u1", created.UserID)
	assert.True(t, created.Active, "new workflows are live immediately")
	assert.Equal(t, "2", created.Start, "start resolves to the trigger's successor")
	assert.Equal(t, workflow.PollIntervalFor("gmail"), created.PollInterval)
	assert.False(t, created.CreatedAt.IsZero())

	logged, err := h.events.ListByWorkflow(context.Background(), created.ID, events.Query{Types: []events.Type{events.WorkflowCreated}})
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestCreateRejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	w := draft("broken")
	w.Steps = w.Steps[:1] // trigger only, no action
	_, err := h.svc.Create(context.Background(), "u1", w)
	assert.Error(t, err)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), "u1", draft("inbox watcher"))
	require.NoError(t, err)
	_, err = h.svc.Create(context.Background(), "u1", draft("inbox watcher"))
	assert.ErrorIs(t, err, workflows.ErrNameTaken)
}

func TestUpdatePreservesLifecycleFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)
	require.NoError(t, h.svc.Activate(ctx, "u1", created.ID))
	require.NoError(t, h.workflows.SetLastRunAt(ctx, created.ID, time.Now().UTC()))

	edit := draft("renamed watcher")
	edit.ID = created.ID
	updated, err := h.svc.Update(ctx, "u1", edit)
	require.NoError(t, err)
	assert.Equal(t, "renamed watcher", updated.Name)
	assert.True(t, updated.Active, "activation survives edits")
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.False(t, updated.LastRunAt.IsZero(), "the poll clock survives edits")
}

func TestOwnershipScoping(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)

	_, err = h.svc.FindOne(ctx, "u2", created.ID)
	assert.ErrorIs(t, err, workflows.ErrNotFound, "another user's workflow behaves as not found")

	assert.ErrorIs(t, h.svc.Deactivate(ctx, "u2", created.ID), workflows.ErrNotFound)
	assert.ErrorIs(t, h.svc.Remove(ctx, "u2", created.ID), workflows.ErrNotFound)
	_, err = h.svc.Runs(ctx, "u2", created.ID, 0)
	assert.ErrorIs(t, err, workflows.ErrNotFound)
}

func TestActivationLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)

	require.NoError(t, h.svc.Activate(ctx, "u1", created.ID))
	wf, err := h.workflows.Load(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, wf.Active)
	assert.False(t, h.cancelled.Contains(created.ID))

	require.NoError(t, h.svc.Deactivate(ctx, "u1", created.ID))
	wf, err = h.workflows.Load(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, wf.Active)
	assert.True(t, h.cancelled.Contains(created.ID), "deactivation cancels queued jobs")

	require.NoError(t, h.svc.Activate(ctx, "u1", created.ID))
	assert.False(t, h.cancelled.Contains(created.ID), "reactivation clears the cancellation")
}

func TestRemoveCascades(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)

	require.NoError(t, h.runs.Create(ctx, &runs.Run{ID: "r1", WorkflowID: created.ID, UserID: "u1"}))
	require.NoError(t, h.processed.Record(ctx, processed.Entry{
		WorkflowID: created.ID, TriggerType: "new_email", ExternalID: "m1",
	}))

	require.NoError(t, h.svc.Remove(ctx, "u1", created.ID))

	_, err = h.workflows.Load(ctx, created.ID)
	assert.ErrorIs(t, err, workflows.ErrNotFound)
	rows, err := h.runs.ListByWorkflow(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	ids, err := h.processed.ListIDs(ctx, created.ID, "new_email")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.True(t, h.cancelled.Contains(created.ID), "pending jobs of a deleted workflow are dropped")
}

func TestTestRunWithSuppliedData(t *testing.T) {
	t.Parallel()
	slack := &fakeAdapter{name: "slack", replies: map[string]any{"postMessage": map[string]any{"ts": "1.2"}}}
	h := newHarness(t, slack)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)

	run, err := h.svc.Test(ctx, "u1", created.ID, map[string]any{
		"trigger": map[string]any{"subject": "manual test"},
	})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuccess, run.Status)
	assert.Equal(t, true, run.TriggerData["test"])
	assert.Len(t, run.ExecutionLog, 1)
	assert.Equal(t, 1, slack.calls)

	stored, err := h.runs.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuccess, stored.Status)
}

func TestTestRunPollsWhenDataOmitted(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{
		name: "gmail",
		replies: map[string]any{
			"listMessages": []map[string]any{
				{"id": "m1", "subject": "polled subject", "date": "2026-08-21T10:00:00Z"},
			},
		},
	}
	slack := &fakeAdapter{name: "slack", replies: map[string]any{"postMessage": map[string]any{"ts": "1.2"}}}
	h := newHarness(t, gmail, slack)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)

	run, err := h.svc.Test(ctx, "u1", created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuccess, run.Status)

	seen, err := h.processed.Seen(ctx, created.ID, "new_email", "m1")
	require.NoError(t, err)
	assert.False(t, seen, "test runs never consume the occurrence")
}

func TestTestRunWithoutCandidates(t *testing.T) {
	t.Parallel()
	gmail := &fakeAdapter{name: "gmail"}
	h := newHarness(t, gmail)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)

	_, err = h.svc.Test(ctx, "u1", created.ID, nil)
	assert.Error(t, err)
}

func TestPurgeUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, "u1", draft("inbox watcher"))
	require.NoError(t, err)
	other, err := h.svc.Create(ctx, "u2", draft("other users watcher"))
	require.NoError(t, err)

	require.NoError(t, h.runs.Create(ctx, &runs.Run{ID: "r1", WorkflowID: created.ID, UserID: "u1"}))
	require.NoError(t, h.processed.Record(ctx, processed.Entry{
		WorkflowID: created.ID, TriggerType: "new_email", ExternalID: "m1",
	}))

	require.NoError(t, h.svc.PurgeUser(ctx, "u1"))

	all, err := h.svc.FindAll(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, all)
	logged, err := h.events.ListByWorkflow(ctx, created.ID, events.Query{})
	require.NoError(t, err)
	assert.Empty(t, logged, "purging a user removes their log entries")

	kept, err := h.svc.FindOne(ctx, "u2", other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, kept.ID, "other users are untouched")
}
