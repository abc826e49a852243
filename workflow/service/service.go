// Package service implements the workflow management surface: CRUD,
// activation lifecycle, run history and one-off test execution. All
// operations are owner-scoped; a workflow id from another user behaves
// as not found.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/integration"
	"github.com/conduitflow/conduit/queue"
	"github.com/conduitflow/conduit/store/events"
	"github.com/conduitflow/conduit/store/processed"
	"github.com/conduitflow/conduit/store/runs"
	"github.com/conduitflow/conduit/store/users"
	"github.com/conduitflow/conduit/store/workflows"
	"github.com/conduitflow/conduit/trigger"
	"github.com/conduitflow/conduit/workflow"
	"github.com/conduitflow/conduit/workflow/interp"
)

// Options configures a Service.
type Options struct {
	Workflows  workflows.Store
	Runs       runs.Store
	Processed  processed.Store
	Events     events.Store
	Users      users.Store
	Log        *eventlog.Log
	Cancelled  queue.CancelSet
	Detector   *trigger.Detector
	Interp     *interp.Interpreter
	Dispatcher *integration.Dispatcher
}

// Service manages workflows.
type Service struct {
	workflows  workflows.Store
	runs       runs.Store
	processed  processed.Store
	events     events.Store
	users      users.Store
	log        *eventlog.Log
	cancelled  queue.CancelSet
	detector   *trigger.Detector
	interp     *interp.Interpreter
	dispatcher *integration.Dispatcher
	now        func() time.Time
}

// New creates a Service.
func New(opts Options) *Service {
	return &Service{
		workflows:  opts.Workflows,
		runs:       opts.Runs,
		processed:  opts.Processed,
		events:     opts.Events,
		users:      opts.Users,
		log:        opts.Log,
		cancelled:  opts.Cancelled,
		detector:   opts.Detector,
		interp:     opts.Interp,
		dispatcher: opts.Dispatcher,
		now:        time.Now,
	}
}

// prepare derives the stored fields a saved workflow needs: the start
// step from the trigger's successor and the polling interval from the
// trigger app, unless the caller pinned them.
func (s *Service) prepare(w *workflow.Workflow) error {
	if err := workflow.Validate(w); err != nil {
		return err
	}
	trig, _ := w.TriggerStep()
	if w.Start == "" && trig.Next != "" {
		w.Start = trig.Next
	}
	if w.PollInterval == 0 {
		w.PollInterval = workflow.PollIntervalFor(trig.App)
	}
	return nil
}

// Create validates and stores a new workflow. New workflows are live
// immediately; the next scheduler sweep picks them up.
func (s *Service) Create(ctx context.Context, userID string, w *workflow.Workflow) (*workflow.Workflow, error) {
	w.UserID = userID
	w.Active = true
	if err := s.prepare(w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := s.now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := s.workflows.Create(ctx, w); err != nil {
		return nil, err
	}
	s.log.Record(ctx, events.WorkflowCreated, map[string]any{"name": w.Name}, eventlog.Refs{
		UserID:     userID,
		WorkflowID: w.ID,
	})
	s.warnUnconnected(ctx, userID, w)
	log.Printf(ctx, "workflow %s (%q) created for user %s", w.ID, w.Name, userID)
	return w, nil
}

// warnUnconnected logs when the workflow's trigger app has no stored
// connection. Polling such a workflow fails on every sweep until the
// user connects the app, so the gap is surfaced at creation and
// activation rather than discovered in the run history.
func (s *Service) warnUnconnected(ctx context.Context, userID string, w *workflow.Workflow) {
	if s.dispatcher == nil {
		return
	}
	trig, ok := w.TriggerStep()
	if !ok || trig.App == "" {
		return
	}
	connected, err := s.dispatcher.Connected(ctx, userID, trig.App)
	if err != nil {
		log.Errorf(ctx, err, "check %s connection for workflow %s", trig.App, w.ID)
		return
	}
	if !connected {
		log.Printf(ctx, "workflow %s is live but %s is not connected for user %s", w.ID, trig.App, userID)
	}
}

// Update validates and stores a modified workflow. Ownership, creation
// time and activation state are preserved from the stored row.
func (s *Service) Update(ctx context.Context, userID string, w *workflow.Workflow) (*workflow.Workflow, error) {
	existing, err := s.workflows.LoadForUser(ctx, w.ID, userID)
	if err != nil {
		return nil, err
	}
	w.UserID = userID
	w.Active = existing.Active
	w.CreatedAt = existing.CreatedAt
	w.LastRunAt = existing.LastRunAt
	if err := s.prepare(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = s.now().UTC()
	if err := s.workflows.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// FindAll returns the user's workflows.
func (s *Service) FindAll(ctx context.Context, userID string) ([]*workflow.Workflow, error) {
	return s.workflows.ListByUser(ctx, userID)
}

// FindOne returns one workflow scoped to its owner.
func (s *Service) FindOne(ctx context.Context, userID, id string) (*workflow.Workflow, error) {
	return s.workflows.LoadForUser(ctx, id, userID)
}

// Activate turns polling on for the workflow and clears any pending
// cancellation left by a previous deactivation.
func (s *Service) Activate(ctx context.Context, userID, id string) error {
	wf, err := s.workflows.LoadForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.workflows.SetActive(ctx, wf.ID, true); err != nil {
		return err
	}
	if err := s.cancelled.Remove(ctx, wf.ID); err != nil {
		log.Errorf(ctx, err, "clear cancellation for workflow %s", wf.ID)
	}
	s.warnUnconnected(ctx, userID, wf)
	s.log.Record(ctx, events.WorkflowActivated, nil, eventlog.Refs{UserID: userID, WorkflowID: wf.ID})
	return nil
}

// Deactivate turns polling off and marks the workflow cancelled so
// workers drop its already-queued jobs.
func (s *Service) Deactivate(ctx context.Context, userID, id string) error {
	wf, err := s.workflows.LoadForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.workflows.SetActive(ctx, wf.ID, false); err != nil {
		return err
	}
	if err := s.cancelled.Add(ctx, wf.ID); err != nil {
		log.Errorf(ctx, err, "cancel pending jobs for workflow %s", wf.ID)
	}
	s.log.Record(ctx, events.WorkflowDeactivated, nil, eventlog.Refs{UserID: userID, WorkflowID: wf.ID})
	return nil
}

// Remove deletes the workflow and cascades over its runs and dedup rows.
// Log entries survive with their workflow reference intact.
func (s *Service) Remove(ctx context.Context, userID, id string) error {
	wf, err := s.workflows.LoadForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.cancelled.Add(ctx, wf.ID); err != nil {
		log.Errorf(ctx, err, "cancel pending jobs for workflow %s", wf.ID)
	}
	if err := s.runs.DeleteForWorkflow(ctx, wf.ID); err != nil {
		return fmt.Errorf("delete runs of workflow %q: %w", wf.ID, err)
	}
	if err := s.processed.DeleteForWorkflow(ctx, wf.ID); err != nil {
		return fmt.Errorf("delete processed triggers of workflow %q: %w", wf.ID, err)
	}
	if err := s.workflows.Delete(ctx, wf.ID); err != nil {
		return err
	}
	log.Printf(ctx, "workflow %s (%q) removed for user %s", wf.ID, wf.Name, userID)
	return nil
}

// Runs returns the workflow's execution history, newest first.
func (s *Service) Runs(ctx context.Context, userID, id string, limit int) ([]*runs.Run, error) {
	if _, err := s.workflows.LoadForUser(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.runs.ListByWorkflow(ctx, id, limit)
}

// History returns the workflow's log entries, newest first, with the
// event log service's limit rules applied.
func (s *Service) History(ctx context.Context, userID, id string, types []events.Type, limit int) ([]*events.Entry, error) {
	if _, err := s.workflows.LoadForUser(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.log.ListByWorkflow(ctx, id, types, limit)
}

// Test executes the workflow once, immediately, outside the queue. With
// data nil the trigger is polled and the newest candidate drives the run;
// the occurrence is not marked processed, so a later real poll still
// fires it. The run row is stored like any other.
func (s *Service) Test(ctx context.Context, userID, id string, data map[string]any) (*runs.Run, error) {
	wf, err := s.workflows.LoadForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	user, err := s.users.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data == nil {
		trig, ok := wf.TriggerStep()
		if !ok {
			return nil, errors.New("workflow has no trigger step")
		}
		cands, err := s.detector.Detect(ctx, &user, trig)
		if err != nil {
			return nil, fmt.Errorf("poll trigger for test run: %w", err)
		}
		if len(cands) == 0 {
			return nil, errors.New("no trigger occurrence available to test with")
		}
		data = cands[0].Data
	}

	run := &runs.Run{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		UserID:      userID,
		Status:      runs.StatusRunning,
		TriggerData: map[string]any{"data": data, "test": true},
		StartedAt:   s.now().UTC(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	refs := eventlog.Refs{UserID: userID, WorkflowID: wf.ID, RunID: run.ID}
	s.log.Record(ctx, events.WorkflowExecutionStarted, map[string]any{"test": true}, refs)

	results, runErr := s.interp.Run(ctx, &user, wf, run.ID, data)
	run.ExecutionLog = results
	run.FinishedAt = s.now().UTC()
	switch {
	case runErr != nil:
		run.Status = runs.StatusFailed
		run.Error = runErr.Error()
		s.log.Record(ctx, events.WorkflowExecutionFailed, map[string]any{"test": true, "error": runErr.Error()}, refs)
	case anyFailed(results):
		run.Status = runs.StatusFailed
		run.Error = lastDetail(results)
		s.log.Record(ctx, events.WorkflowExecutionFailed, map[string]any{"test": true, "error": run.Error}, refs)
	default:
		run.Status = runs.StatusSuccess
		s.log.Record(ctx, events.WorkflowExecutionCompleted, map[string]any{"test": true, "steps": len(results)}, refs)
	}
	if err := s.runs.Update(ctx, run); err != nil {
		log.Errorf(ctx, err, "update test run %s", run.ID)
	}
	return run, nil
}

// PurgeUser removes everything the user owns. Deactivation of their
// workflows happens implicitly: workflows are gone before their queued
// jobs surface, and the executor drops jobs for deleted workflows.
func (s *Service) PurgeUser(ctx context.Context, userID string) error {
	all, err := s.workflows.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	ids := make([]string, len(all))
	for i, wf := range all {
		ids[i] = wf.ID
		if err := s.cancelled.Add(ctx, wf.ID); err != nil {
			log.Errorf(ctx, err, "cancel pending jobs for workflow %s", wf.ID)
		}
	}
	if err := s.processed.DeleteForWorkflows(ctx, ids); err != nil {
		return err
	}
	if err := s.runs.DeleteForUser(ctx, userID); err != nil {
		return err
	}
	if err := s.events.DeleteForUser(ctx, userID); err != nil {
		return err
	}
	if err := s.workflows.DeleteForUser(ctx, userID); err != nil {
		return err
	}
	return nil
}

func anyFailed(results []workflow.StepResult) bool {
	for _, r := range results {
		if r.Status == workflow.ResultFailed {
			return true
		}
	}
	return false
}

func lastDetail(results []workflow.StepResult) string {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Status == workflow.ResultFailed {
			return results[i].Detail
		}
	}
	return ""
}
