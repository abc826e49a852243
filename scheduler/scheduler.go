// Package scheduler sweeps active workflows on a shared tick, polls each
// due trigger and enqueues at most one job per workflow per poll. The
// tick is expected to fire on a single replica at a time; the sweep
// itself is sequential so one misbehaving provider cannot starve Redis
// of connections.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/queue"
	"github.com/conduitflow/conduit/store/events"
	"github.com/conduitflow/conduit/store/processed"
	"github.com/conduitflow/conduit/store/users"
	"github.com/conduitflow/conduit/store/workflows"
	"github.com/conduitflow/conduit/trigger"
	"github.com/conduitflow/conduit/workflow"
)

// DefaultSweepInterval is the cadence at which due workflows are polled.
const DefaultSweepInterval = 30 * time.Second

// Options configures a Scheduler.
type Options struct {
	Workflows workflows.Store
	Users     users.Store
	Processed processed.Store
	Detector  *trigger.Detector
	Queue     queue.Queue
	Events    *eventlog.Log

	// PickOldestFirst enqueues the oldest unseen candidate instead of
	// the newest. Off by default: when a poll finds several new
	// occurrences the most recent one is the one the user is waiting on.
	PickOldestFirst bool
}

// Scheduler polls triggers and feeds the job queue.
type Scheduler struct {
	workflows workflows.Store
	users     users.Store
	processed processed.Store
	detector  *trigger.Detector
	queue     queue.Queue
	events    *eventlog.Log

	pickOldestFirst bool
	now             func() time.Time
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	return &Scheduler{
		workflows:       opts.Workflows,
		users:           opts.Users,
		processed:       opts.Processed,
		detector:        opts.Detector,
		queue:           opts.Queue,
		events:          opts.Events,
		pickOldestFirst: opts.PickOldestFirst,
		now:             time.Now,
	}
}

// Run sweeps on every signal from ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.Sweep(ctx)
		}
	}
}

// Sweep polls every due workflow once. Per-workflow failures are logged
// and skipped so one broken connection cannot stall the rest.
func (s *Scheduler) Sweep(ctx context.Context) {
	active, err := s.workflows.ListActive(ctx)
	if err != nil {
		log.Errorf(ctx, err, "list active workflows")
		return
	}
	now := s.now().UTC()
	for _, wf := range active {
		if !Due(wf, now) {
			continue
		}
		if err := s.poll(ctx, wf); err != nil {
			log.Errorf(ctx, err, "poll workflow %s", wf.ID)
		}
	}
}

// Due reports whether the workflow should be polled at now. A workflow
// that never polled is immediately due; a zero interval (webhook
// triggers) is never due.
func Due(wf *workflow.Workflow, now time.Time) bool {
	if wf.PollInterval <= 0 {
		return false
	}
	if wf.LastRunAt.IsZero() {
		return true
	}
	return !now.Before(wf.LastRunAt.Add(wf.PollInterval))
}

// poll checks the workflow's trigger once and enqueues at most one job.
// The poll clock advances regardless of outcome so a failing provider is
// retried on its interval, not on every sweep.
func (s *Scheduler) poll(ctx context.Context, wf *workflow.Workflow) error {
	defer func() {
		if err := s.workflows.SetLastRunAt(ctx, wf.ID, s.now().UTC()); err != nil {
			log.Errorf(ctx, err, "advance poll clock for workflow %s", wf.ID)
		}
	}()

	trig, ok := wf.TriggerStep()
	if !ok {
		return nil
	}
	user, err := s.users.Load(ctx, wf.UserID)
	if err != nil {
		return err
	}

	refs := eventlog.Refs{UserID: wf.UserID, WorkflowID: wf.ID}
	cands, err := s.detector.Detect(ctx, &user, trig)
	if err != nil {
		s.events.Record(ctx, events.TriggerChecked, map[string]any{
			"trigger": trig.TriggerID,
			"error":   err.Error(),
		}, refs)
		return err
	}
	s.events.Record(ctx, events.TriggerChecked, map[string]any{
		"trigger":    trig.TriggerID,
		"candidates": len(cands),
	}, refs)
	if len(cands) == 0 {
		return nil
	}

	seen, err := s.seenSet(ctx, wf.ID, trig.TriggerID)
	if err != nil {
		return err
	}
	cand, ok := pick(cands, seen, s.pickOldestFirst)
	if !ok {
		return nil
	}

	job := queue.Job{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
		TriggerData: map[string]any{
			"data":         cand.Data,
			"external_id":  cand.ExternalID,
			"trigger_type": trig.TriggerID,
		},
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	s.events.Record(ctx, events.TriggerFired, map[string]any{
		"trigger":     trig.TriggerID,
		"external_id": cand.ExternalID,
		"job_id":      job.ID,
	}, refs)
	log.Printf(ctx, "trigger %s fired for workflow %s (external id %s)", trig.TriggerID, wf.ID, cand.ExternalID)
	return nil
}

func (s *Scheduler) seenSet(ctx context.Context, workflowID, triggerType string) (map[string]bool, error) {
	ids, err := s.processed.ListIDs(ctx, workflowID, triggerType)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	return seen, nil
}

// pick selects one unseen candidate. Candidates arrive newest first; the
// oldest-first knob walks them from the tail.
func pick(cands []trigger.Candidate, seen map[string]bool, oldestFirst bool) (trigger.Candidate, bool) {
	if oldestFirst {
		for i := len(cands) - 1; i >= 0; i-- {
			if !seen[cands[i].ExternalID] {
				return cands[i], true
			}
		}
		return trigger.Candidate{}, false
	}
	for _, c := range cands {
		if !seen[c.ExternalID] {
			return c, true
		}
	}
	return trigger.Candidate{}, false
}
