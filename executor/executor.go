// Package executor drains the job queue through a small worker pool.
// Each delivery becomes one run row; a retryable failure re-enqueues the
// job with its attempt count bumped, so a job leaves at most MaxAttempts
// run rows behind.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/integration"
	"github.com/conduitflow/conduit/queue"
	"github.com/conduitflow/conduit/store/events"
	"github.com/conduitflow/conduit/store/processed"
	"github.com/conduitflow/conduit/store/runs"
	"github.com/conduitflow/conduit/store/users"
	"github.com/conduitflow/conduit/store/workflows"
	"github.com/conduitflow/conduit/workflow"
	"github.com/conduitflow/conduit/workflow/interp"
)

const (
	// DefaultConcurrency is the worker pool size.
	DefaultConcurrency = 5
	// DefaultMaxAttempts bounds executions per job including the first.
	DefaultMaxAttempts = 3
	// baseBackoff is the delay before the first retry; it doubles per
	// attempt.
	baseBackoff = time.Second
)

// tracer uses the global provider; configure it via otel.SetTracerProvider
// (typically clue.ConfigureOpenTelemetry).
var tracer = otel.Tracer("github.com/conduitflow/conduit/executor")

// Options configures an Executor.
type Options struct {
	Queue     queue.Queue
	Cancelled queue.CancelSet
	Workflows workflows.Store
	Users     users.Store
	Runs      runs.Store
	Processed processed.Store
	Interp    *interp.Interpreter
	Events    *eventlog.Log

	// Concurrency is the worker count; zero means DefaultConcurrency.
	Concurrency int
	// MaxAttempts bounds executions per job; zero means
	// DefaultMaxAttempts.
	MaxAttempts int
	// MarkFailedProcessed records the trigger occurrence as processed
	// even when its run ends in terminal failure. Off by default: the
	// occurrence fires again once the user fixes the workflow.
	MarkFailedProcessed bool
}

// Executor consumes jobs and runs workflows.
type Executor struct {
	queue     queue.Queue
	cancelled queue.CancelSet
	workflows workflows.Store
	users     users.Store
	runs      runs.Store
	processed processed.Store
	interp    *interp.Interpreter
	events    *eventlog.Log

	concurrency         int
	maxAttempts         int
	markFailedProcessed bool
	runCount            metric.Int64Counter
	now                 func() time.Time
	sleep               func(ctx context.Context, d time.Duration) error
}

// New creates an Executor.
func New(opts Options) *Executor {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	meter := otel.Meter("github.com/conduitflow/conduit/executor")
	runCount, err := meter.Int64Counter("conduit.workflow.runs",
		metric.WithDescription("Completed workflow runs by status."))
	if err != nil {
		runCount = nil
	}
	return &Executor{
		queue:               opts.Queue,
		cancelled:           opts.Cancelled,
		workflows:           opts.Workflows,
		users:               opts.Users,
		runs:                opts.Runs,
		processed:           opts.Processed,
		interp:              opts.Interp,
		events:              opts.Events,
		concurrency:         concurrency,
		maxAttempts:         maxAttempts,
		markFailedProcessed: opts.MarkFailedProcessed,
		runCount:            runCount,
		now:                 time.Now,
		sleep:               sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run consumes deliveries until the context ends or the queue closes.
func (e *Executor) Run(ctx context.Context) error {
	deliveries, err := e.queue.Subscribe(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for w := 0; w < e.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(ctx, deliveries)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (e *Executor) work(ctx context.Context, deliveries <-chan queue.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			e.Handle(ctx, d)
		}
	}
}

// Handle executes one delivery end to end, acking it whatever the
// outcome. Retryable failures re-enqueue a successor job before the ack.
func (e *Executor) Handle(ctx context.Context, d queue.Delivery) {
	job := d.Job
	defer func() {
		if err := d.Ack(ctx); err != nil {
			log.Errorf(ctx, err, "ack job %s", job.ID)
		}
	}()

	if e.cancelled.Contains(job.WorkflowID) {
		log.Printf(ctx, "drop job %s: workflow %s deactivated", job.ID, job.WorkflowID)
		return
	}

	wf, err := e.workflows.Load(ctx, job.WorkflowID)
	if err != nil {
		if errors.Is(err, workflows.ErrNotFound) {
			log.Printf(ctx, "drop job %s: workflow %s deleted", job.ID, job.WorkflowID)
			return
		}
		log.Errorf(ctx, err, "load workflow %s for job %s", job.WorkflowID, job.ID)
		e.retry(ctx, job)
		return
	}
	if !wf.Active {
		log.Printf(ctx, "drop job %s: workflow %s inactive", job.ID, job.WorkflowID)
		return
	}
	user, err := e.users.Load(ctx, job.UserID)
	if err != nil {
		log.Errorf(ctx, err, "load user %s for job %s", job.UserID, job.ID)
		e.retry(ctx, job)
		return
	}

	e.execute(ctx, &user, wf, job)
}

func (e *Executor) execute(ctx context.Context, user *users.User, wf *workflow.Workflow, job queue.Job) {
	run := &runs.Run{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		UserID:      user.ID,
		Status:      runs.StatusRunning,
		TriggerData: job.TriggerData,
		RetryCount:  job.Attempts,
		StartedAt:   e.now().UTC(),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		log.Errorf(ctx, err, "create run for job %s", job.ID)
		e.retry(ctx, job)
		return
	}
	refs := eventlog.Refs{UserID: user.ID, WorkflowID: wf.ID, RunID: run.ID}
	e.events.Record(ctx, events.WorkflowExecutionStarted, map[string]any{
		"job_id":  job.ID,
		"attempt": job.Attempts + 1,
	}, refs)

	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.Int("job.attempt", job.Attempts+1),
	))
	defer func() { e.observeRun(ctx, span, run) }()

	results, err := e.interp.Run(ctx, user, wf, run.ID, triggerPayload(job))
	run.ExecutionLog = results
	run.FinishedAt = e.now().UTC()

	switch {
	case err != nil:
		run.Status = runs.StatusFailed
		run.Error = err.Error()
		e.finishRun(ctx, run)
		e.events.Record(ctx, events.WorkflowExecutionFailed, map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		}, refs)
		if integration.Retryable(err) && job.Attempts+1 < e.maxAttempts {
			e.retry(ctx, job)
			return
		}
		e.markProcessed(ctx, wf, job, e.markFailedProcessed)

	case failedResult(results):
		run.Status = runs.StatusFailed
		run.Error = lastDetail(results)
		e.finishRun(ctx, run)
		e.events.Record(ctx, events.WorkflowExecutionFailed, map[string]any{
			"job_id": job.ID,
			"error":  run.Error,
		}, refs)
		e.markProcessed(ctx, wf, job, e.markFailedProcessed)

	default:
		run.Status = runs.StatusSuccess
		e.finishRun(ctx, run)
		e.events.Record(ctx, events.WorkflowExecutionCompleted, map[string]any{
			"job_id": job.ID,
			"steps":  len(results),
		}, refs)
		e.markProcessed(ctx, wf, job, true)
		log.Printf(ctx, "workflow %s run %s completed (%d steps)", wf.ID, run.ID, len(results))
	}
}

// retry re-enqueues the job with its attempt count bumped after an
// exponential backoff. The original delivery is acked by the caller; the
// successor is a fresh queue entry.
func (e *Executor) retry(ctx context.Context, job queue.Job) {
	next := job
	next.Attempts++
	if next.Attempts >= e.maxAttempts {
		log.Printf(ctx, "job %s exhausted its %d attempts", job.ID, e.maxAttempts)
		return
	}
	delay := baseBackoff << (next.Attempts - 1)
	log.Printf(ctx, "retrying job %s in %s (attempt %d of %d)", job.ID, delay, next.Attempts+1, e.maxAttempts)
	if err := e.sleep(ctx, delay); err != nil {
		return
	}
	if err := e.queue.Enqueue(ctx, next); err != nil {
		log.Errorf(ctx, err, "re-enqueue job %s", job.ID)
	}
}

// observeRun closes the run span and counts the run by its final status.
func (e *Executor) observeRun(ctx context.Context, span trace.Span, run *runs.Run) {
	if run.Status == runs.StatusFailed {
		span.SetStatus(codes.Error, run.Error)
	}
	span.End()
	if e.runCount != nil {
		e.runCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(run.Status)),
		))
	}
}

func (e *Executor) finishRun(ctx context.Context, run *runs.Run) {
	if err := e.runs.Update(ctx, run); err != nil {
		log.Errorf(ctx, err, "update run %s", run.ID)
	}
}

// markProcessed records the trigger occurrence so it never fires again.
func (e *Executor) markProcessed(ctx context.Context, wf *workflow.Workflow, job queue.Job, record bool) {
	if !record {
		return
	}
	externalID, _ := job.TriggerData["external_id"].(string)
	triggerType, _ := job.TriggerData["trigger_type"].(string)
	if externalID == "" || triggerType == "" {
		return
	}
	err := e.processed.Record(ctx, processed.Entry{
		WorkflowID:  wf.ID,
		TriggerType: triggerType,
		ExternalID:  externalID,
		ProcessedAt: e.now().UTC(),
	})
	if err != nil {
		log.Errorf(ctx, err, "record processed trigger %s/%s", wf.ID, externalID)
	}
}

// triggerPayload unwraps the candidate data the scheduler enqueued. Jobs
// from other producers (tests, webhook ingress) may carry a flat map;
// those pass through as is.
func triggerPayload(job queue.Job) map[string]any {
	if data, ok := job.TriggerData["data"].(map[string]any); ok {
		return data
	}
	if job.TriggerData == nil {
		return map[string]any{}
	}
	return job.TriggerData
}

func failedResult(results []workflow.StepResult) bool {
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
