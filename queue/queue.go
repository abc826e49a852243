// Package queue defines the durable job queue between the scheduler and
// the executor. A job is one fired trigger occurrence; it survives until
// a consumer acknowledges it, so a crashed worker leaves the job pending
// for redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Job is one unit of workflow execution: a trigger occurrence bound to
// its workflow. Attempts counts prior executions; a freshly fired trigger
// enqueues with Attempts zero.
type Job struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	UserID      string         `json:"user_id"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Attempts    int            `json:"attempts"`
}

// Encode renders the job as its wire payload.
func (j Job) Encode() ([]byte, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %q: %w", j.ID, err)
	}
	return payload, nil
}

// DecodeJob parses a wire payload back into a job.
func DecodeJob(payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// Delivery is a job handed to a consumer. The consumer must Ack after
// handling it, success or terminal failure alike; an unacked delivery is
// redelivered.
type Delivery struct {
	Job Job
	ack func(ctx context.Context) error
}

// NewDelivery builds a delivery with the given ack callback.
func NewDelivery(job Job, ack func(ctx context.Context) error) Delivery {
	return Delivery{Job: job, ack: ack}
}

// Ack marks the delivery as handled.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue transports jobs from producers to consumers. Implementations
// must be safe for concurrent use.
type Queue interface {
	// Enqueue appends a job.
	Enqueue(ctx context.Context, job Job) error

	// Subscribe returns the delivery channel. The channel closes when the
	// queue closes.
	Subscribe(ctx context.Context) (<-chan Delivery, error)

	// Close stops delivery and releases resources.
	Close(ctx context.Context) error
}

// CancelSet tracks workflows whose pending jobs must be discarded.
// Deactivating a workflow adds it; workers consult the set before
// executing and drop jobs for listed workflows. Reactivation removes the
// entry.
type CancelSet interface {
	// Add marks the workflow as cancelled.
	Add(ctx context.Context, workflowID string) error

	// Remove clears the cancellation.
	Remove(ctx context.Context, workflowID string) error

	// Contains reports whether the workflow is cancelled.
	Contains(workflowID string) bool
}
