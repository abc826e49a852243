// Package pulse backs the job queue with a Pulse stream over Redis. Each
// engine replica joins the same sink (consumer group); Redis delivers a
// pending job to exactly one subscriber and redelivers it if that
// subscriber dies before acking. The cancel set rides on a Pulse
// replicated map so a deactivation on one replica is visible to workers
// on every other.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/conduitflow/conduit/queue"
)

const (
	// streamName is the Redis stream carrying jobs.
	streamName = "conduit:jobs"
	// sinkName is the consumer group shared by executor replicas.
	sinkName = "executor"
	// eventType labels job entries on the stream.
	eventType = "job"
	// streamMaxLen bounds the stream; Redis evicts the oldest entries
	// past it.
	streamMaxLen = 10000
	// cancelMapName is the replicated map carrying the cancel set.
	cancelMapName = "conduit:cancelled"
)

// Queue is a Pulse-backed queue.Queue.
type Queue struct {
	stream *streaming.Stream
	sink   *streaming.Sink
	out    chan queue.Delivery
	stop   context.CancelFunc
	done   chan struct{}
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue creates the job stream and joins the executor sink.
func NewQueue(ctx context.Context, rdb *redis.Client) (*Queue, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	stream, err := streaming.NewStream(streamName, rdb, streamopts.WithStreamMaxLen(streamMaxLen))
	if err != nil {
		return nil, fmt.Errorf("create job stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, sinkName, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("join executor sink: %w", err)
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	q := &Queue{
		stream: stream,
		sink:   sink,
		out:    make(chan queue.Delivery),
		stop:   stop,
		done:   make(chan struct{}),
	}
	go q.pump(loopCtx)
	return q, nil
}

// pump converts raw stream events into deliveries. Malformed payloads are
// acked and dropped so they cannot wedge the group.
func (q *Queue) pump(ctx context.Context) {
	defer close(q.done)
	defer close(q.out)
	events := q.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			job, err := queue.DecodeJob(ev.Payload)
			if err != nil {
				log.Errorf(ctx, err, "drop malformed job event %q", ev.ID)
				if ackErr := q.sink.Ack(ctx, ev); ackErr != nil {
					log.Errorf(ctx, ackErr, "ack malformed job event %q", ev.ID)
				}
				continue
			}
			d := queue.NewDelivery(job, func(ackCtx context.Context) error {
				return q.sink.Ack(ackCtx, ev)
			})
			select {
			case <-ctx.Done():
				return
			case q.out <- d:
			}
		}
	}
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	payload, err := job.Encode()
	if err != nil {
		return err
	}
	if _, err := q.stream.Add(ctx, eventType, payload); err != nil {
		return fmt.Errorf("enqueue job %q: %w", job.ID, err)
	}
	return nil
}

// Subscribe implements queue.Queue.
func (q *Queue) Subscribe(context.Context) (<-chan queue.Delivery, error) {
	return q.out, nil
}

// Close implements queue.Queue.
func (q *Queue) Close(ctx context.Context) error {
	q.stop()
	<-q.done
	q.sink.Close(ctx)
	return nil
}

// CancelSet is a replicated-map queue.CancelSet.
type CancelSet struct {
	m *rmap.Map
}

var _ queue.CancelSet = (*CancelSet)(nil)

// NewCancelSet joins the shared cancellation map.
func NewCancelSet(ctx context.Context, rdb *redis.Client) (*CancelSet, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	m, err := rmap.Join(ctx, cancelMapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("join cancel map: %w", err)
	}
	return &CancelSet{m: m}, nil
}

// Add implements queue.CancelSet.
func (s *CancelSet) Add(ctx context.Context, workflowID string) error {
	if _, err := s.m.Set(ctx, workflowID, "1"); err != nil {
		return fmt.Errorf("cancel workflow %q: %w", workflowID, err)
	}
	return nil
}

// Remove implements queue.CancelSet.
func (s *CancelSet) Remove(ctx context.Context, workflowID string) error {
	if _, err := s.m.Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("uncancel workflow %q: %w", workflowID, err)
	}
	return nil
}

// Contains implements queue.CancelSet. Reads are local: the map is
// replicated to every joined process.
func (s *CancelSet) Contains(workflowID string) bool {
	_, ok := s.m.Get(workflowID)
	return ok
}

// Close detaches from the cancellation map.
func (s *CancelSet) Close() {
	s.m.Close()
}
