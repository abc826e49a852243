package eventlog

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/conduitflow/conduit/store/events"
	"github.com/conduitflow/conduit/store/processed"
)

const (
	// DefaultRetention is how long log entries and dedup rows are kept.
	DefaultRetention = 30 * 24 * time.Hour
)

// Reaper trims log entries and processed-trigger rows past the retention
// window. One sweep runs per tick; the ticker is expected to fire on a
// single replica at a time.
type Reaper struct {
	events    events.Store
	processed processed.Store
	retention time.Duration
	now       func() time.Time
}

// NewReaper creates a reaper. A non-positive retention falls back to
// DefaultRetention.
func NewReaper(ev events.Store, pr processed.Store, retention time.Duration) *Reaper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Reaper{events: ev, processed: pr, retention: retention, now: time.Now}
}

// Sweep deletes everything older than the retention cutoff. Each store is
// trimmed independently so one failure does not block the other.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().UTC().Add(-r.retention)
	if n, err := r.events.DeleteOlderThan(ctx, cutoff); err != nil {
		log.Errorf(ctx, err, "reap log entries")
	} else if n > 0 {
		log.Printf(ctx, "reaped %d log entries older than %s", n, cutoff.Format(time.RFC3339))
	}
	if n, err := r.processed.DeleteOlderThan(ctx, cutoff); err != nil {
		log.Errorf(ctx, err, "reap processed triggers")
	} else if n > 0 {
		log.Printf(ctx, "reaped %d processed triggers older than %s", n, cutoff.Format(time.RFC3339))
	}
}

// Run sweeps on every signal from ticks until the context ends. The
// channel is typically a pool ticker shared across replicas.
func (r *Reaper) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			r.Sweep(ctx)
		}
	}
}
