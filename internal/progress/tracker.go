package progress

import (
	"context"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/listing_images/internal/logctx"
)

// Snapshot is a point-in-time copy of a Tracker's counters.
type Snapshot struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Done returns succeeded + failed.
func (s Snapshot) Done() int64 {
	return s.Succeeded + s.Failed
}

// Percent returns the share of finished slots in [0, 100].
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 100
	}

	return float64(s.Done()) * 100 / float64(s.Total)
}

// Tracker counts the finished slots of one request. Counters only grow.
type Tracker struct {
	total     int64
	succeeded atomic.Int64
	failed    atomic.Int64
	events    chan<- Snapshot
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEvents publishes a snapshot after every update. Sends never block:
// when events is full the snapshot is dropped.
func WithEvents(events chan<- Snapshot) Option {
	return func(t *Tracker) {
		t.events = events
	}
}

// NewTracker returns a Tracker expecting total slots.
func NewTracker(total int, opts ...Option) *Tracker {
	t := &Tracker{total: int64(total)}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// RecordSuccess counts one accepted slot.
func (t *Tracker) RecordSuccess(ctx context.Context) {
	t.succeeded.Add(1)
	t.emit(ctx, "image accepted")
}

// RecordFailure counts one failed slot.
func (t *Tracker) RecordFailure(ctx context.Context) {
	t.failed.Add(1)
	t.emit(ctx, "image failed")
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Total:     t.total,
		Succeeded: t.succeeded.Load(),
		Failed:    t.failed.Load(),
	}
}

func (t *Tracker) emit(ctx context.Context, msg string) {
	snap := t.Snapshot()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, msg,
		"progress", humanize.FtoaWithDigits(snap.Percent(), 1)+"%",
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"total", snap.Total,
	)

	if t.events == nil {
		return
	}

	select {
	case t.events <- snap:
	default:
	}
}
