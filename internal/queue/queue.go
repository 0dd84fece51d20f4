// Package queue implements the tiered job queues: a Redis broker backend, an
// in-process fallback backend, and the manager that routes between them.
// Both backends order jobs by the same priority score so broker mode and
// fallback mode are indistinguishable to callers.
package queue

import (
	"context"
	"time"

	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

// scoreK separates priority bands in milliseconds. 2^42 ms is far beyond
// any realistic ReadyAt delta, so priority strictly dominates arrival time.
const scoreK = float64(1 << 42)

// Score orders jobs within one tier: priority first, then arrival time.
// Ties on identical (priority, ReadyAt) are broken by insertion sequence,
// which each backend tracks itself.
func Score(priority int, readyAt time.Time) float64 {
	return float64(priority)*scoreK + float64(readyAt.UnixMilli())
}

// Stats is the per-tier queue snapshot exposed to operators.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Waiting:   s.Waiting + o.Waiting,
		Active:    s.Active + o.Active,
		Completed: s.Completed + o.Completed,
		Failed:    s.Failed + o.Failed,
		Delayed:   s.Delayed + o.Delayed,
	}
}

// Backend is the queue contract both the broker and the in-memory fallback
// implement. Dequeue atomically claims the highest-priority ready job and
// marks it active until deadline; at-most-one concurrent execution per job
// id rests on that claim being atomic.
type Backend interface {
	Name() domain.Backend

	// Enqueue stores the job. Jobs with ReadyAt in the future are held
	// aside until MoveDue promotes them.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue claims the next ready job, or returns (nil, nil) when the
	// tier is empty.
	Dequeue(ctx context.Context, tier domain.Tier, deadline time.Time) (*domain.Job, error)

	// Complete releases a finished job and bumps the completed counter.
	Complete(ctx context.Context, job *domain.Job) error

	// Retry releases an active job back to the queue for another attempt
	// at job.ReadyAt. The caller has already adjusted retry bookkeeping.
	Retry(ctx context.Context, job *domain.Job) error

	// Discard drops a job that was dead-lettered and bumps the failed
	// counter.
	Discard(ctx context.Context, job *domain.Job) error

	// MoveDue promotes delayed jobs whose ReadyAt has passed.
	MoveDue(ctx context.Context, tier domain.Tier, now time.Time, batch int64) (int, error)

	// ReclaimStalled removes active jobs whose deadline has passed and
	// returns them with StallCount incremented. The caller decides
	// between requeue and dead-letter.
	ReclaimStalled(ctx context.Context, tier domain.Tier, now time.Time, batch int64) ([]*domain.Job, error)

	Stats(ctx context.Context, tier domain.Tier) (Stats, error)
}

// record is the stored envelope for a job. Seq is the backend-local
// insertion sequence used for FIFO tie-breaking.
type record struct {
	Seq uint64      `json:"seq"`
	Job *domain.Job `json:"job"`
}
