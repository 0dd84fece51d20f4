package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

// Memory is the in-process fallback queue. Same contract and ordering as
// the broker backend, scoped to one process and explicitly non-durable:
// contents are gone on restart. The Emergency tier's stronger guarantee
// comes from the direct path, not from this queue.
type Memory struct {
	clk clock.Clock

	mu    sync.Mutex
	seq   uint64
	tiers map[domain.Tier]*memTier
}

type memTier struct {
	ready     jobHeap
	delayed   jobHeap
	active    map[string]*activeEntry
	completed int64
	failed    int64
}

type activeEntry struct {
	job      *domain.Job
	deadline time.Time
}

type item struct {
	score float64
	seq   uint64
	job   *domain.Job
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func NewMemory(clk clock.Clock) *Memory {
	m := &Memory{clk: clk, tiers: make(map[domain.Tier]*memTier)}
	for _, t := range domain.AllTiers() {
		m.tiers[t] = &memTier{active: make(map[string]*activeEntry)}
	}
	return m
}

func (m *Memory) Name() domain.Backend { return domain.BackendMemory }

// cloneJob isolates queue state from callers. The broker backend hands out
// copies via its JSON round-trip; this queue must match, or a worker still
// holding a job past its deadline would race the stall sweep.
func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	return &c
}

func (m *Memory) tier(t domain.Tier) (*memTier, error) {
	mt, ok := m.tiers[t]
	if !ok {
		return nil, errors.Errorf("memory queue: unknown tier %s", t)
	}
	return mt, nil
}

func (m *Memory) Enqueue(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(job.Tier)
	if err != nil {
		return err
	}
	job.Status = domain.Queued
	job.Backend = domain.BackendMemory
	m.seq++
	it := &item{seq: m.seq, job: cloneJob(job)}
	if job.ReadyAt.After(m.clk.Now()) {
		it.score = float64(job.ReadyAt.UnixMilli())
		heap.Push(&mt.delayed, it)
	} else {
		it.score = Score(job.Priority, job.ReadyAt)
		heap.Push(&mt.ready, it)
	}
	return nil
}

func (m *Memory) Dequeue(_ context.Context, tier domain.Tier, deadline time.Time) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(tier)
	if err != nil {
		return nil, err
	}
	if mt.ready.Len() == 0 {
		return nil, nil
	}
	it := heap.Pop(&mt.ready).(*item)
	it.job.Status = domain.Active
	mt.active[it.job.ID] = &activeEntry{job: it.job, deadline: deadline}
	return cloneJob(it.job), nil
}

func (m *Memory) Complete(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(job.Tier)
	if err != nil {
		return err
	}
	delete(mt.active, job.ID)
	mt.completed++
	return nil
}

func (m *Memory) Retry(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(job.Tier)
	if err != nil {
		return err
	}
	delete(mt.active, job.ID)
	m.seq++
	it := &item{seq: m.seq, job: cloneJob(job)}
	if job.ReadyAt.After(m.clk.Now()) {
		it.score = float64(job.ReadyAt.UnixMilli())
		heap.Push(&mt.delayed, it)
	} else {
		it.score = Score(job.Priority, job.ReadyAt)
		heap.Push(&mt.ready, it)
	}
	return nil
}

func (m *Memory) Discard(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(job.Tier)
	if err != nil {
		return err
	}
	delete(mt.active, job.ID)
	mt.failed++
	return nil
}

func (m *Memory) MoveDue(_ context.Context, tier domain.Tier, now time.Time, batch int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(tier)
	if err != nil {
		return 0, err
	}
	moved := 0
	for mt.delayed.Len() > 0 && int64(moved) < batch {
		head := mt.delayed[0]
		if head.job.ReadyAt.After(now) {
			break
		}
		it := heap.Pop(&mt.delayed).(*item)
		it.score = Score(it.job.Priority, it.job.ReadyAt)
		heap.Push(&mt.ready, it)
		moved++
	}
	return moved, nil
}

func (m *Memory) ReclaimStalled(_ context.Context, tier domain.Tier, now time.Time, batch int64) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(tier)
	if err != nil {
		return nil, err
	}
	var out []*domain.Job
	for id, entry := range mt.active {
		if entry.deadline.After(now) {
			continue
		}
		entry.job.StallCount++
		entry.job.Status = domain.Stalled
		out = append(out, cloneJob(entry.job))
		delete(mt.active, id)
		if int64(len(out)) >= batch {
			break
		}
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context, tier domain.Tier) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.tier(tier)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   int64(mt.ready.Len()),
		Active:    int64(len(mt.active)),
		Delayed:   int64(mt.delayed.Len()),
		Completed: mt.completed,
		Failed:    mt.failed,
	}, nil
}

// Drain removes up to max waiting and delayed jobs across all tiers so the
// manager can promote them back to the broker once it recovers. Active jobs
// stay put; they finish wherever they started.
func (m *Memory) Drain(max int) []*domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, t := range domain.AllTiers() {
		mt := m.tiers[t]
		for mt.ready.Len() > 0 && len(out) < max {
			out = append(out, heap.Pop(&mt.ready).(*item).job)
		}
		for mt.delayed.Len() > 0 && len(out) < max {
			out = append(out, heap.Pop(&mt.delayed).(*item).job)
		}
		if len(out) >= max {
			break
		}
	}
	return out
}
