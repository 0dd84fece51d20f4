package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/config"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
	"github.com/Dhrubot/choukidar-sub001/internal/resilience"
)

// ErrEnqueue marks a broker enqueue failure that was absorbed by the
// fallback queue. Callers only ever see it for the Emergency tier, and only
// when the fallback insert failed too.
var ErrEnqueue = errors.New("enqueue failed on broker and fallback")

// Options override the tier defaults for a single enqueue.
type Options struct {
	Priority    *int
	Delay       time.Duration
	MaxAttempts *int
}

// EnqueueResult reports where a job landed.
type EnqueueResult struct {
	JobID          string
	Queue          string
	Backend        domain.Backend
	EstimatedDelay time.Duration
}

// Manager routes enqueue and dequeue per tier between the broker backend
// and the in-memory fallback, consulting the resilience layer to decide.
// Callers never see the switch except through EnqueueResult.Backend.
type Manager struct {
	broker   Backend
	fallback *Memory
	breaker  *resilience.Breaker
	clk      clock.Clock
	log      *zap.Logger
	tiers    map[domain.Tier]config.TierConfig
}

func NewManager(broker Backend, fallback *Memory, breaker *resilience.Breaker, tiers map[domain.Tier]config.TierConfig, clk clock.Clock, log *zap.Logger) *Manager {
	return &Manager{
		broker:   broker,
		fallback: fallback,
		breaker:  breaker,
		clk:      clk,
		log:      log.Named("queue"),
		tiers:    tiers,
	}
}

func (m *Manager) TierConfig(tier domain.Tier) (config.TierConfig, error) {
	tc, ok := m.tiers[tier]
	if !ok {
		return config.TierConfig{}, errors.Errorf("no configuration for tier %s", tier)
	}
	return tc, nil
}

// NewJob builds a job from tier defaults plus per-call overrides.
func (m *Manager) NewJob(tier domain.Tier, payload []byte, opts Options) (*domain.Job, error) {
	tc, err := m.TierConfig(tier)
	if err != nil {
		return nil, err
	}
	priority := tc.Priority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	attempts := tc.MaxAttempts
	if opts.MaxAttempts != nil {
		attempts = *opts.MaxAttempts
	}
	if attempts < 1 {
		attempts = 1
	}
	now := m.clk.Now()
	return &domain.Job{
		ID:               uuid.NewString(),
		Tier:             tier,
		Priority:         priority,
		Payload:          payload,
		CreatedAt:        now,
		ReadyAt:          now.Add(opts.Delay),
		RetriesRemaining: attempts - 1,
		MaxAttempts:      attempts,
		Status:           domain.Created,
	}, nil
}

// Enqueue places a job on the broker, or transparently on the fallback
// queue when the circuit is open or the broker call fails. The caller still
// gets success in fallback mode; only an Emergency job whose fallback
// insert also failed surfaces an error, so the caller can take the direct
// path instead.
func (m *Manager) Enqueue(ctx context.Context, tier domain.Tier, payload []byte, opts Options) (*EnqueueResult, error) {
	job, err := m.NewJob(tier, payload, opts)
	if err != nil {
		return nil, err
	}
	return m.EnqueueJob(ctx, job)
}

func (m *Manager) EnqueueJob(ctx context.Context, job *domain.Job) (*EnqueueResult, error) {
	res := &EnqueueResult{
		JobID:          job.ID,
		Queue:          job.Tier.String(),
		EstimatedDelay: job.ReadyAt.Sub(m.clk.Now()),
	}
	if res.EstimatedDelay < 0 {
		res.EstimatedDelay = 0
	}

	brokerErr := m.breaker.Do(ctx, func(ctx context.Context) error {
		return m.broker.Enqueue(ctx, job)
	})
	if brokerErr == nil {
		res.Backend = domain.BackendBroker
		return res, nil
	}

	m.log.Warn("broker enqueue failed, using fallback queue",
		zap.String("tier", job.Tier.String()),
		zap.String("job_id", job.ID),
		zap.Error(brokerErr))

	if err := m.fallback.Enqueue(ctx, job); err != nil {
		if job.Tier == domain.TierEmergency {
			return nil, errors.Wrapf(ErrEnqueue, "tier %s: broker: %v; fallback: %v", job.Tier, brokerErr, err)
		}
		// lower tiers fail soft: the caller still gets an accepted result,
		// the drop is visible only in the log
		m.log.Error("fallback enqueue failed, job dropped",
			zap.String("tier", job.Tier.String()),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	res.Backend = domain.BackendMemory
	return res, nil
}

// Dequeue claims the next ready job for a tier, preferring the broker and
// then draining any jobs stranded on the fallback queue.
func (m *Manager) Dequeue(ctx context.Context, tier domain.Tier) (*domain.Job, error) {
	tc, err := m.TierConfig(tier)
	if err != nil {
		return nil, err
	}
	deadline := m.clk.Now().Add(tc.MaxProcessingTime)

	var job *domain.Job
	brokerErr := m.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		job, err = m.broker.Dequeue(ctx, tier, deadline)
		return err
	})
	if brokerErr == nil && job != nil {
		return job, nil
	}
	if brokerErr != nil && !errors.Is(brokerErr, resilience.ErrCircuitOpen) {
		m.log.Warn("broker dequeue failed", zap.String("tier", tier.String()), zap.Error(brokerErr))
	}
	return m.fallback.Dequeue(ctx, tier, deadline)
}

// backendFor routes post-claim operations to the queue that holds the job.
func (m *Manager) backendFor(job *domain.Job) Backend {
	if job.Backend == domain.BackendMemory {
		return m.fallback
	}
	return m.broker
}

func (m *Manager) Complete(ctx context.Context, job *domain.Job) error {
	job.Status = domain.Completed
	b := m.backendFor(job)
	if b == m.fallback {
		return m.fallback.Complete(ctx, job)
	}
	return m.breaker.Do(ctx, func(ctx context.Context) error {
		return b.Complete(ctx, job)
	})
}

func (m *Manager) Retry(ctx context.Context, job *domain.Job) error {
	job.Status = domain.RetryScheduled
	b := m.backendFor(job)
	if b == m.fallback {
		return m.fallback.Retry(ctx, job)
	}
	return m.breaker.Do(ctx, func(ctx context.Context) error {
		return b.Retry(ctx, job)
	})
}

func (m *Manager) Discard(ctx context.Context, job *domain.Job) error {
	job.Status = domain.DeadLettered
	b := m.backendFor(job)
	if b == m.fallback {
		return m.fallback.Discard(ctx, job)
	}
	return m.breaker.Do(ctx, func(ctx context.Context) error {
		return b.Discard(ctx, job)
	})
}

// MoveDue promotes due delayed jobs on both backends for one tier. A broker
// outage fails soft here: the mover runs again next tick.
func (m *Manager) MoveDue(ctx context.Context, tier domain.Tier, batch int64) error {
	now := m.clk.Now()
	if _, err := m.fallback.MoveDue(ctx, tier, now, batch); err != nil {
		return err
	}
	err := m.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := m.broker.MoveDue(ctx, tier, now, batch)
		return err
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		m.log.Warn("broker delay mover failed", zap.String("tier", tier.String()), zap.Error(err))
	}
	return nil
}

// ReclaimStalled pulls past-deadline active jobs from both backends.
func (m *Manager) ReclaimStalled(ctx context.Context, tier domain.Tier, batch int64) ([]*domain.Job, error) {
	now := m.clk.Now()
	stalled, err := m.fallback.ReclaimStalled(ctx, tier, now, batch)
	if err != nil {
		return nil, err
	}
	var fromBroker []*domain.Job
	err = m.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		fromBroker, err = m.broker.ReclaimStalled(ctx, tier, now, batch)
		return err
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		m.log.Warn("broker stall reclaim failed", zap.String("tier", tier.String()), zap.Error(err))
		return stalled, nil
	}
	return append(stalled, fromBroker...), nil
}

// PromoteFallback moves jobs stranded in memory back onto the broker once
// health recovers. Best effort: jobs that fail to land go straight back to
// the memory queue.
func (m *Manager) PromoteFallback(ctx context.Context, batch int) int {
	if ready, reason := m.breaker.IsReady(); !ready {
		m.log.Debug("skipping fallback promotion", zap.String("reason", reason))
		return 0
	}
	jobs := m.fallback.Drain(batch)
	promoted := 0
	for _, job := range jobs {
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			return m.broker.Enqueue(ctx, job)
		})
		if err != nil {
			if reErr := m.fallback.Enqueue(ctx, job); reErr != nil {
				m.log.Error("job lost during promotion",
					zap.String("job_id", job.ID),
					zap.Error(reErr))
			}
			continue
		}
		promoted++
	}
	if promoted > 0 {
		m.log.Info("promoted fallback jobs to broker", zap.Int("count", promoted))
	}
	return promoted
}

// Stats merges broker and fallback counts per tier. Broker stats are
// skipped while the circuit is open rather than forcing a doomed call.
func (m *Manager) Stats(ctx context.Context) (map[domain.Tier]Stats, error) {
	out := make(map[domain.Tier]Stats, len(m.tiers))
	for _, tier := range domain.AllTiers() {
		mem, err := m.fallback.Stats(ctx, tier)
		if err != nil {
			return nil, err
		}
		total := mem
		err = m.breaker.Do(ctx, func(ctx context.Context) error {
			bs, err := m.broker.Stats(ctx, tier)
			if err != nil {
				return err
			}
			total = total.add(bs)
			return nil
		})
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			m.log.Warn("broker stats unavailable", zap.String("tier", tier.String()), zap.Error(err))
		}
		out[tier] = total
	}
	return out, nil
}
