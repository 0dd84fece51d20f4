// Package worker runs per-tier pools that pull jobs from the tiered queues,
// execute registered handlers under the tier's processing budget, and apply
// the retry, stall, and dead-letter policies.
package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/config"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
	"github.com/Dhrubot/choukidar-sub001/internal/queue"
	"github.com/Dhrubot/choukidar-sub001/internal/resilience"
)

// ErrExhaustedRetries marks a job's terminal failure. It reaches the
// dead-letter store and stats, never the original caller.
var ErrExhaustedRetries = errors.New("retries exhausted")

// Handler executes one job. Handlers must be idempotent: a stalled job is
// requeued without rolling back whatever the first attempt already wrote.
type Handler func(ctx context.Context, job *domain.Job) error

// DeadLetterSink receives terminal job records for operator inspection.
type DeadLetterSink interface {
	SaveDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// RunConfig carries dispatcher cadences; values come from config.Load.
type RunConfig struct {
	IdleDelay     time.Duration
	NotReadyDelay time.Duration
	MoverInterval time.Duration
	SweepInterval time.Duration
	SweepBatch    int64
}

func (rc *RunConfig) defaults() {
	if rc.IdleDelay <= 0 {
		rc.IdleDelay = 250 * time.Millisecond
	}
	if rc.NotReadyDelay <= 0 {
		rc.NotReadyDelay = time.Second
	}
	if rc.MoverInterval <= 0 {
		rc.MoverInterval = time.Second
	}
	if rc.SweepInterval <= 0 {
		rc.SweepInterval = 5 * time.Second
	}
	if rc.SweepBatch <= 0 {
		rc.SweepBatch = 100
	}
}

// Dispatcher owns one worker pool per tier. Tiers are independent: each has
// its own concurrency, handler, and policies; there is no cross-tier
// preemption, higher tiers simply run more workers.
type Dispatcher struct {
	mgr      *queue.Manager
	breaker  *resilience.Breaker
	sink     DeadLetterSink
	clk      clock.Clock
	log      *zap.Logger
	tiers    map[domain.Tier]config.TierConfig
	handlers map[domain.Tier]Handler
	rc       RunConfig
	rng      *rand.Rand
}

func NewDispatcher(mgr *queue.Manager, breaker *resilience.Breaker, sink DeadLetterSink, tiers map[domain.Tier]config.TierConfig, rc RunConfig, clk clock.Clock, log *zap.Logger) *Dispatcher {
	rc.defaults()
	return &Dispatcher{
		mgr:      mgr,
		breaker:  breaker,
		sink:     sink,
		clk:      clk,
		log:      log.Named("worker"),
		tiers:    tiers,
		handlers: make(map[domain.Tier]Handler),
		rc:       rc,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register installs the handler for a tier. Tiers without a handler are not
// polled.
func (d *Dispatcher) Register(tier domain.Tier, h Handler) {
	d.handlers[tier] = h
}

// Run starts every pool plus the delay movers and stall sweepers, and
// blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for tier, h := range d.handlers {
		tc, ok := d.tiers[tier]
		if !ok {
			return errors.Errorf("no configuration for tier %s", tier)
		}
		tier, h, tc := tier, h, tc
		for i := 0; i < tc.Concurrency; i++ {
			g.Go(func() error { return d.workerLoop(ctx, tier, tc, h) })
		}
		g.Go(func() error { return d.sweepLoop(ctx, tier, tc) })
		g.Go(func() error { return d.moverLoop(ctx, tier) })
	}
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, tier domain.Tier, tc config.TierConfig, h Handler) error {
	log := d.log.With(zap.String("tier", tier.String()))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if ready, reason := d.breaker.IsReady(); !ready {
			// fast-fail instead of stacking store timeouts; fallback
			// jobs are still served once the gate reopens
			log.Debug("readiness gate closed", zap.String("reason", reason))
			if !d.sleep(ctx, d.rc.NotReadyDelay) {
				return nil
			}
			continue
		}

		job, err := d.mgr.Dequeue(ctx, tier)
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			log.Warn("dequeue failed", zap.Error(err))
		}
		if job == nil {
			if !d.sleep(ctx, d.rc.IdleDelay) {
				return nil
			}
			continue
		}

		d.process(ctx, tier, tc, h, job, log)
	}
}

func (d *Dispatcher) process(ctx context.Context, tier domain.Tier, tc config.TierConfig, h Handler, job *domain.Job, log *zap.Logger) {
	hctx, cancel := context.WithTimeout(ctx, tc.MaxProcessingTime)
	err := h(hctx, job)
	cancel()

	if err == nil {
		if cErr := d.mgr.Complete(ctx, job); cErr != nil {
			log.Warn("complete failed", zap.String("job_id", job.ID), zap.Error(cErr))
		}
		return
	}

	job.LastError = err.Error()
	if job.RetriesRemaining > 0 {
		job.RetriesRemaining--
		delay := NextDelay(tc, job.AttemptsMade(), d.rng)
		job.ReadyAt = d.clk.Now().Add(delay)
		log.Info("job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("retries_remaining", job.RetriesRemaining),
			zap.Duration("delay", delay),
			zap.Error(err))
		if rErr := d.mgr.Retry(ctx, job); rErr != nil {
			log.Error("retry reschedule failed", zap.String("job_id", job.ID), zap.Error(rErr))
		}
		return
	}

	// the execution that just failed counts toward the total
	d.deadLetter(ctx, tier, job, errors.Wrap(ErrExhaustedRetries, err.Error()), job.AttemptsMade()+1, log)
}

// deadLetter records the terminal failure and drops the job from its queue.
func (d *Dispatcher) deadLetter(ctx context.Context, tier domain.Tier, job *domain.Job, cause error, attempts int, log *zap.Logger) {
	dl := domain.DeadLetter{
		JobID:        job.ID,
		Tier:         tier,
		Payload:      job.Payload,
		Error:        cause.Error(),
		FailedAt:     d.clk.Now(),
		AttemptsMade: attempts,
	}
	if err := d.sink.SaveDeadLetter(ctx, dl); err != nil {
		log.Error("dead-letter write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := d.mgr.Discard(ctx, job); err != nil {
		log.Warn("discard failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	log.Warn("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.Int("attempts", dl.AttemptsMade),
		zap.Error(cause))
}

// sweepLoop reclaims jobs stuck past their processing deadline. A stalled
// job goes back on the queue; one stalled past the tier's budget goes
// straight to the dead letters, skipping remaining retries, because
// repeated stalls point at a broken handler rather than a transient error.
func (d *Dispatcher) sweepLoop(ctx context.Context, tier domain.Tier, tc config.TierConfig) error {
	log := d.log.With(zap.String("tier", tier.String()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.clk.After(d.rc.SweepInterval):
		}

		d.sweepOnce(ctx, tier, tc, log)
	}
}

func (d *Dispatcher) sweepOnce(ctx context.Context, tier domain.Tier, tc config.TierConfig, log *zap.Logger) {
	stalled, err := d.mgr.ReclaimStalled(ctx, tier, d.rc.SweepBatch)
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		log.Warn("stall sweep failed", zap.Error(err))
		return
	}
	for _, job := range stalled {
		if job.StallCount > tc.MaxStalledCount {
			d.deadLetter(ctx, tier, job, errors.Errorf("stalled %d times, budget %d", job.StallCount, tc.MaxStalledCount), job.AttemptsMade()+1, log)
			continue
		}
		job.ReadyAt = d.clk.Now()
		log.Info("stalled job requeued",
			zap.String("job_id", job.ID),
			zap.Int("stall_count", job.StallCount))
		if err := d.mgr.Retry(ctx, job); err != nil {
			log.Error("stalled requeue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// moverLoop promotes due delayed jobs so retries become visible.
func (d *Dispatcher) moverLoop(ctx context.Context, tier domain.Tier) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.clk.After(d.rc.MoverInterval):
		}
		if err := d.mgr.MoveDue(ctx, tier, d.rc.SweepBatch); err != nil {
			d.log.Warn("delay mover failed", zap.String("tier", tier.String()), zap.Error(err))
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.clk.After(dur):
		return true
	}
}
