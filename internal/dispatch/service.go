// Package dispatch is the entry point the application layer calls for every
// incoming incident report: classify, route to the tiered queues, and for
// the emergency tier run the direct path with its degraded-write last
// resort.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Dhrubot/choukidar-sub001/internal/classify"
	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
	"github.com/Dhrubot/choukidar-sub001/internal/queue"
	"github.com/Dhrubot/choukidar-sub001/internal/resilience"
	"github.com/Dhrubot/choukidar-sub001/internal/worker"
)

// ErrEmergencyPath is the single genuinely fatal condition in the
// subsystem: inline execution failed AND the degraded write failed. It is
// the only error ProcessReport ever returns for a well-formed call.
var ErrEmergencyPath = errors.New("emergency path failed: inline execution and degraded write both failed")

// Persistence is the document-store collaborator. Its schema is owned
// elsewhere; this core only calls save/find-shaped operations.
type Persistence interface {
	SaveDegraded(ctx context.Context, r *domain.Report, processErr string) error
}

// Notifier delivers incident notifications and operator alerts. Notify is
// invoked fire-and-forget after emergency processing; Alert is the operator
// channel for the fatal emergency-path condition and must not block.
type Notifier interface {
	Notify(ctx context.Context, r *domain.Report)
	Alert(ctx context.Context, message string, err error)
}

// Result is what the application layer gets back for every report.
type Result struct {
	Success        bool          `json:"success"`
	ReportID       string        `json:"reportId"`
	Tier           string        `json:"tier"`
	ProcessingTime time.Duration `json:"processingTime"`
	QueueUsed      string        `json:"queueUsed"`
	Fallback       bool          `json:"fallback,omitempty"`
	Reasons        []string      `json:"reasons,omitempty"`
}

// Payload is the job body carried through the queues.
type Payload struct {
	Report  domain.Report `json:"report"`
	Reasons []string      `json:"reasons"`
}

type Service struct {
	classifier *classify.Classifier
	mgr        *queue.Manager
	breaker    *resilience.Breaker
	store      Persistence
	notifier   Notifier
	inline     worker.Handler
	inlineMax  time.Duration
	clk        clock.Clock
	log        *zap.Logger
}

// New wires the service. inline is the same handler the emergency worker
// pool runs; the direct path executes it synchronously under inlineMax.
func New(classifier *classify.Classifier, mgr *queue.Manager, breaker *resilience.Breaker, store Persistence, notifier Notifier, inline worker.Handler, inlineMax time.Duration, clk clock.Clock, log *zap.Logger) *Service {
	if inlineMax <= 0 {
		inlineMax = 15 * time.Second
	}
	return &Service{
		classifier: classifier,
		mgr:        mgr,
		breaker:    breaker,
		store:      store,
		notifier:   notifier,
		inline:     inline,
		inlineMax:  inlineMax,
		clk:        clk,
		log:        log.Named("dispatch"),
	}
}

// ProcessReport classifies the report and routes it. Non-emergency tiers
// fail soft: the report lands on the broker or the fallback queue and the
// caller gets a structured result either way. Only the emergency tier's
// complete failure surfaces as an error.
func (s *Service) ProcessReport(ctx context.Context, r *domain.Report, opts queue.Options) (*Result, error) {
	start := s.clk.Now()
	if r != nil && r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r != nil && r.SubmittedAt.IsZero() {
		r.SubmittedAt = start
	}

	cls := s.classifier.Classify(r)
	res := &Result{
		Tier:    cls.Tier.String(),
		Reasons: cls.Reasons,
	}
	if r != nil {
		res.ReportID = r.ID
	}

	if opts.Priority == nil {
		opts.Priority = &cls.Priority
	}

	payload, err := json.Marshal(Payload{Report: deref(r), Reasons: cls.Reasons})
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}

	if cls.Tier == domain.TierEmergency {
		err = s.processEmergency(ctx, r, cls, payload, opts, res)
	} else {
		err = s.enqueue(ctx, cls.Tier, payload, opts, res)
	}
	res.ProcessingTime = s.clk.Now().Sub(start)
	if err != nil {
		return res, err
	}
	res.Success = true
	return res, nil
}

// processEmergency is the direct path: run the handler inline right now,
// independently enqueue a redundant copy for reconciliation, and if inline
// execution fails write a minimal needs-review record. Failure of both the
// inline run and that write is the one condition allowed to escape.
func (s *Service) processEmergency(ctx context.Context, r *domain.Report, cls domain.ClassificationResult, payload []byte, opts queue.Options, res *Result) error {
	// redundant audit copy, best effort, never blocks the direct path
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.inlineMax)
		defer cancel()
		if _, err := s.mgr.Enqueue(actx, domain.TierEmergency, payload, opts); err != nil {
			s.log.Warn("emergency audit enqueue failed", zap.String("report_id", res.ReportID), zap.Error(err))
		}
	}()

	job, err := s.mgr.NewJob(domain.TierEmergency, payload, opts)
	if err != nil {
		return err
	}
	job.Status = domain.Active

	ictx, cancel := context.WithTimeout(ctx, s.inlineMax)
	inlineErr := s.inline(ictx, job)
	cancel()

	if inlineErr == nil {
		res.QueueUsed = "direct"
		s.fireNotify(ctx, r)
		return nil
	}

	s.log.Error("emergency inline execution failed, writing degraded record",
		zap.String("report_id", res.ReportID),
		zap.Error(inlineErr))

	if writeErr := s.store.SaveDegraded(ctx, r, inlineErr.Error()); writeErr != nil {
		fatal := multierr.Combine(ErrEmergencyPath, inlineErr, writeErr)
		s.notifier.Alert(ctx, "emergency report could not be processed or recorded", fatal)
		return fatal
	}

	res.QueueUsed = "direct"
	res.Fallback = true
	s.fireNotify(ctx, r)
	return nil
}

func (s *Service) enqueue(ctx context.Context, tier domain.Tier, payload []byte, opts queue.Options, res *Result) error {
	eq, err := s.mgr.Enqueue(ctx, tier, payload, opts)
	if err != nil {
		return err
	}
	switch eq.Backend {
	case domain.BackendMemory:
		res.QueueUsed = "fallback"
		res.Fallback = true
	default:
		res.QueueUsed = "broker"
	}
	return nil
}

func (s *Service) fireNotify(ctx context.Context, r *domain.Report) {
	if s.notifier == nil || r == nil {
		return
	}
	nctx := context.WithoutCancel(ctx)
	go s.notifier.Notify(nctx, r)
}

// QueueStats exposes per-tier queue counts.
func (s *Service) QueueStats(ctx context.Context) (map[domain.Tier]queue.Stats, error) {
	return s.mgr.Stats(ctx)
}

// HealthStatus exposes the resilience layer snapshot.
func (s *Service) HealthStatus() resilience.Health {
	return s.breaker.Status()
}

func deref(r *domain.Report) domain.Report {
	if r == nil {
		return domain.Report{}
	}
	return *r
}
