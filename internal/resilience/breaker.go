// Package resilience guards every broker and store operation behind a
// single process-wide circuit breaker with a smoothed health score. All
// callers share one instance so circuit state stays globally consistent.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Dhrubot/choukidar-sub001/internal/clock"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is the fast-fail signal: the real call was never attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	healthMax          = 100.0
	healthSuccessDelta = 5.0
	healthFailureBase  = 10.0
)

type Config struct {
	FailureThreshold   int
	OpenTimeout        time.Duration
	HealthMinimum      float64
	PoolUtilizationMax float64
}

// Breaker is the connection resilience layer: a Closed/Open/HalfOpen state
// machine plus a 0-100 health score that penalizes sustained failure more
// than isolated blips. Never persisted; rebuilt fresh on restart.
type Breaker struct {
	cfg Config
	clk clock.Clock
	log *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	healthScore         float64
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	halfOpenInFlight    bool
	poolUtilization     float64
}

func New(cfg Config, clk clock.Clock, log *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.PoolUtilizationMax <= 0 {
		cfg.PoolUtilizationMax = 0.9
	}
	return &Breaker{
		cfg:         cfg,
		clk:         clk,
		log:         log.Named("breaker"),
		state:       StateClosed,
		healthScore: healthMax,
	}
}

// Do runs fn under circuit protection. When the circuit is open it returns
// ErrCircuitOpen without calling fn. In half-open, exactly one trial call is
// admitted; concurrent callers get ErrCircuitOpen until it resolves.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clk.Now().Sub(b.lastFailureAt) > b.cfg.OpenTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenInFlight = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return ErrCircuitOpen
		}
		b.halfOpenInFlight = true
		return nil
	default:
		return errors.Errorf("breaker in unknown state %d", b.state)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.lastSuccessAt = b.clk.Now()
	b.healthScore += healthSuccessDelta
	if b.healthScore > healthMax {
		b.healthScore = healthMax
	}

	if b.state == StateHalfOpen {
		b.halfOpenInFlight = false
		b.transition(StateClosed)
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.healthScore -= healthFailureBase * float64(b.consecutiveFailures)
	if b.healthScore < 0 {
		b.healthScore = 0
	}

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.lastFailureAt = b.clk.Now()
			b.transition(StateOpen)
			b.log.Warn("circuit opened",
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err))
		}
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.lastFailureAt = b.clk.Now()
		b.transition(StateOpen)
		b.log.Warn("trial call failed, circuit reopened", zap.Error(err))
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.log.Info("circuit state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// SetPoolUtilization feeds the shared connection pool's utilization into
// the readiness gate. Value is a 0-1 ratio.
func (b *Breaker) SetPoolUtilization(u float64) {
	b.mu.Lock()
	b.poolUtilization = u
	b.mu.Unlock()
}

// Health is a pollable snapshot of the layer's state.
type Health struct {
	CircuitState        State
	ConsecutiveFailures int
	HealthScore         float64
	LastSuccessAt       time.Time
	PoolUtilization     float64
}

func (b *Breaker) Status() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Health{
		CircuitState:        b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HealthScore:         b.healthScore,
		LastSuccessAt:       b.lastSuccessAt,
		PoolUtilization:     b.poolUtilization,
	}
}

// IsReady is the readiness gate: callers check it before store-dependent
// work so they fail fast instead of stacking timeouts under load.
func (b *Breaker) IsReady() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clk.Now().Sub(b.lastFailureAt) <= b.cfg.OpenTimeout {
		return false, "circuit open"
	}
	if b.healthScore < b.cfg.HealthMinimum {
		return false, fmt.Sprintf("health score %.0f below minimum %.0f", b.healthScore, b.cfg.HealthMinimum)
	}
	if b.poolUtilization > b.cfg.PoolUtilizationMax {
		return false, fmt.Sprintf("pool utilization %.2f above limit %.2f", b.poolUtilization, b.cfg.PoolUtilizationMax)
	}
	return true, "ready"
}
