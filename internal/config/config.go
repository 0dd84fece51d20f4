package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// circuit breaker / health
	FailureThreshold   int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	OpenTimeout        time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
	HealthMinimum      float64       `env:"HEALTH_MINIMUM" envDefault:"20"`
	PoolUtilizationMax float64       `env:"POOL_UTILIZATION_MAX" envDefault:"0.9"`

	// background cadences
	MoverInterval     time.Duration `env:"MOVER_INTERVAL" envDefault:"1s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	PromotionInterval time.Duration `env:"PROMOTION_INTERVAL" envDefault:"10s"`
	PromotionBatch    int           `env:"PROMOTION_BATCH" envDefault:"100"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

// BackoffKind selects how retry delays grow for a tier.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// TierConfig carries every per-tier tunable. All retry and timeout numbers
// in the system come from here; nothing else carries its own literals.
type TierConfig struct {
	Priority          int
	MaxAttempts       int
	Backoff           BackoffKind
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxProcessingTime time.Duration
	MaxStalledCount   int
	Concurrency       int
}

// TierDefaults is the canonical per-tier table. Emergency gets the most
// workers and the tightest processing budget; analytics the opposite.
func TierDefaults() map[domain.Tier]TierConfig {
	return map[domain.Tier]TierConfig{
		domain.TierEmergency: {
			Priority:          1,
			MaxAttempts:       5,
			Backoff:           BackoffExponential,
			BackoffBase:       500 * time.Millisecond,
			BackoffCap:        10 * time.Second,
			MaxProcessingTime: 15 * time.Second,
			MaxStalledCount:   2,
			Concurrency:       8,
		},
		domain.TierStandard: {
			Priority:          2,
			MaxAttempts:       3,
			Backoff:           BackoffExponential,
			BackoffBase:       2 * time.Second,
			BackoffCap:        60 * time.Second,
			MaxProcessingTime: 30 * time.Second,
			MaxStalledCount:   2,
			Concurrency:       4,
		},
		domain.TierBackground: {
			Priority:          5,
			MaxAttempts:       3,
			Backoff:           BackoffExponential,
			BackoffBase:       5 * time.Second,
			BackoffCap:        5 * time.Minute,
			MaxProcessingTime: 2 * time.Minute,
			MaxStalledCount:   1,
			Concurrency:       2,
		},
		domain.TierAnalytics: {
			Priority:          8,
			MaxAttempts:       2,
			Backoff:           BackoffFixed,
			BackoffBase:       time.Minute,
			BackoffCap:        time.Minute,
			MaxProcessingTime: 5 * time.Minute,
			MaxStalledCount:   1,
			Concurrency:       1,
		},
		domain.TierEmail: {
			Priority:          4,
			MaxAttempts:       4,
			Backoff:           BackoffExponential,
			BackoffBase:       10 * time.Second,
			BackoffCap:        10 * time.Minute,
			MaxProcessingTime: time.Minute,
			MaxStalledCount:   2,
			Concurrency:       2,
		},
		domain.TierDevice: {
			Priority:          3,
			MaxAttempts:       3,
			Backoff:           BackoffExponential,
			BackoffBase:       2 * time.Second,
			BackoffCap:        2 * time.Minute,
			MaxProcessingTime: 30 * time.Second,
			MaxStalledCount:   2,
			Concurrency:       2,
		},
	}
}
