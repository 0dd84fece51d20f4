package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/config"
	"github.com/Dhrubot/choukidar-sub001/internal/dispatch"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
	"github.com/Dhrubot/choukidar-sub001/internal/queue"
	"github.com/Dhrubot/choukidar-sub001/internal/resilience"
	"github.com/Dhrubot/choukidar-sub001/internal/storage"
	"github.com/Dhrubot/choukidar-sub001/internal/worker"
)

func main() {
	cfg := config.Load()
	log, _ := zap.NewProduction()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	clk := clock.New()
	store := storage.New(db)
	breaker := resilience.New(resilience.Config{
		FailureThreshold:   cfg.FailureThreshold,
		OpenTimeout:        cfg.OpenTimeout,
		HealthMinimum:      cfg.HealthMinimum,
		PoolUtilizationMax: cfg.PoolUtilizationMax,
	}, clk, log)
	tiers := config.TierDefaults()
	mgr := queue.NewManager(queue.NewRedis(rdb, clk), queue.NewMemory(clk), breaker, tiers, clk, log)
	notifier := dispatch.NewLogNotifier(log)

	d := worker.NewDispatcher(mgr, breaker, store, tiers, worker.RunConfig{
		MoverInterval: cfg.MoverInterval,
		SweepInterval: cfg.SweepInterval,
	}, clk, log)

	persist := persistHandler(store)
	d.Register(domain.TierEmergency, func(ctx context.Context, job *domain.Job) error {
		if err := persist(ctx, job); err != nil {
			return err
		}
		var p dispatch.Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		notifier.Notify(ctx, &p.Report)
		return nil
	})
	d.Register(domain.TierStandard, persist)
	d.Register(domain.TierBackground, persist)
	d.Register(domain.TierAnalytics, persist)
	d.Register(domain.TierEmail, persist)
	d.Register(domain.TierDevice, persist)

	// pool utilization feed + fallback promotion
	go func() {
		tick := time.NewTicker(cfg.PromotionInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				stat := db.Stat()
				if stat.MaxConns() > 0 {
					breaker.SetPoolUtilization(float64(stat.AcquiredConns()) / float64(stat.MaxConns()))
				}
				mgr.PromoteFallback(ctx, cfg.PromotionBatch)
			}
		}
	}()

	log.Info("worker pools starting")
	if err := d.Run(ctx); err != nil {
		log.Fatal("dispatcher", zap.Error(err))
	}
}

// persistHandler is the default job handler: unpack the payload and write
// the report through the persistence collaborator. Idempotent via the
// store's upsert-by-id semantics, which at-least-once delivery requires.
func persistHandler(store *storage.Store) worker.Handler {
	return func(ctx context.Context, job *domain.Job) error {
		var p dispatch.Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		return store.SaveReport(ctx, &p.Report, job.Tier, p.Reasons)
	}
}
