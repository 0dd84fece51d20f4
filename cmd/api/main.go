package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Dhrubot/choukidar-sub001/internal/classify"
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
	ctx := context.Background()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
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
	inline := emergencyHandler(store)
	svc := dispatch.New(classify.New(classify.Default()), mgr, breaker, store, notifier, inline,
		tiers[domain.TierEmergency].MaxProcessingTime, clk, log)

	rtr := chi.NewRouter()
	// middleware: auth, logging, recover (owned by the outer app layer)

	rtr.Post("/v1/reports", func(w http.ResponseWriter, req *http.Request) {
		var rep domain.Report
		if err := json.NewDecoder(req.Body).Decode(&rep); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		res, err := svc.ProcessReport(req.Context(), &rep, queue.Options{})
		if err != nil {
			log.Error("process report", zap.Error(err))
			http.Error(w, "report could not be processed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	})

	rtr.Get("/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := svc.QueueStats(req.Context())
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}
		out := make(map[string]queue.Stats, len(stats))
		for t, s := range stats {
			out[t.String()] = s
		}
		writeJSON(w, http.StatusOK, out)
	})

	rtr.Get("/v1/health", func(w http.ResponseWriter, req *http.Request) {
		h := svc.HealthStatus()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"circuitState":    h.CircuitState.String(),
			"healthScore":     h.HealthScore,
			"poolUtilization": h.PoolUtilization,
		})
	})

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		log.Fatal("api server", zap.Error(err))
	}
}

// emergencyHandler is the inline handler the direct path runs: persist the
// report and let notification fire from the service layer.
func emergencyHandler(store *storage.Store) worker.Handler {
	return func(ctx context.Context, job *domain.Job) error {
		var p dispatch.Payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		return store.SaveReport(ctx, &p.Report, job.Tier, p.Reasons)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
