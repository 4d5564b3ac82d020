package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/config"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/drs"
	"github.com/limiquantix/replan/internal/repository/etcd"
	"github.com/limiquantix/replan/internal/repository/memory"
	"github.com/limiquantix/replan/internal/repository/redis"
	"github.com/limiquantix/replan/internal/snapshot"
)

// runServe runs the DRS engine until ctx is done.
func runServe(ctx context.Context, cfg *config.Config, snapshotPath string, logger *zap.Logger) error {
	logger.Info("Starting replan DRS",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	p, err := newPlanner(cfg, reg, logger)
	if err != nil {
		return err
	}

	checks := map[string]func(context.Context) error{}
	var (
		source  drs.ClusterSource
		plans   drs.PlanRepository
		leader  drs.LeaderChecker
		changes <-chan etcd.WatchEvent
		cache   drs.PlanCache = memory.NewPlanCache(cfg.Redis.TTL)
	)

	if len(cfg.Etcd.Endpoints) > 0 {
		client, err := etcd.NewClient(cfg.Etcd, cfg.DRS.ElectionTTL, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		checks["etcd"] = client.Health
		registry := etcd.NewRegistry(client)
		source = registry
		plans = etcd.NewPlanRepository(client)
		changes = registry.Watch(ctx)
		l := client.CampaignForLeader(ctx, "drs", nil)
		defer func() {
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Resign(resignCtx); err != nil {
				logger.Warn("Failed to resign", zap.Error(err))
			}
		}()
		leader = l
	} else {
		if snapshotPath == "" {
			return fmt.Errorf("--snapshot is required without etcd endpoints: %w", domain.ErrInvalidArgument)
		}
		snap, err := snapshot.Load(snapshotPath)
		if err != nil {
			return err
		}
		logger.Warn("No etcd endpoint configured, planning a static snapshot", zap.String("snapshot", snapshotPath))
		source = memory.NewClusterSource(snap)
		plans = memory.NewPlanRepository()
	}

	if cfg.Redis.Enabled {
		c, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, caching plans in memory", zap.Error(err))
		} else {
			defer c.Close()
			// plans cached by another planner configuration are not reused
			if err := c.Invalidate(ctx); err != nil {
				logger.Warn("Failed to invalidate plan cache", zap.Error(err))
			}
			checks["redis"] = c.Health
			cache = c
		}
	}

	engine := drs.NewEngine(cfg.DRS, source, p, plans, cache, leader, logger)
	if changes != nil {
		go func() {
			for ev := range changes {
				logger.Debug("Cluster changed", zap.String("key", ev.Key), zap.String("type", string(ev.Type)))
				engine.Trigger()
			}
		}()
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           routes(engine, reg, checks),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", zap.String("address", cfg.Metrics.Address))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	engine.Start(ctx)
	logger.Info("Goodbye!")
	return nil
}

// routes exposes the metrics, the backend health and the stored plans.
func routes(engine *drs.Engine, reg *prometheus.Registry, checks map[string]func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		backends := make(map[string]string, len(checks))
		for name, check := range checks {
			backends[name] = "ok"
			if err := check(r.Context()); err != nil {
				backends[name] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, map[string]any{
			"running":       engine.IsRunning(),
			"last_analysis": engine.GetLastAnalysisTime(),
			"backends":      backends,
		})
	})
	mux.HandleFunc("GET /plans", func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}
		recs, err := engine.GetPlans(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, recs)
	})
	mux.HandleFunc("GET /plans/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := engine.GetPlan(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, rec)
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
