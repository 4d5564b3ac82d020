// Package drs implements the Distributed Resource Scheduler: a periodic
// rebalancer that plans a reconfiguration of the cluster whenever its VMs no
// longer fit their demand or violate a placement constraint.
package drs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/config"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/placement"
	"github.com/limiquantix/replan/internal/plan"
	"github.com/limiquantix/replan/internal/planner"
	"github.com/limiquantix/replan/internal/snapshot"
)

// ClusterSource returns the current state of the cluster.
type ClusterSource interface {
	Snapshot(ctx context.Context) (*snapshot.Snapshot, error)
}

// PlanRepository defines the interface for plan storage.
type PlanRepository interface {
	Save(ctx context.Context, rec plan.Record) error
	Get(ctx context.Context, id string) (plan.Record, error)
	List(ctx context.Context, limit int) ([]plan.Record, error)
	DeleteOld(ctx context.Context, olderThan time.Time) (int, error)
}

// PlanCache keeps the plans computed for a request fingerprint. Get returns
// domain.ErrNotFound on a miss.
type PlanCache interface {
	Get(ctx context.Context, key string) (plan.Record, error)
	Set(ctx context.Context, key string, rec plan.Record) error
}

// Planner computes reconfiguration plans.
type Planner interface {
	Compute(ctx context.Context, req planner.Request) (*plan.TimedReconfigurationPlan, error)
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// Result is the outcome of an analysis cycle.
type Result struct {
	Plan plan.Record
	// Cached tells the plan was not computed but found in the cache.
	Cached bool
	// Balanced tells the cluster needed no action.
	Balanced bool
}

// Engine is the DRS engine that analyzes the cluster and stores reconfiguration plans.
type Engine struct {
	config        config.DRSConfig
	source        ClusterSource
	planner       Planner
	plans         PlanRepository
	cache         PlanCache
	catalog       *placement.Catalog
	leaderChecker LeaderChecker
	logger        *zap.Logger

	trigger chan struct{}

	mu           sync.RWMutex
	isRunning    bool
	lastAnalysis time.Time
}

// NewEngine creates a new DRS engine. cache and leaderChecker may be nil.
func NewEngine(
	cfg config.DRSConfig,
	source ClusterSource,
	p Planner,
	plans PlanRepository,
	cache PlanCache,
	leaderChecker LeaderChecker,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:        cfg,
		source:        source,
		planner:       p,
		plans:         plans,
		cache:         cache,
		catalog:       placement.DefaultCatalog(),
		leaderChecker: leaderChecker,
		trigger:       make(chan struct{}, 1),
		logger:        logger.With(zap.String("component", "drs")),
	}
}

// Trigger requests an analysis before the next tick. Requests made while one is
// pending are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start runs the analysis loop until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	if !e.config.Enabled {
		e.logger.Info("DRS engine disabled")
		return
	}

	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.mu.Unlock()

	e.logger.Info("Starting DRS engine", zap.Duration("interval", e.config.Interval))

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.runAnalysis(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("DRS engine stopped")
			e.mu.Lock()
			e.isRunning = false
			e.mu.Unlock()
			return
		case <-ticker.C:
			e.runAnalysis(ctx)
		case <-e.trigger:
			e.runAnalysis(ctx)
			ticker.Reset(e.config.Interval)
		}
	}
}

// runAnalysis performs a single cycle on the leader and logs its outcome.
func (e *Engine) runAnalysis(ctx context.Context) {
	if e.leaderChecker != nil && !e.leaderChecker.IsLeader() {
		e.logger.Debug("Not leader, skipping DRS analysis")
		return
	}

	start := time.Now()
	res, err := e.Analyze(ctx)
	if err != nil {
		e.logger.Error("DRS analysis failed", zap.Error(err))
		return
	}
	e.logger.Debug("DRS analysis complete",
		zap.Duration("duration", time.Since(start)),
		zap.String("plan_id", res.Plan.ID),
		zap.Bool("cached", res.Cached),
		zap.Bool("balanced", res.Balanced),
	)

	if e.config.Retention > 0 {
		n, err := e.plans.DeleteOld(ctx, time.Now().Add(-e.config.Retention))
		if err != nil {
			e.logger.Warn("Failed to cleanup old plans", zap.Error(err))
		} else if n > 0 {
			e.logger.Debug("Old plans removed", zap.Int("count", n))
		}
	}
}

// Analyze snapshots the cluster and plans its reconfiguration. Plans with
// actions are stored. Requests seen before are answered from the cache.
func (e *Engine) Analyze(ctx context.Context) (Result, error) {
	snap, err := e.source.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to snapshot the cluster: %w", err)
	}
	req, err := snap.Request(e.catalog)
	if err != nil {
		return Result{}, fmt.Errorf("invalid cluster snapshot: %w", err)
	}

	key := req.Fingerprint()
	if e.cache != nil {
		rec, err := e.cache.Get(ctx, key)
		switch {
		case err == nil:
			e.touch()
			return Result{Plan: rec, Cached: true, Balanced: len(rec.Actions) == 0}, nil
		case !errors.Is(err, domain.ErrNotFound):
			e.logger.Warn("Plan cache unavailable", zap.Error(err))
		}
	}

	p, err := e.planner.Compute(ctx, req)
	if err != nil {
		return Result{}, err
	}
	rec := p.Record()
	res := Result{Plan: rec, Balanced: len(rec.Actions) == 0}

	if res.Balanced {
		e.logger.Debug("Cluster is balanced")
	} else {
		if err := e.plans.Save(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("failed to store plan %s: %w", rec.ID, err)
		}
		e.logger.Info("DRS plan created",
			zap.String("id", rec.ID),
			zap.Int("actions", len(rec.Actions)),
			zap.Int("duration", rec.Duration),
			zap.Int("cost", rec.Stats.Objective),
		)
	}
	if e.cache != nil {
		if err := e.cache.Set(ctx, key, rec); err != nil {
			e.logger.Warn("Failed to cache plan", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	e.touch()
	return res, nil
}

func (e *Engine) touch() {
	e.mu.Lock()
	e.lastAnalysis = time.Now()
	e.mu.Unlock()
}

// GetPlans returns the most recent stored plans.
func (e *Engine) GetPlans(ctx context.Context, limit int) ([]plan.Record, error) {
	return e.plans.List(ctx, limit)
}

// GetPlan returns a stored plan.
func (e *Engine) GetPlan(ctx context.Context, id string) (plan.Record, error) {
	return e.plans.Get(ctx, id)
}

// GetLastAnalysisTime returns when the last analysis was performed.
func (e *Engine) GetLastAnalysisTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastAnalysis
}

// IsRunning returns true if the DRS engine is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}
