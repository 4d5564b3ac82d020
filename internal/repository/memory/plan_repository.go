// Package memory provides in-memory repository implementations for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/plan"
)

// PlanRepository is an in-memory store of computed plans.
type PlanRepository struct {
	mu   sync.RWMutex
	data map[string]plan.Record
}

// NewPlanRepository creates a new in-memory plan repository.
func NewPlanRepository() *PlanRepository {
	return &PlanRepository{
		data: make(map[string]plan.Record),
	}
}

// Save stores a plan, replacing any plan with the same ID.
func (r *PlanRepository) Save(ctx context.Context, rec plan.Record) error {
	if rec.ID == "" {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[rec.ID] = cloneRecord(rec)
	return nil
}

// Get retrieves a plan by ID.
func (r *PlanRepository) Get(ctx context.Context, id string) (plan.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.data[id]
	if !ok {
		return plan.Record{}, domain.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// List returns the most recent plans first. A limit of 0 returns them all.
func (r *PlanRepository) List(ctx context.Context, limit int) ([]plan.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plan.Record, 0, len(r.data))
	for _, rec := range r.data {
		result = append(result, cloneRecord(rec))
	}
	sortRecent(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteOld removes the plans created before olderThan and returns how many were removed.
func (r *PlanRepository) DeleteOld(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.data {
		if rec.CreatedAt.Before(olderThan) {
			delete(r.data, id)
			n++
		}
	}
	return n, nil
}

// sortRecent orders records by decreasing creation time, then ID.
func sortRecent(recs []plan.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func cloneRecord(rec plan.Record) plan.Record {
	clone := rec
	clone.Actions = append([]plan.ActionRecord(nil), rec.Actions...)
	return clone
}
