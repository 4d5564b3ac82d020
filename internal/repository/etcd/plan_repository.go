package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/plan"
)

// PlanRepository stores computed plans under <prefix>/plans/<id>.
type PlanRepository struct {
	client *Client
	logger *zap.Logger
}

// NewPlanRepository creates a plan repository on c.
func NewPlanRepository(c *Client) *PlanRepository {
	return &PlanRepository{client: c, logger: c.logger.With(zap.String("store", "plans"))}
}

// Save stores a plan, replacing any plan with the same ID.
func (r *PlanRepository) Save(ctx context.Context, rec plan.Record) error {
	if rec.ID == "" {
		return domain.ErrInvalidArgument
	}
	return r.client.Put(ctx, r.client.key("plans", rec.ID), rec)
}

// Get retrieves a plan by ID.
func (r *PlanRepository) Get(ctx context.Context, id string) (plan.Record, error) {
	var rec plan.Record
	if err := r.client.Get(ctx, r.client.key("plans", id), &rec); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return plan.Record{}, domain.ErrNotFound
		}
		return plan.Record{}, err
	}
	return rec, nil
}

// List returns the most recent plans first. A limit of 0 returns them all.
func (r *PlanRepository) List(ctx context.Context, limit int) ([]plan.Record, error) {
	values, err := r.client.List(ctx, r.client.key("plans"))
	if err != nil {
		return nil, err
	}
	recs := decodeRecords(values, r.logger)
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// DeleteOld removes the plans created before olderThan and returns how many were removed.
func (r *PlanRepository) DeleteOld(ctx context.Context, olderThan time.Time) (int, error) {
	values, err := r.client.List(ctx, r.client.key("plans"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range decodeRecords(values, r.logger) {
		if !rec.CreatedAt.Before(olderThan) {
			continue
		}
		deleted, err := r.client.Delete(ctx, r.client.key("plans", rec.ID))
		if err != nil {
			return n, fmt.Errorf("failed to delete plan %s: %w", rec.ID, err)
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// decodeRecords skips and logs the entries that are not plans.
func decodeRecords(values [][]byte, logger *zap.Logger) []plan.Record {
	recs := make([]plan.Record, 0, len(values))
	for _, v := range values {
		var rec plan.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			logger.Warn("Failed to unmarshal plan", zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}
