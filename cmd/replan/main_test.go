package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/config"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/drs"
	"github.com/limiquantix/replan/internal/plan"
	"github.com/limiquantix/replan/internal/repository/memory"
	"github.com/limiquantix/replan/internal/snapshot"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(fmt.Errorf("x: %w", domain.ErrInvalidArgument)))
	assert.Equal(t, 3, exitCode(&domain.InfeasibleError{Partition: 1, Reason: "full"}))
	assert.Equal(t, 1, exitCode(fmt.Errorf("boom")))
}

func TestFlagSet_Workers(t *testing.T) {
	flags := newFlagSet()
	workers := flags.Lookup("workers")
	require.NotNil(t, workers)
	assert.Contains(t, workers.Usage, "one per partition")

	cfg, err := config.Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Planner.MaxWorkers)

	flags = newFlagSet()
	require.NoError(t, flags.Parse([]string{"--workers", "3"}))
	cfg, err = config.Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Planner.MaxWorkers)
}

func TestRoutes(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Planner.TimeLimit = 0

	reg := prometheus.NewRegistry()
	p, err := newPlanner(cfg, reg, zap.NewNop())
	require.NoError(t, err)

	snap, err := snapshot.Decode(strings.NewReader(`
nodes:
  - {id: N1, cores: 4, cpu_per_core: 1, memory: 4096}
  - {id: N2, cores: 4, cpu_per_core: 1, memory: 4096}
vms:
  - {id: VM1, vcpus: 1, cpu: 1, memory: 1024, memory_demand: 3072, state: running, host: N1}
  - {id: VM2, vcpus: 1, cpu: 1, memory: 2048, state: running, host: N1}
`))
	require.NoError(t, err)

	engine := drs.NewEngine(cfg.DRS, memory.NewClusterSource(snap), p,
		memory.NewPlanRepository(), memory.NewPlanCache(0), nil, zap.NewNop())
	res, err := engine.Analyze(t.Context())
	require.NoError(t, err)

	checks := map[string]func(context.Context) error{
		"etcd": func(context.Context) error { return errors.New("unreachable") },
	}
	srv := httptest.NewServer(routes(engine, reg, checks))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/plans")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []plan.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, res.Plan.ID, recs[0].ID)

	resp2, err := http.Get(srv.URL + "/plans/" + res.Plan.ID)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/plans/missing")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(srv.URL + "/plans?limit=x")
	require.NoError(t, err)
	resp4.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)

	resp6, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp6.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp6.StatusCode)
	var health struct {
		Backends map[string]string `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp6.Body).Decode(&health))
	assert.Equal(t, "unreachable", health.Backends["etcd"])

	resp5, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp5.Body.Close()
	body, err := io.ReadAll(resp5.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "replan_planner_computations_total")
}
