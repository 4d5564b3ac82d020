// Package planner computes timed reconfiguration plans. A request is split into
// independent partitions, each partition is modeled, constrained and solved on its
// own, possibly concurrently, and the partial plans are merged and checked.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/duration"
	"github.com/limiquantix/replan/internal/heuristic"
	"github.com/limiquantix/replan/internal/model"
	"github.com/limiquantix/replan/internal/placement"
	"github.com/limiquantix/replan/internal/plan"
)

// Mode tells how partitions are solved.
type Mode string

const (
	// ModeSequential solves one partition after the other.
	ModeSequential Mode = "sequential"
	// ModeParallel solves every partition concurrently.
	ModeParallel Mode = "parallel"
)

// Config holds the planner configuration.
type Config struct {
	// TimeLimit bounds the search of each partition. 0 means no limit.
	TimeLimit time.Duration `mapstructure:"time_limit"`
	// Optimize minimizes the global cost. Otherwise the first plan found is kept.
	Optimize bool `mapstructure:"optimize"`
	// Partitioning splits the problem along the fence constraints.
	Partitioning bool `mapstructure:"partitioning"`
	Mode         Mode `mapstructure:"mode"`
	// MaxWorkers bounds the partitions solved at once in parallel mode. 0 means
	// one worker per partition.
	MaxWorkers int `mapstructure:"max_workers"`
	// Repair only lets the VMs violating a constraint or sitting on a node in
	// trouble change host.
	Repair        bool             `mapstructure:"repair"`
	CostChunkSize int              `mapstructure:"cost_chunk_size"`
	Heuristic     heuristic.Config `mapstructure:"heuristic"`
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		TimeLimit:     30 * time.Second,
		Optimize:      true,
		Partitioning:  true,
		Mode:          ModeParallel,
		CostChunkSize: model.DefaultCostChunkSize,
		Heuristic:     heuristic.DefaultConfig(),
	}
}

// Planner computes reconfiguration plans.
type Planner struct {
	config    Config
	evaluator duration.Evaluator
	heuristic *heuristic.Heuristic
	metrics   *Metrics
	logger    *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithMetrics makes the planner report to m.
func WithMetrics(m *Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New creates a new Planner instance.
func New(config Config, evaluator duration.Evaluator, logger *zap.Logger, opts ...Option) *Planner {
	if config.Mode == "" {
		config.Mode = ModeParallel
	}
	p := &Planner{
		config:    config,
		evaluator: evaluator,
		heuristic: heuristic.New(config.Heuristic, logger),
		logger:    logger.With(zap.String("component", "planner")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// job is a partition ready to be solved.
type job struct {
	part    *Partition
	problem *model.Problem
}

// Compute returns a plan reaching the states of req while satisfying its
// constraints. Validation errors are returned before any search starts. When
// partitions fail, their errors are all reported and no plan is returned.
func (p *Planner) Compute(ctx context.Context, req Request) (*plan.TimedReconfigurationPlan, error) {
	begin := time.Now()
	result, err := p.compute(ctx, req)
	p.observe(result, err, time.Since(begin))
	return result, err
}

func (p *Planner) compute(ctx context.Context, req Request) (*plan.TimedReconfigurationPlan, error) {
	if req.Source == nil {
		return nil, fmt.Errorf("source configuration: %w", domain.ErrInvalidArgument)
	}
	if p.evaluator == nil {
		return nil, fmt.Errorf("duration evaluator: %w", domain.ErrInvalidArgument)
	}
	req = req.normalized()

	var manageable domain.VMSet
	if p.config.Repair {
		manageable = req.repairSet()
	}
	parts, err := Split(req, p.config.Partitioning)
	if err != nil {
		return nil, err
	}
	logger := p.logger.With(zap.Int("partitions", len(parts)), zap.String("mode", string(p.config.Mode)))
	logger.Info("Computing reconfiguration plan",
		zap.Int("constraints", len(req.Constraints)),
		zap.Bool("repair", p.config.Repair),
	)
	if p.metrics != nil {
		p.metrics.Partitions.Observe(float64(len(parts)))
	}

	// build everything first so a malformed request never reaches the solver
	jobs := make([]job, len(parts))
	var buildErr error
	for i, part := range parts {
		problem, err := p.build(req, part, manageable)
		if err != nil {
			buildErr = multierr.Append(buildErr, err)
			continue
		}
		jobs[i] = job{part: part, problem: problem}
	}
	if buildErr != nil {
		logger.Warn("Unable to model the reconfiguration", zap.Error(buildErr))
		return nil, buildErr
	}

	partial, err := p.solveAll(ctx, jobs)
	if err != nil {
		logger.Warn("Partition solving failed", zap.Error(err))
		return nil, err
	}

	result, err := merge(req, partial)
	if err != nil {
		logger.Error("Merged plan is inconsistent", zap.Error(err))
		return nil, err
	}
	logger.Info("Reconfiguration plan computed",
		zap.String("plan_id", result.ID.String()),
		zap.Int("actions", len(result.Actions)),
		zap.Int("duration", result.Duration()),
		zap.Int("cost", result.Stats.Objective),
		zap.Int("search_nodes", result.Stats.Nodes),
		zap.Duration("elapsed", result.Stats.Elapsed),
	)
	return result, nil
}

// build models a partition and injects its constraints.
func (p *Planner) build(req Request, part *Partition, manageable domain.VMSet) (*model.Problem, error) {
	src, err := subConfiguration(req.Source, part)
	if err != nil {
		return nil, err
	}
	in := model.Input{
		Source:          src,
		Run:             intersectVMs(req.Run, part.VMs),
		Wait:            intersectVMs(req.Wait, part.VMs),
		Sleep:           intersectVMs(req.Sleep, part.VMs),
		Stop:            intersectVMs(req.Stop, part.VMs),
		On:              intersectNodes(req.On, part.Nodes),
		Off:             intersectNodes(req.Off, part.Nodes),
		ManageableNodes: intersectNodes(req.ManageableNodes, part.Nodes),
		Evaluator:       p.evaluator,
		Optimize:        p.config.Optimize,
		CostChunkSize:   p.config.CostChunkSize,
		Partition:       part.ID,
	}
	if manageable != nil {
		in.Manageable = intersectVMs(manageable, part.VMs)
	}
	problem, err := model.New(in, p.logger)
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", part.ID, err)
	}
	if err := placement.InjectAll(problem, part.Constraints); err != nil {
		return nil, err
	}
	p.heuristic.Apply(problem)
	return problem, nil
}

// solveAll solves every job and returns the partial plans by partition id. Every
// job runs even when another fails; the errors are combined in partition order.
func (p *Planner) solveAll(ctx context.Context, jobs []job) ([]*plan.TimedReconfigurationPlan, error) {
	results := make([]*plan.TimedReconfigurationPlan, len(jobs))
	errs := make([]error, len(jobs))
	run := func(i int) {
		results[i], errs[i] = p.solve(ctx, jobs[i])
	}

	if p.config.Mode == ModeSequential || len(jobs) == 1 {
		for i := range jobs {
			run(i)
		}
	} else {
		var g errgroup.Group
		if p.config.MaxWorkers > 0 {
			g.SetLimit(p.config.MaxWorkers)
		}
		for i := range jobs {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	}
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Planner) solve(ctx context.Context, j job) (*plan.TimedReconfigurationPlan, error) {
	if p.config.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TimeLimit)
		defer cancel()
	}
	sol, err := j.problem.Solve(ctx, p.config.TimeLimit)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Partition solved",
		zap.Int("partition", j.part.ID),
		zap.Int("nodes", len(j.part.Nodes)),
		zap.Int("vms", len(j.part.VMs)),
		zap.String("status", sol.Status.String()),
		zap.Int("objective", sol.Value(j.problem.GlobalCost)),
	)
	return extract(j.problem, sol, j.part.Constraints)
}

// merge joins the partial plans in partition order. The merged destination must
// not overload any node and must satisfy every constraint of the request.
func merge(req Request, partial []*plan.TimedReconfigurationPlan) (*plan.TimedReconfigurationPlan, error) {
	out := plan.New(req.Source)
	out.Stats.Optimal = true
	for _, pp := range partial {
		out.Add(pp.Actions...)
		out.Stats.Merge(pp.Stats)
		out.Stats.Optimal = out.Stats.Optimal && pp.Stats.Optimal
	}
	dst, err := out.Apply(req.Source)
	if err != nil {
		return nil, &domain.InconsistentSolutionError{Reason: "merged plan: " + err.Error()}
	}
	if err := checkDestination(dst, req.Constraints); err != nil {
		return nil, fmt.Errorf("merged plan: %w", err)
	}
	out.Destination = dst
	return out, nil
}

func (p *Planner) observe(result *plan.TimedReconfigurationPlan, err error, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.Computations.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return
	}
	p.metrics.ComputeDuration.Observe(elapsed.Seconds())
	p.metrics.PlanDuration.Observe(float64(result.Duration()))
	p.metrics.SearchNodes.Add(float64(result.Stats.Nodes))
	for kind, n := range result.Counts() {
		p.metrics.Actions.WithLabelValues(string(kind)).Add(float64(n))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInconsistentSolution):
		return "inconsistent"
	case errors.Is(err, domain.ErrInfeasible):
		return "infeasible"
	case errors.Is(err, domain.ErrUnknownFeasibility):
		return "unknown"
	default:
		return "error"
	}
}
