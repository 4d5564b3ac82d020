// Command replan computes reconfiguration plans for a virtualized cluster.
//
//	replan plan --snapshot cluster.yaml [--output plan.yaml]
//	replan serve [--snapshot cluster.yaml]
//	replan publish --snapshot cluster.yaml
//
// plan reads a cluster snapshot and prints the plan that brings it to the
// requested state. serve runs the DRS engine that keeps planning the cluster
// stored in etcd, or the given snapshot when no etcd endpoint is configured.
// publish replaces the cluster stored in etcd with a snapshot.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/replan/internal/config"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/planner"
	"github.com/limiquantix/replan/internal/repository/etcd"
	"github.com/limiquantix/replan/internal/snapshot"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	command := "plan"
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "plan" || args[0] == "serve" || args[0] == "publish") {
		command, args = args[0], args[1:]
	}

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	configPath, _ := flags.GetString("config")
	snapshotPath, _ := flags.GetString("snapshot")
	outputPath, _ := flags.GetString("output")
	if showVersion, _ := flags.GetBool("version"); showVersion {
		fmt.Println("replan")
		fmt.Println("Version:", version)
		fmt.Println("Commit:", commit)
		fmt.Println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "serve":
		err = runServe(ctx, cfg, snapshotPath, logger)
	case "publish":
		err = runPublish(ctx, cfg, snapshotPath, logger)
	default:
		err = runPlan(ctx, cfg, snapshotPath, outputPath, logger)
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", command), zap.Error(err))
		os.Exit(exitCode(err))
	}
}

// newFlagSet declares the flags shared by every command. The planner and logging
// flags override the matching configuration keys.
func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("replan", pflag.ExitOnError)
	flags.String("config", "", "Path to config file")
	flags.String("snapshot", "", "Path to the cluster snapshot")
	flags.StringP("output", "o", "-", "Where to write the plan")
	flags.Bool("version", false, "Show version information")
	flags.Duration("time-limit", 0, "Time limit of each sub-problem search (0 for none)")
	flags.Bool("optimize", true, "Search for a cheaper plan once one is found")
	flags.Bool("partitioning", true, "Split the problem along the placement constraints")
	flags.String("mode", string(planner.ModeParallel), "Partition solving mode: sequential or parallel")
	flags.Int("workers", 0, "Maximum partitions solved at once (0 for one per partition)")
	flags.Bool("repair", false, "Only let misplaced VMs move")
	flags.String("strategy", "balance", "Destination ranking strategy")
	flags.String("durations", "static", "Action duration model: static or linear")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format: console or json")
	return flags
}

// runPlan computes the plan of a single snapshot.
func runPlan(ctx context.Context, cfg *config.Config, snapshotPath, outputPath string, logger *zap.Logger) error {
	if snapshotPath == "" {
		return fmt.Errorf("--snapshot is required: %w", domain.ErrInvalidArgument)
	}
	snap, err := snapshot.Load(snapshotPath)
	if err != nil {
		return err
	}
	req, err := snap.Request(nil)
	if err != nil {
		return err
	}

	p, err := newPlanner(cfg, nil, logger)
	if err != nil {
		return err
	}
	result, err := p.Compute(ctx, req)
	if err != nil {
		return err
	}
	logger.Info("Plan computed",
		zap.Int("actions", len(result.Actions)),
		zap.Int("duration", result.Duration()),
		zap.Int("cost", result.Stats.Objective),
		zap.Bool("optimal", result.Stats.Optimal),
	)

	var w io.Writer = os.Stdout
	if outputPath != "" && outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", outputPath, err)
		}
		defer f.Close()
		w = f
	}
	return snapshot.EncodePlan(w, result)
}

// runPublish stores a snapshot in the etcd registry.
func runPublish(ctx context.Context, cfg *config.Config, snapshotPath string, logger *zap.Logger) error {
	if snapshotPath == "" {
		return fmt.Errorf("--snapshot is required: %w", domain.ErrInvalidArgument)
	}
	if len(cfg.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required: %w", domain.ErrInvalidArgument)
	}
	snap, err := snapshot.Load(snapshotPath)
	if err != nil {
		return err
	}
	if _, err := snap.Request(nil); err != nil {
		return err
	}

	client, err := etcd.NewClient(cfg.Etcd, cfg.DRS.ElectionTTL, logger)
	if err != nil {
		return err
	}
	defer client.Close()
	return etcd.NewRegistry(client).Publish(ctx, snap)
}

func newPlanner(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*planner.Planner, error) {
	eval, err := cfg.Durations.Evaluator()
	if err != nil {
		return nil, err
	}
	var opts []planner.Option
	if reg != nil {
		opts = append(opts, planner.WithMetrics(planner.NewMetrics(reg)))
	}
	return planner.New(cfg.Planner, eval, logger, opts...), nil
}

// exitCode tells a bad request (2) and a cluster without solution (3) from
// the other failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConfigurationState):
		return 2
	case errors.Is(err, domain.ErrInfeasible), errors.Is(err, domain.ErrNoAvailableTransition):
		return 3
	default:
		return 1
	}
}

func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
