// Package config provides configuration management for the replan planner.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/limiquantix/replan/internal/duration"
	"github.com/limiquantix/replan/internal/planner"
)

// Config holds all configuration for the application.
type Config struct {
	Planner   planner.Config  `mapstructure:"planner"`
	Durations DurationsConfig `mapstructure:"durations"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DRS       DRSConfig       `mapstructure:"drs"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DurationsConfig selects the action duration evaluator.
type DurationsConfig struct {
	// Kind is "static" or "linear".
	Kind   string          `mapstructure:"kind"`
	Static duration.Static `mapstructure:"static"`
	Linear duration.Linear `mapstructure:"linear"`
	// Nodes and VMs pin the duration of specific subjects.
	Nodes map[string]int `mapstructure:"nodes"`
	VMs   map[string]int `mapstructure:"vms"`
}

// Evaluator returns the configured duration evaluator.
func (c DurationsConfig) Evaluator() (duration.Evaluator, error) {
	var eval duration.Evaluator
	switch c.Kind {
	case "", "static":
		s := c.Static
		eval = &s
	case "linear":
		l := c.Linear
		if l.Divisor <= 0 {
			return nil, fmt.Errorf("durations.linear.divisor must be positive, got %d", l.Divisor)
		}
		eval = &l
	default:
		return nil, fmt.Errorf("unknown duration evaluator %q", c.Kind)
	}
	if len(c.Nodes) > 0 || len(c.VMs) > 0 {
		eval = &duration.Overrides{Evaluator: eval, Nodes: c.Nodes, VMs: c.VMs}
	}
	return eval, nil
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	// Prefix roots every key written by the planner.
	Prefix string `mapstructure:"prefix"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DRSConfig holds the periodic rebalancer configuration.
type DRSConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// ElectionTTL is the lease TTL, in seconds, of the leader election.
	ElectionTTL int `mapstructure:"election_ttl"`
	// Retention is how long stored plans are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"time-limit":   "planner.time_limit",
	"optimize":     "planner.optimize",
	"partitioning": "planner.partitioning",
	"mode":         "planner.mode",
	"workers":      "planner.max_workers",
	"repair":       "planner.repair",
	"strategy":     "planner.heuristic.strategy",
	"durations":    "durations.kind",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
}

// Load loads configuration from file, environment variables and flags. Flags
// that were explicitly set win over the other sources.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("replan")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Planner.Mode {
	case planner.ModeSequential, planner.ModeParallel:
	default:
		return fmt.Errorf("invalid planner.mode %q", c.Planner.Mode)
	}
	if c.Planner.TimeLimit < 0 {
		return fmt.Errorf("planner.time_limit must not be negative")
	}
	if c.Planner.CostChunkSize < 2 {
		return fmt.Errorf("planner.cost_chunk_size must be at least 2, got %d", c.Planner.CostChunkSize)
	}
	if c.DRS.Enabled && c.DRS.Interval <= 0 {
		return fmt.Errorf("drs.interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	defaults := planner.DefaultConfig()

	// Planner
	v.SetDefault("planner.time_limit", defaults.TimeLimit.String())
	v.SetDefault("planner.optimize", defaults.Optimize)
	v.SetDefault("planner.partitioning", defaults.Partitioning)
	v.SetDefault("planner.mode", string(defaults.Mode))
	v.SetDefault("planner.max_workers", 0)
	v.SetDefault("planner.repair", false)
	v.SetDefault("planner.cost_chunk_size", defaults.CostChunkSize)
	v.SetDefault("planner.heuristic.strategy", string(defaults.Heuristic.Strategy))

	// Durations
	static := duration.DefaultStatic()
	v.SetDefault("durations.kind", "static")
	v.SetDefault("durations.static.migration", static.MigrationDuration)
	v.SetDefault("durations.static.resume_local", static.ResumeLocalDuration)
	v.SetDefault("durations.static.resume_remote", static.ResumeRemoteDuration)
	v.SetDefault("durations.static.suspend", static.SuspendDuration)
	v.SetDefault("durations.static.stop", static.StopDuration)
	v.SetDefault("durations.static.run", static.RunDuration)
	v.SetDefault("durations.static.forge", static.ForgeDuration)
	v.SetDefault("durations.static.startup", static.StartupDuration)
	v.SetDefault("durations.static.shutdown", static.ShutdownDuration)
	v.SetDefault("durations.linear.base", 1)
	v.SetDefault("durations.linear.divisor", 1024)
	v.SetDefault("durations.linear.local_resume_base", 1)
	v.SetDefault("durations.linear.stop", 1)
	v.SetDefault("durations.linear.run", 1)
	v.SetDefault("durations.linear.forge", 1)
	v.SetDefault("durations.linear.startup", 5)
	v.SetDefault("durations.linear.shutdown", 3)

	// etcd
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.prefix", "/replan")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "10m")

	// DRS
	v.SetDefault("drs.enabled", false)
	v.SetDefault("drs.interval", "5m")
	v.SetDefault("drs.election_ttl", 15)
	v.SetDefault("drs.retention", "24h")

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
}
