// Package heuristic orders the search of a reconfiguration problem so the first
// plans found keep VMs where they are and use the least disturbed nodes.
package heuristic

// Strategy names how candidate destinations are ranked once a VM cannot stay.
type Strategy string

const (
	// StrategyBalance prefers the nodes with the most free capacity.
	StrategyBalance Strategy = "balance"
	// StrategySpread prefers the nodes hosting the fewest VMs.
	StrategySpread Strategy = "spread"
	// StrategyPack prefers the most loaded nodes that still have room.
	StrategyPack Strategy = "pack"
)

// Config holds the heuristic configuration.
type Config struct {
	// Strategy ranks the destinations of relocated VMs.
	// - "balance": most free CPU and memory first (default)
	// - "spread": fewest running VMs first
	// - "pack": least free capacity first, to empty other nodes
	Strategy Strategy `mapstructure:"strategy"`
}

// DefaultConfig returns the default heuristic configuration.
func DefaultConfig() Config {
	return Config{
		Strategy: StrategyBalance,
	}
}
