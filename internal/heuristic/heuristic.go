package heuristic

import (
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/model"
)

// Heuristic installs search phases on reconfiguration problems.
type Heuristic struct {
	config Config
	logger *zap.Logger
}

// New creates a new Heuristic instance.
func New(config Config, logger *zap.Logger) *Heuristic {
	if config.Strategy == "" {
		config.Strategy = StrategyBalance
	}
	return &Heuristic{
		config: config,
		logger: logger.With(zap.String("component", "heuristic")),
	}
}

// Apply installs the default heuristic on p.
func Apply(p *model.Problem) {
	New(DefaultConfig(), zap.NewNop()).Apply(p)
}

// Apply installs the search phases on p. It must be called once every placement
// constraint is injected, as node classification reads the host domains.
//
// Phases, in order: VM group variables, hosts of the well placed VMs by
// decreasing memory, hosts of group members, hosts of the VMs on bad nodes,
// hosts of the VMs started from waiting, node states, then start times earliest
// first, the makespan and the global cost.
func (h *Heuristic) Apply(p *model.Problem) {
	c := h.classify(p)

	var wellPlaced, members, onBad, arriving []*model.VMAction
	groups := p.GroupMembers()
	for _, a := range p.VMActions() {
		if a.Demanding == nil || !a.Manageable() {
			continue
		}
		switch {
		case groups.Contains(a.VM.ID):
			members = append(members, a)
		case !a.HasSource:
			arriving = append(arriving, a)
		case c.bad[a.Source]:
			onBad = append(onBad, a)
		default:
			wellPlaced = append(wellPlaced, a)
		}
	}
	sort.SliceStable(wellPlaced, func(i, j int) bool {
		mi, mj := wellPlaced[i].VM.MemoryConsumption, wellPlaced[j].VM.MemoryConsumption
		if mi != mj {
			return mi > mj
		}
		return wellPlaced[i].Index < wellPlaced[j].Index
	})

	prefer := cp.Prefer(c.preferences)
	phases := []cp.Phase{
		{Name: "groups", Vars: p.VMGroups(), Var: cp.InputOrder, Value: cp.MinValue},
		{Name: "well-placed", Vars: hostVars(wellPlaced), Var: cp.InputOrder, Value: prefer},
		{Name: "group-members", Vars: hostVars(members), Var: cp.InputOrder, Value: prefer},
		{Name: "bad-nodes", Vars: hostVars(onBad), Var: cp.InputOrder, Value: prefer},
		{Name: "waiting", Vars: hostVars(arriving), Var: cp.InputOrder, Value: prefer},
		{Name: "node-states", Vars: c.states, Var: cp.InputOrder, Value: cp.Prefer(c.preferredState)},
		{Name: "starts", Vars: startVars(p), Var: Earliest, Value: cp.MinValue},
		{Name: "end", Vars: []*cp.IntVar{p.End}, Var: cp.InputOrder, Value: cp.MinValue},
		{Name: "cost", Vars: []*cp.IntVar{p.GlobalCost}, Var: cp.InputOrder, Value: cp.MinValue},
	}
	p.SetPhases(phases)

	h.logger.Debug("Search phases installed",
		zap.Int("partition", p.Partition()),
		zap.String("strategy", string(h.config.Strategy)),
		zap.Int("favorites", len(c.favorites)),
		zap.Int("bad_nodes", len(c.bad)),
		zap.Int("well_placed", len(wellPlaced)),
		zap.Int("group_members", len(members)),
		zap.Int("on_bad_nodes", len(onBad)),
		zap.Int("arriving", len(arriving)),
	)
}

// Earliest selects the unfixed variable with the smallest lower bound.
func Earliest(vars []*cp.IntVar) *cp.IntVar {
	var best *cp.IntVar
	for _, v := range vars {
		if !v.IsFixed() && (best == nil || v.Min() < best.Min()) {
			best = v
		}
	}
	return best
}

// classification splits the nodes of a problem for the value ordering.
type classification struct {
	// favorites keep every VM they host and stay online, best ranked first.
	favorites []int
	// others are the remaining candidate destinations, best ranked first.
	others []int
	bad    map[int]bool

	source    map[*cp.IntVar]int
	states    []*cp.IntVar
	preferred map[*cp.IntVar]int
}

func (h *Heuristic) classify(p *model.Problem) *classification {
	c := &classification{
		bad:       make(map[int]bool),
		source:    make(map[*cp.IntVar]int),
		preferred: make(map[*cp.IntVar]int),
	}
	overloaded := p.Source.OverloadedNodes(domain.MetricDemand)
	for _, n := range p.NodeActions() {
		leaving := n.Kind == model.NodeShutdown || (n.Manageable() && n.Preferred == 0)
		if overloaded.Contains(n.Node.ID) || leaving {
			c.bad[n.Index] = true
		}
		if n.Manageable() {
			c.states = append(c.states, n.State)
			c.preferred[n.State] = n.Preferred
		}
	}
	// A node is bad as soon as one of its VMs is not allowed to stay.
	for _, a := range p.VMActions() {
		if a.Demanding == nil || !a.HasSource {
			continue
		}
		c.source[a.Demanding.Host] = a.Source
		if a.Consuming != nil && !a.Demanding.Host.Contains(a.Source) {
			c.bad[a.Source] = true
		}
	}

	var candidates []int
	for _, n := range p.NodeActions() {
		if n.State.Max() == 0 {
			continue
		}
		candidates = append(candidates, n.Index)
	}
	score := h.scorer(p)
	sort.SliceStable(candidates, func(i, j int) bool {
		return score(candidates[i]) > score(candidates[j])
	})
	for _, n := range candidates {
		if c.bad[n] {
			continue
		}
		if a := p.NodeActions()[n]; a.Kind == model.NodeStayOnline || (a.Manageable() && a.Preferred == 1) {
			c.favorites = append(c.favorites, n)
		} else {
			c.others = append(c.others, n)
		}
	}
	return c
}

// scorer ranks the nodes on their load in the source configuration.
func (h *Heuristic) scorer(p *model.Problem) func(node int) float64 {
	scores := make([]float64, len(p.Nodes()))
	for i, n := range p.Nodes() {
		switch h.config.Strategy {
		case StrategySpread:
			scores[i] = -float64(len(p.Source.RunningsOn(n.ID)))
		case StrategyPack:
			scores[i] = -freeRatio(p.Source, n)
		default:
			scores[i] = freeRatio(p.Source, n)
		}
	}
	return func(node int) float64 { return scores[node] }
}

// freeRatio returns the free share of the CPU and memory of a node, in [0, 2].
func freeRatio(src *domain.Configuration, n *domain.Node) float64 {
	total := 0.0
	for _, r := range domain.Resources {
		capacity := n.Capacity(r)
		if capacity <= 0 {
			continue
		}
		total += float64(capacity-src.Load(n.ID, r, domain.MetricDemand)) / float64(capacity)
	}
	return total
}

// preferences lists the hosts tried for a VM: its current host, then the
// favorite nodes, then the others.
func (c *classification) preferences(v *cp.IntVar) []int {
	out := make([]int, 0, 1+len(c.favorites)+len(c.others))
	if src, ok := c.source[v]; ok {
		out = append(out, src)
	}
	out = append(out, c.favorites...)
	return append(out, c.others...)
}

func (c *classification) preferredState(v *cp.IntVar) []int {
	return []int{c.preferred[v]}
}

func hostVars(actions []*model.VMAction) []*cp.IntVar {
	out := make([]*cp.IntVar, len(actions))
	for i, a := range actions {
		out[i] = a.Demanding.Host
	}
	return out
}

// startVars collects the start times of node actions, then VM actions, then
// the bounds of their slices.
func startVars(p *model.Problem) []*cp.IntVar {
	var out []*cp.IntVar
	for _, n := range p.NodeActions() {
		if n.Start != nil {
			out = append(out, n.Start)
		}
	}
	for _, a := range p.VMActions() {
		if a.Start != nil {
			out = append(out, a.Start)
		}
		if a.Demanding != nil {
			out = append(out, a.Demanding.Start)
		}
		if a.Consuming != nil {
			out = append(out, a.Consuming.End)
		}
	}
	return out
}
