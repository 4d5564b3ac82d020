// Package plan holds timed reconfiguration plans: the actions moving a cluster from
// a source configuration to a destination one, each with its start and finish time.
package plan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/limiquantix/replan/internal/domain"
)

// ActionKind enumerates the concrete actions of a plan.
type ActionKind string

const (
	ActionMigration       ActionKind = "migration"
	ActionReInstantiation ActionKind = "re-instantiation"
	ActionStartup         ActionKind = "startup"
	ActionShutdown        ActionKind = "shutdown"
	ActionRun             ActionKind = "run"
	ActionStop            ActionKind = "stop"
	ActionSuspend         ActionKind = "suspend"
	ActionResume          ActionKind = "resume"
	ActionInstantiate     ActionKind = "instantiate"
)

// Action is a concrete action executed over [Start, Finish).
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// VM is set on VM actions, Node on node actions.
	VM   *domain.VirtualMachine `json:"vm,omitempty" yaml:"vm,omitempty"`
	Node *domain.Node           `json:"node,omitempty" yaml:"node,omitempty"`

	// Source and Destination are the hosts of a VM action, when it has any.
	Source      *domain.Node `json:"source,omitempty" yaml:"source,omitempty"`
	Destination *domain.Node `json:"destination,omitempty" yaml:"destination,omitempty"`

	Start  int `json:"start" yaml:"start"`
	Finish int `json:"finish" yaml:"finish"`
}

// Duration returns the length of the action.
func (a *Action) Duration() int { return a.Finish - a.Start }

// Subject returns the ID of the VM or node the action applies to.
func (a *Action) Subject() string {
	if a.VM != nil {
		return a.VM.ID
	}
	if a.Node != nil {
		return a.Node.ID
	}
	return ""
}

// Apply performs the action on cfg.
func (a *Action) Apply(cfg *domain.Configuration) error {
	switch a.Kind {
	case ActionStartup:
		cfg.AddOnline(a.Node)
		return nil
	case ActionShutdown:
		return cfg.AddOffline(a.Node)
	case ActionMigration, ActionReInstantiation, ActionRun, ActionResume:
		if a.Destination == nil {
			return fmt.Errorf("%s of %s has no destination: %w", a.Kind, a.Subject(), domain.ErrInvalidArgument)
		}
		return cfg.SetRunOn(a.VM, a.Destination.ID)
	case ActionSuspend:
		host := a.Destination
		if host == nil {
			host = a.Source
		}
		if host == nil {
			return fmt.Errorf("suspend of %s has no host: %w", a.Subject(), domain.ErrInvalidArgument)
		}
		return cfg.SetSleepOn(a.VM, host.ID)
	case ActionStop:
		cfg.SetTerminated(a.VM)
		return nil
	case ActionInstantiate:
		cfg.AddWaiting(a.VM)
		return nil
	}
	return fmt.Errorf("unknown action kind %q: %w", a.Kind, domain.ErrInvalidArgument)
}

func (a *Action) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%d %s(%s", a.Start, a.Finish, a.Kind, a.Subject())
	if a.Source != nil {
		fmt.Fprintf(&b, ", %s", a.Source.ID)
	}
	if a.Destination != nil && (a.Source == nil || a.Destination.ID != a.Source.ID) {
		fmt.Fprintf(&b, ", %s", a.Destination.ID)
	}
	b.WriteString(")")
	return b.String()
}

// Stats summarizes the search that produced a plan.
type Stats struct {
	Partitions int           `json:"partitions" yaml:"partitions"`
	Nodes      int           `json:"nodes" yaml:"nodes"`
	Backtracks int           `json:"backtracks" yaml:"backtracks"`
	Solutions  int           `json:"solutions" yaml:"solutions"`
	Objective  int           `json:"objective" yaml:"objective"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
	// Optimal is set when every partition proved its plan optimal.
	Optimal bool `json:"optimal" yaml:"optimal"`
}

// Merge adds the counters of o. Elapsed times are not added, the longest one is
// kept as partitions are solved concurrently.
func (s *Stats) Merge(o Stats) {
	s.Partitions += o.Partitions
	s.Nodes += o.Nodes
	s.Backtracks += o.Backtracks
	s.Solutions += o.Solutions
	s.Objective += o.Objective
	s.Elapsed = max(s.Elapsed, o.Elapsed)
}

// TimedReconfigurationPlan is a set of timed actions turning Source into Destination.
type TimedReconfigurationPlan struct {
	ID          uuid.UUID             `json:"id" yaml:"id"`
	Source      *domain.Configuration `json:"-" yaml:"-"`
	Destination *domain.Configuration `json:"-" yaml:"-"`
	Actions     []*Action             `json:"actions" yaml:"actions"`
	Stats       Stats                 `json:"stats" yaml:"stats"`
	CreatedAt   time.Time             `json:"created_at" yaml:"created_at"`
}

// New creates an empty plan starting from src.
func New(src *domain.Configuration) *TimedReconfigurationPlan {
	return &TimedReconfigurationPlan{
		ID:        uuid.New(),
		Source:    src,
		CreatedAt: time.Now(),
	}
}

// Add appends actions to the plan.
func (p *TimedReconfigurationPlan) Add(actions ...*Action) {
	p.Actions = append(p.Actions, actions...)
}

// Duration returns the finish time of the last action, 0 for an empty plan.
func (p *TimedReconfigurationPlan) Duration() int {
	d := 0
	for _, a := range p.Actions {
		d = max(d, a.Finish)
	}
	return d
}

// Sorted returns the actions by finish time, then start time. Actions finishing
// together keep their plan order.
func (p *TimedReconfigurationPlan) Sorted() []*Action {
	out := append([]*Action(nil), p.Actions...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Finish != out[j].Finish {
			return out[i].Finish < out[j].Finish
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// Apply returns the configuration reached by performing every action on a copy of
// cfg, in finish time order. Running VMs end up consuming their demand.
func (p *TimedReconfigurationPlan) Apply(cfg *domain.Configuration) (*domain.Configuration, error) {
	out := cfg.Clone()
	for _, a := range p.Sorted() {
		if err := a.Apply(out); err != nil {
			return nil, fmt.Errorf("apply %s: %w", a, err)
		}
	}
	out.SettleDemand()
	return out, nil
}

// Counts returns the number of actions per kind.
func (p *TimedReconfigurationPlan) Counts() map[ActionKind]int {
	out := make(map[ActionKind]int)
	for _, a := range p.Actions {
		out[a.Kind]++
	}
	return out
}

func (p *TimedReconfigurationPlan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s: %d action(s), duration %d\n", p.ID, len(p.Actions), p.Duration())
	actions := append([]*Action(nil), p.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Start < actions[j].Start })
	for _, a := range actions {
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	return b.String()
}
