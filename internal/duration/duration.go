// Package duration estimates how long each reconfiguration action takes.
package duration

import (
	"fmt"

	"github.com/limiquantix/replan/internal/domain"
)

// Evaluator estimates action durations, in plan time units.
type Evaluator interface {
	Migration(vm *domain.VirtualMachine) (int, error)
	ResumeLocal(vm *domain.VirtualMachine) (int, error)
	ResumeRemote(vm *domain.VirtualMachine) (int, error)
	Suspend(vm *domain.VirtualMachine) (int, error)
	Stop(vm *domain.VirtualMachine) (int, error)
	Run(vm *domain.VirtualMachine) (int, error)
	Forge(vm *domain.VirtualMachine) (int, error)
	Startup(n *domain.Node) (int, error)
	Shutdown(n *domain.Node) (int, error)
}

// Static returns the same duration for every action of a kind.
type Static struct {
	MigrationDuration    int `mapstructure:"migration"`
	ResumeLocalDuration  int `mapstructure:"resume_local"`
	ResumeRemoteDuration int `mapstructure:"resume_remote"`
	SuspendDuration      int `mapstructure:"suspend"`
	StopDuration         int `mapstructure:"stop"`
	RunDuration          int `mapstructure:"run"`
	ForgeDuration        int `mapstructure:"forge"`
	StartupDuration      int `mapstructure:"startup"`
	ShutdownDuration     int `mapstructure:"shutdown"`
}

// DefaultStatic returns a Static evaluator with unit durations.
func DefaultStatic() *Static {
	return &Static{
		MigrationDuration:    1,
		ResumeLocalDuration:  1,
		ResumeRemoteDuration: 1,
		SuspendDuration:      1,
		StopDuration:         1,
		RunDuration:          1,
		ForgeDuration:        1,
		StartupDuration:      1,
		ShutdownDuration:     1,
	}
}

func (s *Static) Migration(vm *domain.VirtualMachine) (int, error) {
	return check("migration", vm.ID, s.MigrationDuration)
}

func (s *Static) ResumeLocal(vm *domain.VirtualMachine) (int, error) {
	return check("local resume", vm.ID, s.ResumeLocalDuration)
}

func (s *Static) ResumeRemote(vm *domain.VirtualMachine) (int, error) {
	return check("remote resume", vm.ID, s.ResumeRemoteDuration)
}

func (s *Static) Suspend(vm *domain.VirtualMachine) (int, error) {
	return check("suspend", vm.ID, s.SuspendDuration)
}

func (s *Static) Stop(vm *domain.VirtualMachine) (int, error) {
	return check("stop", vm.ID, s.StopDuration)
}

func (s *Static) Run(vm *domain.VirtualMachine) (int, error) {
	return check("run", vm.ID, s.RunDuration)
}

func (s *Static) Forge(vm *domain.VirtualMachine) (int, error) {
	return check("forge", vm.ID, s.ForgeDuration)
}

func (s *Static) Startup(n *domain.Node) (int, error) {
	return check("startup", n.ID, s.StartupDuration)
}

func (s *Static) Shutdown(n *domain.Node) (int, error) {
	return check("shutdown", n.ID, s.ShutdownDuration)
}

// Linear derives VM action durations from the memory the action has to move:
// d = Base + memory/Divisor. Node actions use fixed durations.
type Linear struct {
	Base             int `mapstructure:"base"`
	Divisor          int `mapstructure:"divisor"`
	LocalResumeBase  int `mapstructure:"local_resume_base"`
	StopDuration     int `mapstructure:"stop"`
	RunDuration      int `mapstructure:"run"`
	ForgeDuration    int `mapstructure:"forge"`
	StartupDuration  int `mapstructure:"startup"`
	ShutdownDuration int `mapstructure:"shutdown"`
}

func (l *Linear) memoryBound(action string, vm *domain.VirtualMachine) (int, error) {
	if l.Divisor <= 0 {
		return 0, &domain.DurationEvaluationError{Action: action, Subject: vm.ID,
			Err: fmt.Errorf("divisor must be positive, got %d", l.Divisor)}
	}
	return check(action, vm.ID, l.Base+vm.MemoryConsumption/l.Divisor)
}

// Migration copies the whole memory of the VM over the network.
func (l *Linear) Migration(vm *domain.VirtualMachine) (int, error) {
	return l.memoryBound("migration", vm)
}

// ResumeLocal reads the memory image back from the local disk.
func (l *Linear) ResumeLocal(vm *domain.VirtualMachine) (int, error) {
	return check("local resume", vm.ID, l.LocalResumeBase)
}

// ResumeRemote transfers the memory image before reading it.
func (l *Linear) ResumeRemote(vm *domain.VirtualMachine) (int, error) {
	d, err := l.memoryBound("remote resume", vm)
	if err != nil {
		return 0, err
	}
	return d + l.LocalResumeBase, nil
}

// Suspend writes the memory image to the local disk.
func (l *Linear) Suspend(vm *domain.VirtualMachine) (int, error) {
	return l.memoryBound("suspend", vm)
}

func (l *Linear) Stop(vm *domain.VirtualMachine) (int, error) {
	return check("stop", vm.ID, l.StopDuration)
}

func (l *Linear) Run(vm *domain.VirtualMachine) (int, error) {
	return check("run", vm.ID, l.RunDuration)
}

func (l *Linear) Forge(vm *domain.VirtualMachine) (int, error) {
	return check("forge", vm.ID, l.ForgeDuration)
}

func (l *Linear) Startup(n *domain.Node) (int, error) {
	return check("startup", n.ID, l.StartupDuration)
}

func (l *Linear) Shutdown(n *domain.Node) (int, error) {
	return check("shutdown", n.ID, l.ShutdownDuration)
}

// Overrides pins the duration of specific subjects and delegates the others.
type Overrides struct {
	Evaluator
	Nodes map[string]int
	VMs   map[string]int
}

func (o *Overrides) vm(vm *domain.VirtualMachine, fallback func(*domain.VirtualMachine) (int, error)) (int, error) {
	if d, ok := o.VMs[vm.ID]; ok {
		return check("vm action", vm.ID, d)
	}
	return fallback(vm)
}

func (o *Overrides) node(n *domain.Node, fallback func(*domain.Node) (int, error)) (int, error) {
	if d, ok := o.Nodes[n.ID]; ok {
		return check("node action", n.ID, d)
	}
	return fallback(n)
}

func (o *Overrides) Migration(vm *domain.VirtualMachine) (int, error) {
	return o.vm(vm, o.Evaluator.Migration)
}

func (o *Overrides) Startup(n *domain.Node) (int, error) {
	return o.node(n, o.Evaluator.Startup)
}

func (o *Overrides) Shutdown(n *domain.Node) (int, error) {
	return o.node(n, o.Evaluator.Shutdown)
}

func check(action, subject string, d int) (int, error) {
	if d < 0 {
		return 0, &domain.DurationEvaluationError{Action: action, Subject: subject,
			Err: fmt.Errorf("negative duration %d", d)}
	}
	return d, nil
}
