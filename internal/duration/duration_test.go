package duration

import (
	"errors"
	"testing"

	"github.com/limiquantix/replan/internal/domain"
)

func TestStatic(t *testing.T) {
	s := DefaultStatic()
	s.MigrationDuration = 3
	vm := domain.NewVM("VM1", 1, 1, 1)

	d, err := s.Migration(vm)
	if err != nil || d != 3 {
		t.Fatalf("Expected 3, got %d (%v)", d, err)
	}

	s.StopDuration = -1
	_, err = s.Stop(vm)
	if !errors.Is(err, domain.ErrDurationEvaluation) {
		t.Fatalf("Expected ErrDurationEvaluation, got %v", err)
	}
}

func TestLinear(t *testing.T) {
	l := &Linear{Base: 1, Divisor: 512, LocalResumeBase: 2}
	vm := domain.NewVM("VM1", 1, 1, 2048)

	if d, _ := l.Migration(vm); d != 5 {
		t.Errorf("Expected migration 5, got %d", d)
	}
	if d, _ := l.ResumeRemote(vm); d != 7 {
		t.Errorf("Expected remote resume 7, got %d", d)
	}
	if d, _ := l.ResumeLocal(vm); d != 2 {
		t.Errorf("Expected local resume 2, got %d", d)
	}

	l.Divisor = 0
	if _, err := l.Suspend(vm); !errors.Is(err, domain.ErrDurationEvaluation) {
		t.Errorf("Expected ErrDurationEvaluation, got %v", err)
	}
}

func TestOverrides(t *testing.T) {
	o := &Overrides{
		Evaluator: DefaultStatic(),
		Nodes:     map[string]int{"N1": 7},
		VMs:       map[string]int{"VM1": 4},
	}

	if d, _ := o.Startup(domain.NewNode("N1", 1, 1, 1)); d != 7 {
		t.Errorf("Expected override 7, got %d", d)
	}
	if d, _ := o.Startup(domain.NewNode("N2", 1, 1, 1)); d != 1 {
		t.Errorf("Expected fallback 1, got %d", d)
	}
	if d, _ := o.Migration(domain.NewVM("VM1", 1, 1, 1)); d != 4 {
		t.Errorf("Expected override 4, got %d", d)
	}
	if d, _ := o.Run(domain.NewVM("VM1", 1, 1, 1)); d != 1 {
		t.Errorf("Run is not overridden, expected 1, got %d", d)
	}
}
