// Package domain contains the cluster configuration model and planning errors.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested node or VM is not tracked.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when a mutation conflicts with the current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrConfigurationState is returned when a VM or node is in zero or several target states.
	ErrConfigurationState = errors.New("inconsistent target state")

	// ErrNoAvailableTransition is returned when an illegal state transition is requested.
	ErrNoAvailableTransition = errors.New("no available transition")

	// ErrNonViableSource is returned when the source configuration is already over capacity.
	ErrNonViableSource = errors.New("non-viable source configuration")

	// ErrDurationEvaluation is returned when an action duration cannot be estimated.
	ErrDurationEvaluation = errors.New("duration evaluation failed")

	// ErrInfeasible is returned when the solver proved that no plan exists.
	ErrInfeasible = errors.New("no solution")

	// ErrUnknownFeasibility is returned when the solver stopped before any verdict.
	ErrUnknownFeasibility = errors.New("unknown feasibility")

	// ErrInconsistentSolution is returned when a solved plan fails post-solve validation.
	ErrInconsistentSolution = errors.New("inconsistent solution")

	// ErrPartitioning is returned when the problem cannot be split into partitions.
	ErrPartitioning = errors.New("partitioning failed")
)

// ConfigurationStateError reports a VM or node listed in zero or several target states.
type ConfigurationStateError struct {
	Subject string
	Kind    string // "vm" or "node"
	States  []string
}

func (e *ConfigurationStateError) Error() string {
	if len(e.States) == 0 {
		return fmt.Sprintf("%s %s has no target state", e.Kind, e.Subject)
	}
	return fmt.Sprintf("%s %s is in several target states: %s", e.Kind, e.Subject, strings.Join(e.States, ", "))
}

func (e *ConfigurationStateError) Is(target error) bool { return target == ErrConfigurationState }

// NoAvailableTransitionError reports an illegal VM state transition.
type NoAvailableTransitionError struct {
	VM   string
	From VMState
	To   VMState
}

func (e *NoAvailableTransitionError) Error() string {
	return fmt.Sprintf("no available transition for vm %s from %s to %s", e.VM, e.From, e.To)
}

func (e *NoAvailableTransitionError) Is(target error) bool { return target == ErrNoAvailableTransition }

// NonViableSourceConfigurationError reports a node overloaded in the source configuration.
type NonViableSourceConfigurationError struct {
	Node     string
	Resource Resource
	Load     int
	Capacity int
}

func (e *NonViableSourceConfigurationError) Error() string {
	return fmt.Sprintf("node %s is overloaded in the source configuration: %s load %d exceeds capacity %d",
		e.Node, e.Resource, e.Load, e.Capacity)
}

func (e *NonViableSourceConfigurationError) Is(target error) bool { return target == ErrNonViableSource }

// DurationEvaluationError reports a failed duration estimation.
type DurationEvaluationError struct {
	Action  string
	Subject string
	Err     error
}

func (e *DurationEvaluationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unable to evaluate %s duration for %s", e.Action, e.Subject)
	}
	return fmt.Sprintf("unable to evaluate %s duration for %s: %v", e.Action, e.Subject, e.Err)
}

func (e *DurationEvaluationError) Is(target error) bool { return target == ErrDurationEvaluation }

func (e *DurationEvaluationError) Unwrap() error { return e.Err }

// InfeasibleError reports a problem proven to have no solution.
type InfeasibleError struct {
	Partition int
	Reason    string
}

func (e *InfeasibleError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("partition %d: no solution", e.Partition)
	}
	return fmt.Sprintf("partition %d: no solution: %s", e.Partition, e.Reason)
}

func (e *InfeasibleError) Is(target error) bool { return target == ErrInfeasible }

// UnknownFeasibilityError reports a search stopped by its limit before any verdict.
type UnknownFeasibilityError struct {
	Partition int
	Limit     string
}

func (e *UnknownFeasibilityError) Error() string {
	return fmt.Sprintf("partition %d: no solution found before the %s limit", e.Partition, e.Limit)
}

func (e *UnknownFeasibilityError) Is(target error) bool { return target == ErrUnknownFeasibility }

// InconsistentSolutionError reports a solved plan that fails validation. It signals a modeling bug.
type InconsistentSolutionError struct {
	Reason string
}

func (e *InconsistentSolutionError) Error() string {
	return "inconsistent solution: " + e.Reason
}

func (e *InconsistentSolutionError) Is(target error) bool { return target == ErrInconsistentSolution }

// PartitioningError reports an element that cannot be assigned to a partition.
type PartitioningError struct {
	Subject string
	Reason  string
}

func (e *PartitioningError) Error() string {
	return fmt.Sprintf("unable to partition %s: %s", e.Subject, e.Reason)
}

func (e *PartitioningError) Is(target error) bool { return target == ErrPartitioning }
