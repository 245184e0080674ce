// Package solver defines the contract the platform consumes from the
// binary-integer-programming heuristic solver. The platform never inspects
// solver internals; agents run a solver implementation locally and report
// the objective values it produces.
package solver

import "context"

// Solver evaluates candidate solutions for a problem instance.
type Solver interface {
	// ObjectiveValue computes the objective of a solution.
	ObjectiveValue(ctx context.Context, instanceName, solutionData string) (float64, error)
	// Validate checks feasibility of a solution against the instance and
	// reports its objective. bestKnownObjective lets implementations
	// short-circuit solutions that do not improve on the current best.
	Validate(ctx context.Context, instanceName, solutionData string, bestKnownObjective float64) (feasible bool, objective float64, err error)
}

// Static is a fixed-answer Solver for tests and examples.
type Static struct {
	Feasible  bool
	Objective float64
	Err       error
}

func (s Static) ObjectiveValue(ctx context.Context, instanceName, solutionData string) (float64, error) {
	return s.Objective, s.Err
}

func (s Static) Validate(ctx context.Context, instanceName, solutionData string, bestKnownObjective float64) (bool, float64, error) {
	return s.Feasible, s.Objective, s.Err
}
