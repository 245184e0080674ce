package solver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Valgeir99/distributed-optimization-solver/internal/solver"
)

func TestStaticImplementsSolver(t *testing.T) {
	var s solver.Solver = solver.Static{Feasible: true, Objective: 42}
	ctx := context.Background()

	obj, err := s.ObjectiveValue(ctx, "tsp_1", "0 1 1 0")
	if err != nil {
		t.Fatalf("ObjectiveValue: %v", err)
	}
	if obj != 42 {
		t.Fatalf("objective = %v, want 42", obj)
	}

	feasible, obj, err := s.Validate(ctx, "tsp_1", "0 1 1 0", 50)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !feasible || obj != 42 {
		t.Fatalf("feasible=%v obj=%v, want true 42", feasible, obj)
	}
}

func TestStaticPropagatesError(t *testing.T) {
	wantErr := errors.New("solver crashed")
	s := solver.Static{Err: wantErr}

	if _, err := s.ObjectiveValue(context.Background(), "tsp_1", ""); !errors.Is(err, wantErr) {
		t.Fatalf("ObjectiveValue err = %v, want %v", err, wantErr)
	}
	if _, _, err := s.Validate(context.Background(), "tsp_1", "", 0); !errors.Is(err, wantErr) {
		t.Fatalf("Validate err = %v, want %v", err, wantErr)
	}
}
