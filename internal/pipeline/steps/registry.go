// Package steps provides step definitions and dependency validation for the
// pick pipeline.
package steps

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/types"
)

// Step categories
const (
	CategorySelection = "selection"
	CategoryMarket    = "market"
	CategoryAnalysis  = "analysis"
	CategoryDecision  = "decision"
)

// StepDefinition defines metadata for a pipeline step
type StepDefinition struct {
	Name         string
	Category     string
	Dependencies []string
}

// Order lists the steps in execution order.
var Order = []string{
	types.StepSelect,
	types.StepSnapshot,
	types.StepFactors,
	types.StepPredict,
	types.StepDecide,
	types.StepFinalize,
}

// StepRegistry holds all step definitions
var StepRegistry = map[string]StepDefinition{
	types.StepSelect: {
		Name:         types.StepSelect,
		Category:     CategorySelection,
		Dependencies: []string{},
	},
	types.StepSnapshot: {
		Name:         types.StepSnapshot,
		Category:     CategoryMarket,
		Dependencies: []string{types.StepSelect},
	},
	types.StepFactors: {
		Name:         types.StepFactors,
		Category:     CategoryAnalysis,
		Dependencies: []string{types.StepSnapshot},
	},
	types.StepPredict: {
		Name:         types.StepPredict,
		Category:     CategoryAnalysis,
		Dependencies: []string{types.StepFactors},
	},
	types.StepDecide: {
		Name:         types.StepDecide,
		Category:     CategoryDecision,
		Dependencies: []string{types.StepPredict},
	},
	types.StepFinalize: {
		Name:         types.StepFinalize,
		Category:     CategoryDecision,
		Dependencies: []string{types.StepDecide},
	},
}

// StepReader reads stored step results.
type StepReader interface {
	GetRunStep(ctx context.Context, runID uuid.UUID, step string) (*types.RunStep, error)
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s: missing dependencies: %v", e.Step, e.MissingDependencies)
}

// Unwrap lets errors.Is match errors.ErrStepOutOfOrder.
func (e *DependencyError) Unwrap() error {
	return errors.ErrStepOutOfOrder
}

// ValidateDependencies checks if all required dependencies for a step are completed
func ValidateDependencies(ctx context.Context, reader StepReader, runID uuid.UUID, stepName string) error {
	def, ok := StepRegistry[stepName]
	if !ok {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown step: %s", stepName)
	}

	var missing []string
	for _, dep := range def.Dependencies {
		step, err := reader.GetRunStep(ctx, runID, dep)
		if err != nil {
			return errors.Wrapf(err, "failed to check dependency %s", dep)
		}
		if step == nil {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{
			Step:                stepName,
			MissingDependencies: missing,
		}
	}

	return nil
}

// CompletedSteps returns the stored steps of a run in execution order.
func CompletedSteps(ctx context.Context, reader StepReader, runID uuid.UUID) ([]string, error) {
	var done []string
	for _, name := range Order {
		step, err := reader.GetRunStep(ctx, runID, name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to check step %s", name)
		}
		if step != nil {
			done = append(done, name)
		}
	}
	return done, nil
}

// NextStep returns the first step of the run that has not completed, or ""
// when the run has produced every step.
func NextStep(ctx context.Context, reader StepReader, runID uuid.UUID) (string, error) {
	done, err := CompletedSteps(ctx, reader, runID)
	if err != nil {
		return "", err
	}
	completed := make(map[string]bool, len(done))
	for _, name := range done {
		completed[name] = true
	}
	for _, name := range Order {
		if !completed[name] {
			return name, nil
		}
	}
	return "", nil
}
