package steps

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/types"
)

type memReader struct {
	steps map[string]bool
	err   error
}

func (m *memReader) GetRunStep(_ context.Context, runID uuid.UUID, step string) (*types.RunStep, error) {
	if m.err != nil {
		return nil, m.err
	}
	if !m.steps[step] {
		return nil, nil
	}
	return &types.RunStep{RunID: runID, Step: step}, nil
}

func TestStepRegistry(t *testing.T) {
	require.Len(t, StepRegistry, len(Order))
	for i, stepName := range Order {
		def, ok := StepRegistry[stepName]
		require.True(t, ok, "Step %s should be in registry", stepName)
		assert.Equal(t, stepName, def.Name)
		assert.NotEmpty(t, def.Category)
		if i == 0 {
			assert.Empty(t, def.Dependencies)
		} else {
			assert.Equal(t, []string{Order[i-1]}, def.Dependencies)
		}
	}
}

func TestDependencyError(t *testing.T) {
	err := &DependencyError{
		Step:                types.StepPredict,
		MissingDependencies: []string{types.StepFactors},
	}

	assert.Contains(t, err.Error(), "missing dependencies")
	assert.True(t, errors.Is(err, errors.ErrStepOutOfOrder))
	assert.True(t, errors.Is(errors.Wrap(err, "predict"), errors.ErrStepOutOfOrder))
}

func TestValidateDependencies(t *testing.T) {
	ctx := context.Background()
	runID := uuid.New()

	t.Run("unknown step", func(t *testing.T) {
		err := ValidateDependencies(ctx, &memReader{}, runID, "unknown_step")
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("missing predecessor", func(t *testing.T) {
		reader := &memReader{steps: map[string]bool{types.StepSelect: true}}
		err := ValidateDependencies(ctx, reader, runID, types.StepFactors)

		var depErr *DependencyError
		require.True(t, errors.As(err, &depErr))
		assert.Equal(t, types.StepFactors, depErr.Step)
		assert.Equal(t, []string{types.StepSnapshot}, depErr.MissingDependencies)
	})

	t.Run("satisfied", func(t *testing.T) {
		reader := &memReader{steps: map[string]bool{types.StepSelect: true, types.StepSnapshot: true}}
		assert.NoError(t, ValidateDependencies(ctx, reader, runID, types.StepFactors))
		assert.NoError(t, ValidateDependencies(ctx, reader, runID, types.StepSelect))
	})

	t.Run("reader failure", func(t *testing.T) {
		reader := &memReader{err: errors.New("db down")}
		err := ValidateDependencies(ctx, reader, runID, types.StepDecide)
		require.Error(t, err)
		assert.False(t, errors.Is(err, errors.ErrStepOutOfOrder))
	})
}

func TestNextStep(t *testing.T) {
	ctx := context.Background()
	runID := uuid.New()

	next, err := NextStep(ctx, &memReader{}, runID)
	require.NoError(t, err)
	assert.Equal(t, types.StepSelect, next)

	reader := &memReader{steps: map[string]bool{
		types.StepSelect: true, types.StepSnapshot: true, types.StepFactors: true,
	}}
	next, err = NextStep(ctx, reader, runID)
	require.NoError(t, err)
	assert.Equal(t, types.StepPredict, next)

	done, err := CompletedSteps(ctx, reader, runID)
	require.NoError(t, err)
	assert.Equal(t, []string{types.StepSelect, types.StepSnapshot, types.StepFactors}, done)

	all := map[string]bool{}
	for _, s := range Order {
		all[s] = true
	}
	next, err = NextStep(ctx, &memReader{steps: all}, runID)
	require.NoError(t, err)
	assert.Empty(t, next)
}
