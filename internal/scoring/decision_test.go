package scoring

import (
	"testing"

	"github.com/jonathan/pick-agent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredict_Total(t *testing.T) {
	e := newTestEngine(t)

	over := e.Predict(types.KindTotal, 0.5, 220.5)
	assert.Equal(t, types.DirectionOver, over.Direction)
	assert.Equal(t, 226.5, over.PredictedValue)
	assert.Equal(t, 6.0, over.Magnitude)

	under := e.Predict(types.KindTotal, -0.25, 220.5)
	assert.Equal(t, types.DirectionUnder, under.Direction)
	assert.Equal(t, 217.5, under.PredictedValue)

	flat := e.Predict(types.KindTotal, 0, 220.5)
	assert.Equal(t, types.DirectionNone, flat.Direction)
}

func TestPredict_Spread(t *testing.T) {
	p := testProfile()
	p.Kind = types.KindSpread
	p.MaxLineShift = 8
	e, err := NewEngine(p)
	require.NoError(t, err)

	home := e.Predict(types.KindSpread, 0.5, -3.5)
	assert.Equal(t, types.DirectionHome, home.Direction)
	assert.Equal(t, 7.5, home.PredictedValue)
	assert.Equal(t, 4.0, home.Magnitude)

	away := e.Predict(types.KindSpread, -0.5, -3.5)
	assert.Equal(t, types.DirectionAway, away.Direction)
	assert.Equal(t, -0.5, away.PredictedValue)
}

func TestDecide(t *testing.T) {
	e := newTestEngine(t)
	market := types.MarketSnapshot{Line: 220.5, Price: -110, OpposingPrice: -105}

	t.Run("pick", func(t *testing.T) {
		score := Score{Confidence: 6.7, Tier: e.TierFor(6.7)}
		d := e.Decide(e.Predict(types.KindTotal, -0.5, 220.5), score, market)
		assert.Equal(t, types.DecisionPick, d.Decision)
		assert.Equal(t, "UNDER 220.5", d.Selection)
		assert.Equal(t, -105, d.Price)
		assert.Equal(t, 2.0, d.Units)
		assert.Empty(t, d.Reasons)
	})

	t.Run("pass on confidence", func(t *testing.T) {
		score := Score{Confidence: 4.5, Tier: e.TierFor(4.5)}
		d := e.Decide(e.Predict(types.KindTotal, 0.5, 220.5), score, market)
		assert.Equal(t, types.DecisionPass, d.Decision)
		assert.Equal(t, []string{ReasonConfidenceBelow}, d.Reasons)
		assert.Empty(t, d.Selection)
	})

	t.Run("pass on edge and direction", func(t *testing.T) {
		score := Score{Confidence: 9, Tier: e.TierFor(9)}
		d := e.Decide(e.Predict(types.KindTotal, 0, 220.5), score, market)
		assert.Equal(t, types.DecisionPass, d.Decision)
		assert.Contains(t, d.Reasons, ReasonNoDirection)
		assert.Contains(t, d.Reasons, ReasonEdgeBelowMin)
	})

	t.Run("away spread flips line", func(t *testing.T) {
		p := testProfile()
		p.Kind = types.KindSpread
		se, err := NewEngine(p)
		require.NoError(t, err)
		spread := types.MarketSnapshot{Line: -3.5, Price: -110, OpposingPrice: -110}
		score := Score{Confidence: 7, Tier: se.TierFor(7)}
		d := se.Decide(se.Predict(types.KindSpread, -0.5, -3.5), score, spread)
		assert.Equal(t, types.DecisionPick, d.Decision)
		assert.Equal(t, "AWAY +3.5", d.Selection)
		assert.Equal(t, 3.5, d.Line)
	})
}
