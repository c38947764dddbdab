package scoring

import (
	"fmt"
	"math"

	"github.com/jonathan/pick-agent/internal/types"
)

// Pass reasons.
const (
	ReasonNoDirection     = "no_direction"
	ReasonEdgeBelowMin    = "edge_below_minimum"
	ReasonConfidenceBelow = "confidence_below_minimum"
)

// Prediction is the directional read of a combined signal against the market.
type Prediction struct {
	Direction      string
	MarketLine     float64
	PredictedValue float64
	Magnitude      float64
}

// Predict shifts the market line by the directional value. For totals the
// predicted value is a total; for spreads it is the home margin, where the
// market implies a home margin of -line.
func (e *Engine) Predict(kind string, directional, line float64) Prediction {
	shift := directional * e.profile.MaxLineShift
	p := Prediction{
		MarketLine: line,
		Magnitude:  round2(math.Abs(shift)),
	}

	switch kind {
	case types.KindSpread:
		p.PredictedValue = round2(-line + shift)
		p.Direction = direction(shift, types.DirectionHome, types.DirectionAway)
	default:
		p.PredictedValue = round2(line + shift)
		p.Direction = direction(shift, types.DirectionOver, types.DirectionUnder)
	}
	if p.Magnitude == 0 {
		p.Direction = types.DirectionNone
	}
	return p
}

func direction(shift float64, positive, negative string) string {
	switch {
	case shift > 0:
		return positive
	case shift < 0:
		return negative
	default:
		return types.DirectionNone
	}
}

// Decision is the PICK/PASS verdict with the market terms of the selection.
type Decision struct {
	Decision  string
	Selection string
	Line      float64
	Price     int
	Units     float64
	Reasons   []string
}

// Decide compares the prediction to the profile's thresholds. The market
// snapshot supplies the price and the line quoted for the selected side.
func (e *Engine) Decide(pred Prediction, score Score, market types.MarketSnapshot) Decision {
	var reasons []string
	if pred.Direction == types.DirectionNone {
		reasons = append(reasons, ReasonNoDirection)
	}
	if pred.Magnitude < e.profile.MinEdge {
		reasons = append(reasons, ReasonEdgeBelowMin)
	}
	if score.Confidence < e.profile.MinConfidence {
		reasons = append(reasons, ReasonConfidenceBelow)
	}

	if len(reasons) > 0 {
		return Decision{Decision: types.DecisionPass, Line: market.Line, Reasons: reasons}
	}

	d := Decision{
		Decision: types.DecisionPick,
		Line:     market.Line,
		Price:    market.Price,
		Units:    score.Tier.Units,
		Reasons:  []string{},
	}
	switch pred.Direction {
	case types.DirectionUnder:
		d.Price = market.OpposingPrice
	case types.DirectionAway:
		d.Line = -market.Line
		d.Price = market.OpposingPrice
	}
	d.Selection = fmt.Sprintf("%s %s", pred.Direction, formatLine(pred.Direction, d.Line))
	return d
}

func formatLine(direction string, line float64) string {
	if direction == types.DirectionHome || direction == types.DirectionAway {
		return fmt.Sprintf("%+.1f", line)
	}
	return fmt.Sprintf("%.1f", line)
}
