// Package scoring combines normalized signals into a directional value, a
// confidence score and a tier. It performs no I/O.
package scoring

import (
	"math"

	"github.com/jonathan/pick-agent/internal/types"
)

// Signal is one raw input paired with its configured transform.
type Signal struct {
	FactorNo  int
	Name      string
	Input     string
	Raw       *float64
	Baseline  float64
	Scale     float64
	Weight    float64
	MaxPoints float64
	Invert    bool
}

// Combined is the output of the signal pass.
type Combined struct {
	Factors     []types.FactorScore
	NetPoints   float64
	Directional float64
}

// Score is the full scoring result.
type Score struct {
	Combined
	EdgePoints  float64
	Performance types.PerformancePoints
	Confidence  float64
	Tier        Tier
}

// Engine scores signals against one profile.
type Engine struct {
	profile Profile
}

// NewEngine validates the profile and returns an engine for it.
func NewEngine(p Profile) (*Engine, error) {
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{profile: p}, nil
}

// Profile returns a copy of the engine's profile.
func (e *Engine) Profile() Profile {
	return e.profile
}

// Normalize squashes (raw - baseline) / scale into [-1, 1]. A missing or
// non-finite raw value, or a non-positive scale, is neutral.
func Normalize(raw *float64, baseline, scale float64) float64 {
	if raw == nil || math.IsNaN(*raw) || scale <= 0 {
		return 0
	}
	return math.Tanh((*raw - baseline) / scale)
}

// Signals builds the profile's signals from the available inputs. Inputs are
// keyed by factor input name; research inputs are keyed "research:<input>".
func (e *Engine) Signals(inputs map[string]float64) []Signal {
	signals := make([]Signal, 0, len(e.profile.Factors))
	for i, f := range e.profile.Factors {
		key := f.Input
		if f.Source == SourceResearch {
			key = ResearchInputKey(f.Input)
		}
		var raw *float64
		if v, ok := inputs[key]; ok {
			v := v
			raw = &v
		}
		signals = append(signals, Signal{
			FactorNo:  i + 1,
			Name:      f.Name,
			Input:     key,
			Raw:       raw,
			Baseline:  f.Baseline,
			Scale:     f.Scale,
			Weight:    f.Weight,
			MaxPoints: f.MaxPoints,
			Invert:    f.Invert,
		})
	}
	return signals
}

// ResearchInputKey namespaces research inputs so they cannot collide with
// stats keys.
func ResearchInputKey(input string) string {
	return "research:" + input
}

// Combine normalizes, weights and sums the signals.
func (e *Engine) Combine(signals []Signal) Combined {
	maxPoints := e.profile.MaxEdgePoints
	out := Combined{Factors: make([]types.FactorScore, 0, len(signals))}

	for _, s := range signals {
		n := Normalize(s.Raw, s.Baseline, s.Scale)
		if s.Invert {
			n = -n
		}
		points := n * s.Weight * maxPoints
		capped := false
		if s.MaxPoints > 0 && math.Abs(points) > s.MaxPoints {
			points = math.Copysign(s.MaxPoints, points)
			capped = true
		}
		out.NetPoints += points
		out.Factors = append(out.Factors, types.FactorScore{
			FactorNo:    s.FactorNo,
			Name:        s.Name,
			Input:       s.Input,
			Raw:         s.Raw,
			Baseline:    s.Baseline,
			Scale:       s.Scale,
			Normalized:  n,
			Weight:      s.Weight,
			Points:      points,
			CapsApplied: capped,
			Missing:     s.Raw == nil || math.IsNaN(*s.Raw),
		})
	}

	out.NetPoints = clamp(out.NetPoints, -maxPoints, maxPoints)
	out.Directional = out.NetPoints / maxPoints
	return out
}

// PerformancePoints converts a graded history into bonus points. Every
// bucket is non-negative; a win rate below the minimum sample earns nothing.
func (e *Engine) PerformancePoints(perf types.Performance) types.PerformancePoints {
	policy := e.profile.Performance
	var pts types.PerformancePoints

	if perf.Streak > 0 {
		pts.Streak = bucketPoints(policy.StreakBuckets, float64(perf.Streak))
	}
	if perf.Graded() >= policy.MinSample {
		pts.WinRate = bucketPoints(policy.WinRateBuckets, perf.WinRate())
	}
	pts.TrackRecord = bucketPoints(policy.TrackRecordBuckets, perf.NetUnits)
	pts.Total = pts.Streak + pts.WinRate + pts.TrackRecord
	return pts
}

// SidePoints sums the factor points pushing each way. Every factor adds its
// magnitude to its own side only; each side is bounded by MaxEdgePoints.
func (e *Engine) SidePoints(factors []types.FactorScore) (positive, negative float64) {
	for _, f := range factors {
		if f.Points > 0 {
			positive += f.Points
		} else {
			negative -= f.Points
		}
	}
	maxPoints := e.profile.MaxEdgePoints
	return clamp(positive, 0, maxPoints), clamp(negative, 0, maxPoints)
}

// EdgePoints is the score of the winning side, the side the net points
// lean to. Raising any factor's magnitude can only raise one side, so edge
// points never fall when a single signal strengthens.
func (e *Engine) EdgePoints(factors []types.FactorScore) float64 {
	positive, negative := e.SidePoints(factors)
	return math.Max(positive, negative)
}

// Confidence sums edge and performance points, bounded by the profile's
// maximum and rounded to two decimals so tier boundaries are stable.
func (e *Engine) Confidence(edgePoints float64, perf types.PerformancePoints) float64 {
	raw := edgePoints + perf.Total
	return round2(clamp(raw, 0, e.profile.MaxConfidence))
}

// Score runs the signal pass and the confidence/tier pass together.
func (e *Engine) Score(signals []Signal, perf types.Performance) Score {
	combined := e.Combine(signals)
	return e.ScoreCombined(combined, perf)
}

// ScoreCombined grades an already combined signal pass.
func (e *Engine) ScoreCombined(combined Combined, perf types.Performance) Score {
	pp := e.PerformancePoints(perf)
	edge := e.EdgePoints(combined.Factors)
	confidence := e.Confidence(edge, pp)
	return Score{
		Combined:    combined,
		EdgePoints:  round2(edge),
		Performance: pp,
		Confidence:  confidence,
		Tier:        e.TierFor(confidence),
	}
}

func bucketPoints(buckets []Bucket, value float64) float64 {
	var points float64
	for _, b := range buckets {
		if value >= b.Min {
			points = b.Points
		}
	}
	return points
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// UsesResearch reports whether any factor of the profile reads a research
// input.
func (e *Engine) UsesResearch() bool {
	for _, f := range e.profile.Factors {
		if f.Source == SourceResearch {
			return true
		}
	}
	return false
}
