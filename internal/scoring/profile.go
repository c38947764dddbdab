package scoring

import (
	"math"
	"sort"

	"github.com/jonathan/pick-agent/internal/errors"
)

// weightTotal is the fixed sum every profile's factor weights must reach so
// confidence stays comparable across categories.
const weightTotal = 1.0

const weightTolerance = 1e-6

// Factor sources.
const (
	SourceStats    = "stats"
	SourceResearch = "research"
)

// FactorSpec configures one signal.
type FactorSpec struct {
	Name      string  `yaml:"name" json:"name"`
	Input     string  `yaml:"input" json:"input"`
	Source    string  `yaml:"source" json:"source"`
	Baseline  float64 `yaml:"baseline" json:"baseline"`
	Scale     float64 `yaml:"scale" json:"scale"`
	Weight    float64 `yaml:"weight" json:"weight"`
	MaxPoints float64 `yaml:"max_points" json:"max_points"`
	Invert    bool    `yaml:"invert" json:"invert"`
}

// Bucket awards Points once a value reaches Min.
type Bucket struct {
	Min    float64 `yaml:"min" json:"min"`
	Points float64 `yaml:"points" json:"points"`
}

// PerformancePolicy configures the historical-performance bonus.
type PerformancePolicy struct {
	MinSample          int      `yaml:"min_sample" json:"min_sample"`
	StreakBuckets      []Bucket `yaml:"streak_buckets" json:"streak_buckets"`
	WinRateBuckets     []Bucket `yaml:"win_rate_buckets" json:"win_rate_buckets"`
	TrackRecordBuckets []Bucket `yaml:"track_record_buckets" json:"track_record_buckets"`
}

// TierThreshold is the lower confidence bound of a tier.
type TierThreshold struct {
	Name  string  `yaml:"name" json:"name"`
	Min   float64 `yaml:"min" json:"min"`
	Units float64 `yaml:"units" json:"units"`
}

// Profile is the scoring configuration for one category and kind.
type Profile struct {
	Category      string            `yaml:"category" json:"category"`
	Kind          string            `yaml:"kind" json:"kind"`
	MaxEdgePoints float64           `yaml:"max_edge_points" json:"max_edge_points"`
	MaxConfidence float64           `yaml:"max_confidence" json:"max_confidence"`
	MinConfidence float64           `yaml:"min_confidence" json:"min_confidence"`
	MinEdge       float64           `yaml:"min_edge" json:"min_edge"`
	MaxLineShift  float64           `yaml:"max_line_shift" json:"max_line_shift"`
	Factors       []FactorSpec      `yaml:"factors" json:"factors"`
	Performance   PerformancePolicy `yaml:"performance" json:"performance"`
	Tiers         []TierThreshold   `yaml:"tiers" json:"tiers"`
}

// Validate checks the numeric policy of the profile.
func (p *Profile) Validate() error {
	if p.Category == "" || p.Kind == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "profile requires category and kind")
	}
	if p.MaxEdgePoints <= 0 || p.MaxConfidence <= 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: max_edge_points and max_confidence must be positive", p.Category, p.Kind)
	}
	if p.MaxLineShift <= 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: max_line_shift must be positive", p.Category, p.Kind)
	}
	if len(p.Factors) == 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: no factors configured", p.Category, p.Kind)
	}

	var sum float64
	seen := make(map[string]bool, len(p.Factors))
	for _, f := range p.Factors {
		if f.Name == "" || f.Input == "" {
			return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: factor requires name and input", p.Category, p.Kind)
		}
		if seen[f.Name] {
			return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: duplicate factor %q", p.Category, p.Kind, f.Name)
		}
		seen[f.Name] = true
		if f.Scale <= 0 {
			return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: factor %q scale must be positive", p.Category, p.Kind, f.Name)
		}
		if f.Weight < 0 || f.MaxPoints < 0 {
			return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: factor %q weight and max_points must be non-negative", p.Category, p.Kind, f.Name)
		}
		if f.Source != SourceStats && f.Source != SourceResearch {
			return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: factor %q has unknown source %q", p.Category, p.Kind, f.Name, f.Source)
		}
		sum += f.Weight
	}
	if math.Abs(sum-weightTotal) > weightTolerance {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: factor weights sum to %.4f, want %.1f", p.Category, p.Kind, sum, weightTotal)
	}

	if p.Performance.MinSample < 1 {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: performance.min_sample must be at least 1", p.Category, p.Kind)
	}
	for name, buckets := range map[string][]Bucket{
		"streak_buckets":       p.Performance.StreakBuckets,
		"win_rate_buckets":     p.Performance.WinRateBuckets,
		"track_record_buckets": p.Performance.TrackRecordBuckets,
	} {
		for _, b := range buckets {
			if b.Points < 0 {
				return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: %s points must be non-negative", p.Category, p.Kind, name)
			}
		}
	}

	if len(p.Tiers) != TierCount {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: want %d tiers, got %d", p.Category, p.Kind, TierCount, len(p.Tiers))
	}
	if p.Tiers[0].Min != 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: lowest tier must start at 0", p.Category, p.Kind)
	}
	for i := 1; i < len(p.Tiers); i++ {
		if p.Tiers[i].Min <= p.Tiers[i-1].Min {
			return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: tier thresholds must be strictly ascending", p.Category, p.Kind)
		}
	}
	if p.MinConfidence < 0 || p.MinConfidence > p.MaxConfidence {
		return errors.Wrapf(errors.ErrInvalidRequest, "profile %s/%s: min_confidence out of range", p.Category, p.Kind)
	}
	return nil
}

// normalize fills defaults and sorts buckets ascending.
func (p *Profile) normalize() {
	for i := range p.Factors {
		if p.Factors[i].Source == "" {
			p.Factors[i].Source = SourceStats
		}
	}
	for _, buckets := range [][]Bucket{
		p.Performance.StreakBuckets,
		p.Performance.WinRateBuckets,
		p.Performance.TrackRecordBuckets,
	} {
		sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].Min < buckets[j].Min })
	}
}

// DefaultTiers are the five tiers shipped with the default profiles.
func DefaultTiers() []TierThreshold {
	return []TierThreshold{
		{Name: "bronze", Min: 0, Units: 1},
		{Name: "silver", Min: 5.0, Units: 1.5},
		{Name: "gold", Min: 6.5, Units: 2},
		{Name: "platinum", Min: 7.5, Units: 3},
		{Name: "diamond", Min: 8.5, Units: 5},
	}
}

// DefaultPerformance is the shipped historical-performance policy.
func DefaultPerformance() PerformancePolicy {
	return PerformancePolicy{
		MinSample: 20,
		StreakBuckets: []Bucket{
			{Min: 2, Points: 0.5},
			{Min: 4, Points: 1.0},
		},
		WinRateBuckets: []Bucket{
			{Min: 0.53, Points: 0.5},
			{Min: 0.56, Points: 1.0},
			{Min: 0.60, Points: 1.5},
		},
		TrackRecordBuckets: []Bucket{
			{Min: 5, Points: 0.25},
			{Min: 15, Points: 0.5},
		},
	}
}

// DefaultProfiles returns the built-in profiles used when no profile file is
// configured. They are an illustrative instance, not tuned models.
func DefaultProfiles() []Profile {
	base := func(category, kind string, shift float64, factors []FactorSpec) Profile {
		return Profile{
			Category:      category,
			Kind:          kind,
			MaxEdgePoints: 8,
			MaxConfidence: 10,
			MinConfidence: 5,
			MinEdge:       shift / 8,
			MaxLineShift:  shift,
			Factors:       factors,
			Performance:   DefaultPerformance(),
			Tiers:         DefaultTiers(),
		}
	}

	return []Profile{
		base("nba", "total", 12, []FactorSpec{
			{Name: "pace", Input: "pace_delta", Source: SourceStats, Baseline: 0, Scale: 3, Weight: 0.3},
			{Name: "offense", Input: "offensive_rating_delta", Source: SourceStats, Baseline: 0, Scale: 4, Weight: 0.3},
			{Name: "defense", Input: "defensive_rating_delta", Source: SourceStats, Baseline: 0, Scale: 4, Weight: 0.2, Invert: true},
			{Name: "rest", Input: "rest_days_delta", Source: SourceStats, Baseline: 0, Scale: 1.5, Weight: 0.1, MaxPoints: 0.6},
			{Name: "research", Input: "lean", Source: SourceResearch, Baseline: 0, Scale: 0.5, Weight: 0.1},
		}),
		base("nba", "spread", 8, []FactorSpec{
			{Name: "net_rating", Input: "net_rating_diff", Source: SourceStats, Baseline: 0, Scale: 5, Weight: 0.4},
			{Name: "form", Input: "last10_margin_diff", Source: SourceStats, Baseline: 0, Scale: 6, Weight: 0.25},
			{Name: "rest", Input: "rest_days_diff", Source: SourceStats, Baseline: 0, Scale: 1.5, Weight: 0.15, MaxPoints: 1},
			{Name: "injuries", Input: "injury_impact_diff", Source: SourceStats, Baseline: 0, Scale: 2, Weight: 0.1},
			{Name: "research", Input: "lean", Source: SourceResearch, Baseline: 0, Scale: 0.5, Weight: 0.1},
		}),
		base("nfl", "total", 7, []FactorSpec{
			{Name: "pace", Input: "plays_per_game_delta", Source: SourceStats, Baseline: 0, Scale: 4, Weight: 0.35},
			{Name: "efficiency", Input: "epa_per_play_delta", Source: SourceStats, Baseline: 0, Scale: 0.08, Weight: 0.35},
			{Name: "weather", Input: "wind_mph", Source: SourceStats, Baseline: 10, Scale: 8, Weight: 0.2, Invert: true},
			{Name: "research", Input: "lean", Source: SourceResearch, Baseline: 0, Scale: 0.5, Weight: 0.1},
		}),
		base("nfl", "spread", 6, []FactorSpec{
			{Name: "power", Input: "power_rating_diff", Source: SourceStats, Baseline: 0, Scale: 4, Weight: 0.5},
			{Name: "efficiency", Input: "epa_per_play_diff", Source: SourceStats, Baseline: 0, Scale: 0.1, Weight: 0.3},
			{Name: "research", Input: "lean", Source: SourceResearch, Baseline: 0, Scale: 0.5, Weight: 0.2},
		}),
	}
}
