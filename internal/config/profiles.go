package config

import (
	"fmt"
	"os"

	"github.com/jonathan/pick-agent/internal/scoring"
	"gopkg.in/yaml.v3"
)

// ProfilesFile is the on-disk layout of the scoring profiles. Defaults are
// merged into every profile that leaves a field unset.
type ProfilesFile struct {
	Defaults ProfileDefaults   `yaml:"defaults"`
	Profiles []scoring.Profile `yaml:"profiles"`
}

// ProfileDefaults are shared profile settings.
type ProfileDefaults struct {
	MaxEdgePoints float64                    `yaml:"max_edge_points"`
	MaxConfidence float64                    `yaml:"max_confidence"`
	MinConfidence float64                    `yaml:"min_confidence"`
	MinEdge       float64                    `yaml:"min_edge"`
	MaxLineShift  float64                    `yaml:"max_line_shift"`
	Performance   *scoring.PerformancePolicy `yaml:"performance"`
	Tiers         []scoring.TierThreshold    `yaml:"tiers"`
}

// LoadProfiles reads scoring profiles from path and builds a registry. When
// the file does not exist the built-in profiles are used.
func LoadProfiles(path string) (*scoring.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return scoring.NewRegistry(scoring.DefaultProfiles())
		}
		return nil, fmt.Errorf("failed to read scoring profiles %q: %w", path, err)
	}
	return ParseProfiles(data)
}

// ParseProfiles builds a registry from YAML content.
func ParseProfiles(data []byte) (*scoring.Registry, error) {
	var file ProfilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scoring profiles: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("scoring profiles file defines no profiles")
	}

	profiles := make([]scoring.Profile, 0, len(file.Profiles))
	for _, p := range file.Profiles {
		applyProfileDefaults(&p, file.Defaults)
		profiles = append(profiles, p)
	}

	registry, err := scoring.NewRegistry(profiles)
	if err != nil {
		return nil, fmt.Errorf("invalid scoring profiles: %w", err)
	}
	return registry, nil
}

func applyProfileDefaults(p *scoring.Profile, d ProfileDefaults) {
	if p.MaxEdgePoints == 0 {
		p.MaxEdgePoints = d.MaxEdgePoints
	}
	if p.MaxConfidence == 0 {
		p.MaxConfidence = d.MaxConfidence
	}
	if p.MinConfidence == 0 {
		p.MinConfidence = d.MinConfidence
	}
	if p.MinEdge == 0 {
		p.MinEdge = d.MinEdge
	}
	if p.MaxLineShift == 0 {
		p.MaxLineShift = d.MaxLineShift
	}
	if p.Performance.MinSample == 0 && d.Performance != nil {
		p.Performance = *d.Performance
	}
	if len(p.Tiers) == 0 {
		p.Tiers = append([]scoring.TierThreshold(nil), d.Tiers...)
	}
}
