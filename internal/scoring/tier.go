package scoring

// TierCount is the number of ordered tiers every profile defines.
const TierCount = 5

// Tier is a discrete grade derived from confidence only.
type Tier struct {
	Name  string  `json:"name"`
	Rank  int     `json:"rank"`
	Units float64 `json:"units"`
}

// TierFor maps confidence to the highest tier whose threshold it reaches.
// A confidence exactly on a threshold belongs to that threshold's tier.
func (e *Engine) TierFor(confidence float64) Tier {
	tiers := e.profile.Tiers
	idx := 0
	for i, t := range tiers {
		if confidence >= t.Min {
			idx = i
		}
	}
	return Tier{Name: tiers[idx].Name, Rank: idx + 1, Units: tiers[idx].Units}
}
