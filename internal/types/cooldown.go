package types

import (
	"fmt"
	"time"
)

// CooldownOutcome is the reason an opportunity is suppressed.
type CooldownOutcome string

const (
	CooldownPass    CooldownOutcome = "PASS"
	CooldownDecided CooldownOutcome = "DECIDED"
	CooldownError   CooldownOutcome = "ERROR"
)

// PermanentExpiry is the horizon used for DECIDED cooldowns.
var PermanentExpiry = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Opportunity identifies one game evaluated for one schedule.
type Opportunity struct {
	SubjectID string `json:"subject_id"`
	Category  string `json:"category"`
	Kind      string `json:"kind"`
	GameID    string `json:"game_id"`
}

// CooldownSubject is the cooldown key subject: one capper on one game.
func (o Opportunity) CooldownSubject() string {
	return fmt.Sprintf("%s:%s", o.SubjectID, o.GameID)
}

// Cooldown is a suppression record for an opportunity.
type Cooldown struct {
	SubjectID string          `json:"subject_id"`
	Category  string          `json:"category"`
	Kind      string          `json:"kind"`
	Outcome   CooldownOutcome `json:"outcome"`
	RunID     string          `json:"run_id,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsActive reports whether the cooldown still suppresses at now.
func (c *Cooldown) IsActive(now time.Time) bool {
	return c.ExpiresAt.After(now)
}

// IsPermanent reports whether the cooldown never expires.
func (c *Cooldown) IsPermanent() bool {
	return c.Outcome == CooldownDecided
}
