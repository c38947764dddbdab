package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	RunPending  RunState = "PENDING"
	RunComplete RunState = "COMPLETE"
	RunVoided   RunState = "VOIDED"
	RunError    RunState = "ERROR"
)

// IsTerminal reports whether no more steps may be appended.
func (s RunState) IsTerminal() bool {
	return s == RunComplete || s == RunVoided || s == RunError
}

// Decision values.
const (
	DecisionPick = "PICK"
	DecisionPass = "PASS"
)

// Run is one execution of the pipeline against one opportunity.
type Run struct {
	ID           uuid.UUID  `json:"run_id"`
	SubjectID    string     `json:"subject_id"`
	Category     string     `json:"category"`
	Kind         string     `json:"kind"`
	GameID       string     `json:"game_id"`
	GameStart    time.Time  `json:"game_start"`
	State        RunState   `json:"state"`
	Decision     *string    `json:"decision,omitempty"`
	Selection    *string    `json:"selection,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"`
	Tier         *string    `json:"tier,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Opportunity returns the opportunity the run evaluates.
func (r *Run) Opportunity() Opportunity {
	return Opportunity{
		SubjectID: r.SubjectID,
		Category:  r.Category,
		Kind:      r.Kind,
		GameID:    r.GameID,
	}
}

// RunCompletion carries the terminal fields written when a run finishes.
type RunCompletion struct {
	State        RunState
	Decision     *string
	Selection    *string
	Confidence   *float64
	Tier         *string
	ErrorMessage *string
	CompletedAt  time.Time
}

// RunStep is an append-only step result.
type RunStep struct {
	RunID     uuid.UUID       `json:"run_id"`
	Step      string          `json:"step"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Factor is one persisted factor row for a run.
type Factor struct {
	RunID           uuid.UUID       `json:"run_id"`
	FactorNo        int             `json:"factor_no"`
	Name            string          `json:"name"`
	RawInputs       json.RawMessage `json:"raw_inputs"`
	NormalizedValue float64         `json:"normalized_value"`
	Weight          float64         `json:"weight"`
	Points          float64         `json:"points"`
	CapsApplied     bool            `json:"caps_applied"`
}

// Outcome is the actionable record materialized for a PICK.
type Outcome struct {
	ID          uuid.UUID `json:"outcome_id"`
	RunID       uuid.UUID `json:"run_id"`
	SubjectID   string    `json:"subject_id"`
	Category    string    `json:"category"`
	Kind        string    `json:"kind"`
	GameID      string    `json:"game_id"`
	Selection   string    `json:"selection"`
	Line        float64   `json:"line"`
	Price       int       `json:"price"`
	Confidence  float64   `json:"confidence"`
	Tier        string    `json:"tier"`
	Units       float64   `json:"units"`
	CreatedAt   time.Time `json:"created_at"`
	Result      *string   `json:"result,omitempty"`
	ProfitUnits *float64  `json:"profit_units,omitempty"`
}

// Graded outcome results.
const (
	ResultWin  = "WIN"
	ResultLoss = "LOSS"
	ResultPush = "PUSH"
)

// RunDetail is a run with everything appended to it.
type RunDetail struct {
	Run     *Run      `json:"run"`
	Steps   []RunStep `json:"steps"`
	Factors []Factor  `json:"factors"`
	Outcome *Outcome  `json:"outcome,omitempty"`
}
