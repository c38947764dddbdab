package types

import (
	"time"

	"github.com/google/uuid"
)

// Step names in execution order.
const (
	StepSelect   = "select"
	StepSnapshot = "snapshot"
	StepFactors  = "factors"
	StepPredict  = "predict"
	StepDecide   = "decide"
	StepFinalize = "finalize"
)

// Pipeline status values returned to callers.
const (
	StatusSelected      = "SELECTED"
	StatusNoOpportunity = "NO_OPPORTUNITY"
	StatusSkipped       = "SKIPPED"
	StatusCompleted     = "COMPLETED"
	StatusVoided        = "VOIDED"
	StatusError         = "ERROR"
)

// Directions produced by the predict step.
const (
	DirectionOver  = "OVER"
	DirectionUnder = "UNDER"
	DirectionHome  = "HOME"
	DirectionAway  = "AWAY"
	DirectionNone  = "NONE"
)

// SelectRequest starts a pipeline for one schedule.
type SelectRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=128"`
	Category  string `json:"category" validate:"required,max=32"`
	Kind      string `json:"kind" validate:"required,oneof=total spread"`
}

// Validate validates the SelectRequest using the validator.
func (r *SelectRequest) Validate() error {
	return validate.Struct(r)
}

// RunStepRequest addresses a step of an existing run.
type RunStepRequest struct {
	RunID uuid.UUID `json:"run_id" validate:"required"`
}

// Validate validates the RunStepRequest using the validator.
func (r *RunStepRequest) Validate() error {
	return validate.Struct(r)
}

// SkippedOpportunity explains why a game was not selected.
type SkippedOpportunity struct {
	GameID string `json:"game_id"`
	Reason string `json:"reason"`
}

// SelectResult is the output of the select step.
type SelectResult struct {
	Status  string               `json:"status"`
	RunID   *uuid.UUID           `json:"run_id,omitempty"`
	Game    *Game                `json:"game,omitempty"`
	Skipped []SkippedOpportunity `json:"skipped"`
	Holder  string               `json:"holder,omitempty"`
}

// SnapshotResult is the output of the snapshot step.
type SnapshotResult struct {
	RunID    uuid.UUID      `json:"run_id"`
	Snapshot MarketSnapshot `json:"snapshot"`
}

// FactorScore is one signal after normalization and weighting.
type FactorScore struct {
	FactorNo    int      `json:"factor_no"`
	Name        string   `json:"name"`
	Input       string   `json:"input"`
	Raw         *float64 `json:"raw"`
	Baseline    float64  `json:"baseline"`
	Scale       float64  `json:"scale"`
	Normalized  float64  `json:"normalized"`
	Weight      float64  `json:"weight"`
	Points      float64  `json:"points"`
	CapsApplied bool     `json:"caps_applied"`
	Missing     bool     `json:"missing"`
}

// FactorsResult is the output of the factors step.
type FactorsResult struct {
	RunID        uuid.UUID     `json:"run_id"`
	Factors      []FactorScore `json:"factors"`
	NetPoints    float64       `json:"net_points"`
	Directional  float64       `json:"directional"`
	ResearchNote string        `json:"research_note,omitempty"`
}

// PredictResult is the output of the predict step.
type PredictResult struct {
	RunID          uuid.UUID `json:"run_id"`
	Direction      string    `json:"direction"`
	MarketLine     float64   `json:"market_line"`
	PredictedValue float64   `json:"predicted_value"`
	Magnitude      float64   `json:"magnitude"`
}

// PerformancePoints is the historical bonus breakdown.
type PerformancePoints struct {
	Streak      float64 `json:"streak"`
	WinRate     float64 `json:"win_rate"`
	TrackRecord float64 `json:"track_record"`
	Total       float64 `json:"total"`
}

// DecideResult is the output of the decide step.
type DecideResult struct {
	RunID       uuid.UUID         `json:"run_id"`
	Decision    string            `json:"decision"`
	Selection   string            `json:"selection,omitempty"`
	Line        float64           `json:"line"`
	Price       int               `json:"price"`
	Edge        float64           `json:"edge"`
	EdgePoints  float64           `json:"edge_points"`
	Performance PerformancePoints `json:"performance"`
	Confidence  float64           `json:"confidence"`
	Tier        string            `json:"tier"`
	TierRank    int               `json:"tier_rank"`
	Units       float64           `json:"units"`
	Reasons     []string          `json:"reasons"`
}

// CooldownSummary reports the cooldown written by finalize.
type CooldownSummary struct {
	Outcome   CooldownOutcome `json:"outcome"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// FinalizeResult is the output of the finalize step.
type FinalizeResult struct {
	RunID        uuid.UUID        `json:"run_id"`
	State        RunState         `json:"state"`
	Decision     string           `json:"decision"`
	Selection    string           `json:"selection,omitempty"`
	Confidence   float64          `json:"confidence"`
	Tier         string           `json:"tier"`
	OutcomeID    *uuid.UUID       `json:"outcome_id,omitempty"`
	Cooldown     *CooldownSummary `json:"cooldown,omitempty"`
	Persisted    bool             `json:"persisted"`
	PersistError string           `json:"persist_error,omitempty"`
}

// PipelineResult summarizes a full pipeline execution.
type PipelineResult struct {
	Status     string          `json:"status"`
	RunID      *uuid.UUID      `json:"run_id,omitempty"`
	Select     *SelectResult   `json:"select,omitempty"`
	Finalize   *FinalizeResult `json:"finalize,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Tier       string          `json:"tier,omitempty"`
	Holder     string          `json:"holder,omitempty"`
	Error      string          `json:"error,omitempty"`
}
