// Package types provides the records shared by the scheduler, the pipeline
// and the stores.
package types

import "time"

// Schedule status values recorded after each dispatch.
const (
	DispatchCompleted     = "completed"
	DispatchNoOpportunity = "no_opportunity"
	DispatchSkipped       = "skipped"
	DispatchError         = "error"
)

// Schedule is a recurring unit of work: one capper, one sport, one bet type.
type Schedule struct {
	SubjectID       string     `json:"subject_id"`
	Category        string     `json:"category"`
	Kind            string     `json:"kind"`
	Enabled         bool       `json:"enabled"`
	IntervalSeconds int        `json:"interval_seconds"`
	Priority        int        `json:"priority"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
	RunCount        int        `json:"run_count"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Interval returns the configured cadence as a duration.
func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// IsDue reports whether the schedule should be dispatched at now.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	return s.NextRunAt == nil || !s.NextRunAt.After(now)
}

// ScheduleInput registers a schedule.
type ScheduleInput struct {
	SubjectID       string `json:"subject_id" validate:"required"`
	Category        string `json:"category" validate:"required"`
	Kind            string `json:"kind" validate:"required,oneof=total spread"`
	IntervalSeconds int    `json:"interval_seconds" validate:"required,min=60"`
	Priority        int    `json:"priority" validate:"min=0,max=100"`
	Enabled         bool   `json:"enabled"`
}

// Validate validates the ScheduleInput using the validator.
func (s *ScheduleInput) Validate() error {
	return validate.Struct(s)
}

// DispatchRecord is the bookkeeping written after one dispatch.
type DispatchRecord struct {
	SubjectID string
	Category  string
	Kind      string
	Status    string
	Success   bool
	RanAt     time.Time
	NextRunAt time.Time
}
