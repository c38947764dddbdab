package types

import "time"

// Idempotency record states.
const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)

// IdempotencyRecord caches the response of one (step, key) request.
type IdempotencyRecord struct {
	Step         string
	Key          string
	RequestHash  string
	State        string
	StatusCode   int
	ResponseBody []byte
	ReservedAt   time.Time
	CompletedAt  *time.Time
}
