package types

import "time"

// Lock is one row of the lock table.
type Lock struct {
	Key        string    `json:"key"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsLive reports whether the lock is held at now.
func (l *Lock) IsLive(now time.Time) bool {
	return l.ExpiresAt.After(now)
}
