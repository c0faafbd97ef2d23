package model

import "time"

// Lease is a time-bounded exclusive claim on a message by one worker.
// Rows are keyed (message_id, expires_at): renewals append a new row rather
// than overwriting, so the full claim history stays queryable.
type Lease struct {
	MessageID  string    `db:"message_id" json:"message_id"`
	AcquiredAt time.Time `db:"acquired_at" json:"acquired_at"`
	AcquiredBy string    `db:"acquired_by" json:"acquired_by"`
	ExpiresAt  time.Time `db:"expires_at" json:"expires_at"`
}

// Live reports whether the lease is still in force at the given instant.
func (l Lease) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}
