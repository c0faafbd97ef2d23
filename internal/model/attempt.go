package model

import "time"

// Failure is one failed delivery attempt of an attempted-pool message.
// Attempted is the 1-based attempt index; RetryEarliestAt is the earliest
// instant a redelivery may be offered.
type Failure struct {
	ID              string    `db:"id" json:"id"`
	MessageID       string    `db:"message_id" json:"message_id"`
	FailedAt        time.Time `db:"failed_at" json:"failed_at"`
	Attempted       int       `db:"attempted" json:"attempted"`
	RetryEarliestAt time.Time `db:"retry_earliest_at" json:"retry_earliest_at"`
}

type TerminalState string

const (
	TerminalSucceeded TerminalState = "succeeded"
	TerminalDead      TerminalState = "dead"
)

// Terminal marks a message as finished for good. A message has at most one
// terminal record, in exactly one of the succeeded/dead tables.
type Terminal struct {
	MessageID string        `db:"message_id" json:"message_id"`
	State     TerminalState `db:"-" json:"state"`
	At        time.Time     `db:"at" json:"at"`
}

// ErrorRecord is a free-form diagnostic tied to a message. Append-only and
// purely observational; scheduling never reads it.
type ErrorRecord struct {
	ID         string    `db:"id" json:"id"`
	MessageID  string    `db:"message_id" json:"message_id"`
	ReportedAt time.Time `db:"reported_at" json:"reported_at"`
	Error      string    `db:"error" json:"error"`
}
