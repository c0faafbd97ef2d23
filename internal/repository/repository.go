// Package repository persists the queue's five record sets: the two message
// pools, the lease audit log, the attempt ledger, and the error log. Every
// cross-worker invariant (single live lease, single terminal record, idempotent
// promotion) is enforced here with conditional SQL against MySQL, never with
// in-process locks.
package repository

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// TxOptions governs every state-transition transaction. Repeatable read is
// required, not merely preferred: the claim path's empty-result FOR UPDATE
// relies on InnoDB next-key locking, which weaker isolation levels do not
// take, so a session-default of READ COMMITTED would let two first claims
// both observe "no lease" and both insert one.
var TxOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}

var (
	// ErrDuplicateIdentity is returned on a message identity collision at
	// publish time. Effectively unreachable with ULID identities.
	ErrDuplicateIdentity = errors.New("duplicate message identity")

	// ErrLeaseHeld means another worker holds a live lease. Claim contention,
	// not a failure: the caller moves on to the next candidate.
	ErrLeaseHeld = errors.New("lease held")

	// ErrLeaseExpired means no live lease exists for the message; the caller
	// has lost custody and must abandon in-flight work.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNotHolder means the live lease belongs to a different worker.
	ErrNotHolder = errors.New("lease held by another worker")

	// ErrAlreadyTerminal means a success or dead record already exists.
	// Callers treat it as an idempotent no-op, not a failure.
	ErrAlreadyTerminal = errors.New("message already terminal")

	// ErrNotFound means the message exists in neither pool.
	ErrNotFound = errors.New("message not found")
)

const (
	mysqlErrDupEntry = 1062
	mysqlErrDeadlock = 1213
)

func isMySQLErr(err error, code uint16) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == code
}
