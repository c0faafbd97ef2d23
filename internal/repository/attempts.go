package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leaseq/leaseq/internal/model"
)

// AttemptsRepository owns the three ledger tables and is the sole arbiter of
// terminal state. Failure rows are append-only; success and dead rows are
// mutually exclusive, at most one per message, written as conditional inserts
// so duplicate reports collapse into ErrAlreadyTerminal.
type AttemptsRepository interface {
	InsertFailure(ctx context.Context, tx *sqlx.Tx, f model.Failure) error
	InsertSuccess(ctx context.Context, tx *sqlx.Tx, messageID string, now time.Time) error
	InsertDead(ctx context.Context, tx *sqlx.Tx, messageID string, now time.Time) error
	FailureCount(ctx context.Context, tx *sqlx.Tx, messageID string) (int, error)
	ListFailures(ctx context.Context, messageID string) ([]model.Failure, error)
	Terminal(ctx context.Context, tx *sqlx.Tx, messageID string) (model.Terminal, bool, error)
}

type AttemptsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAttemptsRepository(db *sqlx.DB) *AttemptsRepositoryImpl {
	return &AttemptsRepositoryImpl{db: db}
}

func (r *AttemptsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, TxOptions)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// InsertFailure appends one failure row. The UNIQUE (message_id, attempted)
// key rejects a duplicate attempt index computed by a racing reporter; that
// surfaces as a storage error the caller retries whole.
func (r *AttemptsRepositoryImpl) InsertFailure(ctx context.Context, tx *sqlx.Tx, f model.Failure) error {
	const q = `
		INSERT INTO attempts_failed
		    (id, message_id, failed_at, attempted, retry_earliest_at)
		VALUES
		    (?,  ?,          ?,         ?,         ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, f.ID, f.MessageID, f.FailedAt, f.Attempted, f.RetryEarliestAt)
		return err
	})
}

// InsertSuccess records delivery success, conditional on no dead record
// existing. Zero affected rows means a terminal record already exists.
func (r *AttemptsRepositoryImpl) InsertSuccess(ctx context.Context, tx *sqlx.Tx, messageID string, now time.Time) error {
	const q = `
		INSERT IGNORE INTO attempts_succeeded (message_id, succeeded_at)
		SELECT ?, ? FROM DUAL
		WHERE NOT EXISTS (SELECT 1 FROM attempts_dead WHERE message_id = ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, messageID, now, messageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyTerminal
		}
		return nil
	})
}

// InsertDead records dead-lettering, conditional on no success record.
func (r *AttemptsRepositoryImpl) InsertDead(ctx context.Context, tx *sqlx.Tx, messageID string, now time.Time) error {
	const q = `
		INSERT IGNORE INTO attempts_dead (message_id, dead_at)
		SELECT ?, ? FROM DUAL
		WHERE NOT EXISTS (SELECT 1 FROM attempts_succeeded WHERE message_id = ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, messageID, now, messageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyTerminal
		}
		return nil
	})
}

// FailureCount returns the number of failure rows for a message. The next
// attempt index is always 1 + this count.
func (r *AttemptsRepositoryImpl) FailureCount(ctx context.Context, tx *sqlx.Tx, messageID string) (int, error) {
	const q = `SELECT COUNT(*) FROM attempts_failed WHERE message_id = ?`

	var n int
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &n, q, messageID)
	})
	return n, err
}

// ListFailures returns all failure rows for a message in attempt order.
func (r *AttemptsRepositoryImpl) ListFailures(ctx context.Context, messageID string) ([]model.Failure, error) {
	const q = `
		SELECT id, message_id, failed_at, attempted, retry_earliest_at
		FROM attempts_failed
		WHERE message_id = ?
		ORDER BY attempted ASC
	`
	var failures []model.Failure
	if err := r.db.SelectContext(ctx, &failures, q, messageID); err != nil {
		return nil, err
	}
	return failures, nil
}

// Terminal reports whether the message has reached a terminal state.
func (r *AttemptsRepositoryImpl) Terminal(ctx context.Context, tx *sqlx.Tx, messageID string) (model.Terminal, bool, error) {
	const succeededQ = `SELECT succeeded_at FROM attempts_succeeded WHERE message_id = ?`
	const deadQ = `SELECT dead_at FROM attempts_dead WHERE message_id = ?`

	var (
		term  model.Terminal
		found bool
	)
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		var at time.Time
		err := tx.GetContext(ctx, &at, succeededQ, messageID)
		if err == nil {
			term = model.Terminal{MessageID: messageID, State: model.TerminalSucceeded, At: at}
			found = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		err = tx.GetContext(ctx, &at, deadQ, messageID)
		if err == nil {
			term = model.Terminal{MessageID: messageID, State: model.TerminalDead, At: at}
			found = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return nil
	})
	if err != nil {
		return model.Terminal{}, false, err
	}
	return term, found, nil
}
