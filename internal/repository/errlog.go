package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leaseq/leaseq/internal/model"
	"github.com/leaseq/leaseq/internal/util"
)

// ErrorsRepository is the append-only diagnostic trail. Rows are written
// alongside failure reports and read only by operators, never by scheduling.
type ErrorsRepository interface {
	Record(ctx context.Context, tx *sqlx.Tx, messageID string, now time.Time, text string) error
	ListByMessage(ctx context.Context, messageID string, limit int) ([]model.ErrorRecord, error)
}

type ErrorsRepositoryImpl struct {
	db *sqlx.DB
}

func NewErrorsRepository(db *sqlx.DB) *ErrorsRepositoryImpl {
	return &ErrorsRepositoryImpl{db: db}
}

func (r *ErrorsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

// Record appends one diagnostic row with a generated id.
func (r *ErrorsRepositoryImpl) Record(ctx context.Context, tx *sqlx.Tx, messageID string, now time.Time, text string) error {
	const q = `
		INSERT INTO errors (id, message_id, reported_at, error)
		VALUES (?, ?, ?, ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, util.New(), messageID, now, text)
		return err
	})
}

// ListByMessage returns the newest diagnostics for a message.
func (r *ErrorsRepositoryImpl) ListByMessage(ctx context.Context, messageID string, limit int) ([]model.ErrorRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	const q = `
		SELECT id, message_id, reported_at, error
		FROM errors
		WHERE message_id = ?
		ORDER BY reported_at DESC
		LIMIT ?
	`
	var records []model.ErrorRecord
	if err := r.db.SelectContext(ctx, &records, q, messageID, limit); err != nil {
		return nil, err
	}
	return records, nil
}
