package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leaseq/leaseq/internal/model"
)

// MessagesRepository defines persistence for the two message pools. Messages
// are born in messages_unattempted and move to messages_attempted exactly once,
// on first claim; the split keeps the hot never-attempted scan free of history.
type MessagesRepository interface {
	Publish(ctx context.Context, m model.Message) error
	Promote(ctx context.Context, tx *sqlx.Tx, id string) (model.Message, error)
	ListEligibleUnattempted(ctx context.Context, limit int) ([]model.Message, error)
	ListEligibleAttempted(ctx context.Context, now time.Time, limit int) ([]model.Message, error)
	Get(ctx context.Context, id string) (model.Message, bool, error)
}

type MessagesRepositoryImpl struct {
	db *sqlx.DB
}

func NewMessagesRepository(db *sqlx.DB) *MessagesRepositoryImpl {
	return &MessagesRepositoryImpl{db: db}
}

func (r *MessagesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

// Publish inserts a new message into the unattempted pool.
func (r *MessagesRepositoryImpl) Publish(ctx context.Context, m model.Message) error {
	const q = `
		INSERT INTO messages_unattempted
		    (id, name, hash, payload, published_at)
		VALUES
		    (?,  ?,    ?,    ?,       ?)
	`
	_, err := r.db.ExecContext(ctx, q, m.ID, m.Name, m.Hash, []byte(m.Payload), m.PublishedAt)
	if isMySQLErr(err, mysqlErrDupEntry) {
		return ErrDuplicateIdentity
	}
	return err
}

// Promote moves a message from the unattempted pool to the attempted pool,
// preserving all fields. Idempotent: if the row was already promoted the
// existing attempted-pool record is returned, because two workers may race to
// claim the same still-unattempted message. A racing pair can also trip an
// InnoDB deadlock instead; that surfaces as ErrLeaseHeld so claim loops treat
// it as a lost race.
func (r *MessagesRepositoryImpl) Promote(ctx context.Context, tx *sqlx.Tx, id string) (model.Message, error) {
	const copyQ = `
		INSERT IGNORE INTO messages_attempted (id, name, hash, payload, published_at)
		SELECT id, name, hash, payload, published_at
		FROM messages_unattempted
		WHERE id = ?
	`
	const deleteQ = `DELETE FROM messages_unattempted WHERE id = ?`
	const readQ = `
		SELECT id, name, hash, payload, published_at
		FROM messages_attempted
		WHERE id = ?
	`

	var m model.Message
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, copyQ, id); err != nil {
			if isMySQLErr(err, mysqlErrDeadlock) {
				return ErrLeaseHeld
			}
			return fmt.Errorf("copy to attempted: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteQ, id); err != nil {
			if isMySQLErr(err, mysqlErrDeadlock) {
				return ErrLeaseHeld
			}
			return fmt.Errorf("delete unattempted: %w", err)
		}
		if err := tx.GetContext(ctx, &m, readQ, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	return m, err
}

// ListEligibleUnattempted returns the oldest unattempted messages in publish
// order. Unattempted messages never carry leases, so no lease filter applies.
func (r *MessagesRepositoryImpl) ListEligibleUnattempted(ctx context.Context, limit int) ([]model.Message, error) {
	const q = `
		SELECT id, name, hash, payload, published_at
		FROM messages_unattempted
		ORDER BY published_at ASC, id ASC
		LIMIT ?
	`
	var msgs []model.Message
	if err := r.db.SelectContext(ctx, &msgs, q, limit); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListEligibleAttempted returns attempted messages that are not terminal, have
// no live lease, and are past any failure backoff. This covers both retry-due
// messages and ones whose worker crashed without reporting (lease lapsed, no
// failure record).
func (r *MessagesRepositoryImpl) ListEligibleAttempted(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	const q = `
		SELECT ma.id, ma.name, ma.hash, ma.payload, ma.published_at
		FROM messages_attempted ma
		WHERE NOT EXISTS (
		      SELECT 1 FROM attempts_succeeded s WHERE s.message_id = ma.id
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM attempts_dead d WHERE d.message_id = ma.id
		  )
		  AND COALESCE((
		      SELECT l.expires_at FROM leases l
		      WHERE l.message_id = ma.id
		      ORDER BY l.seq DESC
		      LIMIT 1
		  ), '1970-01-01') <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM attempts_failed f WHERE f.message_id = ma.id AND f.retry_earliest_at > ?
		  )
		ORDER BY ma.published_at ASC, ma.id ASC
		LIMIT ?
	`
	var msgs []model.Message
	if err := r.db.SelectContext(ctx, &msgs, q, now, now, limit); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Get fetches a message from either pool. The second return value reports
// whether the message lives in the attempted pool.
func (r *MessagesRepositoryImpl) Get(ctx context.Context, id string) (model.Message, bool, error) {
	const unattemptedQ = `
		SELECT id, name, hash, payload, published_at
		FROM messages_unattempted
		WHERE id = ?
	`
	const attemptedQ = `
		SELECT id, name, hash, payload, published_at
		FROM messages_attempted
		WHERE id = ?
	`

	var m model.Message
	err := r.db.GetContext(ctx, &m, unattemptedQ, id)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, false, err
	}

	err = r.db.GetContext(ctx, &m, attemptedQ, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, false, ErrNotFound
	}
	if err != nil {
		return model.Message{}, false, err
	}
	return m, true, nil
}
