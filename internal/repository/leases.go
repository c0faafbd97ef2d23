package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leaseq/leaseq/internal/model"
)

// LeasesRepository is the sole writer to the leases table. Rows are append
// only: acquisition, renewal, and release each add a row, and the last row
// written for a message (highest seq) decides custody. A message is leased
// exactly when that row has a future expiry. Expired and superseded rows are
// never purged here; they are the claim audit trail, and reclaim is purely a
// time comparison.
type LeasesRepository interface {
	Acquire(ctx context.Context, tx *sqlx.Tx, messageID, workerID string, now time.Time, ttl time.Duration) (model.Lease, error)
	Renew(ctx context.Context, messageID, workerID string, now time.Time, ttl time.Duration) (model.Lease, error)
	Release(ctx context.Context, tx *sqlx.Tx, messageID, workerID string, now time.Time) error
	Current(ctx context.Context, messageID string, now time.Time) (model.Lease, bool, error)
}

type LeasesRepositoryImpl struct {
	db *sqlx.DB
}

func NewLeasesRepository(db *sqlx.DB) *LeasesRepositoryImpl {
	return &LeasesRepositoryImpl{db: db}
}

const newestLeaseForUpdateQ = `
	SELECT message_id, acquired_at, acquired_by, expires_at
	FROM leases
	WHERE message_id = ?
	ORDER BY seq DESC
	LIMIT 1
	FOR UPDATE
`

const insertLeaseQ = `
	INSERT INTO leases (message_id, acquired_at, acquired_by, expires_at)
	VALUES (?, ?, ?, ?)
`

func (r *LeasesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

// Acquire claims exclusive custody of a message until now+ttl. It fails with
// ErrLeaseHeld when the newest lease is still live, including the caller's
// own; Renew is the path for extending custody. Two concurrent acquirers may
// trip an InnoDB deadlock or duplicate-key error instead of observing each
// other's row; both outcomes surface as ErrLeaseHeld so claim loops treat
// them as lost races.
func (r *LeasesRepositoryImpl) Acquire(ctx context.Context, tx *sqlx.Tx, messageID, workerID string, now time.Time, ttl time.Duration) (model.Lease, error) {
	lease := model.Lease{
		MessageID:  messageID,
		AcquiredAt: now,
		AcquiredBy: workerID,
		ExpiresAt:  now.Add(ttl),
	}

	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		var newest model.Lease
		err := tx.GetContext(ctx, &newest, newestLeaseForUpdateQ, messageID)
		if err == nil && newest.Live(now) {
			return ErrLeaseHeld
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx, insertLeaseQ, lease.MessageID, lease.AcquiredAt, lease.AcquiredBy, lease.ExpiresAt)
		if isMySQLErr(err, mysqlErrDeadlock) || isMySQLErr(err, mysqlErrDupEntry) {
			return ErrLeaseHeld
		}
		return err
	})
	if err != nil {
		return model.Lease{}, err
	}
	return lease, nil
}

// Renew extends custody by appending a fresh lease row. The caller must hold
// the live lease: ErrLeaseExpired when none is live, ErrNotHolder when the
// live lease belongs to someone else. In both cases the caller must stop
// processing the message.
func (r *LeasesRepositoryImpl) Renew(ctx context.Context, messageID, workerID string, now time.Time, ttl time.Duration) (model.Lease, error) {
	lease := model.Lease{
		MessageID:  messageID,
		AcquiredAt: now,
		AcquiredBy: workerID,
		ExpiresAt:  now.Add(ttl),
	}

	err := r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		var newest model.Lease
		err := tx.GetContext(ctx, &newest, newestLeaseForUpdateQ, messageID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseExpired
		}
		if err != nil {
			return err
		}
		if !newest.Live(now) {
			return ErrLeaseExpired
		}
		if newest.AcquiredBy != workerID {
			return ErrNotHolder
		}

		_, err = tx.ExecContext(ctx, insertLeaseQ, lease.MessageID, lease.AcquiredAt, lease.AcquiredBy, lease.ExpiresAt)
		return err
	})
	if err != nil {
		return model.Lease{}, err
	}
	return lease, nil
}

// Release ends custody by recording an immediate-expiry lease row, which
// takes the highest seq and so marks the message unleased at once, even when
// it lands in the same microsecond as the grant it supersedes. A no-op
// when the caller no longer holds the live lease: processing is already done,
// and a lapsed lease needs no further bookkeeping.
func (r *LeasesRepositoryImpl) Release(ctx context.Context, tx *sqlx.Tx, messageID, workerID string, now time.Time) error {
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		var newest model.Lease
		err := tx.GetContext(ctx, &newest, newestLeaseForUpdateQ, messageID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !newest.Live(now) || newest.AcquiredBy != workerID {
			return nil
		}

		_, err = tx.ExecContext(ctx, insertLeaseQ, messageID, now, workerID, now)
		if isMySQLErr(err, mysqlErrDupEntry) {
			return nil
		}
		return err
	})
}

// Current returns the newest lease for a message and whether it is live.
func (r *LeasesRepositoryImpl) Current(ctx context.Context, messageID string, now time.Time) (model.Lease, bool, error) {
	const q = `
		SELECT message_id, acquired_at, acquired_by, expires_at
		FROM leases
		WHERE message_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`
	var lease model.Lease
	err := r.db.GetContext(ctx, &lease, q, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lease{}, false, nil
	}
	if err != nil {
		return model.Lease{}, false, err
	}
	if !lease.Live(now) {
		return model.Lease{}, false, nil
	}
	return lease, true, nil
}
