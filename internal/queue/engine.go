// Package queue implements the message lifecycle state machine over the
// repositories: publish, claim (with lease acquisition and promotion), renew,
// and the success/failure/dead-letter transitions. The store is the only
// coordination point; every transition runs as one transaction so racing
// workers always resolve to one winner and one observed conflict.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/leaseq/leaseq/internal/backoff"
	"github.com/leaseq/leaseq/internal/metrics"
	"github.com/leaseq/leaseq/internal/model"
	"github.com/leaseq/leaseq/internal/repository"
	"github.com/leaseq/leaseq/internal/util"
	"go.uber.org/zap"
)

// Config carries the retry policy knobs. Zero values get sane defaults.
type Config struct {
	LeaseTTL    time.Duration // custody window per claim, default 30s
	MaxAttempts int           // failure count that dead-letters, default 5
	ClaimBatch  int           // eligibility candidates fetched per poll, default 16
}

// Delivery is a claimed message together with the lease that guards it.
// Attempt is the number of failures recorded before this claim.
type Delivery struct {
	Message model.Message
	Lease   model.Lease
	Attempt int
}

// Engine drives the state machine:
//
//	Unattempted -> Attempted(Pending) -> {Attempted(Pending), Succeeded, Dead}
//
// Succeeded and Dead are terminal.
type Engine struct {
	db       *sqlx.DB
	messages repository.MessagesRepository
	leases   repository.LeasesRepository
	attempts repository.AttemptsRepository
	errs     repository.ErrorsRepository
	strategy backoff.Strategy
	notifier *Notifier
	cfg      Config
	log      *zap.Logger

	now func() time.Time
}

// New constructs the engine. notifier may be nil; wake-ups are then skipped
// and consumers rely on interval polling alone.
func New(
	db *sqlx.DB,
	messagesRepo repository.MessagesRepository,
	leasesRepo repository.LeasesRepository,
	attemptsRepo repository.AttemptsRepository,
	errorsRepo repository.ErrorsRepository,
	strategy backoff.Strategy,
	notifier *Notifier,
	cfg Config,
	log *zap.Logger,
) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		db:       db,
		messages: messagesRepo,
		leases:   leasesRepo,
		attempts: attemptsRepo,
		errs:     errorsRepo,
		strategy: strategy,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// LeaseTTL exposes the custody window so consumers can pace renewals.
func (e *Engine) LeaseTTL() time.Duration { return e.cfg.LeaseTTL }

// Publish assigns a fresh identity and routing hash and inserts the message
// into the unattempted pool, then wakes any idle consumers.
func (e *Engine) Publish(ctx context.Context, name string, payload json.RawMessage) (model.Message, error) {
	if name == "" {
		return model.Message{}, errors.New("empty message name")
	}

	m := model.New(name, payload, e.now())
	if err := e.messages.Publish(ctx, m); err != nil {
		return model.Message{}, err
	}
	metrics.MessagesTotal.WithLabelValues("published").Inc()

	if e.notifier != nil {
		if err := e.notifier.Wake(ctx); err != nil {
			e.log.Warn("wake consumers", zap.Error(err))
		}
	}
	return m, nil
}

// Claim hands the caller temporary exclusive custody of the next eligible
// message: unattempted candidates first (promoting on first claim), then
// attempted ones due for retry or abandoned by a crashed worker. Candidates
// lost to competing workers are skipped. Returns nil when nothing is eligible.
func (e *Engine) Claim(ctx context.Context, workerID string) (*Delivery, error) {
	now := e.now()

	unattempted, err := e.messages.ListEligibleUnattempted(ctx, e.cfg.ClaimBatch)
	if err != nil {
		return nil, fmt.Errorf("list unattempted: %w", err)
	}
	for _, m := range unattempted {
		d, err := e.claimUnattempted(ctx, m.ID, workerID, now)
		if errors.Is(err, repository.ErrLeaseHeld) || errors.Is(err, repository.ErrNotFound) {
			metrics.LeaseConflictsTotal.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.MessagesTotal.WithLabelValues("claimed").Inc()
		return d, nil
	}

	attempted, err := e.messages.ListEligibleAttempted(ctx, now, e.cfg.ClaimBatch)
	if err != nil {
		return nil, fmt.Errorf("list attempted: %w", err)
	}
	for _, m := range attempted {
		d, err := e.claimAttempted(ctx, m, workerID, now)
		if errors.Is(err, repository.ErrLeaseHeld) {
			metrics.LeaseConflictsTotal.Inc()
			continue
		}
		if errors.Is(err, repository.ErrAlreadyTerminal) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.MessagesTotal.WithLabelValues("claimed").Inc()
		return d, nil
	}

	metrics.EmptyPollsTotal.Inc()
	return nil, nil
}

// claimUnattempted promotes the message and acquires its first lease in one
// transaction, so an unattempted row can never end up leased.
func (e *Engine) claimUnattempted(ctx context.Context, messageID, workerID string, now time.Time) (*Delivery, error) {
	tx, err := e.db.BeginTxx(ctx, repository.TxOptions)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	m, err := e.messages.Promote(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	lease, err := e.leases.Acquire(ctx, tx, messageID, workerID, now, e.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Delivery{Message: m, Lease: lease, Attempt: 0}, nil
}

// claimAttempted re-checks terminal state under the claim transaction: a
// message that went terminal after the eligibility scan must not be leased.
func (e *Engine) claimAttempted(ctx context.Context, m model.Message, workerID string, now time.Time) (*Delivery, error) {
	tx, err := e.db.BeginTxx(ctx, repository.TxOptions)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, terminal, err := e.attempts.Terminal(ctx, tx, m.ID); err != nil {
		return nil, err
	} else if terminal {
		return nil, repository.ErrAlreadyTerminal
	}

	lease, err := e.leases.Acquire(ctx, tx, m.ID, workerID, now, e.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	attempt, err := e.attempts.FailureCount(ctx, tx, m.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Delivery{Message: m, Lease: lease, Attempt: attempt}, nil
}

// Renew extends the caller's custody of a message by a fresh lease TTL.
func (e *Engine) Renew(ctx context.Context, messageID, workerID string) (model.Lease, error) {
	return e.leases.Renew(ctx, messageID, workerID, e.now(), e.cfg.LeaseTTL)
}

// ReportSuccess records terminal delivery success and releases the lease.
// Duplicate reports (renewed or raced workers) come back as
// repository.ErrAlreadyTerminal, which callers treat as acceptance.
func (e *Engine) ReportSuccess(ctx context.Context, messageID, workerID string) error {
	now := e.now()

	tx, err := e.db.BeginTxx(ctx, repository.TxOptions)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.attempts.InsertSuccess(ctx, tx, messageID, now); err != nil {
		return err
	}
	if err := e.leases.Release(ctx, tx, messageID, workerID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.MessagesTotal.WithLabelValues("succeeded").Inc()
	return nil
}

// ReportFailure records one failed attempt: diagnostic row, failure row with
// the backoff-derived earliest retry time, and, once the attempt index
// reaches MaxAttempts, the dead record. Returns whether the message
// dead-lettered.
func (e *Engine) ReportFailure(ctx context.Context, messageID, workerID, errText string) (bool, error) {
	now := e.now()

	tx, err := e.db.BeginTxx(ctx, repository.TxOptions)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, terminal, err := e.attempts.Terminal(ctx, tx, messageID); err != nil {
		return false, err
	} else if terminal {
		return false, repository.ErrAlreadyTerminal
	}

	count, err := e.attempts.FailureCount(ctx, tx, messageID)
	if err != nil {
		return false, err
	}
	attempt := count + 1

	if err := e.errs.Record(ctx, tx, messageID, now, errText); err != nil {
		return false, err
	}

	failure := model.Failure{
		ID:              util.New(),
		MessageID:       messageID,
		FailedAt:        now,
		Attempted:       attempt,
		RetryEarliestAt: e.strategy.NextAttemptAt(attempt, now),
	}
	if err := e.attempts.InsertFailure(ctx, tx, failure); err != nil {
		return false, err
	}

	dead := attempt >= e.cfg.MaxAttempts
	if dead {
		if err := e.attempts.InsertDead(ctx, tx, messageID, now); err != nil {
			return false, err
		}
	}

	if err := e.leases.Release(ctx, tx, messageID, workerID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	if dead {
		metrics.MessagesTotal.WithLabelValues("dead").Inc()
		e.log.Warn("message dead-lettered",
			zap.String("message_id", messageID),
			zap.Int("attempts", attempt),
		)
	} else {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
	}
	return dead, nil
}

// RecordError appends a diagnostic without touching scheduling state.
func (e *Engine) RecordError(ctx context.Context, messageID, text string) error {
	return e.errs.Record(ctx, nil, messageID, e.now(), text)
}
