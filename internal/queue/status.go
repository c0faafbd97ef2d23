package queue

import (
	"context"
	"fmt"

	"github.com/leaseq/leaseq/internal/model"
)

// State is the derived lifecycle position of a message.
type State string

const (
	StatePending        State = "pending"         // unattempted pool, never claimed
	StateInProgress     State = "in_progress"     // live lease held
	StateRetryScheduled State = "retry_scheduled" // failed, backoff not yet elapsed
	StateEligible       State = "eligible"        // attempted, claimable right now
	StateSucceeded      State = "succeeded"
	StateDead           State = "dead"
)

// Status is the operator view of one message: where it sits in the state
// machine plus its full attempt and error history.
type Status struct {
	Message  model.Message       `json:"message"`
	State    State               `json:"state"`
	Attempts int                 `json:"attempts"`
	Lease    *model.Lease        `json:"lease,omitempty"`
	Terminal *model.Terminal     `json:"terminal,omitempty"`
	Failures []model.Failure     `json:"failures,omitempty"`
	Errors   []model.ErrorRecord `json:"errors,omitempty"`
}

// Status resolves a message's current state from the store. Purely
// observational; racing transitions may outdate the answer immediately.
func (e *Engine) Status(ctx context.Context, messageID string) (Status, error) {
	now := e.now()

	m, attempted, err := e.messages.Get(ctx, messageID)
	if err != nil {
		return Status{}, err
	}

	st := Status{Message: m, State: StatePending}
	if !attempted {
		return st, nil
	}

	failures, err := e.attempts.ListFailures(ctx, messageID)
	if err != nil {
		return Status{}, fmt.Errorf("list failures: %w", err)
	}
	st.Failures = failures
	st.Attempts = len(failures)

	records, err := e.errs.ListByMessage(ctx, messageID, 0)
	if err != nil {
		return Status{}, fmt.Errorf("list errors: %w", err)
	}
	st.Errors = records

	if term, ok, err := e.attempts.Terminal(ctx, nil, messageID); err != nil {
		return Status{}, err
	} else if ok {
		st.Terminal = &term
		if term.State == model.TerminalDead {
			st.State = StateDead
		} else {
			st.State = StateSucceeded
		}
		return st, nil
	}

	if lease, live, err := e.leases.Current(ctx, messageID, now); err != nil {
		return Status{}, err
	} else if live {
		st.Lease = &lease
		st.State = StateInProgress
		return st, nil
	}

	st.State = StateEligible
	if n := len(failures); n > 0 && failures[n-1].RetryEarliestAt.After(now) {
		st.State = StateRetryScheduled
	}
	return st, nil
}

// Errors returns the diagnostic log for a message, newest first. Out-of-range
// limits fall back to the repository default.
func (e *Engine) Errors(ctx context.Context, messageID string, limit int) ([]model.ErrorRecord, error) {
	if _, _, err := e.messages.Get(ctx, messageID); err != nil {
		return nil, err
	}
	return e.errs.ListByMessage(ctx, messageID, limit)
}
