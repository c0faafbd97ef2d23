package queue

import (
	"context"
	"time"

	"github.com/leaseq/leaseq/internal/backoff"
)

// PollControl decides when an idle consumer should poll next. Empty polls
// wait the base interval (or a wake-up notification, whichever comes first);
// consecutive storage errors stretch the wait exponentially until one poll
// succeeds again. The first wait after construction returns immediately.
type PollControl struct {
	strategy backoff.Exponential
	failures int
	wake     <-chan struct{}
	first    bool
}

// NewPollControl builds a poll controller with the given base interval.
// wake may be nil; then only the timer drives polling.
func NewPollControl(interval time.Duration, wake <-chan struct{}) *PollControl {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollControl{
		strategy: backoff.Exponential{Base: interval, Factor: 2},
		wake:     wake,
		first:    true,
	}
}

// Failed stretches subsequent waits; call it after a storage error.
func (p *PollControl) Failed() { p.failures++ }

// Succeeded restores the base interval; call it after any successful poll.
func (p *PollControl) Succeeded() { p.failures = 0 }

// Wait blocks until the next poll should happen. Returns ctx.Err() when the
// context ends first. Wake-ups are honored only while healthy; after failures
// the backoff delay stands.
func (p *PollControl) Wait(ctx context.Context) error {
	if p.first {
		p.first = false
		return ctx.Err()
	}

	attempt := 1
	if p.failures > 0 {
		attempt = p.failures
	}
	now := time.Now()
	delay := p.strategy.NextAttemptAt(attempt, now).Sub(now)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	if p.failures > 0 || p.wake == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-p.wake:
		return nil
	}
}
