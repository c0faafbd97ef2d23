// Package backoff computes the earliest retry time for a failed delivery
// attempt. The strategy is configuration, not engine policy: the queue engine
// only ever asks "given attempt n failed at t, when may attempt n+1 run?".
package backoff

import (
	"fmt"
	"math/rand"
	"time"
)

// Strategy maps a 1-based attempt index and its failure time to the earliest
// instant a retry may be offered.
type Strategy interface {
	NextAttemptAt(attempt int, failedAt time.Time) time.Time
}

// Constant retries after a fixed delay regardless of attempt index.
type Constant struct {
	Delay time.Duration
}

func (c Constant) NextAttemptAt(_ int, failedAt time.Time) time.Time {
	return failedAt.Add(c.Delay)
}

// Linear retries after base*attempt.
type Linear struct {
	Base time.Duration
}

func (l Linear) NextAttemptAt(attempt int, failedAt time.Time) time.Time {
	if attempt <= 0 {
		return failedAt
	}
	return failedAt.Add(l.Base * time.Duration(attempt))
}

// Exponential retries after base*factor^(attempt-1), optionally spread by a
// +/- jitter fraction to avoid retry stampedes.
type Exponential struct {
	Base   time.Duration
	Factor int
	Jitter float64 // 0 disables, 0.2 means +/-20%
}

func (e Exponential) NextAttemptAt(attempt int, failedAt time.Time) time.Time {
	if attempt <= 0 {
		return failedAt
	}

	delay := e.Base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(e.Factor)
	}

	if e.Jitter > 0 {
		spread := 1 - e.Jitter + rand.Float64()*2*e.Jitter
		delay = time.Duration(float64(delay) * spread)
	}

	return failedAt.Add(delay)
}

// FromConfig builds a strategy from its config name.
func FromConfig(kind string, base time.Duration, factor int, jitter float64) (Strategy, error) {
	switch kind {
	case "constant":
		return Constant{Delay: base}, nil
	case "linear":
		return Linear{Base: base}, nil
	case "exponential", "":
		if factor < 2 {
			factor = 2
		}
		return Exponential{Base: base, Factor: factor, Jitter: jitter}, nil
	default:
		return nil, fmt.Errorf("unknown backoff kind %q", kind)
	}
}
