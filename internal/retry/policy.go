// Package retry decides whether an idle-timed-out connection attempt is
// retried and how long to wait before the next attempt.
package retry

import (
	"time"

	"github.com/jpillora/backoff"
)

// Policy bounds reconnect attempts after idle timeouts.
//
// The zero value allows no retries: the first timeout is terminal.
type Policy struct {
	// MaxRetries is how many reconnects follow timeouts before the
	// destination is abandoned.
	MaxRetries int
	// Delay is the wait before the first retry.  Zero retries
	// immediately, which is the default behaviour.
	Delay time.Duration
	// MaxDelay caps the backoff duration (default 60s).
	MaxDelay time.Duration
	// Multiplier increases the delay each attempt (default 2.0).
	Multiplier float64
	// Jitter randomises each delay between Delay and the computed value.
	Jitter bool
}

// Next reports whether a retry is allowed after the given number of
// timeouts (1-based) and how long to wait before it.
func (p Policy) Next(timeouts int) (time.Duration, bool) {
	if timeouts > p.MaxRetries {
		return 0, false
	}
	if p.Delay <= 0 {
		return 0, true
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	if maxDelay < p.Delay {
		maxDelay = p.Delay
	}
	factor := p.Multiplier
	if factor <= 0 {
		factor = 2.0
	}

	b := &backoff.Backoff{
		Min:    p.Delay,
		Max:    maxDelay,
		Factor: factor,
		Jitter: p.Jitter,
	}
	return b.ForAttempt(float64(timeouts - 1)), true
}

// Budget counts timeouts for a single connection attempt.  A new budget
// starts whenever a fresh request starts establishment, so retries do not
// accumulate across independent requests to the same destination.
type Budget struct {
	policy   Policy
	timeouts int
}

// NewBudget starts an empty budget.
func NewBudget(p Policy) *Budget { return &Budget{policy: p} }

// Timeout records one idle timeout and returns the delay before the next
// attempt, or false when the budget is spent.
func (b *Budget) Timeout() (time.Duration, bool) {
	b.timeouts++
	return b.policy.Next(b.timeouts)
}

// Timeouts returns the number of timeouts recorded so far.
func (b *Budget) Timeouts() int { return b.timeouts }
