package service

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultRetryBaseDelay = 60 * time.Second
	DefaultMaxAttempts    = 4
)

// RetryDecision is the scheduler's answer for a failed attempt.
type RetryDecision struct {
	Delay     time.Duration
	Exhausted bool
}

// RetryScheduler computes exponential backoff: base, 2*base, 4*base, ...
// until maxAttempts attempts have been made.
type RetryScheduler struct {
	baseDelay   time.Duration
	maxAttempts int
	jitter      float64
	randFloat   func() float64
}

func NewRetryScheduler(baseDelay time.Duration, maxAttempts int, jitter float64) *RetryScheduler {
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryScheduler{
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		jitter:      jitter,
		randFloat:   rand.Float64,
	}
}

// Schedule is called with the number of the attempt that just failed.
func (s *RetryScheduler) Schedule(attempt int) RetryDecision {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= s.maxAttempts {
		return RetryDecision{Exhausted: true}
	}

	delay := s.baseDelay << (attempt - 1)
	if s.jitter > 0 {
		// symmetric, so the nominal delay stays the mean
		spread := (s.randFloat()*2 - 1) * s.jitter
		delay += time.Duration(float64(delay) * spread)
	}
	return RetryDecision{Delay: delay}
}

func (s *RetryScheduler) MaxAttempts() int { return s.maxAttempts }
