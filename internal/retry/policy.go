package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default policy values.
const (
	DefaultMaxRetries = 2
	DefaultInitial    = 30 * time.Second
	DefaultMax        = 10 * time.Minute
	DefaultMultiplier = 2.0
)

// Policy decides whether a failed task is retried and when. It is the
// caller-side half of retry handling; the Repo only stores what it decides.
type Policy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0, 1). Zero gives exact delays.
	Jitter float64
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMaxRetries sets how many retries a task gets after its first attempt.
func WithMaxRetries(n int) PolicyOption {
	return func(p *Policy) { p.MaxRetries = n }
}

// WithBackoff sets the initial and maximum delay.
func WithBackoff(initial, maxDelay time.Duration) PolicyOption {
	return func(p *Policy) {
		p.Initial = initial
		p.Max = maxDelay
	}
}

// WithMultiplier sets the growth factor between attempts.
func WithMultiplier(m float64) PolicyOption {
	return func(p *Policy) { p.Multiplier = m }
}

// WithJitter sets the randomization factor.
func WithJitter(j float64) PolicyOption {
	return func(p *Policy) { p.Jitter = j }
}

// NewPolicy returns a Policy with defaults overridden by opts.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{
		MaxRetries: DefaultMaxRetries,
		Initial:    DefaultInitial,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldRetry reports whether a task that has already been retried
// retryCount times gets another attempt.
func (p *Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Delay returns the wait before retry number attempt (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// NextRetryAt returns when retry number attempt becomes due.
func (p *Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

func (p *Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}
