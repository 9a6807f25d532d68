package refresh

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/statcache/internal/statcache"
)

// RetryConfig bounds the live fetch loop.
type RetryConfig struct {
	// Retries is the number of attempts allowed after the first one.
	Retries       int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	DisableJitter bool
}

// ExponentialRetryPolicy retries transient fetch failures with jittered backoff.
type ExponentialRetryPolicy struct {
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    bool
}

// NewExponentialRetryPolicy builds a policy, filling zero fields with defaults.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		retries:   cfg.Retries,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		jitter:    !cfg.DisableJitter,
	}
	if p.retries < 0 {
		p.retries = 0
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 500 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 5 * time.Second
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = p.baseDelay
	}
	return p
}

// MaxAttempts returns the total number of fetch attempts the policy allows.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.retries + 1
}

// ShouldRetry decides whether another attempt follows the given result.
// attempt counts the attempts made so far, starting at 1.
func (p *ExponentialRetryPolicy) ShouldRetry(result statcache.FetchResult, attempt int) bool {
	if result.OK() || !result.Retryable {
		return false
	}
	if attempt >= p.MaxAttempts() {
		return false
	}
	if errors.Is(result.Err, context.Canceled) {
		return false
	}
	return true
}

// Backoff returns the wait before the attempt that follows attempt n (1-based).
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
