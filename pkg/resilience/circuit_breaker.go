package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
)

// RateLimitError is a provider's "slow down" answer (HTTP 429 or the SDK
// equivalent).
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// CircuitBreaker opens after threshold consecutive rate-limit or backend
// failures. Once the cooldown passes it lets a single trial call through; the
// trial's outcome closes or reopens it. Other errors are not counted.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	trialAt   time.Time
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	switch c.state {
	case breakerOpen:
		if now.Sub(c.openedAt) < c.cooldown {
			return false
		}
		c.state = breakerHalfOpen
		c.trialAt = now
		return true
	case breakerHalfOpen:
		// A trial call that never reported back is abandoned after one cooldown.
		if now.Sub(c.trialAt) < c.cooldown {
			return false
		}
		c.trialAt = now
		return true
	}
	return true
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = breakerClosed
	c.failures = 0
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) && !errorsx.IsKind(err, errorsx.KindBackend) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.state == breakerHalfOpen || c.failures >= c.threshold {
		c.state = breakerOpen
		c.openedAt = c.now()
	}
}

// State is "closed", "open" or "half_open".
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == breakerOpen && c.now().Sub(c.openedAt) >= c.cooldown {
		return breakerHalfOpen.String()
	}
	return c.state.String()
}
