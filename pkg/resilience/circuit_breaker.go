package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError is returned by a backend that was throttled by its provider.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit"
	}
	return e.Message
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker opens after threshold consecutive rate limits. Once the
// cooldown has passed a single probe request is let through: success closes
// the breaker, another rate limit reopens it. Other errors are not counted.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	clock     func() time.Time
	onChange  func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// OnStateChange registers fn to run after every transition, outside the lock.
func (c *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *CircuitBreaker) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// Allow reports whether a request may go out now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	from := c.state
	allowed := false
	switch c.state {
	case BreakerClosed:
		allowed = true
	case BreakerOpen:
		if c.now().Sub(c.openedAt) >= c.cooldown {
			c.state = BreakerHalfOpen
			c.probing = true
			allowed = true
		}
	case BreakerHalfOpen:
		if !c.probing {
			c.probing = true
			allowed = true
		}
	}
	c.unlockAndNotify(from)
	return allowed
}

// Open reports whether requests are currently held back.
func (c *CircuitBreaker) Open() bool {
	return c.State() != BreakerClosed
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryAfter is how long an open breaker keeps refusing; zero otherwise.
func (c *CircuitBreaker) RetryAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BreakerOpen {
		return 0
	}
	if left := c.cooldown - c.now().Sub(c.openedAt); left > 0 {
		return left
	}
	return 0
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	from := c.state
	c.failures = 0
	c.probing = false
	c.state = BreakerClosed
	c.unlockAndNotify(from)
}

func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	from := c.state
	switch {
	case !IsRateLimit(err):
		// The probe proved nothing either way.
		c.probing = false
	case c.state == BreakerHalfOpen:
		c.trip()
	default:
		c.failures++
		if c.failures >= c.threshold {
			c.trip()
		}
	}
	c.unlockAndNotify(from)
}

func (c *CircuitBreaker) trip() {
	c.state = BreakerOpen
	c.openedAt = c.now()
	c.probing = false
}

func (c *CircuitBreaker) unlockAndNotify(from BreakerState) {
	to, fn := c.state, c.onChange
	c.mu.Unlock()
	if fn != nil && from != to {
		fn(from, to)
	}
}
