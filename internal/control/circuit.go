package control

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Error classes produced by Classify.
const (
	ClassTimeout   = "timeout"
	ClassNetwork   = "network"
	ClassAuth      = "auth"
	ClassRateLimit = "rate_limit"
	ClassAPI       = "transport_api"
)

// CircuitBreaker is a per-error-class breaker guarding the polling loop.
// It is safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration
	// OnTransition, if set, is called after every state change with the
	// breaker's lock released.
	OnTransition func(from, to CircuitState, errClass string)

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether a poll may be attempted at this instant. An open
// breaker moves to half-open once the cooldown has elapsed.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	if c.state != CircuitOpen {
		c.mu.Unlock()
		return true
	}
	if now.Sub(c.openedAt) < c.Cooldown {
		c.mu.Unlock()
		return false
	}
	class := c.openedClass
	c.state = CircuitHalfOpen
	c.mu.Unlock()
	c.notify(CircuitOpen, CircuitHalfOpen, class)
	return true
}

// Remaining is the cooldown left before an open breaker admits a probe.
func (c *CircuitBreaker) Remaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return 0
	}
	if d := c.Cooldown - now.Sub(c.openedAt); d > 0 {
		return d
	}
	return 0
}

// RecordSuccess resets the breaker after a successful poll.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	from := c.state
	class := c.openedClass
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	c.mu.Unlock()
	if from != CircuitClosed {
		c.notify(from, CircuitClosed, class)
	}
}

// RecordFailure counts an error in the given class. A failed half-open probe
// reopens the breaker immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	if errClass == "" {
		errClass = "unknown"
	}
	c.mu.Lock()
	from := c.state
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
	} else {
		c.failures[errClass]++
		if c.state == CircuitClosed && c.failures[errClass] >= c.Threshold {
			c.open(errClass, now)
		}
	}
	to := c.state
	c.mu.Unlock()
	if from != to {
		c.notify(from, to, errClass)
	}
}

// open must be called with c.mu held.
func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

func (c *CircuitBreaker) notify(from, to CircuitState, errClass string) {
	if c.OnTransition != nil {
		c.OnTransition(from, to, errClass)
	}
}

// Classify maps a transport error to a breaker class.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "status=401") || strings.Contains(msg, "status=403"):
		return ClassAuth
	case strings.Contains(msg, "too many requests") || strings.Contains(msg, "status=429"):
		return ClassRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return ClassNetwork
	}
	return ClassAPI
}
