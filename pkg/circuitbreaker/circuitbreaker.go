package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

type Settings struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	// IsFailure decides whether an error counts against the breaker. A nil
	// hook counts every error. The delivery worker uses this to keep channel
	// rate-limit responses from tripping the breaker; a throttled channel is
	// healthy, just busy.
	IsFailure func(error) bool
}

type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration
	isFailure   func(error) bool

	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	state       string
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	isFailure := settings.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:        settings.Name,
		maxFailures: settings.MaxFailures,
		timeout:     settings.Timeout,
		isFailure:   isFailure,
		state:       "closed",
	}
}

// State returns the current breaker state for logging.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == "open" {
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.state = "half-open"
		} else {
			cb.mu.Unlock()
			return ErrOpen
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = "open"
		}
		return err
	}

	if cb.state == "half-open" {
		cb.state = "closed"
	}
	cb.failures = 0
	return err
}
