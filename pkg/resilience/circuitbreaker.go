package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen lets one probe through to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing dependency for a cool-off period.
type CircuitBreaker struct {
	maxFailures  int
	coolOff      time.Duration
	now          func() time.Time
	state        State
	failures     int
	lastFailTime time.Time
	mu           sync.Mutex
}

// NewCircuitBreaker opens after maxFailures consecutive failures and allows a
// probe once coolOff has elapsed.
func NewCircuitBreaker(maxFailures int, coolOff time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		coolOff:     coolOff,
		now:         time.Now,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) >= cb.coolOff {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.state = StateClosed
		cb.failures = 0
		return
	}

	cb.lastFailTime = cb.now()
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

// BreakerSet lazily keeps one breaker per key, typically a remote endpoint.
type BreakerSet struct {
	maxFailures int
	coolOff     time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates breakers sharing the same thresholds.
func NewBreakerSet(maxFailures int, coolOff time.Duration) *BreakerSet {
	return &BreakerSet{
		maxFailures: maxFailures,
		coolOff:     coolOff,
		breakers:    map[string]*CircuitBreaker{},
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	breaker, ok := s.breakers[key]
	if !ok {
		breaker = NewCircuitBreaker(s.maxFailures, s.coolOff)
		s.breakers[key] = breaker
	}
	return breaker
}
