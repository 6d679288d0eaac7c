// Package dependency provides resilience primitives — circuit breakers and
// in-memory fallback providers. The LM client, the cluster client and each
// security scanner binary call through a CircuitBreaker; Postgres, Redis and
// Slack calls are not wrapped.
package dependency

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitState mirrors gobreaker's three states under aegis's own naming so
// callers never import gobreaker directly.
type CircuitState int

const (
	CircuitStateClosed CircuitState = iota
	CircuitStateHalfOpen
	CircuitStateOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitStateClosed:
		return "closed"
	case CircuitStateHalfOpen:
		return "half-open"
	case CircuitStateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// minRequestsForTrip is the smallest sample size the breaker will judge a
// failure rate against; fewer requests than this never trip the breaker no
// matter how many failed, avoiding flapping on a cold start.
const minRequestsForTrip = 5

// CircuitBreaker wraps gobreaker with a failure-rate (not consecutive-
// failure) trip condition and richer introspection for dashboards and tests.
type CircuitBreaker struct {
	name            string
	failureThreshold float64
	resetTimeout    time.Duration
	breaker         *gobreaker.CircuitBreaker
	logger          *logrus.Logger

	mu         sync.Mutex
	tripCounts gobreaker.Counts
}

// NewCircuitBreaker builds a named breaker that opens once at least
// minRequestsForTrip calls have been observed and the failure ratio among
// them is at or above failureThreshold. It stays open for resetTimeout
// before allowing one trial call through in the half-open state.
func NewCircuitBreaker(name string, failureThreshold float64, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logrus.StandardLogger(),
	}

	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequestsForTrip {
				return false
			}
			if float64(counts.TotalFailures)/float64(counts.Requests) < failureThreshold {
				return false
			}
			// gobreaker clears its counts on every state change; keep the
			// generation that tripped the breaker for GetFailureRate.
			cb.mu.Lock()
			cb.tripCounts = counts
			cb.mu.Unlock()
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.WithFields(logrus.Fields{
				"circuit": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("circuit breaker state changed")
		},
	})

	return cb
}

// Call executes fn through the breaker, returning gobreaker's "circuit
// breaker is open" error without invoking fn when the circuit is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	_, err := cb.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// GetState reports the breaker's current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return CircuitStateClosed
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateOpen
	}
}

// GetName returns the breaker's configured name.
func (cb *CircuitBreaker) GetName() string { return cb.name }

// GetFailureThreshold returns the configured trip ratio.
func (cb *CircuitBreaker) GetFailureThreshold() float64 { return cb.failureThreshold }

// GetResetTimeout returns the configured open-state duration.
func (cb *CircuitBreaker) GetResetTimeout() time.Duration { return cb.resetTimeout }

// GetFailureRate returns the failure ratio over the current generation's
// observed requests, or 0 when none have been made yet. While the circuit is
// open it reports the ratio of the generation that tripped it.
func (cb *CircuitBreaker) GetFailureRate() float64 {
	counts := cb.breaker.Counts()
	if cb.breaker.State() == gobreaker.StateOpen {
		cb.mu.Lock()
		counts = cb.tripCounts
		cb.mu.Unlock()
	}
	if counts.Requests == 0 {
		return 0.0
	}
	return float64(counts.TotalFailures) / float64(counts.Requests)
}

// GetFailures returns the total failure count in the current generation.
func (cb *CircuitBreaker) GetFailures() int64 {
	return int64(cb.breaker.Counts().TotalFailures)
}
