// Package breaker wraps sony/gobreaker into a process-wide named
// registry with one place to read breaker state from. Its only caller
// is the alert dispatcher, which runs each channel send (PagerDuty,
// Slack, outbound webhook) through a per-channel breaker; the backfill
// importers' provider HTTP calls and the normalizers do not go through
// it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen is returned when a named breaker is open and the call was
// rejected without being attempted.
var ErrOpen = errors.New("breaker: circuit open")

// Status is a read-only snapshot of one breaker's state, for the
// admin health endpoint (C14).
type Status struct {
	Name    string
	State   string
	Counts  gobreaker.Counts
}

// Registry holds one named circuit breaker per outbound dependency.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewRegistry returns an empty breaker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the named breaker, creating it with the given settings
// on first use. Settings are only applied once, at creation.
func (r *Registry) Get(name string, maxFailures uint32, resetTimeout time.Duration, halfOpenMaxAttempts uint32) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenMaxAttempts,
		Interval:    0,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Info("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}

// Call invokes fn through the named breaker, translating
// gobreaker.ErrOpenState into the package's ErrOpen.
func (r *Registry) Call(ctx context.Context, name string, maxFailures uint32, resetTimeout time.Duration, halfOpenMaxAttempts uint32, fn func(ctx context.Context) error) error {
	cb := r.Get(name, maxFailures, resetTimeout, halfOpenMaxAttempts)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState {
		return fmt.Errorf("%w: %s", ErrOpen, name)
	}
	return err
}

// Snapshot returns the current state of every registered breaker.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.breakers))
	for name, cb := range r.breakers {
		out = append(out, Status{
			Name:   name,
			State:  cb.State().String(),
			Counts: cb.Counts(),
		})
	}
	return out
}
