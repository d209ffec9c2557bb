// Package resilience wraps calls to policy stores in retries and a circuit
// breaker so a struggling database is not hammered by every evaluation.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Settings configures an Executor. Zero values take the defaults below.
type Settings struct {
	Name             string
	Attempts         uint          // default 3
	AttemptTimeout   time.Duration // default 2s
	FailureThreshold uint32        // consecutive failures before opening, default 5
	OpenTimeout      time.Duration // default 10s
	StateGauge       *prometheus.GaugeVec
	Logger           *zap.Logger

	// delay overrides the backoff; used by tests.
	delay func(n uint, err error, config retry.DelayContext) time.Duration
}

// Executor runs store calls with bounded retries inside a circuit breaker.
type Executor struct {
	cb             *gobreaker.CircuitBreaker
	attempts       uint
	attemptTimeout time.Duration
	delay          func(n uint, err error, config retry.DelayContext) time.Duration
}

// New creates an Executor.
func New(s Settings) *Executor {
	if s.Name == "" {
		s.Name = "policy-store"
	}
	if s.Attempts == 0 {
		s.Attempts = 3
	}
	if s.AttemptTimeout == 0 {
		s.AttemptTimeout = 2 * time.Second
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 10 * time.Second
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.delay == nil {
		s.delay = retry.BackOffDelay
	}

	gauge := s.StateGauge
	logger := s.Logger
	threshold := s.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller that went away says nothing about the store's health.
		IsSuccessful: func(err error) bool {
			var gone callerGone
			return err == nil || errors.As(err, &gone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if gauge != nil {
				gauge.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	if gauge != nil {
		gauge.WithLabelValues(s.Name).Set(float64(gobreaker.StateClosed))
	}

	return &Executor{
		cb:             cb,
		attempts:       s.Attempts,
		attemptTimeout: s.AttemptTimeout,
		delay:          s.delay,
	}
}

// callerGone marks failures caused by the caller's own context ending.
type callerGone struct{ err error }

func (c callerGone) Error() string { return c.err.Error() }
func (c callerGone) Unwrap() error { return c.err }

// Execute runs fn, retrying transient failures. When the breaker is open it
// fails immediately with gobreaker.ErrOpenState. Failures that coincide with
// ctx ending are returned but not counted against the breaker.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(e.attempts),
			retry.DelayType(e.delay),
		)

		// retry folds every attempt into one combined error; callers want the cause.
		var last error
		retryErr := r.Do(func() error {
			aCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
			defer cancel()
			last = fn(aCtx)
			return last
		})
		if retryErr != nil && last != nil {
			retryErr = last
		}
		if retryErr != nil && ctx.Err() != nil {
			return nil, callerGone{retryErr}
		}
		return nil, retryErr
	})
	var gone callerGone
	if errors.As(err, &gone) {
		return gone.err
	}
	return err
}

// State reports the breaker state.
func (e *Executor) State() gobreaker.State {
	return e.cb.State()
}
