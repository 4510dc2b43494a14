package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// call is one prepared request to the analysis service.
type call struct {
	op     string
	method string
	path   string
	query  map[string]string
	body   any
}

// Handler performs a call and returns the raw reply body.
type Handler func(ctx context.Context, c *call) ([]byte, error)

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// chain applies middlewares so that the first one listed runs outermost.
func chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// withTimeout bounds every call. A zero timeout disables the bound.
func withTimeout(timeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, c *call) ([]byte, error) {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return next(ctx, c)
		}
	}
}

// withRetry retries network failures with exponential backoff. Replies the
// service actually sent (404, 401, problems) are never retried, and neither
// is an open circuit.
func withRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, c *call) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, c)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				var netErr *NetworkError
				if !errors.As(err, &netErr) || ctx.Err() != nil {
					return nil, err
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					logger.WarnContext(ctx, "backend: retrying call",
						"op", c.op,
						"attempt", attempt+1,
						"max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
					select {
					case <-ctx.Done():
						return nil, lastErr
					case <-time.After(wait):
					}
				}
			}
			return nil, lastErr
		}
	}
}

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // probe calls allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops hammering an analysis service that keeps failing at
// the network level. Only NetworkErrors count as failures: a 404 is a
// healthy service answering.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after resetTimeout. Non-positive arguments fall
// back to 5 failures and 30s.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		halfOpenMax:  2,
		now:          time.Now,
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state != BreakerOpen
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if failed {
		cb.lastFailure = cb.now()
		switch cb.state {
		case BreakerClosed:
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.state = BreakerOpen
			}
		case BreakerHalfOpen:
			cb.state = BreakerOpen
			cb.successes = 0
		}
		return
	}
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

// Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
}

func withCircuitBreaker(cb *CircuitBreaker) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, c *call) ([]byte, error) {
			if !cb.allow() {
				return nil, &ErrCircuitOpen{Op: c.op}
			}
			resp, err := next(ctx, c)
			var netErr *NetworkError
			cb.record(errors.As(err, &netErr))
			return resp, err
		}
	}
}
