package adapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls after repeated failures
var ErrCircuitOpen = goerr.New("circuit breaker is open")

// Breaker stops calling a failing endpoint for a cool down period. Client errors
// other than 429 do not count as failures because they say nothing about the
// endpoint's health.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

type breakerConfig struct {
	maxFailures uint32
	timeout     time.Duration
	halfOpenMax uint32
}

type BreakerOption func(*breakerConfig)

// WithMaxFailures sets how many consecutive failures trip the breaker
func WithMaxFailures(n uint32) BreakerOption {
	return func(c *breakerConfig) {
		c.maxFailures = n
	}
}

// WithOpenTimeout sets how long the breaker stays open
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(c *breakerConfig) {
		c.timeout = d
	}
}

func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	cfg := &breakerConfig{
		maxFailures: 3,
		timeout:     30 * time.Second,
		halfOpenMax: 1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.halfOpenMax,
			Timeout:     cfg.timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.maxFailures
			},
			IsSuccessful: isHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Default().Warn("circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// Execute runs fn through the breaker
func (b *Breaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}

	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, goerr.Wrap(ErrCircuitOpen, err.Error(), goerr.V("name", b.cb.Name()))
		}
		return nil, err
	}
	return result, nil
}

// State returns "closed", "half-open" or "open"
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func isHealthy(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled)
}
