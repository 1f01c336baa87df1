package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures Guarded.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// HalfOpenMaxRequests bounds probe calls while half-open.
	HalfOpenMaxRequests uint32
}

// DefaultBreakerConfig returns 5 failures / 30s / 1 probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMaxRequests: 1}
}

// Guarded wraps a streaming provider in a circuit breaker so a failing
// backend is not hammered on every turn.
type Guarded struct {
	inner   StreamingProvider
	breaker *gobreaker.CircuitBreaker
}

// NewGuarded wraps inner.
func NewGuarded(inner StreamingProvider, cfg BreakerConfig, logger zerolog.Logger) *Guarded {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	log := logger.With().Str("component", "llm").Logger()

	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Cancelled turns say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	}

	return &Guarded{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the wrapped provider's name.
func (g *Guarded) Name() string { return g.inner.Name() }

// State reports the breaker state ("closed", "half-open", "open").
func (g *Guarded) State() string { return g.breaker.State().String() }

// Chat runs inner.Chat through the breaker.
func (g *Guarded) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, translate(err)
	}
	return out.(*ChatResponse), nil
}

// ChatStream runs inner.ChatStream through the breaker.
func (g *Guarded) ChatStream(ctx context.Context, req *ChatRequest, onToken func(string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.ChatStream(ctx, req, onToken)
	})
	if err != nil {
		return "", translate(err)
	}
	return out.(string), nil
}

func translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
