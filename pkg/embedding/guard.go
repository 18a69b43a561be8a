package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	nverrors "github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig tunes the protection placed around an embedding provider.
type GuardConfig struct {
	// Timeout bounds a single Embed call including the rate limiter wait.
	Timeout time.Duration

	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of trial calls admitted while half-open.
	HalfOpenRequests uint32

	// RatePerSecond caps outbound calls; 0 disables the limiter.
	RatePerSecond float64
	Burst         int

	// Dimensions rejects vectors of any other length when positive.
	Dimensions int
}

// DefaultGuardConfig returns the production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:          2 * time.Second,
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
		RatePerSecond:    50,
		Burst:            10,
	}
}

// Guard wraps a Provider with a timeout, a circuit breaker and a rate
// limiter. Every failure it returns matches errors.ErrEmbeddingUnavailable,
// so callers can fall back without inspecting provider-specific errors.
type Guard struct {
	next    Provider
	config  GuardConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

var _ Provider = (*Guard)(nil)

// NewGuard wraps next. Zero fields of config take their defaults.
func NewGuard(next Provider, config GuardConfig) *Guard {
	def := DefaultGuardConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}

	g := &Guard{next: next, config: config}
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		// A caller giving up is not the provider's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Embedding circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Embed returns the vector for text or an ErrEmbeddingUnavailable error.
func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nverrors.Wrap(nverrors.ErrValidation, "cannot embed empty text")
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, nverrors.Mark(fmt.Errorf("rate limiter: %w", err), nverrors.ErrEmbeddingUnavailable)
		}
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		vec, err := g.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if g.config.Dimensions > 0 && len(vec) != g.config.Dimensions {
			return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), g.config.Dimensions)
		}
		return vec, nil
	})
	if err != nil {
		log.DebugContext(ctx, "Embedding failed", "error", err, "breaker", g.State())
		return nil, nverrors.Mark(err, nverrors.ErrEmbeddingUnavailable)
	}
	return out.([]float32), nil
}

// State reports the breaker state: closed, open or half-open.
func (g *Guard) State() string {
	return g.breaker.State().String()
}
