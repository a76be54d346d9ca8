package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures NewBreakerProvider.
type BreakerSettings struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// BreakerProvider stops calling a failing provider for a while. Calls made
// while it is open fail with ErrUnavailable.
type BreakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps inner with a circuit breaker.
func NewBreakerProvider(inner Provider, s BreakerSettings, logger *zap.Logger) *BreakerProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.Name == "" {
		s.Name = "llm"
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Cancellation is the caller's decision, not a provider fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerProvider{inner: inner, cb: cb}
}

func (b *BreakerProvider) IsConfigured() bool {
	return b.inner.IsConfigured()
}

func (b *BreakerProvider) Complete(ctx context.Context, req Request) (string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerProvider) State() string {
	return b.cb.State().String()
}

// ListModels forwards to the wrapped provider when it can list models.
func (b *BreakerProvider) ListModels(ctx context.Context) ([]Model, error) {
	return listModels(ctx, b.inner)
}

func listModels(ctx context.Context, p Provider) ([]Model, error) {
	if l, ok := p.(ModelLister); ok {
		return l.ListModels(ctx)
	}
	return nil, fmt.Errorf("provider %T cannot list models", p)
}
