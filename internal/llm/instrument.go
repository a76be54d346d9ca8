package llm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwplanner_llm_requests_total",
			Help: "LLM completion requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kwplanner_llm_request_duration_seconds",
			Help:    "LLM completion latency by operation.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)
)

// RegisterMetrics registers the LLM collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{requestsTotal, requestDuration} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// InstrumentedProvider records request counts and latency for a provider.
type InstrumentedProvider struct {
	inner Provider
}

// Instrument wraps p with metrics.
func Instrument(p Provider) *InstrumentedProvider {
	return &InstrumentedProvider{inner: p}
}

func (p *InstrumentedProvider) IsConfigured() bool {
	return p.inner.IsConfigured()
}

func (p *InstrumentedProvider) Complete(ctx context.Context, req Request) (string, error) {
	op := req.Operation
	if op == "" {
		op = "other"
	}

	start := time.Now()
	out, err := p.inner.Complete(ctx, req)
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(op, outcome(err)).Inc()
	return out, err
}

func (p *InstrumentedProvider) ListModels(ctx context.Context) ([]Model, error) {
	return listModels(ctx, p.inner)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// Wrap applies the standard decorators: circuit breaker, then metrics.
func Wrap(p Provider, s BreakerSettings, logger *zap.Logger) Provider {
	return Instrument(NewBreakerProvider(p, s, logger))
}
