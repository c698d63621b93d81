package llm

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/metrics"
	"github.com/harunnryd/parla/pkg/resilience"
)

// CircuitBreakerBackend refuses replies while the wrapped backend keeps hitting rate limits.
type CircuitBreakerBackend struct {
	inner   Backend
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerBackend(inner Backend, breaker *resilience.CircuitBreaker) *CircuitBreakerBackend {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	b := &CircuitBreakerBackend{inner: inner, breaker: breaker}
	breaker.OnStateChange(b.onBreakerChange)
	return b
}

func (b *CircuitBreakerBackend) Name() string { return b.inner.Name() }

func (b *CircuitBreakerBackend) Err() error { return b.inner.Err() }

// Close closes the wrapped backend when it holds resources.
func (b *CircuitBreakerBackend) Close() error {
	if closer, ok := b.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SetObserver allows metrics emission for breaker events.
func (b *CircuitBreakerBackend) SetObserver(obs metrics.Observer) { b.obs = obs }

func (b *CircuitBreakerBackend) Send(ctx context.Context, text string) (*Stream, error) {
	if !b.breaker.Allow() {
		b.record(metrics.EventBreakerDenied)
		return nil, errorsx.Wrap(resilience.RateLimitError{Provider: b.Name(), Message: denyMessage(b.breaker.RetryAfter())}, errorsx.ReasonLLMRateLimit)
	}
	stream, err := b.inner.Send(ctx, text)
	if err != nil {
		if resilience.IsRateLimit(err) {
			b.record(metrics.EventRateLimit)
		}
		b.breaker.OnError(err)
		return nil, err
	}
	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		for f := range stream.Fragments() {
			if f.Err != nil {
				if resilience.IsRateLimit(f.Err) {
					b.record(metrics.EventRateLimit)
				}
				b.breaker.OnError(f.Err)
			}
			if !Emit(ctx, out, f) {
				stream.Close()
				// Release a half-open probe that never finished.
				b.breaker.OnError(ctx.Err())
				return
			}
			if f.Err != nil {
				return
			}
		}
		b.breaker.OnSuccess()
	}()
	return NewStream(out, stream.Close), nil
}

func (b *CircuitBreakerBackend) record(name string) {
	if b.obs == nil {
		return
	}
	b.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  b.inner.Name(),
			"component": "llm",
		},
	})
}

func (b *CircuitBreakerBackend) onBreakerChange(from, to resilience.BreakerState) {
	switch to {
	case resilience.BreakerOpen:
		b.record(metrics.EventBreakerOpen)
	case resilience.BreakerClosed:
		b.record(metrics.EventBreakerClose)
	}
}

func denyMessage(wait time.Duration) string {
	if wait < time.Second {
		return "rate limited, try again shortly"
	}
	return fmt.Sprintf("rate limited, try again in %ds", int(wait.Round(time.Second)/time.Second))
}

var _ Backend = (*CircuitBreakerBackend)(nil)
