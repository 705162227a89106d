// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package producers

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// BreakerProducer wraps a producer with a circuit breaker so a dead sink
// fails fast instead of stacking up blocked requests.
type BreakerProducer struct {
	inner   Producer
	breaker *gobreaker.CircuitBreaker[interface{}]
}

// WithBreaker wraps a producer in a named circuit breaker.
func WithBreaker(name string, inner Producer) *BreakerProducer {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	return &BreakerProducer{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[interface{}](settings),
	}
}

// Send delivers through the breaker. While the breaker is open, sends fail
// immediately with gobreaker.ErrOpenState wrapped in a SendError.
func (p *BreakerProducer) Send(ctx context.Context, event *Event) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.inner.Send(ctx, event)
	})
	if err == nil {
		return nil
	}
	if _, ok := err.(*SendError); ok {
		return err
	}
	return &SendError{Producer: p.breaker.Name(), Err: err}
}
