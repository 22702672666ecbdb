package quarantine

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/reliability"
)

// BreakerConfig controls when a destination is skipped after failures
type BreakerConfig struct {
	FailureThreshold uint32
	Timeout          time.Duration
	OnStateChange    func(sink string, from, to reliability.State)
}

// GuardedSink fails fast while its destination keeps failing, so a dead
// archive does not add retry latency to every invocation
type GuardedSink struct {
	sink    Sink
	breaker *reliability.CircuitBreaker
}

// NewGuardedSink wraps sink with a circuit breaker
func NewGuardedSink(sink Sink, config BreakerConfig) *GuardedSink {
	return &GuardedSink{
		sink: sink,
		breaker: reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			Name:             sink.Name(),
			FailureThreshold: config.FailureThreshold,
			Timeout:          config.Timeout,
			OnStateChange:    config.OnStateChange,
		}),
	}
}

// Name returns the wrapped sink's name
func (g *GuardedSink) Name() string {
	return g.sink.Name()
}

// Write forwards to the wrapped sink unless the breaker is open
func (g *GuardedSink) Write(ctx context.Context, batch *Batch) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.sink.Write(ctx, batch)
	})
}

// State returns the breaker state
func (g *GuardedSink) State() reliability.State {
	return g.breaker.State()
}
