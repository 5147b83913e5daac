package metrics

import (
	"context"

	"github.com/prwarden/prwarden/internal/events"
)

// InstrumentedPublisher wraps an events.Publisher and counts published
// events by type.
type InstrumentedPublisher struct {
	inner events.Publisher
	m     *Metrics
}

// NewInstrumentedPublisher wraps pub with publish counters.
func NewInstrumentedPublisher(pub events.Publisher, m *Metrics) *InstrumentedPublisher {
	return &InstrumentedPublisher{inner: pub, m: m}
}

// Publish counts each envelope after the underlying publish succeeds, so
// rejected batches do not inflate the counters.
func (p *InstrumentedPublisher) Publish(ctx context.Context, envs ...events.Envelope) error {
	if err := p.inner.Publish(ctx, envs...); err != nil {
		return err
	}
	for _, env := range envs {
		p.m.EventsPublished.WithLabelValues(string(env.EventType)).Inc()
	}
	return nil
}

// InstrumentedConsumer wraps an events.Consumer and counts deliveries by
// type and outcome ("ok" acked, "retry" left for redelivery).
type InstrumentedConsumer struct {
	inner events.Consumer
	m     *Metrics
}

// NewInstrumentedConsumer wraps cons with delivery counters.
func NewInstrumentedConsumer(cons events.Consumer, m *Metrics) *InstrumentedConsumer {
	return &InstrumentedConsumer{inner: cons, m: m}
}

// Subscribe delegates to the underlying consumer with a counting handler.
func (c *InstrumentedConsumer) Subscribe(ctx context.Context, types []events.Type, handler events.Handler) error {
	counted := func(ctx context.Context, env events.Envelope) error {
		err := handler(ctx, env)
		outcome := "ok"
		if err != nil {
			outcome = "retry"
		}
		c.m.EventsDelivered.WithLabelValues(string(env.EventType), outcome).Inc()
		return err
	}
	return c.inner.Subscribe(ctx, types, counted)
}
