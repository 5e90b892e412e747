// Package router fans frames out to the consumers of a key.
package router

import (
	"context"
	"fmt"

	"profilefeed/pkg/market"
	"profilefeed/pkg/subscription"
	"profilefeed/pkg/wire"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ConsumerSource resolves the consumers a frame is delivered to.
type ConsumerSource interface {
	Consumers(key market.CompositeKey) []subscription.Consumer
	AllConsumers() []subscription.Consumer
}

// Router delivers each frame to every consumer of its key exactly once. A consumer that
// errors or panics never prevents delivery to the others.
type Router struct {
	source ConsumerSource
	logger *zap.Logger

	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

func New(source ConsumerSource, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{source: source, logger: logger}
	r.setupMetrics()
	return r
}

func (r *Router) setupMetrics() {
	meter := otel.Meter("profilefeed/router")
	delivered, err := meter.Int64Counter("router.delivered",
		metric.WithDescription("Frames delivered to consumers"),
		metric.WithUnit("{frame}"),
	)
	if err == nil {
		r.delivered = delivered
	} else {
		r.logger.Warn("register delivered counter", zap.Error(err))
	}
	failed, err := meter.Int64Counter("router.failed",
		metric.WithDescription("Frames a consumer failed to accept"),
		metric.WithUnit("{frame}"),
	)
	if err == nil {
		r.failed = failed
	} else {
		r.logger.Warn("register failed counter", zap.Error(err))
	}
}

// Route delivers f to every consumer of key and returns the number of successful deliveries.
func (r *Router) Route(key market.CompositeKey, f wire.Frame) int {
	return r.deliverAll(r.source.Consumers(key), f, key.String())
}

// Broadcast delivers a system-scope frame to every distinct consumer.
func (r *Router) Broadcast(f wire.Frame) int {
	return r.deliverAll(r.source.AllConsumers(), f, market.SystemSymbol)
}

// Dispatch routes f by its own subject, broadcasting frames that have none.
func (r *Router) Dispatch(f wire.Frame) int {
	if key, ok := f.Subject(); ok {
		return r.Route(key, f)
	}
	return r.Broadcast(f)
}

// Send delivers f to a single consumer with the same isolation as Route.
func (r *Router) Send(c subscription.Consumer, f wire.Frame) error {
	if err := deliver(c, f); err != nil {
		r.logger.Warn("delivery failed", zap.String("consumer", c.ID()),
			zap.String("frame", string(f.FrameType())), zap.Error(err))
		r.count(r.failed, f)
		return err
	}
	r.count(r.delivered, f)
	return nil
}

func (r *Router) deliverAll(consumers []subscription.Consumer, f wire.Frame, scope string) int {
	ok := 0
	seen := make(map[string]struct{}, len(consumers))
	for _, c := range consumers {
		id := c.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := deliver(c, f); err != nil {
			r.logger.Warn("delivery failed",
				zap.String("consumer", id),
				zap.String("scope", scope),
				zap.String("frame", string(f.FrameType())),
				zap.Error(err))
			r.count(r.failed, f)
			continue
		}
		r.count(r.delivered, f)
		ok++
	}
	return ok
}

func (r *Router) count(c metric.Int64Counter, f wire.Frame) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", string(f.FrameType())),
	))
}

func deliver(c subscription.Consumer, f wire.Frame) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("consumer panic: %v", p)
		}
	}()
	return c.Deliver(f)
}
