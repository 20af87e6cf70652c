package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_bpe/internal/deadletter"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/metrics"
	"github.com/austindbirch/harbor_bpe/internal/tracing"
)

// ResourceHandler processes one resource event
type ResourceHandler interface {
	OnResource(ctx context.Context, r *fhir.Resource) error
}

type ResourceHandlerFunc func(ctx context.Context, r *fhir.Resource) error

func (f ResourceHandlerFunc) OnResource(ctx context.Context, r *fhir.Resource) error {
	return f(ctx, r)
}

// PingHandler processes a ping for a subscription
type PingHandler interface {
	OnPing(ctx context.Context, subscriptionID string) error
}

type PingHandlerFunc func(ctx context.Context, subscriptionID string) error

func (f PingHandlerFunc) OnPing(ctx context.Context, subscriptionID string) error {
	return f(ctx, subscriptionID)
}

const (
	kindResource = "resource"
	kindPing     = "ping"
)

// Dispatcher hands events to the pool. Events the pool rejects are logged,
// counted and optionally dead-lettered, then dropped.
type Dispatcher struct {
	Connection  string
	Pool        *Pool
	Resources   ResourceHandler
	Pings       PingHandler
	DeadLetters deadletter.Publisher // optional
	Logger      *logging.Logger
}

func (d *Dispatcher) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

// DispatchResource schedules the resource handler. It never returns an error to
// the caller; a rejected event is dropped.
func (d *Dispatcher) DispatchResource(ctx context.Context, r *fhir.Resource) {
	if d.Resources == nil {
		d.logger().WithContext(ctx).WithResourceType(r.ResourceType()).
			WithField("connection", d.Connection).Warn("no resource handler configured, event ignored")
		return
	}

	jobCtx := context.WithoutCancel(ctx)
	err := d.Pool.Submit(func() {
		d.invoke(jobCtx, kindResource, r.Reference(), func(ctx context.Context) error {
			return d.Resources.OnResource(ctx, r)
		})
	})
	if err != nil {
		d.drop(ctx, kindResource, r.Reference(), err, func() (deadletter.Envelope, error) {
			return deadletter.NewResourceEnvelope(ctx, d.Connection, r, err.Error())
		})
		return
	}
	metrics.RecordDispatched(kindResource)
}

// DispatchPing schedules the ping handler with the same drop policy as DispatchResource
func (d *Dispatcher) DispatchPing(ctx context.Context, subscriptionID string) {
	if d.Pings == nil {
		d.logger().WithContext(ctx).WithSubscription(subscriptionID).
			WithField("connection", d.Connection).Warn("no ping handler configured, ping ignored")
		return
	}

	jobCtx := context.WithoutCancel(ctx)
	err := d.Pool.Submit(func() {
		d.invoke(jobCtx, kindPing, subscriptionID, func(ctx context.Context) error {
			return d.Pings.OnPing(ctx, subscriptionID)
		})
	})
	if err != nil {
		d.drop(ctx, kindPing, subscriptionID, err, func() (deadletter.Envelope, error) {
			return deadletter.NewPingEnvelope(ctx, d.Connection, subscriptionID, err.Error()), nil
		})
		return
	}
	metrics.RecordDispatched(kindPing)
}

func (d *Dispatcher) drop(ctx context.Context, kind, ref string, cause error, envelope func() (deadletter.Envelope, error)) {
	metrics.RecordDropped(kind)
	d.logger().WithContext(ctx).WithError(cause).
		WithFields(map[string]any{"connection": d.Connection, "kind": kind, "event": ref}).
		Error("dispatch rejected, event dropped")

	if d.DeadLetters == nil {
		return
	}
	env, err := envelope()
	if err == nil {
		err = d.DeadLetters.Publish(ctx, env)
	}
	if err != nil {
		d.logger().WithContext(ctx).WithError(err).WithField("event", ref).Error("dead letter publish failed")
	}
}

// invoke runs a handler inside a span, recovering panics. Failures are logged and
// counted; nothing is retried.
func (d *Dispatcher) invoke(ctx context.Context, kind, ref string, fn func(ctx context.Context) error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch."+kind,
		attribute.String("connection", d.Connection),
		attribute.String("event", ref),
	)
	defer span.End()

	start := time.Now()
	reason := ""
	defer func() {
		if r := recover(); r != nil {
			reason = "panic"
			err := fmt.Errorf("handler panic: %v", r)
			tracing.SetSpanError(ctx, err)
			d.logger().WithContext(ctx).WithError(err).
				WithFields(map[string]any{"connection": d.Connection, "kind": kind, "event": ref}).
				Error("event handler panicked")
		}
		metrics.RecordHandler(kind, time.Since(start), reason)
	}()

	if err := fn(ctx); err != nil {
		reason = "error"
		tracing.SetSpanError(ctx, err)
		entry := d.logger().WithContext(ctx).WithError(err).
			WithFields(map[string]any{"connection": d.Connection, "kind": kind, "event": ref})
		if errors.Is(err, context.Canceled) {
			entry.Warn("event handler cancelled")
			return
		}
		entry.Error("event handler failed")
	}
}
