// Package deadletter records events the dispatch pool refused, so operators can
// replay them. Publishing is best effort.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/metrics"
	"github.com/austindbirch/harbor_bpe/internal/tracing"
)

const EnvelopeType = "bpe.event.dropped"

type Envelope struct {
	Type           string            `json:"type"`    // "bpe.event.dropped"
	Version        string            `json:"version"` // schema version
	At             string            `json:"at"`      // RFC3339 time the event was dropped
	Reason         string            `json:"reason"`
	Connection     string            `json:"connection"`
	Kind           string            `json:"kind"` // resource or ping
	SubscriptionID string            `json:"subscription_id,omitempty"`
	ResourceType   string            `json:"resource_type,omitempty"`
	ResourceID     string            `json:"resource_id,omitempty"`
	Resource       json.RawMessage   `json:"resource,omitempty"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}

// NewResourceEnvelope snapshots a dropped resource event
func NewResourceEnvelope(ctx context.Context, connection string, r *fhir.Resource, reason string) (Envelope, error) {
	body, err := sonic.ConfigStd.Marshal(r)
	if err != nil {
		return Envelope{}, err
	}
	env := newEnvelope(ctx, connection, "resource", reason)
	env.ResourceType = r.ResourceType()
	env.ResourceID = r.ID()
	env.Resource = body
	return env, nil
}

// NewPingEnvelope snapshots a dropped ping event
func NewPingEnvelope(ctx context.Context, connection, subscriptionID, reason string) Envelope {
	env := newEnvelope(ctx, connection, "ping", reason)
	env.SubscriptionID = subscriptionID
	return env
}

func newEnvelope(ctx context.Context, connection, kind, reason string) Envelope {
	return Envelope{
		Type:         EnvelopeType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		Connection:   connection,
		Kind:         kind,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
}

// Publisher delivers envelopes somewhere durable
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Producer is the part of *nsq.Producer the publisher uses
type Producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher publishes envelopes as JSON messages on an NSQ topic
type NSQPublisher struct {
	producer Producer
	topic    string
}

// NewNSQPublisher connects a producer to nsqd at addr
func NewNSQPublisher(addr, topic string) (*NSQPublisher, error) {
	if topic == "" {
		return nil, errors.New("dead letter topic is required")
	}
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, err
	}
	return NewPublisherWithProducer(producer, topic), nil
}

func NewPublisherWithProducer(p Producer, topic string) *NSQPublisher {
	return &NSQPublisher{producer: p, topic: topic}
}

func (p *NSQPublisher) Publish(ctx context.Context, env Envelope) error {
	b, err := sonic.ConfigStd.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.topic))
	metrics.RecordDLQ()
	return nil
}

func (p *NSQPublisher) Close() {
	p.producer.Stop()
}
