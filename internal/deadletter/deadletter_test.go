package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/austindbirch/harbor_bpe/internal/fhir"
)

type fakeProducer struct {
	topic   string
	body    []byte
	err     error
	stopped bool
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.topic = topic
	f.body = body
	return f.err
}

func (f *fakeProducer) Stop() { f.stopped = true }

func TestNewResourceEnvelope(t *testing.T) {
	r, err := fhir.JSONDecoder{}.Decode([]byte(`{"resourceType":"Task","id":"t-1","status":"requested"}`))
	if err != nil {
		t.Fatal(err)
	}

	env, err := NewResourceEnvelope(context.Background(), "sub-0", r, "pool closed")
	if err != nil {
		t.Fatalf("NewResourceEnvelope() error: %v", err)
	}
	if env.Type != EnvelopeType || env.Version != "v1" {
		t.Errorf("Type/Version = %q/%q", env.Type, env.Version)
	}
	if env.Kind != "resource" || env.ResourceType != "Task" || env.ResourceID != "t-1" {
		t.Errorf("NewResourceEnvelope() = %+v", env)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.At); err != nil {
		t.Errorf("At = %q is not RFC3339: %v", env.At, err)
	}

	var body map[string]any
	if err := json.Unmarshal(env.Resource, &body); err != nil {
		t.Fatalf("Resource is not JSON: %v", err)
	}
	if body["status"] != "requested" {
		t.Errorf("Resource snapshot = %v", body)
	}
}

func TestNewPingEnvelope(t *testing.T) {
	env := NewPingEnvelope(context.Background(), "sub-0", "Subscription/s1", "pool closed")
	if env.Kind != "ping" || env.SubscriptionID != "Subscription/s1" || env.Connection != "sub-0" {
		t.Errorf("NewPingEnvelope() = %+v", env)
	}
	if env.Resource != nil {
		t.Errorf("NewPingEnvelope() resource = %s, want none", env.Resource)
	}
}

func TestNSQPublisher_Publish(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "published", err: nil},
		{name: "producer failure", err: errors.New("nsqd unavailable"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prod := &fakeProducer{err: tt.err}
			p := NewPublisherWithProducer(prod, "bpe_events_dlq")

			err := p.Publish(context.Background(), NewPingEnvelope(context.Background(), "c", "s", "r"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if prod.topic != "bpe_events_dlq" {
				t.Errorf("topic = %q", prod.topic)
			}

			var env Envelope
			if err := json.Unmarshal(prod.body, &env); err != nil {
				t.Fatalf("body is not an envelope: %v", err)
			}
			if env.Kind != "ping" {
				t.Errorf("published kind = %q, want ping", env.Kind)
			}

			p.Close()
			if !prod.stopped {
				t.Error("Close() did not stop the producer")
			}
		})
	}
}

func TestNewNSQPublisher_RequiresTopic(t *testing.T) {
	if _, err := NewNSQPublisher("127.0.0.1:4150", ""); err == nil {
		t.Error("NewNSQPublisher() without topic expected error")
	}
}
