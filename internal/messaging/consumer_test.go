package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingTrigger struct {
	types    []string
	payloads []string
	err      error
}

func (r *recordingTrigger) Trigger(notificationType string, payload json.RawMessage) error {
	if r.err != nil {
		return r.err
	}
	r.types = append(r.types, notificationType)
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func TestConsumerForwardsDispatchRequests(t *testing.T) {
	trigger := &recordingTrigger{}
	consumer, err := NewConsumer(ConsumerConfig{Trigger: trigger})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if consumer.subject != DefaultSubject {
		t.Fatalf("expected default subject, got %q", consumer.subject)
	}

	if err := consumer.handle([]byte(`{"notification_type":"BREAKING_NEWS","data":{"title":"Flood"}}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(trigger.types) != 1 || trigger.types[0] != "BREAKING_NEWS" || trigger.payloads[0] != `{"title":"Flood"}` {
		t.Fatalf("unexpected forwarded request %#v", trigger)
	}
}

func TestConsumerLogsRejectedRequests(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	trigger := &recordingTrigger{err: errors.New("unknown type")}
	consumer, err := NewConsumer(ConsumerConfig{Trigger: trigger, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	if err := consumer.handle([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed payload error")
	}
	if err := consumer.handle([]byte(`{"notification_type":"NOPE","data":{}}`)); err == nil {
		t.Fatalf("expected rejection error")
	}
	if logs.FilterMessage("notification request malformed").Len() != 1 || logs.FilterMessage("notification request rejected").Len() != 1 {
		t.Fatalf("expected both failures logged, got %d entries", logs.Len())
	}
}

func TestNewConsumerRequiresTrigger(t *testing.T) {
	if _, err := NewConsumer(ConsumerConfig{}); err == nil {
		t.Fatalf("expected error without trigger")
	}
}
