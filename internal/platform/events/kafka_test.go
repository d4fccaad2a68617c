package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByOrderID(t *testing.T) {
	writer := &recordingWriter{}
	publisher := newKafkaPublisher(writer)
	event := sampleEvent()

	if err := publisher.PublishOrderEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != event.OrderID {
		t.Fatalf("expected key %s, got %s", event.OrderID, msg.Key)
	}
	if !msg.Time.Equal(event.OccurredAt) {
		t.Fatalf("expected message time %s, got %s", event.OccurredAt, msg.Time)
	}

	var payload map[string]any
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["type"] != event.Type || payload["order_number"] != event.OrderNumber {
		t.Fatalf("unexpected payload %#v", payload)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] != event.Type || headers["event_id"] != event.ID {
		t.Fatalf("unexpected headers %v", headers)
	}

	if err := publisher.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer to be closed, err=%v", err)
	}
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	publisher := newKafkaPublisher(&recordingWriter{err: boom})

	err := publisher.PublishOrderEvent(context.Background(), sampleEvent())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "order-events", nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, "", nil); err == nil {
		t.Fatal("expected error without topic")
	}
	publisher, err := NewKafkaPublisher([]string{"localhost:9092"}, "order-events", nil)
	if err != nil {
		t.Fatalf("NewKafkaPublisher: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
