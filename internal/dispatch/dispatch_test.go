package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/user-notifications/internal/notifications"
)

func TestTopicForChannel(t *testing.T) {
	cases := map[notifications.ChannelKind]string{
		notifications.ChannelEmail:   "dispatch.email",
		notifications.ChannelSms:     "dispatch.sms",
		notifications.ChannelWebPush: "dispatch.webpush",
		"pigeon":                     "",
	}

	for input, expected := range cases {
		if got := TopicForChannel(input); got != expected {
			t.Fatalf("TopicForChannel(%s)=%s, expected %s", input, got, expected)
		}
	}
}

type captureWriter struct {
	topic    string
	messages []kafka.Message
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.messages = append(c.messages, msgs...)
	return nil
}

func TestPublishEnvelope(t *testing.T) {
	writers := map[string]*captureWriter{}
	h := &KafkaHandoff{
		WriterFactory: func(topic string) MessageWriter {
			w, ok := writers[topic]
			if !ok {
				w = &captureWriter{topic: topic}
				writers[topic] = w
			}
			return w
		},
		Logger: zerolog.Nop(),
	}

	n := notifications.UserNotification{
		ID:               "n-1",
		NotificationType: "marain.notifications.test.v1",
		UserID:           "u-1",
		Timestamp:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Metadata:         notifications.UserNotificationMetadata{CorrelationIDs: []string{"c-1"}},
	}
	rec := notifications.DeliveryRecord{
		NotificationID: "n-1",
		Kind:           notifications.ChannelSms,
		Payload:        notifications.RenderedPayload{Body: "rendered body"},
	}

	if err := h.Publish(context.Background(), "tenant-a", n, rec); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	w := writers["dispatch.sms"]
	if w == nil || len(w.messages) != 1 {
		t.Fatalf("expected one message on dispatch.sms, got %+v", writers)
	}
	if string(w.messages[0].Key) != "tenant-a:n-1" {
		t.Fatalf("unexpected key: %s", w.messages[0].Key)
	}

	var envelope Envelope
	if err := json.Unmarshal(w.messages[0].Value, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Body != "rendered body" || envelope.Channel != "sms" || envelope.UserID != "u-1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if len(envelope.CorrelationIDs) != 1 || envelope.CorrelationIDs[0] != "c-1" {
		t.Fatalf("correlation ids not propagated: %+v", envelope)
	}
}

func TestPublishTopicOverride(t *testing.T) {
	writers := map[string]*captureWriter{}
	h := &KafkaHandoff{
		WriterFactory: func(topic string) MessageWriter {
			w, ok := writers[topic]
			if !ok {
				w = &captureWriter{topic: topic}
				writers[topic] = w
			}
			return w
		},
		Logger: zerolog.Nop(),
		Topics: map[notifications.ChannelKind]string{notifications.ChannelSms: "custom.sms"},
	}

	err := h.Publish(context.Background(), "tenant-a", notifications.UserNotification{ID: "n-1"}, notifications.DeliveryRecord{
		NotificationID: "n-1",
		Kind:           notifications.ChannelSms,
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if w := writers["custom.sms"]; w == nil || len(w.messages) != 1 {
		t.Fatalf("expected the overridden topic to receive the message, got %+v", writers)
	}
}

func TestPublishUnknownChannel(t *testing.T) {
	h := &KafkaHandoff{
		WriterFactory: func(string) MessageWriter { return &captureWriter{} },
		Logger:        zerolog.Nop(),
	}
	err := h.Publish(context.Background(), "tenant-a", notifications.UserNotification{ID: "n"}, notifications.DeliveryRecord{Kind: "pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
