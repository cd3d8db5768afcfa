package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/user-notifications/internal/notifications"
)

// MessageWriter is the slice of kafka.Writer the handoff needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// TopicForChannel maps a channel kind to its dispatch topic. Channel-specific
// senders consume these topics; transmission is their concern, not ours.
func TopicForChannel(kind notifications.ChannelKind) string {
	switch kind {
	case notifications.ChannelEmail:
		return "dispatch.email"
	case notifications.ChannelSms:
		return "dispatch.sms"
	case notifications.ChannelWebPush:
		return "dispatch.webpush"
	default:
		return ""
	}
}

// Envelope is the rendered, channel-tagged payload handed to a sender.
type Envelope struct {
	NotificationID   string    `json:"notification_id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id"`
	NotificationType string    `json:"notification_type"`
	Channel          string    `json:"channel"`
	Body             string    `json:"body"`
	Subject          string    `json:"subject,omitempty"`
	CorrelationIDs   []string  `json:"correlation_ids,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// KafkaHandoff publishes one envelope per delivery record onto the
// per-channel dispatch topic, keyed by tenant and notification id.
type KafkaHandoff struct {
	WriterFactory func(topic string) MessageWriter
	Logger        zerolog.Logger

	// Topics overrides the default topic per channel when set.
	Topics map[notifications.ChannelKind]string
}

func (h *KafkaHandoff) topicFor(kind notifications.ChannelKind) string {
	if topic, ok := h.Topics[kind]; ok && topic != "" {
		return topic
	}
	return TopicForChannel(kind)
}

func (h *KafkaHandoff) Publish(ctx context.Context, tenant string, n notifications.UserNotification, rec notifications.DeliveryRecord) error {
	topic := h.topicFor(rec.Kind)
	if topic == "" {
		return fmt.Errorf("no dispatch topic for channel %q", rec.Kind)
	}

	envelope := Envelope{
		NotificationID:   n.ID,
		TenantID:         tenant,
		UserID:           n.UserID,
		NotificationType: n.NotificationType,
		Channel:          string(rec.Kind),
		Body:             rec.Payload.Body,
		Subject:          rec.Payload.Subject,
		CorrelationIDs:   n.Metadata.CorrelationIDs,
		CreatedAt:        n.Timestamp,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	writer := h.WriterFactory(topic)
	if err := writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tenant + ":" + n.ID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("write dispatch message: %w", err)
	}

	h.Logger.Debug().Str("topic", topic).Str("notification_id", n.ID).Msg("delivery payload handed off")
	return nil
}

// NewWriterCache returns a factory that lazily creates one kafka writer per
// topic, reusing it afterwards. Safe for concurrent handlers.
func NewWriterCache(brokers []string) (func(topic string) MessageWriter, func()) {
	var mu sync.Mutex
	cache := map[string]*kafka.Writer{}
	factory := func(topic string) MessageWriter {
		mu.Lock()
		defer mu.Unlock()
		if w, ok := cache[topic]; ok {
			return w
		}
		writer := &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		}
		cache[topic] = writer
		return writer
	}
	closeAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, w := range cache {
			_ = w.Close()
		}
	}
	return factory, closeAll
}
