package notifications

import (
	"context"
	"strings"
	"time"
)

type ChannelKind string

const (
	ChannelEmail   ChannelKind = "email"
	ChannelSms     ChannelKind = "sms"
	ChannelWebPush ChannelKind = "webpush"
)

// ChannelPriority is the fixed resolution order. Creation visits channels in
// this order so repeated calls with identical input produce identical output.
var ChannelPriority = []ChannelKind{ChannelEmail, ChannelSms, ChannelWebPush}

// ParseChannelKind normalizes a channel name. Preference records and API
// payloads carry channel names as free-form strings.
func ParseChannelKind(s string) (ChannelKind, bool) {
	switch ChannelKind(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, true
	case ChannelSms:
		return ChannelSms, true
	case ChannelWebPush:
		return ChannelWebPush, true
	default:
		return "", false
	}
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type ReadStatus string

const (
	ReadStatusUnread ReadStatus = "unread"
	ReadStatusRead   ReadStatus = "read"
)

// NotificationRequest is the transient input to the creation path.
type NotificationRequest struct {
	NotificationType string         `json:"notificationType"`
	UserIDs          []string       `json:"userIds"`
	Timestamp        time.Time      `json:"timestamp"`
	Properties       map[string]any `json:"properties"`
	CorrelationIDs   []string       `json:"correlationIds"`
}

func (r NotificationRequest) Validate() error {
	if r.NotificationType == "" {
		return &ValidationError{Field: "notificationType", Reason: "required"}
	}
	if len(r.UserIDs) == 0 {
		return &ValidationError{Field: "userIds", Reason: "at least one user id required"}
	}
	for _, id := range r.UserIDs {
		if id == "" {
			return &ValidationError{Field: "userIds", Reason: "user ids must be non-empty"}
		}
	}
	return nil
}

// UserPreference maps notification types to the channels the user has
// enabled. A missing entry means no channels for that type.
type UserPreference struct {
	UserID                      string              `json:"userId"`
	Email                       string              `json:"email,omitempty"`
	PhoneNumber                 string              `json:"phoneNumber,omitempty"`
	ChannelsPerNotificationType map[string][]string `json:"communicationChannelsPerNotificationType"`
}

// EnabledChannels returns the normalized channel set for a notification type.
func (p *UserPreference) EnabledChannels(notificationType string) map[ChannelKind]bool {
	enabled := make(map[ChannelKind]bool)
	if p == nil {
		return enabled
	}
	for _, name := range p.ChannelsPerNotificationType[notificationType] {
		if kind, ok := ParseChannelKind(name); ok {
			enabled[kind] = true
		}
	}
	return enabled
}

// ChannelTemplate is one channel's template for a notification type. At most
// one exists per (tenant, notification type, kind). Subject is email-only.
type ChannelTemplate struct {
	NotificationType string      `json:"notificationType"`
	Kind             ChannelKind `json:"kind"`
	Body             string      `json:"body"`
	Subject          string      `json:"subject,omitempty"`
	LastUpdated      time.Time   `json:"lastUpdated"`
}

type UserNotificationMetadata struct {
	CorrelationIDs []string `json:"correlationIds,omitempty"`
	TriggeredBy    string   `json:"triggeredBy,omitempty"`
}

// UserNotification is immutable after creation; only its delivery records
// change afterwards.
type UserNotification struct {
	ID               string                   `json:"id"`
	NotificationType string                   `json:"notificationType"`
	UserID           string                   `json:"userId"`
	Timestamp        time.Time                `json:"timestamp"`
	Properties       map[string]any           `json:"properties,omitempty"`
	Metadata         UserNotificationMetadata `json:"metadata"`
}

type RenderedPayload struct {
	Body    string `json:"body"`
	Subject string `json:"subject,omitempty"`
}

// DeliveryRecord tracks one channel of one notification. Version backs the
// stores' conditional updates.
type DeliveryRecord struct {
	NotificationID    string          `json:"notificationId"`
	Kind              ChannelKind     `json:"channel"`
	Payload           RenderedPayload `json:"payload"`
	DeliveryStatus    DeliveryStatus  `json:"deliveryStatus"`
	DeliveryUpdatedAt time.Time       `json:"deliveryStatusUpdatedAt"`
	ReadStatus        ReadStatus      `json:"readStatus"`
	ReadUpdatedAt     time.Time       `json:"readStatusUpdatedAt"`
	Version           int64           `json:"-"`
}

// RenderedTemplate is the preview form of one channel's rendered output.
type RenderedTemplate struct {
	Body     string   `json:"body"`
	Subject  string   `json:"subject,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NotificationTemplate is the result of a side-effect-free template
// generation pass. Channels that are disabled or have no stored template are
// absent from the result.
type NotificationTemplate struct {
	NotificationType string            `json:"notificationType"`
	Timestamp        time.Time         `json:"timestamp"`
	Email            *RenderedTemplate `json:"email,omitempty"`
	Sms              *RenderedTemplate `json:"sms,omitempty"`
	WebPush          *RenderedTemplate `json:"webPush,omitempty"`
}

// TemplateStore fetches and stores per-tenant channel templates. A missing
// template is ErrNotFound and means "channel not offered for this type".
type TemplateStore interface {
	GetTemplate(ctx context.Context, tenant, notificationType string, kind ChannelKind) (*ChannelTemplate, error)
	PutTemplate(ctx context.Context, tenant string, tpl ChannelTemplate) (*ChannelTemplate, error)
}

// PreferenceStore reads and writes user preference records. GetPreference
// returns ErrNotFound for users with no stored record.
type PreferenceStore interface {
	GetPreference(ctx context.Context, tenant, userID string) (*UserPreference, error)
	PutPreference(ctx context.Context, tenant string, pref UserPreference) error
}

// NotificationStore persists notifications together with their delivery
// records. Store assigns an id when absent and returns ErrConflict when the
// caller supplies an id that is unknown to the store.
type NotificationStore interface {
	Store(ctx context.Context, tenant string, n UserNotification, records []DeliveryRecord) (*UserNotification, error)
	Get(ctx context.Context, tenant, id string) (*UserNotification, error)
	GetDeliveryRecords(ctx context.Context, tenant, notificationID string) ([]DeliveryRecord, error)
	GetDeliveryRecord(ctx context.Context, tenant, notificationID string, kind ChannelKind) (*DeliveryRecord, error)
	// UpdateDeliveryRecord applies rec only if the stored version still
	// equals expectedVersion, otherwise ErrConflict.
	UpdateDeliveryRecord(ctx context.Context, tenant string, rec DeliveryRecord, expectedVersion int64) error
}
