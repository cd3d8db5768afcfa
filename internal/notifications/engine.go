package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handoff receives each stored delivery record's rendered payload. Actual
// channel transmission happens downstream; a handoff failure leaves the
// stored records valid with delivery status pending.
type Handoff interface {
	Publish(ctx context.Context, tenant string, n UserNotification, rec DeliveryRecord) error
}

// Engine resolves channels per (notification, user) pair, renders templates
// and persists the resulting notification and delivery records.
type Engine struct {
	templates     TemplateStore
	preferences   PreferenceStore
	notifications NotificationStore
	handoff       Handoff
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

func NewEngine(templates TemplateStore, preferences PreferenceStore, store NotificationStore, handoff Handoff, logger zerolog.Logger) *Engine {
	return &Engine{
		templates:     templates,
		preferences:   preferences,
		notifications: store,
		handoff:       handoff,
		logger:        logger,
		tracer:        otel.Tracer("notifications-engine"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreationResult is the per-user outcome of a creation request. Err is set
// when this user's notification could not be persisted; other users in the
// same request are unaffected.
type CreationResult struct {
	Notification UserNotification
	Records      []DeliveryRecord
	Warnings     []string
	Err          error
}

// CreateNotifications fans a request out to every target user, in request
// order. A user with no enabled channel or no matching template still gets a
// notification with zero delivery records, so the event stays auditable.
func (e *Engine) CreateNotifications(ctx context.Context, tenant string, req NotificationRequest) ([]CreationResult, error) {
	return e.create(ctx, tenant, req, nil)
}

// CreateForChannels behaves like CreateNotifications but only considers the
// given channel kinds.
func (e *Engine) CreateForChannels(ctx context.Context, tenant string, req NotificationRequest, kinds []ChannelKind) ([]CreationResult, error) {
	if len(kinds) == 0 {
		return nil, &ValidationError{Field: "deliveryChannels", Reason: "at least one channel required"}
	}
	allowed := make(map[ChannelKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return e.create(ctx, tenant, req, allowed)
}

func (e *Engine) create(ctx context.Context, tenant string, req NotificationRequest, allowed map[ChannelKind]bool) ([]CreationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "create-notifications")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.type", req.NotificationType),
		attribute.Int("notification.users", len(req.UserIDs)),
	)

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = e.now()
	}

	results := make([]CreationResult, 0, len(req.UserIDs))
	for _, userID := range req.UserIDs {
		if err := ctx.Err(); err != nil {
			// Cancellation stops unprocessed users; stored results stand.
			return results, err
		}
		results = append(results, e.createForUser(ctx, tenant, req, userID, timestamp, allowed))
	}
	return results, nil
}

func (e *Engine) createForUser(ctx context.Context, tenant string, req NotificationRequest, userID string, timestamp time.Time, allowed map[ChannelKind]bool) CreationResult {
	logger := e.logger.With().Str("tenant", tenant).Str("user_id", userID).Str("notification_type", req.NotificationType).Logger()

	notification := UserNotification{
		NotificationType: req.NotificationType,
		UserID:           userID,
		Timestamp:        timestamp,
		Properties:       req.Properties,
		Metadata:         UserNotificationMetadata{CorrelationIDs: req.CorrelationIDs},
	}

	enabled, err := e.enabledChannels(ctx, tenant, userID, req.NotificationType)
	if err != nil {
		return CreationResult{Notification: notification, Err: err}
	}

	var records []DeliveryRecord
	var warnings []string
	now := e.now()
	for _, kind := range ChannelPriority {
		if allowed != nil && !allowed[kind] {
			continue
		}
		if !enabled[kind] {
			continue
		}
		tpl, err := e.getTemplate(ctx, tenant, req.NotificationType, kind)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return CreationResult{Notification: notification, Err: err}
		}
		payload, renderWarnings := Render(tpl.Body, tpl.Subject, req.Properties)
		for _, key := range renderWarnings {
			warnings = append(warnings, string(kind)+": unresolved placeholder "+key)
		}
		records = append(records, DeliveryRecord{
			Kind:              kind,
			Payload:           payload,
			DeliveryStatus:    DeliveryPending,
			DeliveryUpdatedAt: now,
			ReadStatus:        ReadStatusUnread,
			ReadUpdatedAt:     now,
		})
	}

	stored, err := e.storeWithRetry(ctx, tenant, notification, records)
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist notification")
		return CreationResult{Notification: notification, Err: err}
	}

	final, err := e.notifications.GetDeliveryRecords(ctx, tenant, stored.ID)
	if err != nil {
		final = records
	}
	if e.handoff != nil {
		for _, rec := range final {
			if err := e.handoff.Publish(ctx, tenant, *stored, rec); err != nil {
				logger.Warn().Err(err).Str("channel", string(rec.Kind)).Msg("dispatch handoff failed, record stays pending")
			}
		}
	}

	logger.Info().Str("notification_id", stored.ID).Int("delivery_records", len(final)).Msg("notification created")
	return CreationResult{Notification: *stored, Records: final, Warnings: warnings}
}

// GenerateTemplate previews rendering for the first target user without
// persisting anything. It shares the exact enablement and rendering rules
// with the creation path so previews match eventual delivery content.
// Channels without a stored template or not enabled by the user are absent
// from the result.
func (e *Engine) GenerateTemplate(ctx context.Context, tenant string, req NotificationRequest) (*NotificationTemplate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "generate-template")
	defer span.End()
	span.SetAttributes(attribute.String("notification.type", req.NotificationType))

	userID := req.UserIDs[0]
	enabled, err := e.enabledChannels(ctx, tenant, userID, req.NotificationType)
	if err != nil {
		return nil, err
	}

	result := &NotificationTemplate{
		NotificationType: req.NotificationType,
		Timestamp:        e.now(),
	}
	for _, kind := range ChannelPriority {
		if !enabled[kind] {
			continue
		}
		tpl, err := e.getTemplate(ctx, tenant, req.NotificationType, kind)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payload, warnings := Render(tpl.Body, tpl.Subject, req.Properties)
		rendered := &RenderedTemplate{Body: payload.Body, Subject: payload.Subject, Warnings: warnings}
		switch kind {
		case ChannelEmail:
			result.Email = rendered
		case ChannelSms:
			result.Sms = rendered
		case ChannelWebPush:
			result.WebPush = rendered
		}
	}
	return result, nil
}

// enabledChannels resolves the user's channel set. A user with no stored
// preference record receives no notifications on any channel.
func (e *Engine) enabledChannels(ctx context.Context, tenant, userID, notificationType string) (map[ChannelKind]bool, error) {
	pref, err := e.preferences.GetPreference(ctx, tenant, userID)
	if errors.Is(err, ErrNotFound) {
		return map[ChannelKind]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	return pref.EnabledChannels(notificationType), nil
}

func (e *Engine) getTemplate(ctx context.Context, tenant, notificationType string, kind ChannelKind) (*ChannelTemplate, error) {
	var tpl *ChannelTemplate
	err := e.retry(ctx, func() error {
		var err error
		tpl, err = e.templates.GetTemplate(ctx, tenant, notificationType, kind)
		return err
	})
	return tpl, err
}

func (e *Engine) storeWithRetry(ctx context.Context, tenant string, n UserNotification, records []DeliveryRecord) (*UserNotification, error) {
	var stored *UserNotification
	err := e.retry(ctx, func() error {
		var err error
		stored, err = e.notifications.Store(ctx, tenant, n, records)
		return err
	})
	return stored, err
}

// retry runs op with bounded exponential backoff, retrying only transient
// store failures. Anything else stops immediately.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 3 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
