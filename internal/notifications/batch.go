package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DeliveryStatusItem is one external delivery status report.
type DeliveryStatusItem struct {
	NotificationID string         `json:"notificationId"`
	Channel        ChannelKind    `json:"channel"`
	Status         DeliveryStatus `json:"newStatus"`
	Timestamp      time.Time      `json:"updateTimestamp"`
}

// ReadStatusItem is one external read status report.
type ReadStatusItem struct {
	NotificationID string      `json:"notificationId"`
	Channel        ChannelKind `json:"channel"`
	Status         ReadStatus  `json:"newStatus"`
	Timestamp      time.Time   `json:"updateTimestamp"`
}

type OutcomeCode string

const (
	OutcomeSuccess  OutcomeCode = "success"
	OutcomeStale    OutcomeCode = "stale"
	OutcomeNotFound OutcomeCode = "notfound"
	OutcomeFailed   OutcomeCode = "failed"
)

// ItemOutcome reports the fate of one batch item. Items are independent: a
// batch never fails as a whole once it passes shape validation.
type ItemOutcome struct {
	NotificationID string      `json:"notificationId"`
	Channel        ChannelKind `json:"channel"`
	Code           OutcomeCode `json:"outcome"`
	Reason         string      `json:"reason,omitempty"`
}

// Processor applies batched, idempotent status transitions to existing
// delivery records. Concurrent batches targeting the same record serialize
// through the store's conditional update; the loser reloads and retries.
type Processor struct {
	notifications NotificationStore
	logger        zerolog.Logger
	tracer        trace.Tracer
}

func NewProcessor(store NotificationStore, logger zerolog.Logger) *Processor {
	return &Processor{
		notifications: store,
		logger:        logger,
		tracer:        otel.Tracer("notifications-batch"),
	}
}

// ApplyDeliveryStatusBatch applies delivery status reports item by item,
// returning one outcome per item in input order.
func (p *Processor) ApplyDeliveryStatusBatch(ctx context.Context, tenant string, items []DeliveryStatusItem) ([]ItemOutcome, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "batch must not be empty"}
	}
	for i, item := range items {
		if item.NotificationID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].notificationId", i), Reason: "required"}
		}
		if _, ok := ParseChannelKind(string(item.Channel)); !ok {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].channel", i), Reason: "unknown channel kind"}
		}
		if _, ok := ParseDeliveryStatus(string(item.Status)); !ok {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].newStatus", i), Reason: "unknown delivery status"}
		}
	}

	ctx, span := p.tracer.Start(ctx, "batch-delivery-status")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(items)))

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		item := item
		outcomes = append(outcomes, p.applyItem(ctx, tenant, item.NotificationID, item.Channel, func(rec *DeliveryRecord) (bool, error) {
			return ApplyDeliveryTransition(rec, item.Status, item.Timestamp)
		}))
	}
	return outcomes, nil
}

// ApplyReadStatusBatch applies read status reports item by item.
func (p *Processor) ApplyReadStatusBatch(ctx context.Context, tenant string, items []ReadStatusItem) ([]ItemOutcome, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "batch must not be empty"}
	}
	for i, item := range items {
		if item.NotificationID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].notificationId", i), Reason: "required"}
		}
		if _, ok := ParseChannelKind(string(item.Channel)); !ok {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].channel", i), Reason: "unknown channel kind"}
		}
		if _, ok := ParseReadStatus(string(item.Status)); !ok {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].newStatus", i), Reason: "unknown read status"}
		}
	}

	ctx, span := p.tracer.Start(ctx, "batch-read-status")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(items)))

	outcomes := make([]ItemOutcome, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		item := item
		outcomes = append(outcomes, p.applyItem(ctx, tenant, item.NotificationID, item.Channel, func(rec *DeliveryRecord) (bool, error) {
			return ApplyReadTransition(rec, item.Status, item.Timestamp)
		}))
	}
	return outcomes, nil
}

// applyItem loads the record, applies the transition and writes it back with
// a conditional update. A lost update (ErrConflict) reloads and retries with
// bounded backoff; transition rules are re-evaluated against the fresh
// record, so two racing batches can never both apply a non-monotonic result.
func (p *Processor) applyItem(ctx context.Context, tenant, notificationID string, kind ChannelKind, transition func(*DeliveryRecord) (bool, error)) ItemOutcome {
	outcome := ItemOutcome{NotificationID: notificationID, Channel: kind}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Second

	err := backoff.Retry(func() error {
		rec, err := p.notifications.GetDeliveryRecord(ctx, tenant, notificationID, kind)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		changed, err := transition(rec)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !changed {
			return nil
		}
		expected := rec.Version
		rec.Version++
		if err := p.notifications.UpdateDeliveryRecord(ctx, tenant, *rec, expected); err != nil {
			if errors.Is(err, ErrConflict) {
				// lost the race, reload and retry
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(policy, ctx))

	switch {
	case err == nil:
		outcome.Code = OutcomeSuccess
	case errors.Is(err, ErrNotFound):
		outcome.Code = OutcomeNotFound
		outcome.Reason = "delivery record not found"
	case errors.Is(err, ErrStale):
		outcome.Code = OutcomeStale
		outcome.Reason = err.Error()
	default:
		p.logger.Error().Err(err).Str("tenant", tenant).Str("notification_id", notificationID).Str("channel", string(kind)).Msg("status update failed")
		outcome.Code = OutcomeFailed
		outcome.Reason = err.Error()
	}
	return outcome
}
