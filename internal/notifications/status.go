package notifications

import (
	"fmt"
	"time"
)

// Delivery status moves forward along pending -> sent -> delivered, with
// failed reachable from pending or sent. Delivered and failed are terminal.
var allowedDeliveryTransitions = map[DeliveryStatus]map[DeliveryStatus]bool{
	DeliveryPending:   {DeliverySent: true, DeliveryFailed: true},
	DeliverySent:      {DeliveryDelivered: true, DeliveryFailed: true},
	DeliveryDelivered: {},
	DeliveryFailed:    {},
}

func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch DeliveryStatus(s) {
	case DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryFailed:
		return DeliveryStatus(s), true
	default:
		return "", false
	}
}

func ParseReadStatus(s string) (ReadStatus, bool) {
	switch ReadStatus(s) {
	case ReadStatusUnread, ReadStatusRead:
		return ReadStatus(s), true
	default:
		return "", false
	}
}

// ApplyDeliveryTransition mutates rec toward target, enforcing monotonicity.
// A repeated report of the current status is an idempotent success; its
// timestamp only ever moves forward (last-timestamp-wins among reports for
// the same target value). A backwards move returns ErrStale regardless of
// timestamp. The returned bool says whether rec changed.
func ApplyDeliveryTransition(rec *DeliveryRecord, target DeliveryStatus, at time.Time) (bool, error) {
	if rec.DeliveryStatus == target {
		if at.After(rec.DeliveryUpdatedAt) {
			rec.DeliveryUpdatedAt = at
			return true, nil
		}
		return false, nil
	}
	if !allowedDeliveryTransitions[rec.DeliveryStatus][target] {
		return false, fmt.Errorf("delivery status %s -> %s: %w", rec.DeliveryStatus, target, ErrStale)
	}
	rec.DeliveryStatus = target
	rec.DeliveryUpdatedAt = at
	return true, nil
}

// ApplyReadTransition mutates rec's read status. Unread -> read is the only
// forward move and requires the message to have actually gone out (delivery
// status sent or delivered). read -> read is an idempotent success.
func ApplyReadTransition(rec *DeliveryRecord, target ReadStatus, at time.Time) (bool, error) {
	if rec.ReadStatus == target {
		if at.After(rec.ReadUpdatedAt) {
			rec.ReadUpdatedAt = at
			return true, nil
		}
		return false, nil
	}
	if target == ReadStatusUnread {
		return false, fmt.Errorf("read status %s -> %s: %w", rec.ReadStatus, target, ErrStale)
	}
	if rec.DeliveryStatus != DeliverySent && rec.DeliveryStatus != DeliveryDelivered {
		return false, fmt.Errorf("cannot mark read while delivery status is %s: %w", rec.DeliveryStatus, ErrStale)
	}
	rec.ReadStatus = target
	rec.ReadUpdatedAt = at
	return true, nil
}
