package notifications

import (
	"errors"
	"testing"
	"time"
)

func TestDeliveryTransitions(t *testing.T) {
	tests := []struct {
		name      string
		from      DeliveryStatus
		to        DeliveryStatus
		wantStale bool
	}{
		{name: "pending to sent", from: DeliveryPending, to: DeliverySent},
		{name: "pending to failed", from: DeliveryPending, to: DeliveryFailed},
		{name: "sent to delivered", from: DeliverySent, to: DeliveryDelivered},
		{name: "sent to failed", from: DeliverySent, to: DeliveryFailed},
		{name: "pending to delivered skips sent", from: DeliveryPending, to: DeliveryDelivered, wantStale: true},
		{name: "delivered to sent is backwards", from: DeliveryDelivered, to: DeliverySent, wantStale: true},
		{name: "delivered to failed is terminal", from: DeliveryDelivered, to: DeliveryFailed, wantStale: true},
		{name: "failed to sent is terminal", from: DeliveryFailed, to: DeliverySent, wantStale: true},
		{name: "sent to pending is backwards", from: DeliverySent, to: DeliveryPending, wantStale: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := DeliveryRecord{DeliveryStatus: tc.from}
			changed, err := ApplyDeliveryTransition(&rec, tc.to, time.Now())
			if tc.wantStale {
				if !errors.Is(err, ErrStale) {
					t.Fatalf("expected ErrStale, got %v", err)
				}
				if rec.DeliveryStatus != tc.from {
					t.Fatalf("status mutated on rejected transition: %s", rec.DeliveryStatus)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !changed || rec.DeliveryStatus != tc.to {
				t.Fatalf("transition not applied: changed=%v status=%s", changed, rec.DeliveryStatus)
			}
		})
	}
}

func TestDeliveryTransitionIdempotent(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := DeliveryRecord{DeliveryStatus: DeliverySent, DeliveryUpdatedAt: base}

	// same status with a newer timestamp moves the timestamp forward
	changed, err := ApplyDeliveryTransition(&rec, DeliverySent, base.Add(time.Minute))
	if err != nil || !changed {
		t.Fatalf("expected timestamp-only change, got changed=%v err=%v", changed, err)
	}
	if !rec.DeliveryUpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("timestamp not advanced: %v", rec.DeliveryUpdatedAt)
	}

	// same status with an older timestamp is a no-op success
	changed, err = ApplyDeliveryTransition(&rec, DeliverySent, base)
	if err != nil || changed {
		t.Fatalf("expected no-op, got changed=%v err=%v", changed, err)
	}
	if !rec.DeliveryUpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("timestamp moved backwards: %v", rec.DeliveryUpdatedAt)
	}
}

func TestReadTransitionRequiresSent(t *testing.T) {
	for _, status := range []DeliveryStatus{DeliveryPending, DeliveryFailed} {
		rec := DeliveryRecord{DeliveryStatus: status, ReadStatus: ReadStatusUnread}
		if _, err := ApplyReadTransition(&rec, ReadStatusRead, time.Now()); !errors.Is(err, ErrStale) {
			t.Fatalf("read allowed while delivery status %s: %v", status, err)
		}
	}

	for _, status := range []DeliveryStatus{DeliverySent, DeliveryDelivered} {
		rec := DeliveryRecord{DeliveryStatus: status, ReadStatus: ReadStatusUnread}
		changed, err := ApplyReadTransition(&rec, ReadStatusRead, time.Now())
		if err != nil || !changed || rec.ReadStatus != ReadStatusRead {
			t.Fatalf("read rejected while delivery status %s: changed=%v err=%v", status, changed, err)
		}
	}
}

func TestReadTransitionIdempotentAndMonotonic(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := DeliveryRecord{DeliveryStatus: DeliverySent, ReadStatus: ReadStatusRead, ReadUpdatedAt: at}

	changed, err := ApplyReadTransition(&rec, ReadStatusRead, at)
	if err != nil || changed {
		t.Fatalf("read->read should be a no-op success, got changed=%v err=%v", changed, err)
	}

	if _, err := ApplyReadTransition(&rec, ReadStatusUnread, at.Add(time.Hour)); !errors.Is(err, ErrStale) {
		t.Fatalf("read->unread should be stale, got %v", err)
	}
}
