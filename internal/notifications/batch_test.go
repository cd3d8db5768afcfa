package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/user-notifications/internal/notifications"
	"github.com/example/user-notifications/internal/store"
)

func seedNotification(t *testing.T, mem *store.Memory, kinds ...notifications.ChannelKind) string {
	t.Helper()
	now := time.Now().UTC()
	records := make([]notifications.DeliveryRecord, 0, len(kinds))
	for _, kind := range kinds {
		records = append(records, notifications.DeliveryRecord{
			Kind:              kind,
			Payload:           notifications.RenderedPayload{Body: "body"},
			DeliveryStatus:    notifications.DeliveryPending,
			DeliveryUpdatedAt: now,
			ReadStatus:        notifications.ReadStatusUnread,
			ReadUpdatedAt:     now,
		})
	}
	stored, err := mem.Store(context.Background(), testTenant, notifications.UserNotification{
		NotificationType: leadType,
		UserID:           "u1",
		Timestamp:        now,
	}, records)
	require.NoError(t, err)
	return stored.ID
}

func TestDeliveryStatusBatchPartialFailure(t *testing.T) {
	mem := store.NewMemory()
	p := notifications.NewProcessor(mem, zerolog.Nop())
	first := seedNotification(t, mem, notifications.ChannelSms)
	third := seedNotification(t, mem, notifications.ChannelSms)

	now := time.Now().UTC()
	outcomes, err := p.ApplyDeliveryStatusBatch(context.Background(), testTenant, []notifications.DeliveryStatusItem{
		{NotificationID: first, Channel: notifications.ChannelSms, Status: notifications.DeliverySent, Timestamp: now},
		{NotificationID: "missing", Channel: notifications.ChannelSms, Status: notifications.DeliverySent, Timestamp: now},
		{NotificationID: third, Channel: notifications.ChannelSms, Status: notifications.DeliverySent, Timestamp: now},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, notifications.OutcomeSuccess, outcomes[0].Code)
	assert.Equal(t, notifications.OutcomeNotFound, outcomes[1].Code)
	assert.Equal(t, notifications.OutcomeSuccess, outcomes[2].Code)

	// the items around the failed one were applied
	for _, id := range []string{first, third} {
		rec, err := mem.GetDeliveryRecord(context.Background(), testTenant, id, notifications.ChannelSms)
		require.NoError(t, err)
		assert.Equal(t, notifications.DeliverySent, rec.DeliveryStatus)
	}
}

func TestDeliveryStatusMonotonicAcrossBatches(t *testing.T) {
	mem := store.NewMemory()
	p := notifications.NewProcessor(mem, zerolog.Nop())
	id := seedNotification(t, mem, notifications.ChannelSms)
	now := time.Now().UTC()

	outcomes, err := p.ApplyDeliveryStatusBatch(context.Background(), testTenant, []notifications.DeliveryStatusItem{
		{NotificationID: id, Channel: notifications.ChannelSms, Status: notifications.DeliverySent, Timestamp: now},
		{NotificationID: id, Channel: notifications.ChannelSms, Status: notifications.DeliveryDelivered, Timestamp: now.Add(time.Second)},
	})
	require.NoError(t, err)
	assert.Equal(t, notifications.OutcomeSuccess, outcomes[0].Code)
	assert.Equal(t, notifications.OutcomeSuccess, outcomes[1].Code)

	// a late "sent" report arrives after delivery, even with a newer timestamp
	outcomes, err = p.ApplyDeliveryStatusBatch(context.Background(), testTenant, []notifications.DeliveryStatusItem{
		{NotificationID: id, Channel: notifications.ChannelSms, Status: notifications.DeliverySent, Timestamp: now.Add(time.Hour)},
	})
	require.NoError(t, err)
	assert.Equal(t, notifications.OutcomeStale, outcomes[0].Code)

	rec, err := mem.GetDeliveryRecord(context.Background(), testTenant, id, notifications.ChannelSms)
	require.NoError(t, err)
	assert.Equal(t, notifications.DeliveryDelivered, rec.DeliveryStatus)
}

func TestDeliveryStatusDuplicateReportIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	p := notifications.NewProcessor(mem, zerolog.Nop())
	id := seedNotification(t, mem, notifications.ChannelSms)
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		outcomes, err := p.ApplyDeliveryStatusBatch(context.Background(), testTenant, []notifications.DeliveryStatusItem{
			{NotificationID: id, Channel: notifications.ChannelSms, Status: notifications.DeliverySent, Timestamp: now},
		})
		require.NoError(t, err)
		assert.Equal(t, notifications.OutcomeSuccess, outcomes[0].Code)
	}
}

func TestReadStatusBatch(t *testing.T) {
	mem := store.NewMemory()
	p := notifications.NewProcessor(mem, zerolog.Nop())
	id := seedNotification(t, mem, notifications.ChannelSms)
	now := time.Now().UTC()

	// read before the message was sent is rejected
	outcomes, err := p.ApplyReadStatusBatch(context.Background(), testTenant, []notifications.ReadStatusItem{
		{NotificationID: id, Channel: notifications.ChannelSms, Status: notifications.ReadStatusRead, Timestamp: now},
	})
	require.NoError(t, err)
	assert.Equal(t, notifications.OutcomeStale, outcomes[0].Code)

	_, err = p.ApplyDeliveryStatusBatch(context.Background(), testTenant, []notifications.DeliveryStatusItem{
		{NotificationID: id, Channel: notifications.ChannelSms, Status: notifications.DeliverySent, Timestamp: now},
	})
	require.NoError(t, err)

	// now the read succeeds, and repeating it stays a success
	for i := 0; i < 2; i++ {
		outcomes, err = p.ApplyReadStatusBatch(context.Background(), testTenant, []notifications.ReadStatusItem{
			{NotificationID: id, Channel: notifications.ChannelSms, Status: notifications.ReadStatusRead, Timestamp: now.Add(time.Second)},
		})
		require.NoError(t, err)
		assert.Equal(t, notifications.OutcomeSuccess, outcomes[0].Code)
	}

	rec, err := mem.GetDeliveryRecord(context.Background(), testTenant, id, notifications.ChannelSms)
	require.NoError(t, err)
	assert.Equal(t, notifications.ReadStatusRead, rec.ReadStatus)
}

func TestBatchShapeValidation(t *testing.T) {
	mem := store.NewMemory()
	p := notifications.NewProcessor(mem, zerolog.Nop())

	_, err := p.ApplyDeliveryStatusBatch(context.Background(), testTenant, nil)
	assert.True(t, notifications.IsValidation(err))

	_, err = p.ApplyDeliveryStatusBatch(context.Background(), testTenant, []notifications.DeliveryStatusItem{
		{NotificationID: "n1", Channel: "pigeon", Status: notifications.DeliverySent},
	})
	assert.True(t, notifications.IsValidation(err))

	_, err = p.ApplyReadStatusBatch(context.Background(), testTenant, []notifications.ReadStatusItem{
		{NotificationID: "n1", Channel: notifications.ChannelSms, Status: "skimmed"},
	})
	assert.True(t, notifications.IsValidation(err))
}
