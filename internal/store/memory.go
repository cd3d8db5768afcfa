package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/user-notifications/internal/notifications"
)

// Memory is a mutex-guarded in-memory implementation of the template,
// preference and notification stores. It backs tests and dev mode when no
// DATABASE_URL is configured.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]notifications.UserNotification // tenant/id
	deliveries  map[string][]notifications.DeliveryRecord // tenant/notificationID, creation order
	preferences map[string]notifications.UserPreference   // tenant/userID
	templates   map[string]notifications.ChannelTemplate  // tenant/type/kind
}

func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]notifications.UserNotification),
		deliveries:  make(map[string][]notifications.DeliveryRecord),
		preferences: make(map[string]notifications.UserPreference),
		templates:   make(map[string]notifications.ChannelTemplate),
	}
}

func key(parts ...string) string {
	k := parts[0]
	for _, p := range parts[1:] {
		k += "/" + p
	}
	return k
}

func (m *Memory) GetTemplate(ctx context.Context, tenant, notificationType string, kind notifications.ChannelKind) (*notifications.ChannelTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[key(tenant, notificationType, string(kind))]
	if !ok {
		return nil, notifications.ErrNotFound
	}
	return &tpl, nil
}

func (m *Memory) PutTemplate(ctx context.Context, tenant string, tpl notifications.ChannelTemplate) (*notifications.ChannelTemplate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[key(tenant, tpl.NotificationType, string(tpl.Kind))] = tpl
	return &tpl, nil
}

func (m *Memory) GetPreference(ctx context.Context, tenant, userID string) (*notifications.UserPreference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pref, ok := m.preferences[key(tenant, userID)]
	if !ok {
		return nil, notifications.ErrNotFound
	}
	return &pref, nil
}

func (m *Memory) PutPreference(ctx context.Context, tenant string, pref notifications.UserPreference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences[key(tenant, pref.UserID)] = pref
	return nil
}

// Store persists a notification and its delivery records as one unit. An
// empty id gets a fresh uuid; a supplied id must reference an existing
// notification or the call fails with ErrConflict. Delivery records are only
// written on first store, never recreated.
func (m *Memory) Store(ctx context.Context, tenant string, n notifications.UserNotification, records []notifications.DeliveryRecord) (*notifications.UserNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID != "" {
		if _, ok := m.records[key(tenant, n.ID)]; !ok {
			return nil, fmt.Errorf("notification %s unknown: %w", n.ID, notifications.ErrConflict)
		}
		m.records[key(tenant, n.ID)] = n
		return &n, nil
	}

	n.ID = uuid.NewString()
	stored := make([]notifications.DeliveryRecord, len(records))
	for i, rec := range records {
		rec.NotificationID = n.ID
		rec.Version = 0
		stored[i] = rec
	}
	m.records[key(tenant, n.ID)] = n
	m.deliveries[key(tenant, n.ID)] = stored
	return &n, nil
}

func (m *Memory) Get(ctx context.Context, tenant, id string) (*notifications.UserNotification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.records[key(tenant, id)]
	if !ok {
		return nil, notifications.ErrNotFound
	}
	return &n, nil
}

func (m *Memory) GetDeliveryRecords(ctx context.Context, tenant, notificationID string) ([]notifications.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.records[key(tenant, notificationID)]; !ok {
		return nil, notifications.ErrNotFound
	}
	recs := m.deliveries[key(tenant, notificationID)]
	out := make([]notifications.DeliveryRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *Memory) GetDeliveryRecord(ctx context.Context, tenant, notificationID string, kind notifications.ChannelKind) (*notifications.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.deliveries[key(tenant, notificationID)] {
		if rec.Kind == kind {
			rec := rec
			return &rec, nil
		}
	}
	return nil, notifications.ErrNotFound
}

// UpdateDeliveryRecord is a conditional write: it only applies when the
// stored version still matches expectedVersion.
func (m *Memory) UpdateDeliveryRecord(ctx context.Context, tenant string, rec notifications.DeliveryRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.deliveries[key(tenant, rec.NotificationID)]
	for i := range recs {
		if recs[i].Kind != rec.Kind {
			continue
		}
		if recs[i].Version != expectedVersion {
			return fmt.Errorf("delivery record version %d, expected %d: %w", recs[i].Version, expectedVersion, notifications.ErrConflict)
		}
		recs[i] = rec
		return nil
	}
	return notifications.ErrNotFound
}
