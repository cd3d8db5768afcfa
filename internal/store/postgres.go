package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/user-notifications/internal/notifications"
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	tenant_id         TEXT NOT NULL,
	id                TEXT NOT NULL,
	notification_type TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	ts                TIMESTAMPTZ NOT NULL,
	properties_json   JSONB NOT NULL,
	correlation_ids   TEXT[] NOT NULL DEFAULT '{}',
	triggered_by      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS delivery_records (
	tenant_id           TEXT NOT NULL,
	notification_id     TEXT NOT NULL,
	channel             TEXT NOT NULL,
	body                TEXT NOT NULL,
	subject             TEXT NOT NULL DEFAULT '',
	delivery_status     TEXT NOT NULL,
	delivery_updated_at TIMESTAMPTZ NOT NULL,
	read_status         TEXT NOT NULL,
	read_updated_at     TIMESTAMPTZ NOT NULL,
	version             BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, notification_id, channel)
);

CREATE TABLE IF NOT EXISTS user_preferences (
	tenant_id        TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	email            TEXT NOT NULL DEFAULT '',
	phone_number     TEXT NOT NULL DEFAULT '',
	channels_json    JSONB NOT NULL,
	PRIMARY KEY (tenant_id, user_id)
);

CREATE TABLE IF NOT EXISTS channel_templates (
	tenant_id         TEXT NOT NULL,
	notification_type TEXT NOT NULL,
	channel           TEXT NOT NULL,
	body              TEXT NOT NULL,
	subject           TEXT NOT NULL DEFAULT '',
	last_updated      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, notification_type, channel)
);
`

const insertNotification = `
INSERT INTO notifications (tenant_id, id, notification_type, user_id, ts, properties_json, correlation_ids, triggered_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`

const updateNotification = `
UPDATE notifications
SET notification_type=$3, user_id=$4, ts=$5, properties_json=$6, correlation_ids=$7, triggered_by=$8
WHERE tenant_id=$1 AND id=$2
`

const insertDeliveryRecord = `
INSERT INTO delivery_records (tenant_id, notification_id, channel, body, subject, delivery_status, delivery_updated_at, read_status, read_updated_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0)
`

const selectNotification = `
SELECT id, notification_type, user_id, ts, properties_json, correlation_ids, triggered_by
FROM notifications
WHERE tenant_id=$1 AND id=$2
`

const selectDeliveryRecords = `
SELECT notification_id, channel, body, subject, delivery_status, delivery_updated_at, read_status, read_updated_at, version
FROM delivery_records
WHERE tenant_id=$1 AND notification_id=$2
ORDER BY CASE channel WHEN 'email' THEN 0 WHEN 'sms' THEN 1 ELSE 2 END
`

const selectDeliveryRecord = `
SELECT notification_id, channel, body, subject, delivery_status, delivery_updated_at, read_status, read_updated_at, version
FROM delivery_records
WHERE tenant_id=$1 AND notification_id=$2 AND channel=$3
`

const updateDeliveryRecord = `
UPDATE delivery_records
SET delivery_status=$4, delivery_updated_at=$5, read_status=$6, read_updated_at=$7, version=$8
WHERE tenant_id=$1 AND notification_id=$2 AND channel=$3 AND version=$9
`

const selectDeliveryVersion = `
SELECT version FROM delivery_records WHERE tenant_id=$1 AND notification_id=$2 AND channel=$3
`

const upsertPreference = `
INSERT INTO user_preferences (tenant_id, user_id, email, phone_number, channels_json)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (tenant_id, user_id) DO UPDATE SET email=$3, phone_number=$4, channels_json=$5
`

const selectPreference = `
SELECT user_id, email, phone_number, channels_json
FROM user_preferences
WHERE tenant_id=$1 AND user_id=$2
`

const upsertTemplate = `
INSERT INTO channel_templates (tenant_id, notification_type, channel, body, subject, last_updated)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (tenant_id, notification_type, channel) DO UPDATE SET body=$4, subject=$5, last_updated=$6
`

const selectTemplate = `
SELECT notification_type, channel, body, subject, last_updated
FROM channel_templates
WHERE tenant_id=$1 AND notification_type=$2 AND channel=$3
`

// Postgres implements the template, preference and notification stores over
// a pgx pool. Every row is scoped by the opaque tenant id.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return notifications.Transient("ensure schema", err)
	}
	return nil
}

func (p *Postgres) GetTemplate(ctx context.Context, tenant, notificationType string, kind notifications.ChannelKind) (*notifications.ChannelTemplate, error) {
	var tpl notifications.ChannelTemplate
	var channel string
	err := p.pool.QueryRow(ctx, selectTemplate, tenant, notificationType, string(kind)).
		Scan(&tpl.NotificationType, &channel, &tpl.Body, &tpl.Subject, &tpl.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, notifications.Transient("get template", err)
	}
	tpl.Kind = notifications.ChannelKind(channel)
	return &tpl, nil
}

func (p *Postgres) PutTemplate(ctx context.Context, tenant string, tpl notifications.ChannelTemplate) (*notifications.ChannelTemplate, error) {
	if _, err := p.pool.Exec(ctx, upsertTemplate, tenant, tpl.NotificationType, string(tpl.Kind), tpl.Body, tpl.Subject, tpl.LastUpdated); err != nil {
		return nil, notifications.Transient("put template", err)
	}
	return &tpl, nil
}

func (p *Postgres) GetPreference(ctx context.Context, tenant, userID string) (*notifications.UserPreference, error) {
	var pref notifications.UserPreference
	var channelsJSON []byte
	err := p.pool.QueryRow(ctx, selectPreference, tenant, userID).
		Scan(&pref.UserID, &pref.Email, &pref.PhoneNumber, &channelsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, notifications.Transient("get preference", err)
	}
	if err := json.Unmarshal(channelsJSON, &pref.ChannelsPerNotificationType); err != nil {
		return nil, fmt.Errorf("decode preference channels: %w", err)
	}
	return &pref, nil
}

func (p *Postgres) PutPreference(ctx context.Context, tenant string, pref notifications.UserPreference) error {
	channelsJSON, err := json.Marshal(pref.ChannelsPerNotificationType)
	if err != nil {
		return fmt.Errorf("encode preference channels: %w", err)
	}
	if _, err := p.pool.Exec(ctx, upsertPreference, tenant, pref.UserID, pref.Email, pref.PhoneNumber, channelsJSON); err != nil {
		return notifications.Transient("put preference", err)
	}
	return nil
}

// Store writes the notification and its delivery records in one
// transaction, so the unit is visible atomically or not at all.
func (p *Postgres) Store(ctx context.Context, tenant string, n notifications.UserNotification, records []notifications.DeliveryRecord) (*notifications.UserNotification, error) {
	propertiesJSON, err := json.Marshal(n.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, notifications.Transient("begin store", err)
	}
	defer tx.Rollback(ctx)

	if n.ID != "" {
		tag, err := tx.Exec(ctx, updateNotification, tenant, n.ID, n.NotificationType, n.UserID, n.Timestamp, propertiesJSON, n.Metadata.CorrelationIDs, n.Metadata.TriggeredBy)
		if err != nil {
			return nil, notifications.Transient("update notification", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("notification %s unknown: %w", n.ID, notifications.ErrConflict)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, notifications.Transient("commit store", err)
		}
		return &n, nil
	}

	n.ID = uuid.NewString()
	if _, err := tx.Exec(ctx, insertNotification, tenant, n.ID, n.NotificationType, n.UserID, n.Timestamp, propertiesJSON, n.Metadata.CorrelationIDs, n.Metadata.TriggeredBy); err != nil {
		return nil, notifications.Transient("insert notification", err)
	}
	for _, rec := range records {
		if _, err := tx.Exec(ctx, insertDeliveryRecord, tenant, n.ID, string(rec.Kind), rec.Payload.Body, rec.Payload.Subject, string(rec.DeliveryStatus), rec.DeliveryUpdatedAt, string(rec.ReadStatus), rec.ReadUpdatedAt); err != nil {
			return nil, notifications.Transient("insert delivery record", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, notifications.Transient("commit store", err)
	}
	return &n, nil
}

func (p *Postgres) Get(ctx context.Context, tenant, id string) (*notifications.UserNotification, error) {
	var n notifications.UserNotification
	var propertiesJSON []byte
	err := p.pool.QueryRow(ctx, selectNotification, tenant, id).
		Scan(&n.ID, &n.NotificationType, &n.UserID, &n.Timestamp, &propertiesJSON, &n.Metadata.CorrelationIDs, &n.Metadata.TriggeredBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, notifications.Transient("get notification", err)
	}
	if err := json.Unmarshal(propertiesJSON, &n.Properties); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return &n, nil
}

func (p *Postgres) GetDeliveryRecords(ctx context.Context, tenant, notificationID string) ([]notifications.DeliveryRecord, error) {
	if _, err := p.Get(ctx, tenant, notificationID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, selectDeliveryRecords, tenant, notificationID)
	if err != nil {
		return nil, notifications.Transient("get delivery records", err)
	}
	defer rows.Close()

	var records []notifications.DeliveryRecord
	for rows.Next() {
		rec, err := scanDeliveryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, notifications.Transient("get delivery records", err)
	}
	return records, nil
}

func (p *Postgres) GetDeliveryRecord(ctx context.Context, tenant, notificationID string, kind notifications.ChannelKind) (*notifications.DeliveryRecord, error) {
	row := p.pool.QueryRow(ctx, selectDeliveryRecord, tenant, notificationID, string(kind))
	rec, err := scanDeliveryRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, notifications.Transient("get delivery record", err)
	}
	return &rec, nil
}

func (p *Postgres) UpdateDeliveryRecord(ctx context.Context, tenant string, rec notifications.DeliveryRecord, expectedVersion int64) error {
	tag, err := p.pool.Exec(ctx, updateDeliveryRecord,
		tenant, rec.NotificationID, string(rec.Kind),
		string(rec.DeliveryStatus), rec.DeliveryUpdatedAt,
		string(rec.ReadStatus), rec.ReadUpdatedAt,
		rec.Version, expectedVersion,
	)
	if err != nil {
		return notifications.Transient("update delivery record", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current int64
	err = p.pool.QueryRow(ctx, selectDeliveryVersion, tenant, rec.NotificationID, string(rec.Kind)).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return notifications.ErrNotFound
	}
	if err != nil {
		return notifications.Transient("update delivery record", err)
	}
	return fmt.Errorf("delivery record version %d, expected %d: %w", current, expectedVersion, notifications.ErrConflict)
}

func scanDeliveryRecord(row pgx.Row) (notifications.DeliveryRecord, error) {
	var rec notifications.DeliveryRecord
	var channel, deliveryStatus, readStatus string
	err := row.Scan(&rec.NotificationID, &channel, &rec.Payload.Body, &rec.Payload.Subject,
		&deliveryStatus, &rec.DeliveryUpdatedAt, &readStatus, &rec.ReadUpdatedAt, &rec.Version)
	if err != nil {
		return notifications.DeliveryRecord{}, err
	}
	rec.Kind = notifications.ChannelKind(channel)
	rec.DeliveryStatus = notifications.DeliveryStatus(deliveryStatus)
	rec.ReadStatus = notifications.ReadStatus(readStatus)
	return rec, nil
}
