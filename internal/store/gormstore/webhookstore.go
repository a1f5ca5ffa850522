package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/walletcore/internal/webhook"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	errorSubjectWebhook  = "webhook"
	errorSubjectDelivery = "delivery"
	errorCodeCreate      = "create"
	errorCodeDelete      = "delete"
	errorCodePurge       = "purge"
	errorCodeUpdate      = "update"
)

// CreateWebhook stores a validated registration.
func (store *Store) CreateWebhook(ctx context.Context, registration webhook.Webhook) error {
	patterns, err := json.Marshal(registration.EventPatterns)
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	row := WebhookRegistration{
		WebhookID:           registration.WebhookID,
		URL:                 registration.URL,
		Secret:              registration.Secret,
		Description:         registration.Description,
		EventPatterns:       datatypes.JSON(patterns),
		Active:              registration.Active,
		ConsecutiveFailures: registration.ConsecutiveFailures,
		CreatedAt:           time.Unix(registration.CreatedUnixUTC, 0).UTC(),
	}
	if registration.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeCreate, err)
	}
	return nil
}

// GetWebhook returns one registration by id.
func (store *Store) GetWebhook(ctx context.Context, webhookID string) (webhook.Webhook, bool, error) {
	var row WebhookRegistration
	err := store.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return webhook.Webhook{}, false, nil
	}
	if err != nil {
		return webhook.Webhook{}, false, wrapStoreError(errorSubjectWebhook, errorCodeGet, err)
	}
	registration, mapErr := mapWebhook(row)
	if mapErr != nil {
		return webhook.Webhook{}, false, mapErr
	}
	return registration, true, nil
}

// DeleteWebhook removes a registration.
func (store *Store) DeleteWebhook(ctx context.Context, webhookID string) error {
	err := store.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Delete(&WebhookRegistration{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeDelete, err)
	}
	return nil
}

// ListActiveWebhooks returns every active registration.
func (store *Store) ListActiveWebhooks(ctx context.Context) ([]webhook.Webhook, error) {
	var rows []WebhookRegistration
	err := store.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWebhook, errorCodeList, err)
	}
	registrations := make([]webhook.Webhook, 0, len(rows))
	for _, row := range rows {
		registration, mapErr := mapWebhook(row)
		if mapErr != nil {
			return nil, mapErr
		}
		registrations = append(registrations, registration)
	}
	return registrations, nil
}

// CreateDelivery records a pending delivery attempt.
func (store *Store) CreateDelivery(ctx context.Context, delivery webhook.Delivery) error {
	row := mapDeliveryRow(delivery)
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectDelivery, errorCodeCreate, err)
	}
	return nil
}

// UpdateDelivery rewrites the delivery record after every attempt.
func (store *Store) UpdateDelivery(ctx context.Context, delivery webhook.Delivery) error {
	update := map[string]interface{}{
		"status":          string(delivery.Status),
		"attempts":        delivery.Attempts,
		"status_code":     delivery.StatusCode,
		"last_error":      delivery.LastError,
		"duration_millis": delivery.DurationMillis,
		"delivered_at":    nullableUnixTime(delivery.DeliveredUnixUTC),
		"next_retry_at":   nullableUnixTime(delivery.NextRetryUnixUTC),
		"updated_at":      time.Unix(delivery.UpdatedUnixUTC, 0).UTC(),
	}
	result := store.db.WithContext(ctx).
		Model(&WebhookDelivery{}).
		Where("delivery_id = ?", delivery.DeliveryID).
		Updates(update)
	if result.Error != nil {
		return wrapStoreError(errorSubjectDelivery, errorCodeUpdate, result.Error)
	}
	return nil
}

// RecordDeliveryOutcome adjusts the webhook failure counter and stamps the last
// delivery outcome. A success resets the counter; a terminal failure increments
// it. The registration stays active either way.
func (store *Store) RecordDeliveryOutcome(ctx context.Context, webhookID string, delivered bool, atUnixUTC int64) error {
	update := map[string]interface{}{
		"consecutive_failures": 0,
		"last_delivery_status": string(webhook.DeliveryDelivered),
		"last_delivery_at":     time.Unix(atUnixUTC, 0).UTC(),
	}
	if !delivered {
		update["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
		update["last_delivery_status"] = string(webhook.DeliveryFailed)
	}
	result := store.db.WithContext(ctx).
		Model(&WebhookRegistration{}).
		Where("webhook_id = ?", webhookID).
		Updates(update)
	if result.Error != nil {
		return wrapStoreError(errorSubjectWebhook, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWebhook, errorCodeUpdate, webhook.ErrWebhookNotFound)
	}
	return nil
}

// PurgeDeliveriesBefore deletes delivery records created before the cutoff.
func (store *Store) PurgeDeliveriesBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&WebhookDelivery{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectDelivery, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

func mapWebhook(row WebhookRegistration) (webhook.Webhook, error) {
	var patterns []string
	if err := json.Unmarshal([]byte(row.EventPatterns), &patterns); err != nil {
		return webhook.Webhook{}, wrapStoreError(errorSubjectWebhook, errorCodeInvalid, err)
	}
	registration := webhook.Webhook{
		WebhookID:           row.WebhookID,
		URL:                 row.URL,
		Secret:              row.Secret,
		Description:         row.Description,
		EventPatterns:       patterns,
		Active:              row.Active,
		ConsecutiveFailures: row.ConsecutiveFailures,
		LastDeliveryStatus:  webhook.DeliveryStatus(row.LastDeliveryStatus),
		CreatedUnixUTC:      row.CreatedAt.Unix(),
	}
	if row.LastDeliveryAt != nil {
		registration.LastDeliveryUnixUTC = row.LastDeliveryAt.Unix()
	}
	return registration, nil
}

func nullableUnixTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	at := time.Unix(unixUTC, 0).UTC()
	return &at
}

func mapDeliveryRow(delivery webhook.Delivery) WebhookDelivery {
	row := WebhookDelivery{
		DeliveryID:     delivery.DeliveryID,
		WebhookID:      delivery.WebhookID,
		EventID:        delivery.EventID,
		EventType:      delivery.EventType,
		Status:         string(delivery.Status),
		Attempts:       delivery.Attempts,
		StatusCode:     delivery.StatusCode,
		LastError:      delivery.LastError,
		DurationMillis: delivery.DurationMillis,
		DeliveredAt:    nullableUnixTime(delivery.DeliveredUnixUTC),
		NextRetryAt:    nullableUnixTime(delivery.NextRetryUnixUTC),
		CreatedAt:      time.Unix(delivery.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:      time.Unix(delivery.UpdatedUnixUTC, 0).UTC(),
	}
	if delivery.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if delivery.UpdatedUnixUTC == 0 {
		row.UpdatedAt = row.CreatedAt
	}
	return row
}
