package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEventRepository persists provider callbacks for deduplication.
type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// CreateIfNotExists inserts event unless (provider, provider_event_id) is
// already stored, and returns the stored row either way.
func (r *WebhookEventRepository) CreateIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := database.Conn(ctx, r.db)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// Claim marks the event as being processed by the caller. It fails when the
// event already succeeded or another delivery holds it; a claim older than
// lease is considered abandoned and can be taken over.
func (r *WebhookEventRepository) Claim(ctx context.Context, id uint, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	res := database.Conn(ctx, r.db).
		Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Where("(processed_at IS NULL OR processing_error <> '')").
		Where("(processing_started_at IS NULL OR processing_started_at < ?)", now.Add(-lease)).
		Update("processing_started_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkProcessed records the outcome and releases the claim.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":          &now,
		"processing_error":      processingError,
		"processing_started_at": nil,
	}
	return database.Conn(ctx, r.db).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
