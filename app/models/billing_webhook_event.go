package models

import "time"

// BillingWebhookEvent records every verified provider callback, keyed by
// (provider, provider event id), so a redelivered event is applied once.
type BillingWebhookEvent struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Provider            string     `gorm:"type:varchar(50);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID     string     `gorm:"type:varchar(191);not null;default:'';index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType           string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	TransactionID       string     `gorm:"type:varchar(64);default:null;index" json:"transaction_id,omitempty"`
	PayloadJSON         string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid      bool       `gorm:"default:false;index" json:"signature_valid"`
	ProcessedAt         *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError     string     `gorm:"type:text" json:"processing_error"`
	// ProcessingStartedAt is set while one delivery holds the event.
	ProcessingStartedAt *time.Time `gorm:"type:timestamp;default:null" json:"processing_started_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Succeeded reports whether the event was processed without error.
func (e *BillingWebhookEvent) Succeeded() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}
