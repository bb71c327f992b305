package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusRefunded  = "refunded"
)

// Actors recorded in Payment.StatusChangedBy. Admin changes use "admin:<id>".
const (
	ActorWebhook = "webhook"
	ActorVerify  = "verify"
	ActorSweeper = "sweeper"
	ActorSystem  = "system"
)

// Payment is one ledger row per payment attempt.
type Payment struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	UserID               uint            `gorm:"not null;index" json:"user_id"`
	PlanID               uint            `gorm:"not null;index" json:"plan_id"`
	GatewayConfigID      uint            `gorm:"not null;index" json:"gateway_config_id"`
	TransactionID        string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"transaction_id"`
	GatewayTransactionID string          `gorm:"type:varchar(191);default:null;index" json:"gateway_transaction_id,omitempty"`
	ProviderSessionID    string          `gorm:"type:varchar(191);default:null;index" json:"provider_session_id,omitempty"`
	Amount               decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Fee                  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"fee"`
	Currency             string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status               string          `gorm:"type:varchar(16);not null;default:'pending';index:idx_payments_status_created,priority:1" json:"status"`
	GatewayResponse      string          `gorm:"type:longtext" json:"-"`
	FailureReason        string          `gorm:"type:text" json:"failure_reason,omitempty"`
	PaidAt               *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	StatusChangedAt      *time.Time      `gorm:"type:timestamp;default:null" json:"status_changed_at,omitempty"`
	StatusChangedBy      string          `gorm:"type:varchar(32);default:null" json:"status_changed_by,omitempty"`
	CreatedAt            time.Time       `gorm:"autoCreateTime;index:idx_payments_status_created,priority:2" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	Plan          *Plan          `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	GatewayConfig *GatewayConfig `gorm:"foreignKey:GatewayConfigID" json:"-"`
}

func (p *Payment) IsTerminal() bool {
	return p.Status != PaymentStatusPending
}
