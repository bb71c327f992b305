package models

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	BillingPeriodFree     = "free"
	BillingPeriodMonthly  = "monthly"
	BillingPeriodYearly   = "yearly"
	BillingPeriodLifetime = "lifetime"
)

// Unlimited marks a plan limit without an upper bound.
const Unlimited = -1

// Plan is a purchasable (or free) subscription tier.
type Plan struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	Name              string          `gorm:"type:varchar(100);not null" json:"name" validate:"required,max=100"`
	Slug              string          `gorm:"type:varchar(50);not null;uniqueIndex" json:"slug" validate:"required,max=50"`
	Description       string          `gorm:"type:text" json:"description"`
	BillingPeriod     string          `gorm:"type:varchar(16);not null;default:'free'" json:"billing_period" validate:"oneof=free monthly yearly lifetime"`
	Price             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0;check:chk_plans_free_price,(price = 0) = (billing_period = 'free')" json:"price"`
	Currency          string          `gorm:"type:varchar(3);not null;default:'USD'" json:"currency" validate:"required,len=3"`
	MaxBoards         int             `gorm:"not null;default:3" json:"max_boards"`
	MaxItemsPerBoard  int             `gorm:"not null;default:50" json:"max_items_per_board"`
	DailyPreviewQuota int             `gorm:"not null;default:20" json:"daily_preview_quota"`
	SharingAllowed    bool            `gorm:"default:false" json:"sharing_allowed"`
	AdsShown          bool            `gorm:"default:true" json:"ads_shown"`
	TrialEligible     bool            `gorm:"default:false;index" json:"trial_eligible"`
	IsDefault         bool            `gorm:"default:false;index;check:chk_plans_default_free,is_default = FALSE OR billing_period = 'free'" json:"is_default"`
	IsActive          bool            `gorm:"default:true;index" json:"is_active"`
	SortOrder         int             `gorm:"default:0" json:"sort_order"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	// DefaultMarker is 1 for the default row and NULL otherwise; its unique
	// index allows a single default plan.
	DefaultMarker *int `gorm:"->;type:tinyint GENERATED ALWAYS AS (IF(is_default, 1, NULL)) STORED;uniqueIndex:uq_plans_single_default" json:"-"`
}

var (
	ErrFreePlanPeriod  = errors.New("plans with price 0 must use the free billing period")
	ErrPaidDefaultPlan = errors.New("only a free plan can be the default")
)

func (p *Plan) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return err
	}
	if p.Price.IsNegative() {
		return errors.New("plan price must not be negative")
	}
	if p.Price.IsZero() != (p.BillingPeriod == BillingPeriodFree) {
		return ErrFreePlanPeriod
	}
	if p.IsDefault && p.BillingPeriod != BillingPeriodFree {
		return ErrPaidDefaultPlan
	}
	return nil
}

// BeforeSave runs Validate on Create and Save. Plans are written as whole rows.
func (p *Plan) BeforeSave(tx *gorm.DB) error {
	return p.Validate()
}

func (p *Plan) IsFree() bool {
	return p.BillingPeriod == BillingPeriodFree
}

func (p *Plan) IsLifetime() bool {
	return p.BillingPeriod == BillingPeriodLifetime
}

// IsRecurring reports whether the plan expires and can be renewed.
func (p *Plan) IsRecurring() bool {
	return p.BillingPeriod == BillingPeriodMonthly || p.BillingPeriod == BillingPeriodYearly
}
