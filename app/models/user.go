package models

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User is the account row. Authentication lives outside the payments core;
// this model only carries what billing and entitlements read or write.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email     string         `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,min=5,max=200"`
	Role      string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status    string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	Country   string         `gorm:"type:varchar(2);default:null" json:"country,omitempty" validate:"omitempty,len=2"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Subscription state. A nil or dangling PlanID means the default free plan.
	PlanID         *uint      `gorm:"index" json:"plan_id"`
	PlanExpiresAt  *time.Time `gorm:"type:timestamp;default:null;index" json:"plan_expires_at"`
	IsOnTrial      bool       `gorm:"default:false;index" json:"is_on_trial"`
	TrialExpiresAt *time.Time `gorm:"type:timestamp;default:null;index" json:"trial_expires_at"`
	TrialStartedAt *time.Time `gorm:"type:timestamp;default:null" json:"trial_started_at"`
}

var (
	ErrTrialWithoutExpiry = errors.New("a running trial needs trial_started_at and trial_expires_at")
	ErrTrialBeforeStart   = errors.New("trial_expires_at must be after trial_started_at")
)

// Validate checks the account row and its subscription state.
func (u *User) Validate() error {
	v := validator.New()

	if err := v.Struct(u); err != nil {
		return err
	}
	return u.ValidateSubscription()
}

// ValidateSubscription checks only the columns billing writes. Identity
// columns belong to the account service.
func (u *User) ValidateSubscription() error {
	if err := validator.New().StructPartial(u, "Country"); err != nil {
		return err
	}
	if !u.IsOnTrial {
		return nil
	}
	if u.TrialStartedAt == nil || u.TrialExpiresAt == nil {
		return ErrTrialWithoutExpiry
	}
	if !u.TrialExpiresAt.After(*u.TrialStartedAt) {
		return ErrTrialBeforeStart
	}
	return nil
}

// BeforeSave guards every write of the subscription columns, including the
// partial update in the subscription repository.
func (u *User) BeforeSave(tx *gorm.DB) error {
	return u.ValidateSubscription()
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}

// CanTakeTrial is true until the first trial has been started.
func (u *User) CanTakeTrial() bool {
	return u.TrialStartedAt == nil
}

// HasPlan reports whether the user points at plan id.
func (u *User) HasPlan(id uint) bool {
	return u.PlanID != nil && *u.PlanID == id
}
