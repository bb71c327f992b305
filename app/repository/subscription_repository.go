package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/database"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionRepository implements entitlements.Repository on the users
// and plans tables.
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) FindUser(ctx context.Context, userID uint) (*models.User, error) {
	var u models.User
	if err := database.Conn(ctx, r.db).First(&u, userID).Error; err != nil {
		return nil, userErr(err)
	}
	return &u, nil
}

// WithUserLock holds SELECT ... FOR UPDATE on the user row while fn runs.
// Called from a ledger hook it joins the payment transaction.
func (r *SubscriptionRepository) WithUserLock(ctx context.Context, userID uint, fn func(ctx context.Context, u *models.User) error) error {
	return database.Transaction(ctx, r.db, func(ctx context.Context, tx *gorm.DB) error {
		var u models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, userID).Error; err != nil {
			return userErr(err)
		}
		return fn(ctx, &u)
	})
}

// SaveSubscription writes only the subscription columns. Passing u as the
// model lets User.BeforeSave validate the full subscription state.
func (r *SubscriptionRepository) SaveSubscription(ctx context.Context, u *models.User) error {
	return database.Conn(ctx, r.db).
		Model(u).
		Select("plan_id", "plan_expires_at", "is_on_trial", "trial_expires_at", "trial_started_at").
		Updates(map[string]interface{}{
			"plan_id":          u.PlanID,
			"plan_expires_at":  u.PlanExpiresAt,
			"is_on_trial":      u.IsOnTrial,
			"trial_expires_at": u.TrialExpiresAt,
			"trial_started_at": u.TrialStartedAt,
		}).Error
}

func (r *SubscriptionRepository) FindPlan(ctx context.Context, id uint) (*models.Plan, error) {
	var p models.Plan
	if err := database.Conn(ctx, r.db).First(&p, id).Error; err != nil {
		return nil, planErr(err)
	}
	return &p, nil
}

// FindDefaultPlan returns the canonical free plan. The unique index on
// plans.default_marker keeps it single.
func (r *SubscriptionRepository) FindDefaultPlan(ctx context.Context) (*models.Plan, error) {
	var p models.Plan
	err := database.Conn(ctx, r.db).
		Where("is_default = ? AND billing_period = ?", true, models.BillingPeriodFree).
		Order("id ASC").
		First(&p).Error
	if err != nil {
		return nil, planErr(err)
	}
	return &p, nil
}

func (r *SubscriptionRepository) FindTrialPlan(ctx context.Context) (*models.Plan, error) {
	var p models.Plan
	err := database.Conn(ctx, r.db).
		Where("trial_eligible = ? AND is_active = ?", true, true).
		Order("sort_order ASC, id ASC").
		First(&p).Error
	if err != nil {
		return nil, planErr(err)
	}
	return &p, nil
}

func (r *SubscriptionRepository) ListActivePlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := database.Conn(ctx, r.db).
		Where("is_active = ?", true).
		Order("sort_order ASC, id ASC").
		Find(&plans).Error
	return plans, err
}

// HasNewerCompletedPayment orders payments by paid_at, then id. Payments
// without paid_at compare by id only.
func (r *SubscriptionRepository) HasNewerCompletedPayment(ctx context.Context, p *models.Payment) (bool, error) {
	q := database.Conn(ctx, r.db).
		Model(&models.Payment{}).
		Where("user_id = ? AND status = ? AND id <> ?", p.UserID, models.PaymentStatusCompleted, p.ID)
	if p.PaidAt != nil {
		q = q.Where("(paid_at > ? OR (paid_at = ? AND id > ?))", *p.PaidAt, *p.PaidAt, p.ID)
	} else {
		q = q.Where("id > ?", p.ID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListLapsedUserIDs returns users past their plan or trial expiry, in id
// order after afterID. Free and lifetime holders have no expiry and are
// never returned. A non-nil since narrows the scan to expiries at or after since.
func (r *SubscriptionRepository) ListLapsedUserIDs(ctx context.Context, now time.Time, since *time.Time, afterID uint, limit int) ([]uint, error) {
	q := database.Conn(ctx, r.db).
		Model(&models.User{}).
		Where("id > ?", afterID)
	if since != nil {
		q = q.Where("((plan_expires_at >= ? AND plan_expires_at < ?) OR (is_on_trial = ? AND trial_expires_at >= ? AND trial_expires_at < ?))",
			*since, now, true, *since, now)
	} else {
		q = q.Where("(plan_expires_at < ? OR (is_on_trial = ? AND trial_expires_at < ?))", now, true, now)
	}
	var ids []uint
	err := q.Order("id ASC").Limit(limit).Pluck("id", &ids).Error
	return ids, err
}

func userErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entitlements.ErrUserNotFound
	}
	return err
}

func planErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entitlements.ErrPlanNotFound
	}
	return err
}
