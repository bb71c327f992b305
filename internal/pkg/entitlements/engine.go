package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/gofiber/fiber/v2/log"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPaymentRequired is returned when a paid plan is chosen without checkout.
	ErrPaymentRequired = &payerr.Error{Kind: payerr.ErrValidation, Message: "paid plans require a payment"}
)

// Repository is the storage the engine needs. WithUserLock runs fn while
// holding a row lock on the user; ctx passed to fn carries the transaction.
type Repository interface {
	FindUser(ctx context.Context, userID uint) (*models.User, error)
	WithUserLock(ctx context.Context, userID uint, fn func(ctx context.Context, u *models.User) error) error
	SaveSubscription(ctx context.Context, u *models.User) error
	FindPlan(ctx context.Context, id uint) (*models.Plan, error)
	FindDefaultPlan(ctx context.Context) (*models.Plan, error)
	FindTrialPlan(ctx context.Context) (*models.Plan, error)
	ListActivePlans(ctx context.Context) ([]models.Plan, error)
	// HasNewerCompletedPayment reports whether the user has a completed
	// payment settled after p.
	HasNewerCompletedPayment(ctx context.Context, p *models.Payment) (bool, error)
}

// Engine decides which plan a user holds and applies plan changes.
type Engine struct {
	repo        Repository
	trialLength time.Duration
	now         func() time.Time
}

func NewEngine(repo Repository, trialLength time.Duration) *Engine {
	if trialLength <= 0 {
		trialLength = DefaultTrial
	}
	return &Engine{repo: repo, trialLength: trialLength, now: time.Now}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// Status is the subscription read model returned to clients.
type Status struct {
	Plan               *models.Plan `json:"plan"`
	Limits             Limits       `json:"limits"`
	ExpiresAt          *time.Time   `json:"expires_at"`
	DaysRemaining      int          `json:"days_remaining"`
	IsExpired          bool         `json:"is_expired"`
	IsFree             bool         `json:"is_free"`
	IsLifetime         bool         `json:"is_lifetime"`
	IsOnTrial          bool         `json:"is_on_trial"`
	TrialExpiresAt     *time.Time   `json:"trial_expires_at"`
	TrialDaysRemaining int          `json:"trial_days_remaining"`
	CanTakeTrial       bool         `json:"can_take_trial"`
}

// CurrentPlan returns the plan the user holds right now. A lapsed plan or
// trial is downgraded before returning.
func (e *Engine) CurrentPlan(ctx context.Context, userID uint) (*models.Plan, error) {
	u, err := e.repo.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lapsed(u, e.clock()) {
		if _, err := e.DowngradeIfExpired(ctx, userID); err != nil {
			return nil, err
		}
		if u, err = e.repo.FindUser(ctx, userID); err != nil {
			return nil, err
		}
	}
	return e.planOf(ctx, u)
}

func (e *Engine) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return e.repo.ListActivePlans(ctx)
}

// Status heals a lapsed subscription and reports the result.
func (e *Engine) Status(ctx context.Context, userID uint) (*Status, error) {
	plan, err := e.CurrentPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	u, err := e.repo.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	st := &Status{
		Plan:         plan,
		Limits:       LimitsFor(plan),
		ExpiresAt:    u.PlanExpiresAt,
		IsExpired:    IsExpired(u.PlanExpiresAt, now),
		IsFree:       plan.IsFree(),
		IsLifetime:   plan.IsLifetime(),
		IsOnTrial:    u.IsOnTrial,
		CanTakeTrial: u.CanTakeTrial(),
	}
	st.DaysRemaining = DaysRemaining(u.PlanExpiresAt, now)
	if u.IsOnTrial {
		st.TrialExpiresAt = u.TrialExpiresAt
		st.TrialDaysRemaining = DaysRemaining(u.TrialExpiresAt, now)
	}
	return st, nil
}

// ValidatePurchase checks that userID may buy planID and returns the plan.
func (e *Engine) ValidatePurchase(ctx context.Context, userID, planID uint) (*models.Plan, error) {
	plan, err := e.repo.FindPlan(ctx, planID)
	if errors.Is(err, ErrPlanNotFound) {
		return nil, payerr.Validation("unknown pricing plan")
	}
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, payerr.Validation("pricing plan is not available")
	}
	if plan.IsFree() || !plan.Price.IsPositive() {
		return nil, payerr.Validation("free plans do not require a payment")
	}

	u, err := e.repo.FindUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, payerr.Validation("unknown user")
	}
	if err != nil {
		return nil, err
	}
	current, err := e.planOf(ctx, u)
	if err != nil {
		return nil, err
	}
	if current.IsLifetime() {
		return nil, payerr.Ineligible("a lifetime plan is already active")
	}
	return plan, nil
}

// ApplyPurchase switches the user to plan and starts a fresh period.
func (e *Engine) ApplyPurchase(ctx context.Context, userID uint, plan *models.Plan, payment *models.Payment) error {
	return e.repo.WithUserLock(ctx, userID, func(ctx context.Context, u *models.User) error {
		return e.purchaseLocked(ctx, u, plan, payment)
	})
}

// ApplyRenewal extends the current period from max(now, previous expiry).
func (e *Engine) ApplyRenewal(ctx context.Context, userID uint, plan *models.Plan) error {
	return e.repo.WithUserLock(ctx, userID, func(ctx context.Context, u *models.User) error {
		return e.renewLocked(ctx, u, plan)
	})
}

// ApplyPaymentCompleted renews when the payment buys the user's current
// unexpired recurring plan, and purchases otherwise.
func (e *Engine) ApplyPaymentCompleted(ctx context.Context, p *models.Payment) error {
	plan, err := e.repo.FindPlan(ctx, p.PlanID)
	if err != nil {
		return fmt.Errorf("plan %d for payment %s: %w", p.PlanID, p.TransactionID, err)
	}
	return e.repo.WithUserLock(ctx, p.UserID, func(ctx context.Context, u *models.User) error {
		now := e.clock()
		if !u.IsOnTrial && u.HasPlan(plan.ID) && plan.IsRecurring() && u.PlanExpiresAt != nil && !IsExpired(u.PlanExpiresAt, now) {
			return e.renewLocked(ctx, u, plan)
		}
		return e.purchaseLocked(ctx, u, plan, p)
	})
}

// ApplyPaymentRefunded drops the user to free when the refunded payment
// set the period they still hold. A newer completed payment owns the period.
func (e *Engine) ApplyPaymentRefunded(ctx context.Context, p *models.Payment) error {
	return e.repo.WithUserLock(ctx, p.UserID, func(ctx context.Context, u *models.User) error {
		if u.IsOnTrial || !u.HasPlan(p.PlanID) {
			return nil
		}
		newer, err := e.repo.HasNewerCompletedPayment(ctx, p)
		if err != nil {
			return err
		}
		if newer {
			log.Infof("[Entitlements] Refund of %s leaves user %d on the period of a newer payment", p.TransactionID, u.ID)
			return nil
		}
		free, err := e.repo.FindDefaultPlan(ctx)
		if err != nil {
			return err
		}
		_, err = e.switchToFreeLocked(ctx, u, free, "refund of "+p.TransactionID)
		return err
	})
}

// StartTrial grants the trial-tier plan for the trial length. Each user
// gets one trial.
func (e *Engine) StartTrial(ctx context.Context, userID uint) (*models.Plan, error) {
	var trial *models.Plan
	err := e.repo.WithUserLock(ctx, userID, func(ctx context.Context, u *models.User) error {
		if !u.CanTakeTrial() {
			return payerr.Ineligible("the free trial has already been used")
		}
		now := e.clock()
		current, err := e.planOf(ctx, u)
		if err != nil {
			return err
		}
		if !current.IsFree() && !lapsed(u, now) {
			return payerr.Ineligible("a paid plan is already active")
		}

		trial, err = e.repo.FindTrialPlan(ctx)
		if errors.Is(err, ErrPlanNotFound) {
			return payerr.Ineligible("no trial is currently offered")
		}
		if err != nil {
			return err
		}

		expires := now.Add(e.trialLength)
		u.PlanID = &trial.ID
		u.IsOnTrial = true
		u.TrialStartedAt = &now
		u.TrialExpiresAt = &expires
		u.PlanExpiresAt = &expires
		if err := e.repo.SaveSubscription(ctx, u); err != nil {
			return err
		}
		log.Infof("[Entitlements] User %d started %q trial until %s", u.ID, trial.Name, expires.Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trial, nil
}

// UpdatePlan switches directly to a free plan. Paid plans go through checkout.
func (e *Engine) UpdatePlan(ctx context.Context, userID, planID uint) (*models.Plan, error) {
	plan, err := e.repo.FindPlan(ctx, planID)
	if errors.Is(err, ErrPlanNotFound) {
		return nil, payerr.Validation("unknown pricing plan")
	}
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, payerr.Validation("pricing plan is not available")
	}
	if !plan.IsFree() {
		return nil, ErrPaymentRequired
	}
	err = e.repo.WithUserLock(ctx, userID, func(ctx context.Context, u *models.User) error {
		_, err := e.switchToFreeLocked(ctx, u, plan, "requested by user")
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// DowngradeToFree moves the user to the default free plan. It reports
// whether anything changed.
func (e *Engine) DowngradeToFree(ctx context.Context, userID uint) (bool, error) {
	var changed bool
	err := e.repo.WithUserLock(ctx, userID, func(ctx context.Context, u *models.User) error {
		free, err := e.repo.FindDefaultPlan(ctx)
		if err != nil {
			return err
		}
		changed, err = e.switchToFreeLocked(ctx, u, free, "downgrade")
		return err
	})
	return changed, err
}

// DowngradeIfExpired re-checks expiry under the user lock before
// downgrading, so a renewal that lands first wins.
func (e *Engine) DowngradeIfExpired(ctx context.Context, userID uint) (bool, error) {
	var changed bool
	err := e.repo.WithUserLock(ctx, userID, func(ctx context.Context, u *models.User) error {
		if !lapsed(u, e.clock()) {
			return nil
		}
		free, err := e.repo.FindDefaultPlan(ctx)
		if err != nil {
			return err
		}
		changed, err = e.switchToFreeLocked(ctx, u, free, "expired")
		return err
	})
	return changed, err
}

func (e *Engine) purchaseLocked(ctx context.Context, u *models.User, plan *models.Plan, payment *models.Payment) error {
	now := e.clock()
	u.PlanID = &plan.ID
	u.PlanExpiresAt = ExpiryFrom(plan.BillingPeriod, now)
	u.IsOnTrial = false
	if err := e.repo.SaveSubscription(ctx, u); err != nil {
		return err
	}
	ref := "-"
	if payment != nil {
		ref = payment.TransactionID
	}
	log.Infof("[Entitlements] User %d purchased %q (payment %s, expires %s)", u.ID, plan.Name, ref, formatExpiry(u.PlanExpiresAt))
	return nil
}

func (e *Engine) renewLocked(ctx context.Context, u *models.User, plan *models.Plan) error {
	now := e.clock()
	base := now
	if u.HasPlan(plan.ID) && u.PlanExpiresAt != nil && u.PlanExpiresAt.After(now) {
		base = u.PlanExpiresAt.UTC()
	}
	u.PlanID = &plan.ID
	u.PlanExpiresAt = ExpiryFrom(plan.BillingPeriod, base)
	u.IsOnTrial = false
	if err := e.repo.SaveSubscription(ctx, u); err != nil {
		return err
	}
	log.Infof("[Entitlements] User %d renewed %q until %s", u.ID, plan.Name, formatExpiry(u.PlanExpiresAt))
	return nil
}

func (e *Engine) switchToFreeLocked(ctx context.Context, u *models.User, free *models.Plan, reason string) (bool, error) {
	if u.HasPlan(free.ID) && u.PlanExpiresAt == nil && !u.IsOnTrial {
		return false, nil
	}
	prior := "none"
	if u.PlanID != nil {
		if p, err := e.repo.FindPlan(ctx, *u.PlanID); err == nil {
			prior = p.Name
		}
	}
	u.PlanID = &free.ID
	u.PlanExpiresAt = nil
	u.IsOnTrial = false
	if err := e.repo.SaveSubscription(ctx, u); err != nil {
		return false, err
	}
	log.Infof("[Entitlements] User %d moved from %q to %q (%s)", u.ID, prior, free.Name, reason)
	return true, nil
}

// planOf resolves the stored plan without healing. Missing plans fall back
// to the default free plan.
func (e *Engine) planOf(ctx context.Context, u *models.User) (*models.Plan, error) {
	if u.PlanID != nil {
		p, err := e.repo.FindPlan(ctx, *u.PlanID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPlanNotFound) {
			return nil, err
		}
	}
	return e.repo.FindDefaultPlan(ctx)
}

func lapsed(u *models.User, now time.Time) bool {
	if IsExpired(u.PlanExpiresAt, now) {
		return true
	}
	return u.IsOnTrial && IsExpired(u.TrialExpiresAt, now)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
