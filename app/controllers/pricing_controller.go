package controllers

import (
	"context"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/entitlements"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// Subscriptions is the plan side of the pricing API. *entitlements.Engine
// implements it.
type Subscriptions interface {
	ListPlans(ctx context.Context) ([]models.Plan, error)
	CurrentPlan(ctx context.Context, userID uint) (*models.Plan, error)
	Status(ctx context.Context, userID uint) (*entitlements.Status, error)
	UpdatePlan(ctx context.Context, userID, planID uint) (*models.Plan, error)
	StartTrial(ctx context.Context, userID uint) (*models.Plan, error)
}

// PaymentHistory lists a user's payments, newest first. *ledger.Ledger
// implements it.
type PaymentHistory interface {
	ListByUser(ctx context.Context, userID uint, limit int) ([]models.Payment, error)
}

type PricingController struct {
	subs     Subscriptions
	payments PaymentHistory
}

func NewPricingController(subs Subscriptions, payments PaymentHistory) *PricingController {
	return &PricingController{subs: subs, payments: payments}
}

type planView struct {
	models.Plan
	Limits entitlements.Limits `json:"limits"`
}

// HandlePlans is GET /api/pricing/plans.
func (pc *PricingController) HandlePlans(c *fiber.Ctx) error {
	plans, err := pc.subs.ListPlans(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	views := make([]planView, 0, len(plans))
	for i := range plans {
		views = append(views, planView{Plan: plans[i], Limits: entitlements.LimitsFor(&plans[i])})
	}
	return c.JSON(fiber.Map{"success": true, "plans": views})
}

// HandleCurrentPlan is GET /api/pricing/current-plan. The subscription
// gate has usually resolved the plan already.
func (pc *PricingController) HandleCurrentPlan(c *fiber.Ctx) error {
	plan := usercontext.GetPlan(c)
	if plan == nil {
		var err error
		if plan, err = pc.subs.CurrentPlan(c.UserContext(), usercontext.GetUserID(c)); err != nil {
			return respondError(c, err)
		}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"plan":    plan,
		"limits":  entitlements.LimitsFor(plan),
	})
}

// HandleSubscriptionStatus is GET /api/pricing/subscription-status.
func (pc *PricingController) HandleSubscriptionStatus(c *fiber.Ctx) error {
	st, err := pc.subs.Status(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "subscription": st})
}

type updatePlanRequest struct {
	PricingPlanID uint `json:"pricing_plan_id" form:"pricing_plan_id"`
}

// HandleUpdatePlan is POST /api/pricing/update-plan. Only free plans are
// switched here; paid plans answer 402 and go through checkout.
func (pc *PricingController) HandleUpdatePlan(c *fiber.Ctx) error {
	var req updatePlanRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.PricingPlanID == 0 {
		return respondError(c, payerr.Validation("pricing_plan_id is required"))
	}
	plan, err := pc.subs.UpdatePlan(c.UserContext(), usercontext.GetUserID(c), req.PricingPlanID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "plan": plan})
}

// HandleStartTrial is POST /api/pricing/start-trial.
func (pc *PricingController) HandleStartTrial(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	plan, err := pc.subs.StartTrial(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	st, err := pc.subs.Status(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "plan": plan, "subscription": st})
}

// HandlePayments is GET /api/pricing/payments?limit=N.
func (pc *PricingController) HandlePayments(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	payments, err := pc.payments.ListByUser(c.UserContext(), usercontext.GetUserID(c), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "payments": payments})
}
