package middleware

import (
	"context"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// PlanResolver returns a user's current plan, downgrading a lapsed one.
// *entitlements.Engine implements it.
type PlanResolver interface {
	CurrentPlan(ctx context.Context, userID uint) (*models.Plan, error)
}

// SubscriptionGate resolves the logged-in user's plan once per request and
// stores it with usercontext.SetPlan. Lazy expiry happens here, so handlers
// behind the gate never see a lapsed plan. Anonymous requests pass through.
func SubscriptionGate(plans PlanResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		if !uc.IsLoggedIn {
			return c.Next()
		}
		plan, err := plans.CurrentPlan(c.UserContext(), uc.UserID)
		if err != nil {
			log.Errorf("[Entitlements] Could not resolve plan for user %d: %v", uc.UserID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "internal_server_error",
			})
		}
		usercontext.SetPlan(c, plan)
		return c.Next()
	}
}

