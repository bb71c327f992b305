package router

import (
	"github.com/ManuelReschke/ReelBoard/app/controllers"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// ApiRouter serves the pricing API used by the frontend.
type ApiRouter struct {
	pricing *controllers.PricingController
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{pricing: deps.Pricing}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	pricing := app.Group("/api/pricing", limiter.New())
	pricing.Get("/plans", h.pricing.HandlePlans)

	user := pricing.Group("", middleware.RequireAuth)
	user.Get("/current-plan", h.pricing.HandleCurrentPlan)
	user.Get("/subscription-status", h.pricing.HandleSubscriptionStatus)
	user.Post("/update-plan", h.pricing.HandleUpdatePlan)
	user.Post("/start-trial", h.pricing.HandleStartTrial)
	user.Get("/payments", h.pricing.HandlePayments)
}
