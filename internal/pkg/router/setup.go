package router

import (
	"github.com/ManuelReschke/ReelBoard/app/controllers"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and middleware inputs the routes need.
type Dependencies struct {
	Sessions *session.Store
	Plans    middleware.PlanResolver
	Payments *controllers.PaymentController
	Pricing  *controllers.PricingController
	Gateways *controllers.AdminGatewayController
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// The user context and plan must be resolved before every group.
	app.Use(middleware.UserContext(deps.Sessions))
	app.Use(middleware.SubscriptionGate(deps.Plans))
	setup(app, NewHttpRouter(deps), NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
