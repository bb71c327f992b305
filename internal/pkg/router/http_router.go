package router

import (
	"github.com/ManuelReschke/ReelBoard/app/controllers"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/billing"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// HttpRouter serves the checkout flow and provider callbacks under /payment.
type HttpRouter struct {
	payments *controllers.PaymentController
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{payments: deps.Payments}
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	payment := app.Group("/payment")
	payment.Post("/initiate", middleware.RequireAuth, limiter.New(limiter.Config{Max: 10}), h.payments.HandleInitiate)

	// Browser returns from the provider. Some providers POST the form back.
	for _, result := range []string{billing.ReturnSuccess, billing.ReturnFail, billing.ReturnCancel} {
		handler := h.payments.HandleReturn(result)
		payment.Get("/"+result, handler)
		payment.Post("/"+result, handler)
	}

	// Provider webhooks: no session or CSRF, the signature is checked per gateway.
	payment.Post("/webhook", h.payments.HandleWebhook)
	payment.Post("/webhook/:gateway", h.payments.HandleGatewayWebhook)
}
