package router

import (
	"github.com/ManuelReschke/ReelBoard/app/controllers"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
)

type AdminRouter struct {
	gateways *controllers.AdminGatewayController
}

func NewAdminRouter(deps Dependencies) *AdminRouter {
	return &AdminRouter{gateways: deps.Gateways}
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	adminGroup := app.Group("/admin/api", middleware.RequireAdmin)

	// Gateway management
	gw := adminGroup.Group("/gateways")
	gw.Get("/", h.gateways.HandleList)
	gw.Post("/", h.gateways.HandleCreate)
	gw.Get("/:id", h.gateways.HandleGet)
	gw.Put("/:id", h.gateways.HandleUpdate)
	gw.Delete("/:id", h.gateways.HandleDelete)
	gw.Post("/:id/activate", h.gateways.HandleActivate)
	gw.Post("/:id/deactivate", h.gateways.HandleDeactivate)
	gw.Post("/:id/default", h.gateways.HandleSetDefault)
}
