package controllers

import (
	"context"
	"errors"

	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// GatewayAdmin is the write side of the gateway store. *gateway.Store
// implements it and invalidates its cache on every write.
type GatewayAdmin interface {
	List(ctx context.Context) ([]models.GatewayConfig, error)
	GetByID(ctx context.Context, id uint) (*models.GatewayConfig, error)
	Create(ctx context.Context, in gateway.Input) (*models.GatewayConfig, error)
	Update(ctx context.Context, id uint, in gateway.Input) (*models.GatewayConfig, error)
	Delete(ctx context.Context, id uint) error
	SetActive(ctx context.Context, id uint, active bool) error
	SetDefault(ctx context.Context, id uint) error
}

// CredentialKeys names the stored credentials of a config without
// revealing them. *gateway.Registry implements it.
type CredentialKeys interface {
	CredentialKeys(cfg *models.GatewayConfig) []string
}

type AdminGatewayController struct {
	store GatewayAdmin
	keys  CredentialKeys
}

func NewAdminGatewayController(store GatewayAdmin, keys CredentialKeys) *AdminGatewayController {
	return &AdminGatewayController{store: store, keys: keys}
}

// gatewayView is the admin rendering of a config. Credentials appear only
// as key names.
type gatewayView struct {
	*models.GatewayConfig
	CredentialKeys []string `json:"credential_keys"`
}

func (ac *AdminGatewayController) view(cfg *models.GatewayConfig) gatewayView {
	keys := ac.keys.CredentialKeys(cfg)
	if keys == nil {
		keys = []string{}
	}
	return gatewayView{GatewayConfig: cfg, CredentialKeys: keys}
}

// HandleList is GET /admin/api/gateways.
func (ac *AdminGatewayController) HandleList(c *fiber.Ctx) error {
	cfgs, err := ac.store.List(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	views := make([]gatewayView, 0, len(cfgs))
	for i := range cfgs {
		views = append(views, ac.view(&cfgs[i]))
	}
	return c.JSON(fiber.Map{"success": true, "gateways": views})
}

// HandleGet is GET /admin/api/gateways/:id.
func (ac *AdminGatewayController) HandleGet(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid gateway id")
	}
	cfg, err := ac.store.GetByID(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "gateway": ac.view(cfg)})
}

// HandleCreate is POST /admin/api/gateways.
func (ac *AdminGatewayController) HandleCreate(c *fiber.Ctx) error {
	var in gateway.Input
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid request body")
	}
	cfg, err := ac.store.Create(c.UserContext(), in)
	if err != nil {
		return ac.writeError(c, err)
	}
	ac.audit(c, "created", cfg.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "gateway": ac.view(cfg)})
}

// HandleUpdate is PUT /admin/api/gateways/:id. Omitted credentials keep
// the stored bundle.
func (ac *AdminGatewayController) HandleUpdate(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid gateway id")
	}
	var in gateway.Input
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid request body")
	}
	cfg, err := ac.store.Update(c.UserContext(), id, in)
	if err != nil {
		return ac.writeError(c, err)
	}
	ac.audit(c, "updated", id)
	return c.JSON(fiber.Map{"success": true, "gateway": ac.view(cfg)})
}

// HandleDelete is DELETE /admin/api/gateways/:id.
func (ac *AdminGatewayController) HandleDelete(c *fiber.Ctx) error {
	return ac.mutate(c, "deleted", func(ctx context.Context, id uint) error {
		return ac.store.Delete(ctx, id)
	})
}

// HandleActivate is POST /admin/api/gateways/:id/activate.
func (ac *AdminGatewayController) HandleActivate(c *fiber.Ctx) error {
	return ac.mutate(c, "activated", func(ctx context.Context, id uint) error {
		return ac.store.SetActive(ctx, id, true)
	})
}

// HandleDeactivate is POST /admin/api/gateways/:id/deactivate.
func (ac *AdminGatewayController) HandleDeactivate(c *fiber.Ctx) error {
	return ac.mutate(c, "deactivated", func(ctx context.Context, id uint) error {
		return ac.store.SetActive(ctx, id, false)
	})
}

// HandleSetDefault is POST /admin/api/gateways/:id/default.
func (ac *AdminGatewayController) HandleSetDefault(c *fiber.Ctx) error {
	return ac.mutate(c, "made default", func(ctx context.Context, id uint) error {
		return ac.store.SetDefault(ctx, id)
	})
}

func (ac *AdminGatewayController) mutate(c *fiber.Ctx, action string, fn func(ctx context.Context, id uint) error) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "invalid gateway id")
	}
	if err := fn(c.UserContext(), id); err != nil {
		return ac.writeError(c, err)
	}
	ac.audit(c, action, id)
	return c.JSON(fiber.Map{"success": true})
}

// writeError reports configuration problems in admin input as 422 rather
// than as an outage.
func (ac *AdminGatewayController) writeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, payerr.ErrConfiguration) || errors.Is(err, payerr.ErrUnsupportedGateway) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"error":   payerr.PublicMessage(err),
		})
	}
	return respondError(c, err)
}

func (ac *AdminGatewayController) audit(c *fiber.Ctx, action string, id uint) {
	log.Infof("[Gateway] Admin %d %s gateway id=%d", usercontext.GetUserID(c), action, id)
}
