package usercontext

import (
	"github.com/ManuelReschke/ReelBoard/app/models"
	"github.com/gofiber/fiber/v2"
)

// UserContext is the identity of the caller for one request.
type UserContext struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
	Plan       string `json:"plan"`
}

// Set stores uc for the rest of the request.
func Set(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
}

// GetUserContext returns the request's user context, or an anonymous one.
func GetUserContext(c *fiber.Ctx) UserContext {
	if uc, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return uc
	}
	return UserContext{}
}

func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetUserID returns the current user's ID, or 0 if not logged in
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}

// SetPlan records the plan resolved for the caller and mirrors its slug
// into the user context.
func SetPlan(c *fiber.Ctx, plan *models.Plan) {
	c.Locals(KeyPlan, plan)
	uc := GetUserContext(c)
	uc.Plan = plan.Slug
	Set(c, uc)
}

// GetPlan returns the plan set by SetPlan, or nil.
func GetPlan(c *fiber.Ctx) *models.Plan {
	p, _ := c.Locals(KeyPlan).(*models.Plan)
	return p
}
