package flash

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
)

// Payment result messages shown on the frontend result page.
const (
	TypeSuccess = "success"
	TypeError   = "error"
	TypeInfo    = "info"
)

// Redirect stores message as a flash cookie of the given type and redirects
// to target.
func Redirect(c *fiber.Ctx, kind, message, target string) error {
	data := fiber.Map{"type": kind, "message": message}
	switch kind {
	case TypeSuccess:
		flash.WithSuccess(c, data)
	case TypeError:
		flash.WithError(c, data)
	default:
		flash.WithInfo(c, data)
	}
	return c.Redirect(target, fiber.StatusSeeOther)
}

// Get returns the flash data sent with the current request, or nil.
func Get(c *fiber.Ctx) fiber.Map {
	data := flash.Get(c)
	if len(data) == 0 {
		return nil
	}
	return data
}
