package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/ManuelReschke/ReelBoard/internal/pkg/entitlements"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/payerr"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const internalError = "internal_server_error"

// errorStatus maps a service error onto an HTTP status and the message
// shown to the client. Unknown errors get a generic 500 without detail.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, entitlements.ErrPaymentRequired):
		return fiber.StatusPaymentRequired, payerr.PublicMessage(err)
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, entitlements.ErrUserNotFound):
		return fiber.StatusNotFound, "not found"
	case errors.Is(err, payerr.ErrValidation):
		return fiber.StatusUnprocessableEntity, payerr.PublicMessage(err)
	case errors.Is(err, payerr.ErrIneligible), errors.Is(err, payerr.ErrConflict), errors.Is(err, payerr.ErrDuplicateTransaction):
		return fiber.StatusConflict, payerr.PublicMessage(err)
	case errors.Is(err, payerr.ErrInvalidSignature):
		return fiber.StatusBadRequest, "invalid signature"
	case errors.Is(err, payerr.ErrConfiguration), errors.Is(err, payerr.ErrUnsupportedGateway):
		return fiber.StatusServiceUnavailable, "payments are temporarily unavailable"
	case errors.Is(err, payerr.ErrGateway):
		return fiber.StatusBadGateway, payerr.PublicMessage(err)
	default:
		return fiber.StatusInternalServerError, internalError
	}
}

// respondError writes the JSON error body for err. Server-side failures are
// logged with the request path.
func respondError(c *fiber.Ctx, err error) error {
	status, msg := errorStatus(err)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[HTTP] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

func paramID(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// GetClientIP returns the caller address, preferring the Cloudflare header,
// then the first X-Forwarded-For entry, then the socket address.
func GetClientIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(c.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return strings.TrimPrefix(c.IP(), "::ffff:")
}
