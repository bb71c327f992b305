package middleware

import (
	"github.com/ManuelReschke/ReelBoard/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/session"
)

// UserContext builds the request's usercontext from the session written by
// the login flow. Anonymous requests get an empty context.
func UserContext(store *session.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, err := store.Get(c)
		if err != nil {
			log.Warnf("[Session] Could not load session: %v", err)
			usercontext.Set(c, usercontext.UserContext{})
			return c.Next()
		}

		userID, ok := sessionUint(sess.Get(usercontext.KeyUserID))
		if !ok || userID == 0 {
			usercontext.Set(c, usercontext.UserContext{})
			return c.Next()
		}

		username, _ := sess.Get(usercontext.KeyUsername).(string)
		isAdmin, _ := sess.Get(usercontext.KeyIsAdmin).(bool)
		usercontext.Set(c, usercontext.UserContext{
			UserID:     userID,
			Username:   username,
			IsLoggedIn: true,
			IsAdmin:    isAdmin,
		})
		return c.Next()
	}
}

// sessionUint accepts the integer kinds the session codec may hand back.
func sessionUint(v any) (uint, bool) {
	switch n := v.(type) {
	case uint:
		return n, true
	case uint64:
		return uint(n), true
	case int:
		return uint(n), n >= 0
	case int64:
		return uint(n), n >= 0
	default:
		return 0, false
	}
}
