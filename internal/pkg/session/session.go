package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/ReelBoard/internal/pkg/config"
)

// sessionDB keeps sessions apart from the gateway cache and sweep lock (DB 0).
const sessionDB = 1

// NewSessionStore builds the cookie session store backed by Redis. The login
// flow writes the user keys from usercontext into it.
func NewSessionStore(cfg config.CacheConfig, secure bool) (*session.Store, error) {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid cache port %q: %w", cfg.Port, err)
	}
	storage := redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: sessionDB,
		Reset:    false,
	})

	return session.New(session.Config{
		Storage:        storage,
		CookieHTTPOnly: true,
		CookieSecure:   secure,
		Expiration:     time.Hour,
		KeyLookup:      "cookie:session_id",
	}), nil
}

// SetSessionValue stores a key-value pair in the user's individual session
func SetSessionValue(store *session.Store, c *fiber.Ctx, key string, value any) error {
	sess, err := store.Get(c)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	sess.Set(key, value)
	return sess.Save()
}

// GetSessionValue retrieves a string value by key from the user's session
func GetSessionValue(store *session.Store, c *fiber.Ctx, key string) string {
	sess, err := store.Get(c)
	if err != nil {
		return ""
	}
	if v, ok := sess.Get(key).(string); ok {
		return v
	}
	return ""
}
