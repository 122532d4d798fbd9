package httpserver

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/chatforge/meterd/internal/app"
	"github.com/chatforge/meterd/internal/httpserver/httputil"
	"github.com/chatforge/meterd/internal/limits"
)

const (
	authHeaderPrefix = "bearer "
	localsUserID     = "meterd_user_id"
)

func authMiddleware(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearer(c)
		if token == "" {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "authorization required")
		}

		identity, err := container.Tokens.Verify(token)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid or expired token")
		}

		c.Locals(localsUserID, identity.UserID)
		return c.Next()
	}
}

func extractBearer(c *fiber.Ctx) string {
	raw := strings.TrimSpace(c.Get("Authorization"))
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, authHeaderPrefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(authHeaderPrefix):])
}

func rateLimitMiddleware(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := userIDFromContext(c)
		if !ok {
			return c.Next()
		}
		if err := container.RateLimit.Allow(c.Context(), userID); err != nil {
			if errors.Is(err, limits.ErrLimitExceeded) {
				return httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
			}
			return c.Next()
		}
		return c.Next()
	}
}

func userIDFromContext(c *fiber.Ctx) (string, bool) {
	id, ok := c.Locals(localsUserID).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
