package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"curio-backend/internal/apperr"
)

const userKey = "user"

// AuthMiddleware returns a Fiber middleware that validates JWT tokens
// and sets the UserContext on the request.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return apperr.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return apperr.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return apperr.UnauthorizedError("Invalid or expired token")
		}
		user, err := UserFromClaims(claims)
		if err != nil {
			return apperr.UnauthorizedError("Invalid token subject")
		}

		SetUser(c, user)
		return c.Next()
	}
}

func SetUser(c *fiber.Ctx, user *UserContext) {
	c.Locals(userKey, user)
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *UserContext {
	user, _ := c.Locals(userKey).(*UserContext)
	return user
}

// RequireUser is GetUser for handlers mounted behind AuthMiddleware.
func RequireUser(c *fiber.Ctx) (*UserContext, error) {
	user := GetUser(c)
	if user == nil {
		return nil, apperr.UnauthorizedError("Authentication required")
	}
	return user, nil
}
