package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/as-dispatch/internal/domain"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// RequireRole ensures the actor holds one of the allowed roles.
func RequireRole(allowed ...domain.Role) fiber.Handler {
	allowedSet := make(map[domain.Role]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		actor, ok := ActorFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		if _, exists := allowedSet[actor.Role]; !exists {
			return apperrors.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}
