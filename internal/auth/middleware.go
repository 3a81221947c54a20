package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/as-dispatch/internal/domain"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

const actorKey = "auth_actor"

// ActorResolver maps a bearer token to an actor.
type ActorResolver interface {
	ResolveActor(token string) (domain.Actor, error)
}

// AuthMiddleware validates bearer tokens and stores the actor.
type AuthMiddleware struct {
	resolver ActorResolver
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(resolver ActorResolver) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver}
}

// Handle enforces authentication for protected routes. Browsers cannot set
// headers on a WebSocket handshake, so upgrades may pass ?token= instead.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return err
	}

	actor, err := m.resolver.ResolveActor(token)
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}

	c.Locals(actorKey, actor)
	return c.Next()
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		if token := c.Query("token"); token != "" && strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket") {
			return token, nil
		}
		return "", apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", apperrors.NewUnauthorized("invalid authorization header")
	}
	return parts[1], nil
}

// ActorFromContext retrieves the authenticated actor.
func ActorFromContext(c *fiber.Ctx) (domain.Actor, bool) {
	actor, ok := c.Locals(actorKey).(domain.Actor)
	return actor, ok
}
