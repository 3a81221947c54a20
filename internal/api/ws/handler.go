// Package ws serves live connections over WebSocket.
package ws

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/auth"
	"github.com/spec-kit/as-dispatch/internal/config"
	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/hub"
	"github.com/spec-kit/as-dispatch/internal/registry"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

const (
	localActor = "ws_actor"
	localIP    = "ws_ip"
)

// Handler upgrades authenticated requests and runs one session per socket.
type Handler struct {
	hub      *hub.Hub
	registry *registry.Registry
	cfg      config.HubConfig
	logger   *zap.Logger
}

// NewHandler constructs handler.
func NewHandler(h *hub.Hub, reg *registry.Registry, cfg config.HubConfig, logger *zap.Logger) *Handler {
	return &Handler{hub: h, registry: reg, cfg: cfg, logger: logger.Named("ws")}
}

// Upgrade rejects plain HTTP and stashes the actor for the socket.
func (h *Handler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return apperrors.NewDomainError("UPGRADE_REQUIRED", "websocket upgrade required", fiber.StatusUpgradeRequired, nil)
	}
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	c.Locals(localActor, actor)
	c.Locals(localIP, c.IP())
	return c.Next()
}

// Serve is the socket endpoint.
func (h *Handler) Serve() fiber.Handler {
	return websocket.New(h.serve, websocket.Config{
		HandshakeTimeout: 10 * time.Second,
	})
}

func (h *Handler) serve(conn *websocket.Conn) {
	actor, ok := conn.Locals(localActor).(domain.Actor)
	if !ok {
		_ = conn.Close()
		return
	}
	ip, _ := conn.Locals(localIP).(string)
	started := time.Now()

	if h.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(h.cfg.ReadLimitBytes)
	}
	h.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendReadDeadline(conn)
		return nil
	})

	rc := h.registry.Register(actor, &socketTransport{conn: conn, writeTimeout: h.writeTimeout()})
	defer func() {
		h.registry.Unregister(rc)
		<-rc.Done()
		h.logger.Info("socket closed",
			zap.String("conn_id", rc.ID),
			zap.String("actor_id", actor.ID),
			zap.String("role", string(actor.Role)),
			zap.String("ip", ip),
			zap.Duration("duration", time.Since(started)),
		)
	}()
	h.logger.Info("socket opened",
		zap.String("conn_id", rc.ID),
		zap.String("actor_id", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("ip", ip),
	)
	h.registry.Send(rc, simpleFrame{Type: frameWelcome, ID: rc.ID, Actor: &actor})

	s := &session{hub: h.hub, registry: h.registry, conn: rc, ip: ip, logger: h.logger}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("socket read failed", zap.String("conn_id", rc.ID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.extendReadDeadline(conn)
		s.handle(context.Background(), data)
	}
}

// extendReadDeadline drops silent peers after two missed pings.
func (h *Handler) extendReadDeadline(conn *websocket.Conn) {
	if h.cfg.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	}
}

func (h *Handler) writeTimeout() time.Duration {
	if h.cfg.WriteTimeout > 0 {
		return h.cfg.WriteTimeout
	}
	return 10 * time.Second
}
