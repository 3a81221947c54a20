package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/hub"
	"github.com/spec-kit/as-dispatch/internal/registry"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// session handles the frames of one connection. Replies go through the
// registry so they share the connection's single writer.
type session struct {
	hub      *hub.Hub
	registry *registry.Registry
	conn     *registry.Conn
	ip       string
	logger   *zap.Logger
}

func (s *session) handle(ctx context.Context, data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		s.replyError("", apperrors.NewValidationError("malformed frame", nil))
		return
	}

	switch frame.Type {
	case framePing:
		s.registry.Send(s.conn, simpleFrame{Type: framePong, ID: frame.ID})
	case frameSubscribe:
		s.subscribe(ctx, frame)
	case frameUnsubscribe:
		s.registry.Unsubscribe(s.conn, frame.RequestID)
		s.registry.Send(s.conn, resultFrame{Type: frameResult, ID: frame.ID, RequestID: frame.RequestID})
	case frameAck:
		if err := s.hub.Acknowledge(ctx, s.conn.Actor, frame.RequestID, frame.MessageID); err != nil {
			s.replyError(frame.ID, err)
			return
		}
		s.registry.Send(s.conn, resultFrame{Type: frameResult, ID: frame.ID, RequestID: frame.RequestID})
	case frameCommand:
		s.command(ctx, frame)
	default:
		s.replyError(frame.ID, apperrors.NewValidationError("unknown frame type", map[string]any{"type": frame.Type}))
	}
}

func (s *session) subscribe(ctx context.Context, frame clientFrame) {
	if frame.RequestID == "" || frame.After < 0 {
		s.replyError(frame.ID, apperrors.NewValidationError("requestId and non-negative after required", nil))
		return
	}
	replayed, err := s.hub.Subscribe(ctx, s.conn, frame.RequestID, frame.After)
	if err != nil {
		s.replyError(frame.ID, err)
		return
	}
	s.registry.Send(s.conn, subscribedFrame{Type: frameSubscribed, ID: frame.ID, RequestID: frame.RequestID, Replayed: replayed})
}

func (s *session) command(ctx context.Context, frame clientFrame) {
	if frame.Command == nil {
		s.replyError(frame.ID, apperrors.NewValidationError("command required", nil))
		return
	}
	cmd, err := domain.DecodeCommand(*frame.Command, s.conn.Actor, s.ip)
	if err != nil {
		s.replyError(frame.ID, err)
		return
	}
	res, err := s.hub.Handle(ctx, cmd)
	if err != nil {
		s.replyError(frame.ID, err)
		return
	}

	// The creator watches its new request from this socket on.
	if cmd.Type == domain.CommandCreate {
		if _, err := s.hub.Subscribe(ctx, s.conn, res.RequestID, 0); err != nil && !errors.Is(err, registry.ErrClosed) {
			s.logger.Warn("auto-subscribe after create failed", zap.String("request_id", res.RequestID), zap.Error(err))
		}
	}

	out := resultFrame{Type: frameResult, ID: frame.ID, RequestID: res.RequestID, NoOp: res.NoOp}
	if res.Request != nil {
		out.Sequence = res.Request.Sequence
		out.Status = res.Request.Status
	}
	s.registry.Send(s.conn, out)
}

func (s *session) replyError(id string, err error) {
	de := apperrors.ToDomainError(err)
	if de.HTTPStatus >= 500 {
		s.logger.Error("socket frame failed", zap.String("conn_id", s.conn.ID), zap.Error(err))
	}
	s.registry.Send(s.conn, errorFrame{
		Type:  frameError,
		ID:    id,
		Error: errorBody{Code: de.Code, Message: de.Message, Details: de.Details},
	})
}
