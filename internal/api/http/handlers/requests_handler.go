package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/as-dispatch/internal/api/dto"
	"github.com/spec-kit/as-dispatch/internal/auth"
	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/hub"
	"github.com/spec-kit/as-dispatch/internal/storage"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// AttachmentStore receives uploaded bytes.
type AttachmentStore interface {
	Put(ctx context.Context, name string, data []byte) (storage.Stored, error)
}

// RequestsHandler exposes AS requests over HTTP. Every mutation goes through
// the hub, exactly like commands arriving on a socket.
type RequestsHandler struct {
	hub         *hub.Hub
	attachments AttachmentStore
	maxUpload   int64
}

// NewRequestsHandler constructs handler.
func NewRequestsHandler(h *hub.Hub, attachments AttachmentStore, maxUpload int64) *RequestsHandler {
	return &RequestsHandler{hub: h, attachments: attachments, maxUpload: maxUpload}
}

// Create POST /requests.
func (h *RequestsHandler) Create(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	env := domain.Envelope{Type: domain.CommandCreate, Payload: json.RawMessage(c.Body())}
	res, err := h.handle(c, actor, env)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": requestResponse(res.Request)})
}

// Command POST /commands.
func (h *RequestsHandler) Command(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.CommandRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	res, err := h.handle(c, actor, domain.Envelope{
		Type:      req.Type,
		RequestID: req.RequestID,
		ActorID:   req.ActorID,
		Payload:   req.Payload,
	})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if req.Type == domain.CommandCreate {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": commandResponse(res)})
}

// RequestCommand POST /requests/:id/:command.
func (h *RequestsHandler) RequestCommand(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	res, err := h.handle(c, actor, domain.Envelope{
		Type:      domain.CommandType(c.Params("command")),
		RequestID: c.Params("id"),
		Payload:   json.RawMessage(c.Body()),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": commandResponse(res)})
}

func (h *RequestsHandler) handle(c *fiber.Ctx, actor domain.Actor, env domain.Envelope) (hub.Result, error) {
	cmd, err := domain.DecodeCommand(env, actor, c.IP())
	if err != nil {
		return hub.Result{}, err
	}
	return h.hub.Handle(c.UserContext(), cmd)
}

// Get GET /requests/:id.
func (h *RequestsHandler) Get(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	req, err := h.hub.Request(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": requestResponse(req)})
}

// List GET /requests.
func (h *RequestsHandler) List(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	filter, err := parseRequestQuery(c)
	if err != nil {
		return err
	}
	reqs, err := h.hub.List(c.UserContext(), actor, filter)
	if err != nil {
		return err
	}
	items := make([]dto.RequestResponse, 0, len(reqs))
	for i := range reqs {
		items = append(items, requestResponse(&reqs[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// History GET /requests/:id/history.
func (h *RequestsHandler) History(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	after, err := parseSequence(c.Query("after"))
	if err != nil {
		return err
	}
	history, err := h.hub.History(c.UserContext(), actor, c.Params("id"), after)
	if err != nil {
		return err
	}
	items := make([]dto.EventResponse, 0, len(history))
	for _, evt := range history {
		items = append(items, eventResponse(evt))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Messages GET /requests/:id/messages.
func (h *RequestsHandler) Messages(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	msgs, err := h.hub.Messages(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	items := make([]dto.MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		items = append(items, messageResponse(msg))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Acknowledge POST /requests/:id/messages/:messageId/ack.
func (h *RequestsHandler) Acknowledge(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	if err := h.hub.Acknowledge(c.UserContext(), actor, c.Params("id"), c.Params("messageId")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// Upload POST /requests/:id/attachments (multipart field "file").
func (h *RequestsHandler) Upload(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	header, err := c.FormFile("file")
	if err != nil {
		return apperrors.NewValidationError("file required", nil)
	}
	if h.maxUpload > 0 && header.Size > h.maxUpload {
		return apperrors.NewValidationError("attachment too large", map[string]any{"max_bytes": h.maxUpload})
	}
	// Reject before touching the disk; only a lost race can still orphan a file.
	draft, err := attachmentEnvelope(c.Params("id"), header.Filename, header.Size)
	if err != nil {
		return err
	}
	cmd, err := domain.DecodeCommand(draft, actor, c.IP())
	if err != nil {
		return err
	}
	if err := h.hub.Check(c.UserContext(), cmd); err != nil {
		return err
	}
	file, err := header.Open()
	if err != nil {
		return apperrors.NewValidationError("unreadable file", nil)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return apperrors.NewValidationError("unreadable file", nil)
	}

	stored, err := h.attachments.Put(c.UserContext(), header.Filename, data)
	if err != nil {
		return err
	}
	env, err := attachmentEnvelope(c.Params("id"), stored.Filename, stored.Size)
	if err != nil {
		return err
	}
	res, err := h.handle(c, actor, env)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.AttachmentResponse{
		Filename: stored.Filename,
		Original: header.Filename,
		Size:     stored.Size,
		Result:   commandResponse(res),
	}})
}

func attachmentEnvelope(requestID, filename string, size int64) (domain.Envelope, error) {
	payload, err := json.Marshal(map[string]any{"filename": filename, "size": size})
	if err != nil {
		return domain.Envelope{}, apperrors.NewInternalError(err)
	}
	return domain.Envelope{Type: domain.CommandAttachmentAdd, RequestID: requestID, Payload: payload}, nil
}

func parseRequestQuery(c *fiber.Ctx) (eventstore.RequestFilter, error) {
	filter := eventstore.RequestFilter{
		CustomerID:   strings.TrimSpace(c.Query("customer_id")),
		TechnicianID: strings.TrimSpace(c.Query("technician_id")),
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		filter.Status = domain.RequestStatus(status)
		if !filter.Status.Valid() {
			return filter, apperrors.NewValidationError("invalid status", map[string]any{"status": status})
		}
	}
	if unassigned := c.Query("unassigned"); unassigned != "" {
		v, err := strconv.ParseBool(unassigned)
		if err != nil {
			return filter, apperrors.NewValidationError("invalid unassigned flag", nil)
		}
		filter.Unassigned = v
	}
	page := parseInt(c.Query("page"), 1)
	pageSize := parseInt(c.Query("page_size"), 20)
	filter.Offset = (page - 1) * pageSize
	filter.Limit = pageSize
	return filter, nil
}

func parseSequence(val string) (int64, error) {
	if val == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil || seq < 0 {
		return 0, apperrors.NewValidationError("invalid sequence", map[string]any{"after": val})
	}
	return seq, nil
}
