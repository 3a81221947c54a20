package ws

import (
	"encoding/json"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

// Inbound frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameCommand     = "command"
	frameAck         = "ack"
	framePing        = "ping"
)

// Outbound frame types besides hub notifications.
const (
	frameSubscribed = "subscribed"
	frameResult     = "result"
	frameError      = "error"
	framePong       = "pong"
	frameWelcome    = "welcome"
)

// clientFrame is everything a client may send. ID correlates the reply.
type clientFrame struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	After     int64            `json:"after,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
	Command   *domain.Envelope `json:"command,omitempty"`
}

type subscribedFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	RequestID string `json:"requestId"`
	Replayed  int    `json:"replayed"`
}

type resultFrame struct {
	Type      string               `json:"type"`
	ID        string               `json:"id,omitempty"`
	RequestID string               `json:"requestId,omitempty"`
	Sequence  int64                `json:"sequence,omitempty"`
	Status    domain.RequestStatus `json:"status,omitempty"`
	NoOp      bool                 `json:"noop,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorFrame struct {
	Type  string    `json:"type"`
	ID    string    `json:"id,omitempty"`
	Error errorBody `json:"error"`
}

type simpleFrame struct {
	Type  string        `json:"type"`
	ID    string        `json:"id,omitempty"`
	Actor *domain.Actor `json:"actor,omitempty"`
}

func decodeFrame(data []byte) (clientFrame, error) {
	var f clientFrame
	err := json.Unmarshal(data, &f)
	return f, err
}
