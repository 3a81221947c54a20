package domain

import "time"

// ChatMessage is one message in the chat channel of a single AS request.
type ChatMessage struct {
	ID          string               `json:"id"`
	RequestID   string               `json:"request_id"`
	Sequence    int64                `json:"sequence"`
	SenderID    string               `json:"sender_id"`
	RecipientID string               `json:"recipient_id,omitempty"`
	Body        string               `json:"body"`
	SentAt      time.Time            `json:"sent_at"`
	Delivered   map[string]time.Time `json:"delivered,omitempty"`
}
