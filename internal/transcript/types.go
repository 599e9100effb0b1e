package transcript

import (
	"context"
	"time"
)

// Role says who authored an entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleScript Role = "script"
)

// Entry is one application message sent into a conversation.
type Entry struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ForConversation(ctx context.Context, conversationID string, limit int) ([]Entry, error)
	Close() error
}
