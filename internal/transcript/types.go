// Package transcript persists what the assistant said and what its tools
// returned during a conversation.
package transcript

import (
	"context"
	"time"
)

const (
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Record stores one assistant turn or tool invocation.
type Record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves transcript records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, conversationID string, limit int) ([]Record, error)
	Close() error
}

// NewRecord builds a record with PII masked out of content.
func NewRecord(conversationID, role, content string) Record {
	redacted, changed := RedactPII(content)
	return Record{
		ConversationID: conversationID,
		Role:           role,
		Content:        redacted,
		PIIRedacted:    changed,
	}
}
