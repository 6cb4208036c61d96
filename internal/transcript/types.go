package transcript

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is one finished utterance in a conversation.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists transcripts. Entries of one session are listed in Seq
// order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Mode() string
	Close() error
}
