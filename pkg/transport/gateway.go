package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"chatsync/pkg/chat"
)

// Gateway is the request/response side of the chat backend as the engine
// consumes it.
type Gateway interface {
	FetchMessages(ctx context.Context, req FetchRequest) (FetchResult, error)
	SendMessage(ctx context.Context, conversationID string, req SendRequest) (chat.Message, error)
	EditMessage(ctx context.Context, id string, req EditRequest) (chat.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ReactToMessage(ctx context.Context, id, symbol string) (chat.Message, error)
	PinMessage(ctx context.Context, id string) (chat.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	UploadFile(ctx context.Context, name, contentType string, r io.Reader, size int64) (chat.Attachment, error)
}

type FetchRequest struct {
	ConversationID string
	Page           int
	Limit          int
	Query          string
}

type FetchResult struct {
	Messages     []chat.Message     `json:"messages"`
	Count        int                `json:"count"`
	Conversation *chat.Conversation `json:"conversation,omitempty"`
}

type SendRequest struct {
	Text            string            `json:"text"`
	Files           []chat.Attachment `json:"files,omitempty"`
	ParentMessageID string            `json:"parent_message_id,omitempty"`
	LocalID         string            `json:"local_id,omitempty"`
}

type EditRequest struct {
	Text  string            `json:"text"`
	Files []chat.Attachment `json:"files,omitempty"`
}

// Error is returned by Gateway implementations for every failed call.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same call later may succeed.
func (e *Error) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTransient reports whether err is a transient gateway error.
func IsTransient(err error) bool {
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr.Transient()
	}
	return false
}

// EventType names a live event pushed by the backend.
type EventType string

const (
	EventMessageCreated  EventType = "message-created"
	EventMessageEdited   EventType = "message-edited"
	EventMessageDeleted  EventType = "message-deleted"
	EventReactionChanged EventType = "reaction-changed"
	EventMessagePinned   EventType = "message-pinned"
	EventMessageUnpinned EventType = "message-unpinned"
	EventMessageStatus   EventType = "message-status"
	EventTyping          EventType = "typing"
	EventPresence        EventType = "presence"
)

// Event is one frame of the live channel. Which fields are set depends on Type.
type Event struct {
	Type           EventType         `json:"type"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Message        *chat.Message     `json:"message,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Body           *string           `json:"body,omitempty"`
	Attachments    []chat.Attachment `json:"attachments,omitempty"`
	EditedAt       *time.Time        `json:"edited_at,omitempty"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
	Reactions      map[string]int    `json:"reactions,omitempty"`
	PinnedBy       *chat.UserSummary `json:"pinned_by,omitempty"`
	Status         chat.Status       `json:"status,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Online         bool              `json:"online,omitempty"`
	At             time.Time         `json:"at,omitempty"`
}

// Key returns the id of the message the event targets.
func (e Event) Key() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	if e.Message != nil {
		return e.Message.Key()
	}
	return ""
}
