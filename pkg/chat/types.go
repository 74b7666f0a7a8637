package chat

import (
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusSeen:      4,
}

// CanAdvance reports whether a message in status s may move to next.
// Delivery states only move forward; failed is only reachable from sending.
func (s Status) CanAdvance(next Status) bool {
	if next == "" || next == s {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending || s == ""
	}
	if s == StatusFailed {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Kind tags the message variant.
type Kind string

const (
	KindNormal    Kind = "normal"
	KindActivity  Kind = "activity"
	KindTombstone Kind = "tombstone"
)

// AttachmentStatus is the upload state of a single attachment.
type AttachmentStatus string

const (
	AttachmentUploading AttachmentStatus = "uploading"
	AttachmentSuccess   AttachmentStatus = "success"
	AttachmentFailed    AttachmentStatus = "failed"
)

// UserSummary identifies a user for rendering.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Attachment is an opaque file descriptor produced by the upload pipeline.
type Attachment struct {
	Name   string           `json:"name"`
	Type   string           `json:"type"`
	Size   int64            `json:"size"`
	URL    string           `json:"url,omitempty"`
	Status AttachmentStatus `json:"status"`
}

// Message is replaced, never mutated in place, once it is handed out by the Store.
type Message struct {
	ID             string         `json:"id,omitempty"`
	LocalID        string         `json:"local_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Sender         UserSummary    `json:"sender"`
	Body           string         `json:"body"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         Status         `json:"status"`
	Kind           Kind           `json:"kind,omitempty"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	ReplyCount     int            `json:"reply_count"`
	Reactions      map[string]int `json:"reactions,omitempty"`
	MyReactions    []string       `json:"my_reactions,omitempty"`
	PinnedBy       *UserSummary   `json:"pinned_by,omitempty"`
	ForwardedFrom  *UserSummary   `json:"forwarded_from,omitempty"`
}

// Key returns the identity used by the Store: the server id once known,
// otherwise the client-generated local id.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Provisional reports whether the message has not been confirmed by the server yet.
func (m Message) Provisional() bool {
	return m.ID == "" && m.LocalID != ""
}

func (m Message) IsTombstone() bool {
	return m.Kind == KindTombstone
}

func (m Message) IsEdited() bool {
	return m.EditedAt != nil
}

func (m Message) IsPinned() bool {
	return m.PinnedBy != nil
}

// Display returns the projection the UI renders. Tombstones keep their
// position, pin and reply count but drop their content.
func (m Message) Display() Message {
	out := m.clone()
	if out.IsTombstone() {
		out.Body = ""
		out.Attachments = nil
	}
	return out
}

func (m Message) clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	if m.MyReactions != nil {
		out.MyReactions = append([]string(nil), m.MyReactions...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	if m.PinnedBy != nil {
		p := *m.PinnedBy
		out.PinnedBy = &p
	}
	if m.ForwardedFrom != nil {
		f := *m.ForwardedFrom
		out.ForwardedFrom = &f
	}
	return out
}

// Role is the local user's membership role in a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

// Mute describes the local user's mute state for a conversation.
type Mute struct {
	IsMuted bool       `json:"is_muted"`
	Until   *time.Time `json:"date,omitempty"`
	Note    string     `json:"note,omitempty"`
}

// Active reports whether the mute still applies at now.
func (m Mute) Active(now time.Time) bool {
	if !m.IsMuted {
		return false
	}
	return m.Until == nil || now.Before(*m.Until)
}

// Conversation is the metadata of a chat (direct or channel).
type Conversation struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	IsChannel  bool          `json:"is_channel"`
	IsReadOnly bool          `json:"is_read_only"`
	IsBlocked  bool          `json:"is_blocked"`
	Role       Role          `json:"role"`
	Mute       Mute          `json:"mute"`
	Members    []UserSummary `json:"members,omitempty"`
}

// CanCompose reports whether the compose surface is enabled.
func (c Conversation) CanCompose(now time.Time) bool {
	if c.IsReadOnly || c.IsBlocked {
		return false
	}
	if c.Mute.Active(now) {
		return false
	}
	if c.IsChannel && c.Role == RoleGuest {
		return false
	}
	return true
}

// Cursor is the pagination state of one conversation.
type Cursor struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalCount int    `json:"total_count"`
	Exhausted  bool   `json:"exhausted"`
	Loading    bool   `json:"loading"`
	Err        string `json:"error,omitempty"`
}
