package send

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/metrics"
	"chatsync/pkg/transport"

	"github.com/google/uuid"
)

var (
	ErrComposeDisabled = errors.New("composing is disabled for this conversation")
	ErrEmptyMessage    = errors.New("message has no text and no uploaded attachments")
	ErrNotFound        = errors.New("message not found")
	ErrNotFailed       = errors.New("message is not in failed state")
	ErrNotConfirmed    = errors.New("message is not confirmed yet")
	ErrDeleted         = errors.New("message is deleted")
)

// State is the lifecycle of one optimistic send.
type State string

const (
	StateComposing State = "composing"
	StateSending   State = "sending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Input is what the compose surface hands over.
type Input struct {
	Text     string            `json:"text"`
	Files    []chat.Attachment `json:"files,omitempty"`
	ParentID string            `json:"parent_id,omitempty"`
}

// DraftClearer drops the draft of a conversation after a send.
type DraftClearer interface {
	Clear(conversationID string)
}

// Scroller is told to scroll to the bottom on the next change of a conversation.
type Scroller interface {
	ForceScroll(conversationID string)
}

type Coordinator struct {
	store    *chat.Store
	gateway  transport.Gateway
	self     chat.UserSummary
	drafts   DraftClearer
	scroller Scroller
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	states map[string]State

	logger interface {
		Printf(string, ...interface{})
	}
}

func NewCoordinator(store *chat.Store, gateway transport.Gateway, self chat.UserSummary) *Coordinator {
	return &Coordinator{
		store:   store,
		gateway: gateway,
		self:    self,
		now:     time.Now,
		states:  make(map[string]State),
		logger:  log.New(log.Writer(), "[send] ", log.LstdFlags),
	}
}

func (c *Coordinator) SetDrafts(d DraftClearer) {
	c.drafts = d
}

func (c *Coordinator) SetScroller(s Scroller) {
	c.scroller = s
}

func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Coordinator) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	c.logger = l
}

// State returns the lifecycle state of a send by local id.
func (c *Coordinator) State(localID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[localID]
	return s, ok
}

func (c *Coordinator) setState(localID string, s State) {
	c.mu.Lock()
	c.states[localID] = s
	c.mu.Unlock()
}

// Send inserts a provisional message, clears the draft and submits it. The
// returned message is the stored copy after the attempt; on failure it is
// returned together with the error and stays in the list as failed.
func (c *Coordinator) Send(ctx context.Context, conversationID string, in Input) (chat.Message, error) {
	return c.send(ctx, conversationID, in, true)
}

// Resend retries a failed send under a new local id. Nothing is retried automatically.
func (c *Coordinator) Resend(ctx context.Context, conversationID, localID string) (chat.Message, error) {
	m, ok := c.store.Get(conversationID, localID)
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	if m.Status != chat.StatusFailed {
		return chat.Message{}, ErrNotFailed
	}

	c.store.Remove(conversationID, localID)
	c.forget(localID)
	return c.send(ctx, conversationID, Input{Text: m.Body, Files: m.Attachments, ParentID: m.ParentID}, false)
}

// Discard drops a failed send from the list.
func (c *Coordinator) Discard(conversationID, localID string) error {
	m, ok := c.store.Get(conversationID, localID)
	if !ok {
		return ErrNotFound
	}
	if m.Status != chat.StatusFailed {
		return ErrNotFailed
	}
	c.store.Remove(conversationID, localID)
	c.forget(localID)
	c.metrics.SendOutcome("discarded")
	return nil
}

func (c *Coordinator) forget(localID string) {
	c.mu.Lock()
	delete(c.states, localID)
	c.mu.Unlock()
}

func (c *Coordinator) send(ctx context.Context, conversationID string, in Input, clearDraft bool) (chat.Message, error) {
	if conv, ok := c.store.Conversation(conversationID); ok && !conv.CanCompose(c.now()) {
		return chat.Message{}, ErrComposeDisabled
	}

	files := uploaded(in.Files)
	if strings.TrimSpace(in.Text) == "" && len(files) == 0 {
		return chat.Message{}, ErrEmptyMessage
	}

	localID := uuid.NewString()
	c.setState(localID, StateComposing)

	provisional := chat.Message{
		LocalID:        localID,
		ConversationID: conversationID,
		Sender:         c.self,
		Body:           in.Text,
		Attachments:    files,
		CreatedAt:      c.now(),
		Status:         chat.StatusSending,
		Kind:           chat.KindNormal,
		ParentID:       in.ParentID,
	}

	if c.scroller != nil {
		c.scroller.ForceScroll(conversationID)
	}
	c.store.AppendOrUpsert(conversationID, provisional)
	c.setState(localID, StateSending)
	if clearDraft && c.drafts != nil {
		c.drafts.Clear(conversationID)
	}

	confirmed, err := c.gateway.SendMessage(ctx, conversationID, transport.SendRequest{
		Text:            in.Text,
		Files:           files,
		ParentMessageID: in.ParentID,
		LocalID:         localID,
	})
	if err != nil {
		if !c.store.Patch(conversationID, localID, chat.Patch{Status: chat.StatusFailed}) {
			// the row was dropped while the request was in flight
			failed := provisional
			failed.Status = chat.StatusFailed
			c.store.AppendOrUpsert(conversationID, failed)
		}
		c.setState(localID, StateFailed)
		c.metrics.SendOutcome("failed")
		c.logger.Printf("send %s in %s failed: %v", localID, conversationID, err)

		m, _ := c.store.Get(conversationID, localID)
		return m, fmt.Errorf("send message: %w", err)
	}

	confirmed.LocalID = localID
	if confirmed.Status == "" {
		confirmed.Status = chat.StatusSent
	}
	c.store.UpsertServer(conversationID, confirmed)
	c.setState(localID, StateConfirmed)
	c.metrics.SendOutcome("sent")

	m, _ := c.store.Get(conversationID, localID)
	return m, nil
}

// Edit optimistically replaces the body and rolls back if the server rejects it.
func (c *Coordinator) Edit(ctx context.Context, conversationID, id, text string, files []chat.Attachment) (chat.Message, error) {
	prev, err := c.confirmed(conversationID, id)
	if err != nil {
		return chat.Message{}, err
	}

	editedAt := c.now()
	p := chat.Patch{Body: &text, EditedAt: &editedAt}
	if files != nil {
		p.Attachments = uploaded(files)
		if p.Attachments == nil {
			p.Attachments = []chat.Attachment{}
		}
	}
	c.store.Patch(conversationID, id, p)

	server, err := c.gateway.EditMessage(ctx, prev.ID, transport.EditRequest{Text: text, Files: p.Attachments})
	if err != nil {
		c.store.Restore(conversationID, prev)
		c.logger.Printf("edit %s failed, restored previous body: %v", id, err)
		return prev, fmt.Errorf("edit message: %w", err)
	}

	if server.ID == "" {
		server.ID = prev.ID
	}
	c.store.UpsertServer(conversationID, server)
	m, _ := c.store.Get(conversationID, id)
	return m, nil
}

// Delete removes the message on the server and leaves a tombstone in place.
func (c *Coordinator) Delete(ctx context.Context, conversationID, id string) error {
	prev, err := c.confirmed(conversationID, id)
	if err != nil {
		return err
	}
	if err := c.gateway.DeleteMessage(ctx, prev.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	deletedAt := c.now()
	c.store.Patch(conversationID, id, chat.Patch{DeletedAt: &deletedAt})
	return nil
}

// React toggles the local user's reaction with symbol.
func (c *Coordinator) React(ctx context.Context, conversationID, id, symbol string) (chat.Message, error) {
	prev, err := c.confirmed(conversationID, id)
	if err != nil {
		return chat.Message{}, err
	}

	server, err := c.gateway.ReactToMessage(ctx, prev.ID, symbol)
	if err != nil {
		return chat.Message{}, fmt.Errorf("react to message: %w", err)
	}

	reactions := server.Reactions
	if reactions == nil {
		reactions = map[string]int{}
	}
	mine := server.MyReactions
	if mine == nil {
		mine = toggle(prev.MyReactions, symbol)
	}
	c.store.Patch(conversationID, id, chat.Patch{Reactions: reactions, MyReactions: mine})

	m, _ := c.store.Get(conversationID, id)
	return m, nil
}

// TogglePin pins or unpins a message, following the server's answer.
func (c *Coordinator) TogglePin(ctx context.Context, conversationID, id string) (chat.Message, error) {
	prev, err := c.confirmed(conversationID, id)
	if err != nil {
		return chat.Message{}, err
	}

	server, err := c.gateway.PinMessage(ctx, prev.ID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("pin message: %w", err)
	}

	p := chat.Patch{Unpin: true}
	if server.PinnedBy != nil {
		p = chat.Patch{PinnedBy: server.PinnedBy}
	}
	c.store.Patch(conversationID, id, p)

	m, _ := c.store.Get(conversationID, id)
	return m, nil
}

func (c *Coordinator) confirmed(conversationID, key string) (chat.Message, error) {
	m, ok := c.store.Get(conversationID, key)
	switch {
	case !ok:
		return chat.Message{}, ErrNotFound
	case m.ID == "":
		return chat.Message{}, ErrNotConfirmed
	case m.IsTombstone():
		return chat.Message{}, ErrDeleted
	}
	return m, nil
}

// uploaded keeps only attachments whose upload finished.
func uploaded(files []chat.Attachment) []chat.Attachment {
	out := make([]chat.Attachment, 0, len(files))
	for _, f := range files {
		if f.Status == chat.AttachmentSuccess {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toggle(set []string, symbol string) []string {
	out := make([]string, 0, len(set)+1)
	found := false
	for _, s := range set {
		if s == symbol {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		out = append(out, symbol)
	}
	return out
}
