package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"chatsync/pkg/assistant"
	"chatsync/pkg/chat"
	"chatsync/pkg/drafts"
	"chatsync/pkg/live"
	"chatsync/pkg/metrics"
	"chatsync/pkg/pagination"
	"chatsync/pkg/send"
	"chatsync/pkg/transport"
	"chatsync/pkg/viewport"
)

var ErrNoAssistant = errors.New("no assistant configured")

type Options struct {
	Self         chat.UserSummary
	PageSize     int
	TypingExpiry time.Duration
	Viewport     viewport.Config

	// Assistant is optional. AssistantUser is the sender its confirmed
	// messages carry.
	Assistant     assistant.Source
	AssistantUser chat.UserSummary

	Metrics *metrics.Metrics
}

// Notice is pushed to subscribers for every store change and every
// assistant placeholder change.
type Notice struct {
	ConversationID string             `json:"conversation_id"`
	Change         *chat.Change       `json:"change,omitempty"`
	Decision       *viewport.Decision `json:"decision,omitempty"`
	Placeholder    *chat.Message      `json:"placeholder,omitempty"`
}

// Engine composes the store and the components that mutate it. One Engine
// serves one signed-in user.
type Engine struct {
	self    chat.UserSummary
	gateway transport.Gateway
	store   *chat.Store
	metrics *metrics.Metrics

	pages      *pagination.Controller
	sender     *send.Coordinator
	reconciler *live.Reconciler
	typing     *live.TypingTracker
	presence   *live.PresenceSet
	view       *viewport.Controller
	reader     *viewport.ReadMarker
	drafts     *drafts.Manager
	assistant  *assistant.Streams

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu        sync.RWMutex
	listeners map[int]func(Notice)
	nextID    int

	logger interface {
		Printf(string, ...interface{})
	}
}

func NewEngine(gateway transport.Gateway, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		self:      opts.Self,
		gateway:   gateway,
		store:     chat.NewStore(),
		metrics:   opts.Metrics,
		drafts:    drafts.NewManager(),
		typing:    live.NewTypingTracker(opts.Self.ID, opts.TypingExpiry),
		presence:  live.NewPresenceSet(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(Notice)),
		logger:    log.New(log.Writer(), "[session] ", log.LstdFlags),
	}

	e.reader = viewport.NewReadMarker(gateway, e.store, opts.Viewport.ReadDebounce)
	e.reader.SetMetrics(opts.Metrics)
	e.view = viewport.NewController(opts.Viewport, opts.Self.ID, e.store, e.reader)
	e.view.SetLoader(e.loadOlderAsync)

	e.pages = pagination.NewController(gateway, e.store, opts.PageSize)
	e.pages.SetActiveFunc(e.IsActive)
	e.pages.SetAnchor(viewport.NewAnchor(e.view))
	e.pages.SetMetrics(opts.Metrics)

	e.sender = send.NewCoordinator(e.store, gateway, opts.Self)
	e.sender.SetDrafts(e.drafts)
	e.sender.SetScroller(e.view)
	e.sender.SetMetrics(opts.Metrics)

	e.reconciler = live.NewReconciler(e.store, e.typing, e.presence)
	e.reconciler.SetMetrics(opts.Metrics)

	if opts.Assistant != nil {
		e.assistant = assistant.NewStreams(opts.Assistant, opts.AssistantUser)
		e.assistant.SetMetrics(opts.Metrics)
		e.assistant.SetNotify(e.placeholderChanged)
		e.reconciler.SetAssistant(e.assistant, e.assistant.SenderID())
	}

	e.unsub = e.store.Subscribe(e.storeChanged)
	return e
}

// SetLogger replaces the logger of the engine and every component.
func (e *Engine) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	e.logger = l
	e.reader.SetLogger(l)
	e.pages.SetLogger(l)
	e.sender.SetLogger(l)
	e.reconciler.SetLogger(l)
	if e.assistant != nil {
		e.assistant.SetLogger(l)
	}
}

// Close stops background work. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.cancel()
	e.unsub()
	e.reader.Stop()
	if e.assistant != nil {
		e.assistant.CancelAll()
	}
}

// Subscribe registers fn for every Notice. The returned func unregisters it.
func (e *Engine) Subscribe(fn func(Notice)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notify(n Notice) {
	e.mu.RLock()
	fns := make([]func(Notice), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
}

func (e *Engine) storeChanged(ch chat.Change) {
	e.metrics.StoreChange(string(ch.Op))
	d := e.view.OnChange(ch)
	e.notify(Notice{ConversationID: ch.ConversationID, Change: &ch, Decision: &d})
}

func (e *Engine) placeholderChanged(conversationID string) {
	n := Notice{ConversationID: conversationID}
	if p, ok := e.assistant.Placeholder(conversationID); ok {
		n.Placeholder = &p
	}
	e.notify(n)
}

func (e *Engine) loadOlderAsync(conversationID string) {
	go func() {
		if err := e.pages.LoadOlder(e.ctx, conversationID); err != nil {
			e.logger.Printf("background older load for %s: %v", conversationID, err)
		}
	}()
}

// Open makes conversationID the active conversation and loads its newest
// page. A load that completes after the user moved on is discarded.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	prev := e.view.Active()
	if prev != "" && prev != conversationID && e.assistant != nil {
		e.assistant.Cancel(prev)
	}
	e.view.Open(conversationID)
	if err := e.pages.LoadInitial(ctx, conversationID, ""); err != nil {
		return err
	}
	e.settleAssistant(conversationID)
	return nil
}

// Search reloads the active conversation filtered by query; an empty query
// restores the plain history.
func (e *Engine) Search(ctx context.Context, conversationID, query string) error {
	if err := e.pages.LoadInitial(ctx, conversationID, query); err != nil {
		return err
	}
	e.settleAssistant(conversationID)
	return nil
}

// settleAssistant drops the placeholder once the assistant's confirmed reply
// is in the store, whichever path delivered it.
func (e *Engine) settleAssistant(conversationID string) {
	if e.assistant == nil {
		return
	}
	p, ok := e.assistant.Placeholder(conversationID)
	if !ok {
		return
	}
	sender := e.assistant.SenderID()
	for _, m := range e.store.Messages(conversationID) {
		if m.ID != "" && m.Sender.ID == sender && !m.CreatedAt.Before(p.CreatedAt) {
			e.assistant.ClearFor(conversationID, sender)
			return
		}
	}
}

func (e *Engine) LoadOlder(ctx context.Context, conversationID string) error {
	return e.pages.LoadOlder(ctx, conversationID)
}

// IsActive reports whether conversationID is the one on screen.
func (e *Engine) IsActive(conversationID string) bool {
	return e.view.Active() == conversationID
}

func (e *Engine) Active() string {
	return e.view.Active()
}

// Evict drops a background conversation from memory. The next Open loads it again.
func (e *Engine) Evict(conversationID string) {
	e.pages.Reset(conversationID)
	e.store.Evict(conversationID)
}

// Scroll reports the viewport geometry of a conversation.
func (e *Engine) Scroll(conversationID string, vp viewport.Viewport) viewport.ScrollResult {
	return e.view.OnScroll(conversationID, vp)
}

// PendingScrollTop returns the offset the shell should apply after an older
// page was inserted.
func (e *Engine) PendingScrollTop(conversationID string) (float64, bool) {
	return e.view.PendingScrollTop(conversationID)
}

func (e *Engine) Send(ctx context.Context, conversationID string, in send.Input) (chat.Message, error) {
	return e.sender.Send(ctx, conversationID, in)
}

func (e *Engine) Resend(ctx context.Context, conversationID, localID string) (chat.Message, error) {
	return e.sender.Resend(ctx, conversationID, localID)
}

func (e *Engine) Discard(conversationID, localID string) error {
	return e.sender.Discard(conversationID, localID)
}

func (e *Engine) Edit(ctx context.Context, conversationID, id, text string, files []chat.Attachment) (chat.Message, error) {
	return e.sender.Edit(ctx, conversationID, id, text, files)
}

func (e *Engine) Delete(ctx context.Context, conversationID, id string) error {
	return e.sender.Delete(ctx, conversationID, id)
}

func (e *Engine) React(ctx context.Context, conversationID, id, symbol string) (chat.Message, error) {
	return e.sender.React(ctx, conversationID, id, symbol)
}

func (e *Engine) TogglePin(ctx context.Context, conversationID, id string) (chat.Message, error) {
	return e.sender.TogglePin(ctx, conversationID, id)
}

// Ask starts an assistant reply in the conversation.
func (e *Engine) Ask(ctx context.Context, conversationID, prompt string) (chat.Message, error) {
	if e.assistant == nil {
		return chat.Message{}, ErrNoAssistant
	}
	return e.assistant.Start(e.ctx, conversationID, prompt)
}

func (e *Engine) SetDraft(conversationID string, u drafts.Update) drafts.Draft {
	return e.drafts.Set(conversationID, u)
}

func (e *Engine) ClearDraft(conversationID string) {
	e.drafts.Clear(conversationID)
}

func (e *Engine) RemoveDraftFile(conversationID, name string) drafts.Draft {
	return e.drafts.RemoveFile(conversationID, name)
}

// Upload adds a file to the draft as uploading and settles it to success or
// failed. A failed upload leaves the rest of the draft untouched.
func (e *Engine) Upload(ctx context.Context, conversationID, name, contentType string, r io.Reader, size int64) (chat.Attachment, error) {
	pending := chat.Attachment{Name: name, Type: contentType, Size: size, Status: chat.AttachmentUploading}
	e.drafts.UpdateFile(conversationID, pending)

	att, err := e.gateway.UploadFile(ctx, name, contentType, r, size)
	if err != nil {
		pending.Status = chat.AttachmentFailed
		e.drafts.UpdateFile(conversationID, pending)
		return pending, fmt.Errorf("upload %s: %w", name, err)
	}

	att.Name = name
	att.Status = chat.AttachmentSuccess
	if att.Type == "" {
		att.Type = contentType
	}
	if att.Size == 0 {
		att.Size = size
	}
	e.drafts.UpdateFile(conversationID, att)
	return att, nil
}

// Apply feeds one live event to the reconciler.
func (e *Engine) Apply(ev transport.Event) {
	e.reconciler.Apply(ev)
}

// RunEvents applies events until the channel closes or ctx is done.
func (e *Engine) RunEvents(ctx context.Context, events <-chan transport.Event) error {
	return e.reconciler.Run(ctx, events)
}

// Reconnected is called when the live channel comes back after a drop, before
// its first event is read. Presence is rebuilt from what the backend sends next.
// Events may have been missed, so the newest page of the active conversation
// is merged in as the server reports it: rows already present are updated
// (including cleared pins and reactions), never duplicated.
func (e *Engine) Reconnected(ctx context.Context) error {
	e.metrics.Reconnect()
	e.presence.Reset()
	e.metrics.SetOnlineUsers(0)

	active := e.view.Active()
	if active == "" {
		return nil
	}

	res, err := e.gateway.FetchMessages(ctx, transport.FetchRequest{
		ConversationID: active,
		Page:           1,
		Limit:          e.pages.Limit(),
	})
	if err != nil {
		return fmt.Errorf("catch up %s: %w", active, err)
	}
	if !e.IsActive(active) {
		return nil
	}
	for _, m := range res.Messages {
		e.store.UpsertServer(active, m)
	}
	e.settleAssistant(active)
	return nil
}

// Selectors.

func (e *Engine) Messages(conversationID string) []chat.Message {
	return e.store.Messages(conversationID)
}

func (e *Engine) Pinned(conversationID string) []chat.Message {
	return e.store.Pinned(conversationID)
}

func (e *Engine) Typing(conversationID string) []string {
	return e.typing.Typing(conversationID)
}

func (e *Engine) Draft(conversationID string) drafts.Draft {
	return e.drafts.Get(conversationID)
}

func (e *Engine) Cursor(conversationID string) chat.Cursor {
	return e.pages.Cursor(conversationID)
}

func (e *Engine) Online() []string {
	return e.presence.GetOnlineUsers()
}

func (e *Engine) Conversation(conversationID string) (chat.Conversation, bool) {
	return e.store.Conversation(conversationID)
}

// CanCompose reports whether the compose surface is enabled. Unknown
// conversations are composable until their metadata says otherwise.
func (e *Engine) CanCompose(conversationID string) bool {
	conv, ok := e.store.Conversation(conversationID)
	return !ok || conv.CanCompose(time.Now())
}

func (e *Engine) Placeholder(conversationID string) (chat.Message, bool) {
	if e.assistant == nil {
		return chat.Message{}, false
	}
	return e.assistant.Placeholder(conversationID)
}

// Message returns the display copy of one row, by id or local id.
func (e *Engine) Message(conversationID, key string) (chat.Message, bool) {
	m, ok := e.store.Get(conversationID, key)
	if !ok {
		return chat.Message{}, false
	}
	return m.Display(), true
}

func (e *Engine) SendState(localID string) (send.State, bool) {
	return e.sender.State(localID)
}

func (e *Engine) LastRead(conversationID string) string {
	return e.reader.LastRead(conversationID)
}

func (e *Engine) Self() chat.UserSummary {
	return e.self
}
