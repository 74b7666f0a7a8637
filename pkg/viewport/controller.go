package viewport

import (
	"sync"
	"time"

	"chatsync/pkg/chat"
)

const (
	DefaultBottomTolerance = 32
	DefaultNearTop         = 120
)

type Config struct {
	BottomTolerance float64
	NearTop         float64
	ReadDebounce    time.Duration
}

// Viewport is the scroll geometry reported by the UI, in pixels.
type Viewport struct {
	ScrollTop    float64 `json:"scroll_top"`
	ScrollHeight float64 `json:"scroll_height"`
	ClientHeight float64 `json:"client_height"`
}

// Decision tells the UI what to do after a store change.
type Decision struct {
	ConversationID string `json:"conversation_id"`
	ScrollToBottom bool   `json:"scroll_to_bottom"`
	MarkRead       bool   `json:"mark_read"`
}

// ScrollResult is returned for every scroll report.
type ScrollResult struct {
	AtBottom  bool `json:"at_bottom"`
	LoadOlder bool `json:"load_older"`
}

type view struct {
	atBottom    bool
	forced      bool
	firstRender bool
	last        Viewport
	rows        int
	pendingTop  *float64
}

// Controller decides when the list follows new messages and when the read
// cursor advances. It only reacts to the open conversation.
type Controller struct {
	cfg       Config
	self      string
	store     *chat.Store
	reader    *ReadMarker
	loadOlder func(conversationID string)

	mu     sync.Mutex
	active string
	views  map[string]*view
}

func NewController(cfg Config, selfID string, store *chat.Store, reader *ReadMarker) *Controller {
	if cfg.BottomTolerance <= 0 {
		cfg.BottomTolerance = DefaultBottomTolerance
	}
	if cfg.NearTop <= 0 {
		cfg.NearTop = DefaultNearTop
	}
	return &Controller{
		cfg:    cfg,
		self:   selfID,
		store:  store,
		reader: reader,
		views:  make(map[string]*view),
	}
}

// SetLoader installs the callback that fetches older history when the user
// scrolls near the top.
func (c *Controller) SetLoader(fn func(conversationID string)) {
	c.loadOlder = fn
}

// must be called with mu held
func (c *Controller) view(conversationID string) *view {
	v, ok := c.views[conversationID]
	if !ok {
		v = &view{atBottom: true}
		c.views[conversationID] = v
	}
	return v
}

// Open makes conversationID the visible one. The next fresh batch scrolls to
// the bottom, and the conversation is marked read.
func (c *Controller) Open(conversationID string) {
	c.mu.Lock()
	c.active = conversationID
	v := c.view(conversationID)
	v.atBottom = true
	v.firstRender = true
	v.forced = false
	v.pendingTop = nil
	c.mu.Unlock()

	if c.reader != nil {
		c.reader.Schedule(conversationID)
	}
}

func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ForceScroll makes the next append in the conversation scroll to the bottom.
func (c *Controller) ForceScroll(conversationID string) {
	c.mu.Lock()
	c.view(conversationID).forced = true
	c.mu.Unlock()
}

func (c *Controller) AtBottom(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view(conversationID).atBottom
}

// OnScroll records the reported geometry. Near the top it asks for older
// history; the pagination guard drops duplicate requests.
func (c *Controller) OnScroll(conversationID string, vp Viewport) ScrollResult {
	rows := c.store.Len(conversationID)

	c.mu.Lock()
	v := c.view(conversationID)
	wasAtBottom := v.atBottom
	v.last = vp
	v.rows = rows
	v.atBottom = vp.ScrollHeight-vp.ScrollTop-vp.ClientHeight <= c.cfg.BottomTolerance
	res := ScrollResult{
		AtBottom:  v.atBottom,
		LoadOlder: conversationID == c.active && vp.ScrollTop <= c.cfg.NearTop,
	}
	markRead := conversationID == c.active && v.atBottom && !wasAtBottom
	c.mu.Unlock()

	if markRead && c.reader != nil {
		c.reader.Schedule(conversationID)
	}
	if res.LoadOlder && c.loadOlder != nil {
		c.loadOlder(conversationID)
	}
	return res
}

// OnChange turns a store change into a scroll/read decision.
func (c *Controller) OnChange(ch chat.Change) Decision {
	d := Decision{ConversationID: ch.ConversationID}

	c.mu.Lock()
	if ch.ConversationID != c.active {
		c.mu.Unlock()
		return d
	}
	v := c.view(ch.ConversationID)

	switch ch.Op {
	case chat.OpReplaced:
		d.ScrollToBottom = v.firstRender || v.atBottom || v.forced
		d.MarkRead = true
		v.firstRender = false
		v.forced = false
	case chat.OpAppended:
		own := ch.Message != nil && ch.Message.Sender.ID == c.self
		d.ScrollToBottom = own || v.forced || v.atBottom
		d.MarkRead = d.ScrollToBottom
		v.forced = false
	}
	if d.ScrollToBottom {
		v.atBottom = true
	}
	c.mu.Unlock()

	if d.MarkRead && c.reader != nil {
		c.reader.Schedule(ch.ConversationID)
	}
	return d
}

// The methods below estimate geometry from the last report so an Anchor can
// run without a live UI; the shell applies PendingScrollTop after rendering.

func (c *Controller) ScrollHeight(conversationID string) float64 {
	rows := c.store.Len(conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(conversationID)
	if v.rows <= 0 {
		return v.last.ScrollHeight
	}
	return v.last.ScrollHeight * float64(rows) / float64(v.rows)
}

func (c *Controller) ScrollTop(conversationID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view(conversationID).last.ScrollTop
}

func (c *Controller) SetScrollTop(conversationID string, top float64) {
	height := c.ScrollHeight(conversationID)
	rows := c.store.Len(conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(conversationID)
	v.last.ScrollTop = top
	v.last.ScrollHeight = height
	v.rows = rows
	v.pendingTop = &top
}

// PendingScrollTop returns and clears the scroll position computed by the last anchor restore.
func (c *Controller) PendingScrollTop(conversationID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(conversationID)
	if v.pendingTop == nil {
		return 0, false
	}
	top := *v.pendingTop
	v.pendingTop = nil
	return top, true
}
