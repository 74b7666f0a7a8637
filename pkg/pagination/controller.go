package pagination

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/metrics"
	"chatsync/pkg/transport"

	"golang.org/x/sync/singleflight"
)

const DefaultPageSize = 15

// Anchor keeps the first visible row in place while an older page is
// inserted above it.
type Anchor interface {
	Capture(conversationID string)
	Restore(conversationID string)
}

type state struct {
	cursor        chat.Cursor
	query         string
	gen           uint64
	olderInFlight bool
}

// Controller owns the per-conversation cursor and drives page fetches into the store.
type Controller struct {
	gateway  transport.Gateway
	store    *chat.Store
	limit    int
	isActive func(conversationID string) bool
	anchor   Anchor
	metrics  *metrics.Metrics
	group    singleflight.Group

	mu     sync.Mutex
	states map[string]*state

	logger interface {
		Printf(string, ...interface{})
	}
}

func NewController(gateway transport.Gateway, store *chat.Store, limit int) *Controller {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return &Controller{
		gateway:  gateway,
		store:    store,
		limit:    limit,
		isActive: func(string) bool { return true },
		states:   make(map[string]*state),
		logger:   log.New(log.Writer(), "[pagination] ", log.LstdFlags),
	}
}

// SetActiveFunc installs the guard used to discard responses for a
// conversation the user already left.
func (c *Controller) SetActiveFunc(fn func(conversationID string) bool) {
	if fn != nil {
		c.isActive = fn
	}
}

func (c *Controller) SetAnchor(a Anchor) {
	c.anchor = a
}

func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Controller) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	c.logger = l
}

func (c *Controller) Limit() int {
	return c.limit
}

// Cursor returns the pagination state of a conversation.
func (c *Controller) Cursor(conversationID string) chat.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.states[conversationID]; ok {
		return st.cursor
	}
	return chat.Cursor{Limit: c.limit}
}

// Reset forgets the cursor of a conversation. In-flight loads for it are discarded.
func (c *Controller) Reset(conversationID string) {
	c.mu.Lock()
	if st, ok := c.states[conversationID]; ok {
		st.gen++
		st.cursor = chat.Cursor{Limit: c.limit}
		st.olderInFlight = false
	}
	c.mu.Unlock()
}

// must be called with mu held
func (c *Controller) state(conversationID string) *state {
	st, ok := c.states[conversationID]
	if !ok {
		st = &state{cursor: chat.Cursor{Limit: c.limit}}
		c.states[conversationID] = st
	}
	return st
}

// LoadInitial fetches page 1 and replaces the conversation list. Calling it
// again (for example with a new search query) supersedes any load in flight.
// Without a query, messages that arrived live during the fetch are kept.
func (c *Controller) LoadInitial(ctx context.Context, conversationID, query string) error {
	c.mu.Lock()
	st := c.state(conversationID)
	st.gen++
	gen := st.gen
	st.query = query
	st.olderInFlight = false
	st.cursor.Loading = true
	st.cursor.Err = ""
	c.mu.Unlock()

	started := time.Now()
	v, err, _ := c.group.Do(conversationID+"\x00"+query, func() (interface{}, error) {
		return c.gateway.FetchMessages(ctx, transport.FetchRequest{
			ConversationID: conversationID,
			Page:           1,
			Limit:          c.limit,
			Query:          query,
		})
	})
	c.metrics.PageLoad("initial", err)

	c.mu.Lock()
	if st.gen != gen || !c.isActive(conversationID) {
		if st.gen == gen {
			st.cursor.Loading = false
		}
		c.mu.Unlock()
		c.discard("initial", conversationID)
		return nil
	}
	st.cursor.Loading = false
	if err != nil {
		st.cursor.Err = err.Error()
		c.mu.Unlock()
		c.logger.Printf("initial load failed for %s: %v", conversationID, err)
		return fmt.Errorf("load initial %s: %w", conversationID, err)
	}

	res := v.(transport.FetchResult)
	confirmed := countConfirmed(res.Messages)
	st.cursor.Page = 1
	st.cursor.TotalCount = res.Count
	st.cursor.Exhausted = c.exhausted(len(res.Messages), confirmed, res.Count)
	c.mu.Unlock()

	if res.Conversation != nil {
		conv := *res.Conversation
		if conv.ID == "" {
			conv.ID = conversationID
		}
		c.store.PutConversation(conv)
	}
	if query == "" {
		c.store.ReplaceLatest(conversationID, res.Messages, started)
	} else {
		c.store.ReplacePage(conversationID, res.Messages)
	}
	return nil
}

// LoadOlder fetches the next older page. It is a no-op, with no request issued,
// when the conversation is exhausted or a load is already in flight.
func (c *Controller) LoadOlder(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	st := c.state(conversationID)
	if st.cursor.Exhausted || st.olderInFlight || st.cursor.Loading {
		c.mu.Unlock()
		return nil
	}
	st.olderInFlight = true
	st.cursor.Loading = true
	st.cursor.Err = ""
	gen := st.gen
	query := st.query
	c.mu.Unlock()

	page := c.store.ConfirmedLen(conversationID)/c.limit + 1
	res, err := c.gateway.FetchMessages(ctx, transport.FetchRequest{
		ConversationID: conversationID,
		Page:           page,
		Limit:          c.limit,
		Query:          query,
	})
	c.metrics.PageLoad("older", err)

	c.mu.Lock()
	if st.gen != gen || !c.isActive(conversationID) {
		if st.gen == gen {
			st.olderInFlight = false
			st.cursor.Loading = false
		}
		c.mu.Unlock()
		c.discard("older", conversationID)
		return nil
	}
	st.olderInFlight = false
	st.cursor.Loading = false
	if err != nil {
		st.cursor.Err = err.Error()
		c.mu.Unlock()
		c.logger.Printf("older page %d failed for %s: %v", page, conversationID, err)
		return fmt.Errorf("load older %s page %d: %w", conversationID, page, err)
	}
	c.mu.Unlock()

	if c.anchor != nil {
		c.anchor.Capture(conversationID)
	}
	c.store.PrependOlder(conversationID, res.Messages)
	if c.anchor != nil {
		c.anchor.Restore(conversationID)
	}

	confirmed := c.store.ConfirmedLen(conversationID)
	c.mu.Lock()
	st.cursor.Page = page
	st.cursor.TotalCount = res.Count
	st.cursor.Exhausted = c.exhausted(len(res.Messages), confirmed, res.Count)
	c.mu.Unlock()
	return nil
}

func (c *Controller) exhausted(returned, confirmed, count int) bool {
	if returned < c.limit {
		return true
	}
	return count > 0 && confirmed >= count
}

func (c *Controller) discard(kind, conversationID string) {
	c.metrics.StaleDiscard(kind)
	c.logger.Printf("discarding stale %s page for %s", kind, conversationID)
}

func countConfirmed(msgs []chat.Message) int {
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	return len(seen)
}
