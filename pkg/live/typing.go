package live

import (
	"sort"
	"sync"
	"time"
)

const DefaultTypingExpiry = 5 * time.Second

// TypingTracker shows a user as typing until a fixed time after their last
// typing event. No stop event is needed.
type TypingTracker struct {
	mu     sync.Mutex
	self   string
	expiry time.Duration
	now    func() time.Time
	users  map[string]map[string]time.Time // conversation -> user -> expires at
}

func NewTypingTracker(selfID string, expiry time.Duration) *TypingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingTracker{
		self:   selfID,
		expiry: expiry,
		now:    time.Now,
		users:  make(map[string]map[string]time.Time),
	}
}

func (t *TypingTracker) SetClock(now func() time.Time) {
	t.now = now
}

// Observe records a typing event. The local user's own events are ignored.
func (t *TypingTracker) Observe(conversationID, userID string) {
	if userID == "" || userID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, ok := t.users[conversationID]
	if !ok {
		conv = make(map[string]time.Time)
		t.users[conversationID] = conv
	}
	conv[userID] = t.now().Add(t.expiry)
}

// Stop clears a user right away, e.g. when their message arrives.
func (t *TypingTracker) Stop(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conv, ok := t.users[conversationID]; ok {
		delete(conv, userID)
		if len(conv) == 0 {
			delete(t.users, conversationID)
		}
	}
}

// Typing returns the users currently typing in a conversation, sorted.
func (t *TypingTracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := []string{}
	conv := t.users[conversationID]
	for userID, until := range conv {
		if !now.Before(until) {
			delete(conv, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(conv) == 0 {
		delete(t.users, conversationID)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of unexpired typing users across conversations.
func (t *TypingTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for _, conv := range t.users {
		for _, until := range conv {
			if now.Before(until) {
				n++
			}
		}
	}
	return n
}
