package live

import (
	"sort"
	"sync"
	"time"
)

// PresenceSet tracks which users the backend reports as online.
type PresenceSet struct {
	mu    sync.RWMutex
	users map[string]time.Time // user_id -> online since
	now   func() time.Time
}

func NewPresenceSet() *PresenceSet {
	return &PresenceSet{
		users: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Set marks a user online or offline.
func (p *PresenceSet) Set(userID string, online bool) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !online {
		delete(p.users, userID)
		return
	}
	if _, ok := p.users[userID]; !ok {
		p.users[userID] = p.now()
	}
}

// IsOnline checks if a user is currently online
func (p *PresenceSet) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.users[userID]
	return ok
}

// OnlineSince returns when the user came online.
func (p *PresenceSet) OnlineSince(userID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.users[userID]
	return t, ok
}

// GetOnlineUsers returns the online user ids, sorted.
func (p *PresenceSet) GetOnlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := make([]string, 0, len(p.users))
	for userID := range p.users {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (p *PresenceSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Reset forgets everyone. Called when the live channel reconnects and the
// backend replays the current presence.
func (p *PresenceSet) Reset() {
	p.mu.Lock()
	p.users = make(map[string]time.Time)
	p.mu.Unlock()
}
