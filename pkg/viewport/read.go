package viewport

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/metrics"
)

const DefaultReadDebounce = 300 * time.Millisecond

// MarkReader is the part of the gateway the read marker needs.
type MarkReader interface {
	MarkRead(ctx context.Context, conversationID string) error
}

type readPoint struct {
	id string
	at time.Time
}

// ReadMarker emits debounced, fire-and-forget mark-read calls. The read
// cursor only moves forward: a call is skipped unless the newest confirmed
// message is newer than the last one reported.
type ReadMarker struct {
	gateway MarkReader
	store   *chat.Store
	delay   time.Duration
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.Mutex
	timers map[string]*time.Timer
	last   map[string]readPoint

	logger interface {
		Printf(string, ...interface{})
	}
}

func NewReadMarker(gateway MarkReader, store *chat.Store, delay time.Duration) *ReadMarker {
	if delay <= 0 {
		delay = DefaultReadDebounce
	}
	return &ReadMarker{
		gateway: gateway,
		store:   store,
		delay:   delay,
		timeout: 10 * time.Second,
		timers:  make(map[string]*time.Timer),
		last:    make(map[string]readPoint),
		logger:  log.New(log.Writer(), "[read] ", log.LstdFlags),
	}
}

func (r *ReadMarker) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

func (r *ReadMarker) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	r.logger = l
}

// Schedule (re)starts the debounce window for a conversation.
func (r *ReadMarker) Schedule(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[conversationID]; ok {
		t.Stop()
	}
	r.timers[conversationID] = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		delete(r.timers, conversationID)
		r.mu.Unlock()
		r.emit(conversationID)
	})
}

// Flush emits a pending mark-read right away.
func (r *ReadMarker) Flush(conversationID string) {
	r.mu.Lock()
	t, ok := r.timers[conversationID]
	if ok {
		delete(r.timers, conversationID)
	}
	r.mu.Unlock()

	if ok && t.Stop() {
		r.emit(conversationID)
	}
}

// Stop cancels every pending mark-read.
func (r *ReadMarker) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for conv, t := range r.timers {
		t.Stop()
		delete(r.timers, conv)
	}
}

// LastRead returns the id of the newest message reported as read.
func (r *ReadMarker) LastRead(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[conversationID].id
}

func (r *ReadMarker) emit(conversationID string) {
	newest, ok := r.store.Newest(conversationID)
	if !ok {
		return
	}
	point := readPoint{id: newest.ID, at: newest.CreatedAt}

	r.mu.Lock()
	prev, seen := r.last[conversationID]
	if seen && (prev.id == point.id || point.at.Before(prev.at)) {
		r.mu.Unlock()
		return
	}
	r.last[conversationID] = point
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	r.metrics.ReadReceipt()
	if err := r.gateway.MarkRead(ctx, conversationID); err != nil {
		r.logger.Printf("mark read %s failed: %v", conversationID, err)
		r.mu.Lock()
		if r.last[conversationID] == point {
			if seen {
				r.last[conversationID] = prev
			} else {
				delete(r.last, conversationID)
			}
		}
		r.mu.Unlock()
	}
}
