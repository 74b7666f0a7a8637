package live

import (
	"context"
	"log"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/metrics"
	"chatsync/pkg/transport"
)

// AssistantClearer drops the streaming placeholder once the assistant's real
// message is in the store.
type AssistantClearer interface {
	ClearFor(conversationID, senderID string)
}

// Reconciler applies live events to the store one at a time. Every event is
// idempotent, so a backlog replayed after a reconnect is harmless.
type Reconciler struct {
	store       *chat.Store
	typing      *TypingTracker
	presence    *PresenceSet
	assistant   AssistantClearer
	assistantID string
	metrics     *metrics.Metrics
	now         func() time.Time

	logger interface {
		Printf(string, ...interface{})
	}
}

func NewReconciler(store *chat.Store, typing *TypingTracker, presence *PresenceSet) *Reconciler {
	return &Reconciler{
		store:    store,
		typing:   typing,
		presence: presence,
		now:      time.Now,
		logger:   log.New(log.Writer(), "[live] ", log.LstdFlags),
	}
}

// SetAssistant registers the placeholder owner and the user id the assistant posts as.
func (r *Reconciler) SetAssistant(a AssistantClearer, senderID string) {
	r.assistant = a
	r.assistantID = senderID
}

func (r *Reconciler) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Reconciler) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	r.logger = l
}

// Run consumes events until ctx is done or the channel is closed.
func (r *Reconciler) Run(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Apply(ev)
		}
	}
}

// Apply folds a single event into local state. Events for messages that are
// not loaded are ignored; they arrive with the page that contains them.
func (r *Reconciler) Apply(ev transport.Event) {
	conv := ev.ConversationID
	if conv == "" && ev.Message != nil {
		conv = ev.Message.ConversationID
	}

	switch ev.Type {
	case transport.EventMessageCreated:
		if ev.Message == nil || ev.Message.Key() == "" {
			r.logger.Printf("created event without message in %s", conv)
			return
		}
		m := *ev.Message
		r.store.AppendOrUpsert(conv, m)
		r.typing.Stop(conv, m.Sender.ID)
		if r.assistant != nil && r.assistantID != "" && m.Sender.ID == r.assistantID {
			r.assistant.ClearFor(conv, m.Sender.ID)
		}

	case transport.EventMessageEdited:
		p := chat.Patch{Body: ev.Body, Attachments: ev.Attachments, EditedAt: ev.EditedAt}
		if ev.Message != nil {
			if p.Body == nil {
				body := ev.Message.Body
				p.Body = &body
			}
			if p.Attachments == nil {
				p.Attachments = ev.Message.Attachments
			}
			if p.EditedAt == nil {
				p.EditedAt = ev.Message.EditedAt
			}
		}
		if p.EditedAt == nil {
			at := r.eventTime(ev)
			p.EditedAt = &at
		}
		r.store.Patch(conv, ev.Key(), p)

	case transport.EventMessageDeleted:
		deletedAt := ev.DeletedAt
		if deletedAt == nil && ev.Message != nil {
			deletedAt = ev.Message.DeletedAt
		}
		if deletedAt == nil {
			at := r.eventTime(ev)
			deletedAt = &at
		}
		r.store.Patch(conv, ev.Key(), chat.Patch{DeletedAt: deletedAt})

	case transport.EventReactionChanged:
		reactions := ev.Reactions
		if reactions == nil && ev.Message != nil {
			reactions = ev.Message.Reactions
		}
		if reactions == nil {
			reactions = map[string]int{}
		}
		r.store.Patch(conv, ev.Key(), chat.Patch{Reactions: reactions})

	case transport.EventMessagePinned:
		pinnedBy := ev.PinnedBy
		if pinnedBy == nil && ev.Message != nil {
			pinnedBy = ev.Message.PinnedBy
		}
		if pinnedBy == nil {
			pinnedBy = &chat.UserSummary{ID: ev.UserID}
		}
		r.store.Patch(conv, ev.Key(), chat.Patch{PinnedBy: pinnedBy})

	case transport.EventMessageUnpinned:
		r.store.Patch(conv, ev.Key(), chat.Patch{Unpin: true})

	case transport.EventMessageStatus:
		r.store.Patch(conv, ev.Key(), chat.Patch{Status: ev.Status})

	case transport.EventTyping:
		r.typing.Observe(conv, ev.UserID)
		r.metrics.SetTypingUsers(r.typing.Count())

	case transport.EventPresence:
		r.presence.Set(ev.UserID, ev.Online)
		r.metrics.SetOnlineUsers(r.presence.Len())

	default:
		r.logger.Printf("ignoring unknown event type %q", ev.Type)
		return
	}

	r.metrics.EventApplied(string(ev.Type))
}

func (r *Reconciler) eventTime(ev transport.Event) time.Time {
	if !ev.At.IsZero() {
		return ev.At
	}
	return r.now()
}
