package assistant

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/metrics"

	"github.com/google/uuid"
)

var (
	ErrBusy        = errors.New("assistant is already responding in this conversation")
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// State is the lifecycle of one assistant reply.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateErrored   State = "errored"
)

type stream struct {
	state       State
	placeholder chat.Message
	body        strings.Builder
	cancel      context.CancelFunc
	err         error
}

// Streams keeps at most one assistant placeholder per conversation. The
// placeholder never enters the Store; it is dropped when the real message
// from the assistant arrives or the user leaves the conversation.
type Streams struct {
	source  Source
	sender  chat.UserSummary
	metrics *metrics.Metrics
	now     func() time.Time
	notify  func(conversationID string)

	mu      sync.Mutex
	streams map[string]*stream

	logger interface {
		Printf(string, ...interface{})
	}
}

func NewStreams(source Source, sender chat.UserSummary) *Streams {
	return &Streams{
		source:  source,
		sender:  sender,
		now:     time.Now,
		streams: make(map[string]*stream),
		logger:  log.New(log.Writer(), "[assistant] ", log.LstdFlags),
	}
}

func (s *Streams) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Streams) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Streams) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	s.logger = l
}

// SetNotify installs a callback run after every placeholder change.
func (s *Streams) SetNotify(fn func(conversationID string)) {
	s.notify = fn
}

// SenderID is the user id the assistant's confirmed messages carry.
func (s *Streams) SenderID() string {
	return s.sender.ID
}

// Start opens a reply stream for the conversation and returns the initial
// placeholder. The stream outlives ctx only until Cancel or ClearFor.
func (s *Streams) Start(ctx context.Context, conversationID, prompt string) (chat.Message, error) {
	if strings.TrimSpace(prompt) == "" {
		return chat.Message{}, ErrEmptyPrompt
	}

	s.mu.Lock()
	if cur, ok := s.streams[conversationID]; ok && cur.state == StateStreaming {
		s.mu.Unlock()
		return chat.Message{}, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &stream{
		state:  StateStreaming,
		cancel: cancel,
		placeholder: chat.Message{
			LocalID:        "assistant-" + uuid.NewString(),
			ConversationID: conversationID,
			Sender:         s.sender,
			CreatedAt:      s.now(),
			Status:         chat.StatusSending,
			Kind:           chat.KindActivity,
		},
	}
	s.streams[conversationID] = st
	out := st.placeholder
	s.mu.Unlock()

	go s.run(ctx, conversationID, st, prompt)
	s.changed(conversationID)
	return out, nil
}

func (s *Streams) run(ctx context.Context, conversationID string, st *stream, prompt string) {
	err := s.source.Stream(ctx, prompt, func(chunk []byte) error {
		s.mu.Lock()
		if s.streams[conversationID] != st {
			s.mu.Unlock()
			return context.Canceled
		}
		st.body.Write(chunk)
		st.placeholder.Body = st.body.String()
		s.mu.Unlock()

		s.changed(conversationID)
		return nil
	})

	s.mu.Lock()
	if s.streams[conversationID] != st {
		s.mu.Unlock()
		return
	}
	st.cancel()
	if err != nil {
		st.state = StateErrored
		st.err = err
		st.placeholder.Status = chat.StatusFailed
	} else {
		st.state = StateDone
		st.placeholder.Status = chat.StatusSent
	}
	s.metrics.AssistantFinished(string(st.state))
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("assistant reply in %s failed: %v", conversationID, err)
	}
	s.changed(conversationID)
}

// Cancel stops the conversation's stream and drops its placeholder.
func (s *Streams) Cancel(conversationID string) {
	state, ok := s.drop(conversationID)
	if !ok {
		return
	}
	if state == StateStreaming {
		s.metrics.AssistantFinished("canceled")
	}
	s.changed(conversationID)
}

// CancelAll stops every stream.
func (s *Streams) CancelAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(id)
	}
}

// ClearFor drops the placeholder once a confirmed message from senderID
// arrives in the conversation. Messages from other senders are ignored.
func (s *Streams) ClearFor(conversationID, senderID string) {
	if senderID == "" || senderID != s.sender.ID {
		return
	}
	if _, ok := s.drop(conversationID); ok {
		s.changed(conversationID)
	}
}

func (s *Streams) drop(conversationID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[conversationID]
	if !ok {
		return StateIdle, false
	}
	st.cancel()
	delete(s.streams, conversationID)
	return st.state, true
}

func (s *Streams) State(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[conversationID]; ok {
		return st.state
	}
	return StateIdle
}

// Placeholder returns the in-progress reply, if any.
func (s *Streams) Placeholder(conversationID string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[conversationID]
	if !ok {
		return chat.Message{}, false
	}
	return st.placeholder, true
}

// Err returns the error that ended an errored stream.
func (s *Streams) Err(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[conversationID]; ok {
		return st.err
	}
	return nil
}

func (s *Streams) changed(conversationID string) {
	if s.notify != nil {
		s.notify(conversationID)
	}
}
