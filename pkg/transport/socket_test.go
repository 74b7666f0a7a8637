package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestSocketDeliversEventsAndReconnects(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message-created","conversation_id":"c1","message":{"id":"abc","body":"hi"}}`))
		} else {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","conversation_id":"c1","user_id":"u2"}`))
		}
		// drop the connection to force a redial
		conn.Close()
	}))
	defer srv.Close()

	s := NewSocket("ws"+strings.TrimPrefix(srv.URL, "http"), "tok")
	s.SetLogger(discardLogger{})
	s.SetBackoff(5*time.Millisecond, 20*time.Millisecond)

	var reconnects []bool
	s.OnConnect = func(reconnect bool) {
		mu.Lock()
		reconnects = append(reconnects, reconnect)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, out) }()

	first := <-out
	require.Equal(t, EventMessageCreated, first.Type)
	require.Equal(t, "abc", first.Key())
	require.Equal(t, "hi", first.Message.Body)

	second := <-out
	require.Equal(t, EventTyping, second.Type)
	require.Equal(t, "u2", second.UserID)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(reconnects), 2)
	require.False(t, reconnects[0])
	require.True(t, reconnects[1])
}

func TestSocketStopsWhileDialing(t *testing.T) {
	s := NewSocket("ws://127.0.0.1:1/ws", "")
	s.SetLogger(discardLogger{})
	s.SetBackoff(time.Hour, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, make(chan Event))
	require.Error(t, err)
}

func TestNextBackoffIsCapped(t *testing.T) {
	require.Equal(t, 2*time.Second, nextBackoff(time.Second, 10*time.Second))
	require.Equal(t, 10*time.Second, nextBackoff(8*time.Second, 10*time.Second))
}
