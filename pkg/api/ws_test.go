package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/testhelpers"
	"chatsync/pkg/viewport"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func dialShell(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestShellReceivesStoreNotices(t *testing.T) {
	r, gw, _ := setupRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialShell(t, srv)

	conv := testhelpers.NewConversationID(t)
	gw.On("FetchMessages", mock.Anything, page1(conv)).Return(testhelpers.Page(testhelpers.NewMessages(t, conv, 1, 2), 2), nil).Once()

	// a pong proves the hub has registered the client
	require.NoError(t, conn.WriteJSON(frame{Type: "ping"}))
	require.Equal(t, "pong", readFrame(t, conn).Type)

	resp, err := http.Post(srv.URL+"/conversations/"+conv+"/open", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f := readFrame(t, conn)
	require.Equal(t, "notice", f.Type)
	require.NotNil(t, f.Notice)
	require.Equal(t, conv, f.Notice.ConversationID)
	require.Equal(t, chat.OpReplaced, f.Notice.Change.Op)
	require.True(t, f.Notice.Decision.ScrollToBottom)
}

func TestShellScrollFrames(t *testing.T) {
	r, _, _ := setupRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialShell(t, srv)

	require.NoError(t, conn.WriteJSON(frame{
		Type:           "scroll",
		ConversationID: "c1",
		Viewport:       &viewport.Viewport{ScrollTop: 1400, ScrollHeight: 2000, ClientHeight: 600},
	}))
	f := readFrame(t, conn)
	require.Equal(t, "scroll", f.Type)
	require.True(t, f.Scroll.AtBottom)
	require.False(t, f.Scroll.LoadOlder)

	require.NoError(t, conn.WriteJSON(frame{Type: "scroll"}))
	require.Equal(t, "error", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, "invalid frame", readFrame(t, conn).Error)

	require.NoError(t, conn.WriteJSON(frame{Type: "ping"}))
	require.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestHubDropsSlowClients(t *testing.T) {
	h := NewHub()
	c := h.AddClient(nil)
	require.Equal(t, 1, h.Len())

	for i := 0; i < cap(c.Send); i++ {
		require.NoError(t, h.Broadcast(frame{Type: "notice"}))
	}
	require.Error(t, h.Broadcast(frame{Type: "notice"}))
	require.Error(t, h.SendTo(c.ID, frame{Type: "pong"}))

	h.RemoveClient(c.ID)
	h.RemoveClient(c.ID)
	require.Zero(t, h.Len())
	require.Error(t, h.SendTo(c.ID, frame{Type: "pong"}))
}
