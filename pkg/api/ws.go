package api

import (
	"net/http"
	"time"

	"chatsync/pkg/session"
	"chatsync/pkg/viewport"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// frame is the shell wire format in both directions.
type frame struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Notice         *session.Notice    `json:"notice,omitempty"`
	Viewport       *viewport.Viewport `json:"viewport,omitempty"`
	Scroll         *scrollResponse    `json:"scroll,omitempty"`
	Error          string             `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API only listens for the local shell
	CheckOrigin: func(r *http.Request) bool { return true },
}

// @Summary      Shell event stream
// @Description  Pushes store changes, scroll decisions and assistant placeholders. Accepts scroll reports.
// @Tags         viewport
// @Router       /ws [get]
func (h *Handler) HandleWebSocketGin(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade error: %v", err)
		return
	}

	client := h.hub.AddClient(conn)
	h.logger.Printf("shell %s connected", client.ID)

	go h.readLoop(client)
	go h.writeLoop(client)
}

func (h *Handler) readLoop(client *Client) {
	defer func() {
		h.hub.RemoveClient(client.ID)
		client.Conn.Close()
		h.logger.Printf("shell %s disconnected", client.ID)
	}()

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("websocket error for shell %s: %v", client.ID, err)
			}
			return
		}

		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			h.reply(client, frame{Type: "error", Error: "invalid frame"})
			continue
		}
		h.handleFrame(client, in)
	}
}

func (h *Handler) handleFrame(client *Client, in frame) {
	switch in.Type {
	case "scroll":
		if in.ConversationID == "" || in.Viewport == nil {
			h.reply(client, frame{Type: "error", Error: "scroll needs conversation_id and viewport"})
			return
		}
		res := scrollResponse{ScrollResult: h.engine.Scroll(in.ConversationID, *in.Viewport)}
		if top, ok := h.engine.PendingScrollTop(in.ConversationID); ok {
			res.ScrollTop = &top
		}
		h.reply(client, frame{Type: "scroll", ConversationID: in.ConversationID, Scroll: &res})
	case "ping":
		h.reply(client, frame{Type: "pong"})
	default:
		h.reply(client, frame{Type: "error", Error: "unknown frame type " + in.Type})
	}
}

func (h *Handler) reply(client *Client, f frame) {
	if err := h.hub.SendTo(client.ID, f); err != nil {
		h.logger.Printf("reply to shell %s: %v", client.ID, err)
	}
}

func (h *Handler) writeLoop(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case <-client.Done:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Printf("write error for shell %s: %v", client.ID, err)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Printf("ping error for shell %s: %v", client.ID, err)
				return
			}
		}
	}
}
