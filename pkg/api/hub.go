package api

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one connected UI shell.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte   // encoded frames waiting to be written
	Done chan struct{} // closed when the client is removed
}

// Hub fans engine notices out to every connected shell.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// AddClient registers a new shell connection.
func (h *Hub) AddClient(conn *websocket.Conn) *Client {
	client := &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, 64),
		Done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	return client
}

// RemoveClient unregisters a client. Removing twice is a no-op.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[id]; ok {
		close(client.Done)
		delete(h.clients, id)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes v once and queues it for every client. Clients whose
// queue is full miss the frame; they resync through the HTTP selectors.
func (h *Hub) Broadcast(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var dropped int
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		case <-client.Done:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%d client queue(s) full", dropped)
	}
	return nil
}

// SendTo queues v for one client.
func (h *Hub) SendTo(id string, v interface{}) error {
	h.mu.RLock()
	client, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %s is not connected", id)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case client.Send <- data:
		return nil
	case <-client.Done:
		return fmt.Errorf("client %s disconnected", id)
	default:
		return fmt.Errorf("client %s queue full", id)
	}
}
