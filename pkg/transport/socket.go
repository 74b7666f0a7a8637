package transport

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Socket is the live event channel. Run keeps a connection open, redialing
// with exponential backoff whenever it drops.
type Socket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	// OnConnect is called after every successful dial. reconnect is false for
	// the first connection. A reconnect may replay a backlog.
	OnConnect func(reconnect bool)

	logger interface {
		Printf(string, ...interface{})
	}
}

func NewSocket(rawURL, token string) *Socket {
	header := http.Header{}
	if token != "" {
		header.Add("Authorization", "Bearer "+token)
	}
	return &Socket{
		url:        rawURL,
		header:     header,
		dialer:     websocket.DefaultDialer,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		logger:     log.New(log.Writer(), "[socket] ", log.LstdFlags),
	}
}

// SetBackoff bounds the delay between redials.
func (s *Socket) SetBackoff(min, max time.Duration) {
	if min > 0 {
		s.minBackoff = min
	}
	if max >= s.minBackoff {
		s.maxBackoff = max
	}
}

func (s *Socket) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	s.logger = l
}

// Run delivers decoded events to out until ctx is cancelled.
func (s *Socket) Run(ctx context.Context, out chan<- Event) error {
	delay := s.minBackoff
	connected := false

	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("dial %s failed: %v (retry in %s)", s.url, err, delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = nextBackoff(delay, s.maxBackoff)
			continue
		}

		if s.OnConnect != nil {
			s.OnConnect(connected)
		}
		connected = true
		delay = s.minBackoff

		err = s.readLoop(ctx, conn, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Printf("connection lost: %v (retry in %s)", err, delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = nextBackoff(delay, s.maxBackoff)
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Event) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					s.logger.Printf("ping error: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			s.logger.Printf("dropping malformed frame: %s", data)
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
