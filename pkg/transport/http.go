package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/response"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RPS and Burst throttle outgoing requests; RPS <= 0 disables throttling.
	RPS   float64
	Burst int
}

// HTTPGateway talks to the chat REST API. Every response is wrapped in the
// response.APIResponse envelope.
type HTTPGateway struct {
	client  *resty.Client
	limiter *rate.Limiter
	logger  interface {
		Printf(string, ...interface{})
	}
}

func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	g := &HTTPGateway{
		client: client,
		logger: log.New(log.Writer(), "[transport] ", log.LstdFlags),
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return g
}

// SetLogger replaces the default logger.
func (g *HTTPGateway) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	g.logger = l
}

func (g *HTTPGateway) FetchMessages(ctx context.Context, req FetchRequest) (FetchResult, error) {
	var out FetchResult
	params := map[string]string{
		"page":  strconv.Itoa(req.Page),
		"limit": strconv.Itoa(req.Limit),
	}
	if req.Query != "" {
		params["q"] = req.Query
	}

	err := g.do(ctx, "fetch messages", http.MethodGet, conversationPath(req.ConversationID, "messages"), func(r *resty.Request) {
		r.SetQueryParams(params)
	}, &out)
	if err != nil {
		return FetchResult{}, err
	}
	if out.Messages == nil {
		out.Messages = []chat.Message{}
	}
	return out, nil
}

func (g *HTTPGateway) SendMessage(ctx context.Context, conversationID string, req SendRequest) (chat.Message, error) {
	var out chat.Message
	err := g.do(ctx, "send message", http.MethodPost, conversationPath(conversationID, "messages"), func(r *resty.Request) {
		r.SetBody(req)
	}, &out)
	return out, err
}

func (g *HTTPGateway) EditMessage(ctx context.Context, id string, req EditRequest) (chat.Message, error) {
	var out chat.Message
	err := g.do(ctx, "edit message", http.MethodPatch, messagePath(id, ""), func(r *resty.Request) {
		r.SetBody(req)
	}, &out)
	return out, err
}

func (g *HTTPGateway) DeleteMessage(ctx context.Context, id string) error {
	return g.do(ctx, "delete message", http.MethodDelete, messagePath(id, ""), nil, nil)
}

func (g *HTTPGateway) ReactToMessage(ctx context.Context, id, symbol string) (chat.Message, error) {
	var out chat.Message
	err := g.do(ctx, "react to message", http.MethodPost, messagePath(id, "reactions"), func(r *resty.Request) {
		r.SetBody(map[string]string{"symbol": symbol})
	}, &out)
	return out, err
}

func (g *HTTPGateway) PinMessage(ctx context.Context, id string) (chat.Message, error) {
	var out chat.Message
	err := g.do(ctx, "pin message", http.MethodPost, messagePath(id, "pin"), nil, &out)
	return out, err
}

func (g *HTTPGateway) MarkRead(ctx context.Context, conversationID string) error {
	return g.do(ctx, "mark read", http.MethodPost, conversationPath(conversationID, "read"), nil, nil)
}

func (g *HTTPGateway) UploadFile(ctx context.Context, name, contentType string, r io.Reader, size int64) (chat.Attachment, error) {
	var out chat.Attachment
	err := g.do(ctx, "upload file", http.MethodPost, "/files", func(req *resty.Request) {
		req.SetFileReader("file", name, r).
			SetMultipartFormData(map[string]string{
				"type": contentType,
				"size": strconv.FormatInt(size, 10),
			})
	}, &out)
	if err != nil {
		return chat.Attachment{}, err
	}

	if out.Name == "" {
		out.Name = name
	}
	if out.Type == "" {
		out.Type = contentType
	}
	if out.Size == 0 {
		out.Size = size
	}
	out.Status = chat.AttachmentSuccess
	g.logger.Printf("uploaded %s (%s)", out.Name, humanize.Bytes(uint64(out.Size)))
	return out, nil
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, build func(*resty.Request), out any) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return &Error{Op: op, Err: err}
		}
	}

	req := g.client.R().SetContext(ctx)
	if build != nil {
		build(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	var env response.Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return &Error{Op: op, StatusCode: resp.StatusCode(), Message: resp.Status()}
		}
		return &Error{Op: op, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if resp.IsError() || !env.Success {
		return &Error{Op: op, StatusCode: resp.StatusCode(), Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func conversationPath(conversationID, suffix string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/" + suffix
}

func messagePath(id, suffix string) string {
	p := "/messages/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
