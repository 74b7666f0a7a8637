package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

func newTestGateway(t *testing.T, register func(r *gin.Engine)) *HTTPGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL, Token: "secret", Timeout: 2 * time.Second})
	g.SetLogger(discardLogger{})
	return g
}

func TestFetchMessagesDecodesEnvelope(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	g := newTestGateway(t, func(r *gin.Engine) {
		r.GET("/conversations/:id/messages", func(c *gin.Context) {
			require.Equal(t, "Bearer secret", c.GetHeader("Authorization"))
			require.Equal(t, "2", c.Query("page"))
			require.Equal(t, "15", c.Query("limit"))
			require.Equal(t, "hello", c.Query("q"))

			response.SendAPIResponse(c, http.StatusOK, true, "ok", FetchResult{
				Messages: []chat.Message{{ID: "m1", ConversationID: c.Param("id"), Body: "hi", CreatedAt: created}},
				Count:    40,
				Conversation: &chat.Conversation{
					ID:   c.Param("id"),
					Role: chat.RoleMember,
				},
			})
		})
	})

	res, err := g.FetchMessages(context.Background(), FetchRequest{ConversationID: "c1", Page: 2, Limit: 15, Query: "hello"})
	require.NoError(t, err)
	require.Equal(t, 40, res.Count)
	require.Len(t, res.Messages, 1)
	require.Equal(t, "m1", res.Messages[0].ID)
	require.True(t, created.Equal(res.Messages[0].CreatedAt))
	require.NotNil(t, res.Conversation)
	require.Equal(t, chat.RoleMember, res.Conversation.Role)
}

func TestFetchMessagesEmptyPage(t *testing.T) {
	g := newTestGateway(t, func(r *gin.Engine) {
		r.GET("/conversations/:id/messages", func(c *gin.Context) {
			response.SendAPIResponse(c, http.StatusOK, true, "ok", gin.H{"count": 0})
		})
	})

	res, err := g.FetchMessages(context.Background(), FetchRequest{ConversationID: "c1", Page: 1, Limit: 15})
	require.NoError(t, err)
	require.NotNil(t, res.Messages)
	require.Empty(t, res.Messages)
}

func TestSendMessagePostsLocalID(t *testing.T) {
	g := newTestGateway(t, func(r *gin.Engine) {
		r.POST("/conversations/:id/messages", func(c *gin.Context) {
			var req SendRequest
			require.NoError(t, c.ShouldBindJSON(&req))
			response.SendAPIResponse(c, http.StatusCreated, true, "created", chat.Message{
				ID:             "srv-1",
				LocalID:        req.LocalID,
				ConversationID: c.Param("id"),
				Body:           req.Text,
				Status:         chat.StatusSent,
			})
		})
	})

	msg, err := g.SendMessage(context.Background(), "c1", SendRequest{Text: "yo", LocalID: "local-1"})
	require.NoError(t, err)
	require.Equal(t, "srv-1", msg.ID)
	require.Equal(t, "local-1", msg.LocalID)
	require.Equal(t, "yo", msg.Body)
}

func TestGatewayErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		transient bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, false},
		{"throttled", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(r *gin.Engine) {
				r.DELETE("/messages/:id", func(c *gin.Context) {
					response.SendError(c, tt.code, "nope")
				})
			})

			err := g.DeleteMessage(context.Background(), "m1")
			require.Error(t, err)

			var gErr *Error
			require.True(t, errors.As(err, &gErr))
			require.Equal(t, tt.code, gErr.StatusCode)
			require.Equal(t, "nope", gErr.Message)
			require.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestUnsuccessfulEnvelopeIsAnError(t *testing.T) {
	g := newTestGateway(t, func(r *gin.Engine) {
		r.POST("/conversations/:id/read", func(c *gin.Context) {
			response.SendAPIResponse(c, http.StatusOK, false, "conversation archived", nil)
		})
	})

	err := g.MarkRead(context.Background(), "c1")
	require.Error(t, err)
	require.False(t, IsTransient(err))
	require.Contains(t, err.Error(), "conversation archived")
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL, Timeout: time.Second})
	g.SetLogger(discardLogger{})

	_, err := g.PinMessage(context.Background(), "m1")
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestReactAndPin(t *testing.T) {
	g := newTestGateway(t, func(r *gin.Engine) {
		r.POST("/messages/:id/reactions", func(c *gin.Context) {
			var body map[string]string
			require.NoError(t, c.ShouldBindJSON(&body))
			response.SendAPIResponse(c, http.StatusOK, true, "ok", chat.Message{
				ID:        c.Param("id"),
				Reactions: map[string]int{body["symbol"]: 1},
			})
		})
		r.POST("/messages/:id/pin", func(c *gin.Context) {
			response.SendAPIResponse(c, http.StatusOK, true, "ok", chat.Message{
				ID:       c.Param("id"),
				PinnedBy: &chat.UserSummary{ID: "u1"},
			})
		})
	})

	msg, err := g.ReactToMessage(context.Background(), "m1", "+1")
	require.NoError(t, err)
	require.Equal(t, 1, msg.Reactions["+1"])

	msg, err = g.PinMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, msg.IsPinned())
}

func TestUploadFile(t *testing.T) {
	g := newTestGateway(t, func(r *gin.Engine) {
		r.POST("/files", func(c *gin.Context) {
			fh, err := c.FormFile("file")
			require.NoError(t, err)
			f, err := fh.Open()
			require.NoError(t, err)
			defer f.Close()
			data, _ := io.ReadAll(f)
			require.Equal(t, "png-bytes", string(data))
			require.Equal(t, "image/png", c.PostForm("type"))

			response.SendAPIResponse(c, http.StatusOK, true, "ok", chat.Attachment{URL: "https://cdn/x.png"})
		})
	})

	att, err := g.UploadFile(context.Background(), "x.png", "image/png", strings.NewReader("png-bytes"), 9)
	require.NoError(t, err)
	require.Equal(t, "x.png", att.Name)
	require.Equal(t, "image/png", att.Type)
	require.Equal(t, int64(9), att.Size)
	require.Equal(t, "https://cdn/x.png", att.URL)
	require.Equal(t, chat.AttachmentSuccess, att.Status)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	g := newTestGateway(t, func(r *gin.Engine) {
		r.POST("/conversations/:id/read", func(c *gin.Context) {
			response.SendAPIResponse(c, http.StatusOK, true, "ok", nil)
		})
	})
	g2 := NewHTTPGateway(HTTPConfig{BaseURL: g.client.BaseURL, RPS: 0.001, Burst: 1})
	g2.SetLogger(discardLogger{})

	require.NoError(t, g2.MarkRead(context.Background(), "c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g2.MarkRead(ctx, "c1")
	require.Error(t, err)
}
