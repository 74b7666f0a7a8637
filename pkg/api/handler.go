package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"chatsync/pkg/assistant"
	"chatsync/pkg/chat"
	"chatsync/pkg/drafts"
	"chatsync/pkg/response"
	"chatsync/pkg/send"
	"chatsync/pkg/session"
	"chatsync/pkg/transport"
	"chatsync/pkg/viewport"

	"github.com/gin-gonic/gin"
)

// Engine is what the handlers need from a session.
type Engine interface {
	Open(ctx context.Context, conversationID string) error
	Search(ctx context.Context, conversationID, query string) error
	LoadOlder(ctx context.Context, conversationID string) error
	Scroll(conversationID string, vp viewport.Viewport) viewport.ScrollResult
	PendingScrollTop(conversationID string) (float64, bool)

	Send(ctx context.Context, conversationID string, in send.Input) (chat.Message, error)
	Resend(ctx context.Context, conversationID, localID string) (chat.Message, error)
	Discard(conversationID, localID string) error
	Edit(ctx context.Context, conversationID, id, text string, files []chat.Attachment) (chat.Message, error)
	Delete(ctx context.Context, conversationID, id string) error
	React(ctx context.Context, conversationID, id, symbol string) (chat.Message, error)
	TogglePin(ctx context.Context, conversationID, id string) (chat.Message, error)
	Ask(ctx context.Context, conversationID, prompt string) (chat.Message, error)

	SetDraft(conversationID string, u drafts.Update) drafts.Draft
	ClearDraft(conversationID string)
	RemoveDraftFile(conversationID, name string) drafts.Draft
	Upload(ctx context.Context, conversationID, name, contentType string, r io.Reader, size int64) (chat.Attachment, error)

	Messages(conversationID string) []chat.Message
	Pinned(conversationID string) []chat.Message
	Typing(conversationID string) []string
	Draft(conversationID string) drafts.Draft
	Cursor(conversationID string) chat.Cursor
	Online() []string
	Conversation(conversationID string) (chat.Conversation, bool)
	CanCompose(conversationID string) bool
	Placeholder(conversationID string) (chat.Message, bool)
	Message(conversationID, key string) (chat.Message, bool)
	SendState(localID string) (send.State, bool)

	Subscribe(fn func(session.Notice)) func()
}

var _ Engine = (*session.Engine)(nil)

type Handler struct {
	engine Engine
	hub    *Hub
	unsub  func()

	logger interface {
		Printf(string, ...interface{})
	}
}

// NewHandler subscribes to the engine and forwards every notice to the
// connected shells. Call Close to unsubscribe.
func NewHandler(engine Engine, hub *Hub) *Handler {
	h := &Handler{
		engine: engine,
		hub:    hub,
		logger: log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
	h.unsub = engine.Subscribe(func(n session.Notice) {
		if err := h.hub.Broadcast(frame{Type: "notice", Notice: &n}); err != nil {
			h.logger.Printf("broadcast: %v", err)
		}
	})
	return h
}

func (h *Handler) SetLogger(l interface{ Printf(string, ...interface{}) }) {
	h.logger = l
}

func (h *Handler) Close() {
	h.unsub()
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	conv := router.Group("/conversations/:id")
	conv.POST("/open", h.openConversation)
	conv.GET("", h.getConversation)
	conv.GET("/messages", h.listMessages)
	conv.POST("/older", h.loadOlder)
	conv.POST("/search", h.search)
	conv.GET("/pinned", h.listPinned)
	conv.GET("/typing", h.listTyping)
	conv.POST("/scroll", h.scroll)

	conv.GET("/draft", h.getDraft)
	conv.PUT("/draft", h.setDraft)
	conv.DELETE("/draft", h.clearDraft)
	conv.POST("/draft/files", h.uploadFile)
	conv.DELETE("/draft/files/:name", h.removeDraftFile)

	conv.POST("/messages", h.sendMessage)
	conv.GET("/messages/:key", h.getMessage)
	conv.POST("/messages/:key/resend", h.resendMessage)
	conv.POST("/messages/:key/discard", h.discardMessage)
	conv.PATCH("/messages/:key", h.editMessage)
	conv.DELETE("/messages/:key", h.deleteMessage)
	conv.POST("/messages/:key/reactions", h.reactToMessage)
	conv.POST("/messages/:key/pin", h.togglePin)

	conv.POST("/assistant", h.askAssistant)

	router.GET("/presence", h.listOnline)
	router.GET("/ws", h.HandleWebSocketGin)
}

// MessagePage is what the message list renders.
type MessagePage struct {
	Messages    []chat.Message `json:"messages"`
	Cursor      chat.Cursor    `json:"cursor"`
	Placeholder *chat.Message  `json:"placeholder,omitempty"`
	ScrollTop   *float64       `json:"scroll_top,omitempty"`
}

// ConversationView is the conversation header state.
type ConversationView struct {
	Conversation *chat.Conversation `json:"conversation,omitempty"`
	Cursor       chat.Cursor        `json:"cursor"`
	CanCompose   bool               `json:"can_compose"`
	Typing       []string           `json:"typing"`
}

// MessageView is one row plus the state of the send that produced it, for
// rows this session sent.
type MessageView struct {
	Message   chat.Message `json:"message"`
	SendState send.State   `json:"send_state,omitempty"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type scrollResponse struct {
	viewport.ScrollResult
	ScrollTop *float64 `json:"scroll_top,omitempty"`
}

type editRequest struct {
	Text  string            `json:"text" binding:"required"`
	Files []chat.Attachment `json:"files"`
}

type reactRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

type askRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func (h *Handler) page(id string) MessagePage {
	p := MessagePage{
		Messages: h.engine.Messages(id),
		Cursor:   h.engine.Cursor(id),
	}
	if ph, ok := h.engine.Placeholder(id); ok {
		p.Placeholder = &ph
	}
	if top, ok := h.engine.PendingScrollTop(id); ok {
		p.ScrollTop = &top
	}
	return p
}

// @Summary      Open a conversation
// @Description  Makes the conversation active and loads its newest page
// @Tags         conversations
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse{data=MessagePage} "Conversation opened"
// @Failure      502  {object}  response.APIResponse{data=MessagePage} "Backend unavailable, retry"
// @Router       /conversations/{id}/open [post]
func (h *Handler) openConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Open(c.Request.Context(), id); err != nil {
		h.fail(c, err, h.page(id))
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "conversation opened", h.page(id))
}

// @Summary      Get conversation state
// @Tags         conversations
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse{data=ConversationView}
// @Router       /conversations/{id} [get]
func (h *Handler) getConversation(c *gin.Context) {
	id := c.Param("id")
	view := ConversationView{
		Cursor:     h.engine.Cursor(id),
		CanCompose: h.engine.CanCompose(id),
		Typing:     h.engine.Typing(id),
	}
	if conv, ok := h.engine.Conversation(id); ok {
		view.Conversation = &conv
	}
	response.SendAPIResponse(c, http.StatusOK, true, "conversation fetched", view)
}

// @Summary      List loaded messages
// @Description  Returns the loaded messages oldest first, with the pagination cursor
// @Tags         messages
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse{data=MessagePage}
// @Router       /conversations/{id}/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	response.SendAPIResponse(c, http.StatusOK, true, "messages fetched", h.page(c.Param("id")))
}

// @Summary      Load the next older page
// @Description  No-op when history is exhausted or a load is already running
// @Tags         messages
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse{data=MessagePage}
// @Failure      502  {object}  response.APIResponse{data=MessagePage}
// @Router       /conversations/{id}/older [post]
func (h *Handler) loadOlder(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.LoadOlder(c.Request.Context(), id); err != nil {
		h.fail(c, err, h.page(id))
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "older messages loaded", h.page(id))
}

// @Summary      Search within a conversation
// @Description  Reloads page 1 filtered by query; an empty query restores the full history
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        id       path  string         true  "Conversation ID"
// @Param        request  body  searchRequest  true  "Search query"
// @Success      200  {object}  response.APIResponse{data=MessagePage}
// @Router       /conversations/{id}/search [post]
func (h *Handler) search(c *gin.Context) {
	id := c.Param("id")
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := h.engine.Search(c.Request.Context(), id, req.Query); err != nil {
		h.fail(c, err, h.page(id))
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "search loaded", h.page(id))
}

// @Summary      List pinned messages
// @Tags         messages
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse{data=[]chat.Message}
// @Router       /conversations/{id}/pinned [get]
func (h *Handler) listPinned(c *gin.Context) {
	response.SendAPIResponse(c, http.StatusOK, true, "pinned messages fetched", h.engine.Pinned(c.Param("id")))
}

// @Summary      List users typing
// @Tags         presence
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse{data=[]string}
// @Router       /conversations/{id}/typing [get]
func (h *Handler) listTyping(c *gin.Context) {
	response.SendAPIResponse(c, http.StatusOK, true, "typing users fetched", h.engine.Typing(c.Param("id")))
}

// @Summary      List online users
// @Tags         presence
// @Produce      json
// @Success      200  {object}  response.APIResponse{data=[]string}
// @Router       /presence [get]
func (h *Handler) listOnline(c *gin.Context) {
	response.SendAPIResponse(c, http.StatusOK, true, "online users fetched", h.engine.Online())
}

// @Summary      Report scroll position
// @Description  Tracks at-bottom state and triggers older page loads near the top
// @Tags         viewport
// @Accept       json
// @Produce      json
// @Param        id       path  string             true  "Conversation ID"
// @Param        request  body  viewport.Viewport  true  "Scroll geometry"
// @Success      200  {object}  response.APIResponse{data=scrollResponse}
// @Router       /conversations/{id}/scroll [post]
func (h *Handler) scroll(c *gin.Context) {
	id := c.Param("id")
	var vp viewport.Viewport
	if err := c.ShouldBindJSON(&vp); err != nil {
		response.SendError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	res := scrollResponse{ScrollResult: h.engine.Scroll(id, vp)}
	if top, ok := h.engine.PendingScrollTop(id); ok {
		res.ScrollTop = &top
	}
	response.SendAPIResponse(c, http.StatusOK, true, "scroll recorded", res)
}

// @Summary      Get the draft
// @Tags         drafts
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse{data=drafts.Draft}
// @Router       /conversations/{id}/draft [get]
func (h *Handler) getDraft(c *gin.Context) {
	response.SendAPIResponse(c, http.StatusOK, true, "draft fetched", h.engine.Draft(c.Param("id")))
}

// @Summary      Update the draft
// @Description  Merges the given fields; omitted fields are kept
// @Tags         drafts
// @Accept       json
// @Produce      json
// @Param        id       path  string         true  "Conversation ID"
// @Param        request  body  drafts.Update  true  "Partial draft"
// @Success      200  {object}  response.APIResponse{data=drafts.Draft}
// @Router       /conversations/{id}/draft [put]
func (h *Handler) setDraft(c *gin.Context) {
	var u drafts.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		response.SendError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "draft updated", h.engine.SetDraft(c.Param("id"), u))
}

// @Summary      Clear the draft
// @Tags         drafts
// @Produce      json
// @Param        id   path      string  true  "Conversation ID"
// @Success      200  {object}  response.APIResponse
// @Router       /conversations/{id}/draft [delete]
func (h *Handler) clearDraft(c *gin.Context) {
	h.engine.ClearDraft(c.Param("id"))
	response.SendAPIResponse(c, http.StatusOK, true, "draft cleared", nil)
}

// @Summary      Upload a draft attachment
// @Description  The attachment is added as uploading and settles to success or failed
// @Tags         drafts
// @Accept       multipart/form-data
// @Produce      json
// @Param        id    path      string  true  "Conversation ID"
// @Param        file  formData  file    true  "File"
// @Success      201  {object}  response.APIResponse{data=chat.Attachment}
// @Failure      502  {object}  response.APIResponse{data=chat.Attachment}
// @Router       /conversations/{id}/draft/files [post]
func (h *Handler) uploadFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		response.SendError(c, http.StatusBadRequest, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.SendError(c, http.StatusBadRequest, "cannot read file")
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	att, err := h.engine.Upload(c.Request.Context(), c.Param("id"), fh.Filename, contentType, f, fh.Size)
	if err != nil {
		h.fail(c, err, att)
		return
	}
	response.SendAPIResponse(c, http.StatusCreated, true, "file uploaded", att)
}

// @Summary      Remove a draft attachment
// @Tags         drafts
// @Produce      json
// @Param        id    path  string  true  "Conversation ID"
// @Param        name  path  string  true  "File name"
// @Success      200  {object}  response.APIResponse{data=drafts.Draft}
// @Router       /conversations/{id}/draft/files/{name} [delete]
func (h *Handler) removeDraftFile(c *gin.Context) {
	d := h.engine.RemoveDraftFile(c.Param("id"), c.Param("name"))
	response.SendAPIResponse(c, http.StatusOK, true, "file removed", d)
}

// @Summary      Send a message
// @Description  The message appears at once as sending; on failure it stays in the list as failed
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        id       path  string      true  "Conversation ID"
// @Param        request  body  send.Input  true  "Message"
// @Success      201  {object}  response.APIResponse{data=chat.Message}
// @Failure      400  {object}  response.APIResponse "Empty message"
// @Failure      403  {object}  response.APIResponse "Composing disabled"
// @Failure      502  {object}  response.APIResponse{data=chat.Message} "Send failed, message kept as failed"
// @Router       /conversations/{id}/messages [post]
func (h *Handler) sendMessage(c *gin.Context) {
	var in send.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		response.SendError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	m, err := h.engine.Send(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.fail(c, err, nonZero(m))
		return
	}
	response.SendAPIResponse(c, http.StatusCreated, true, "message sent", m)
}

// @Summary      Get one message
// @Description  Returns the row by id or local id, with the send state when this session sent it.
// @Tags         messages
// @Produce      json
// @Param        id   path  string  true  "Conversation ID"
// @Param        key  path  string  true  "Message ID or local ID"
// @Success      200  {object}  response.APIResponse{data=MessageView}
// @Failure      404  {object}  response.APIResponse
// @Router       /conversations/{id}/messages/{key} [get]
func (h *Handler) getMessage(c *gin.Context) {
	m, ok := h.engine.Message(c.Param("id"), c.Param("key"))
	if !ok {
		h.fail(c, send.ErrNotFound, nil)
		return
	}
	view := MessageView{Message: m}
	if m.LocalID != "" {
		if state, ok := h.engine.SendState(m.LocalID); ok {
			view.SendState = state
		}
	}
	response.SendAPIResponse(c, http.StatusOK, true, "message fetched", view)
}

// @Summary      Resend a failed message
// @Tags         messages
// @Produce      json
// @Param        id   path  string  true  "Conversation ID"
// @Param        key  path  string  true  "Local ID of the failed message"
// @Success      201  {object}  response.APIResponse{data=chat.Message}
// @Failure      404  {object}  response.APIResponse
// @Failure      409  {object}  response.APIResponse "Message is not failed"
// @Router       /conversations/{id}/messages/{key}/resend [post]
func (h *Handler) resendMessage(c *gin.Context) {
	m, err := h.engine.Resend(c.Request.Context(), c.Param("id"), c.Param("key"))
	if err != nil {
		h.fail(c, err, nonZero(m))
		return
	}
	response.SendAPIResponse(c, http.StatusCreated, true, "message sent", m)
}

// @Summary      Discard a failed message
// @Tags         messages
// @Produce      json
// @Param        id   path  string  true  "Conversation ID"
// @Param        key  path  string  true  "Local ID of the failed message"
// @Success      200  {object}  response.APIResponse
// @Failure      404  {object}  response.APIResponse
// @Failure      409  {object}  response.APIResponse
// @Router       /conversations/{id}/messages/{key}/discard [post]
func (h *Handler) discardMessage(c *gin.Context) {
	if err := h.engine.Discard(c.Param("id"), c.Param("key")); err != nil {
		h.fail(c, err, nil)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "message discarded", nil)
}

// @Summary      Edit a message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        id       path  string       true  "Conversation ID"
// @Param        key      path  string       true  "Message ID"
// @Param        request  body  editRequest  true  "New content"
// @Success      200  {object}  response.APIResponse{data=chat.Message}
// @Failure      404  {object}  response.APIResponse
// @Failure      502  {object}  response.APIResponse
// @Router       /conversations/{id}/messages/{key} [patch]
func (h *Handler) editMessage(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	m, err := h.engine.Edit(c.Request.Context(), c.Param("id"), c.Param("key"), req.Text, req.Files)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "message edited", m)
}

// @Summary      Delete a message
// @Description  The row stays in place as a tombstone
// @Tags         messages
// @Produce      json
// @Param        id   path  string  true  "Conversation ID"
// @Param        key  path  string  true  "Message ID"
// @Success      200  {object}  response.APIResponse
// @Failure      404  {object}  response.APIResponse
// @Failure      502  {object}  response.APIResponse
// @Router       /conversations/{id}/messages/{key} [delete]
func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.engine.Delete(c.Request.Context(), c.Param("id"), c.Param("key")); err != nil {
		h.fail(c, err, nil)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "message deleted", nil)
}

// @Summary      Toggle a reaction
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        id       path  string        true  "Conversation ID"
// @Param        key      path  string        true  "Message ID"
// @Param        request  body  reactRequest  true  "Reaction symbol"
// @Success      200  {object}  response.APIResponse{data=chat.Message}
// @Router       /conversations/{id}/messages/{key}/reactions [post]
func (h *Handler) reactToMessage(c *gin.Context) {
	var req reactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	m, err := h.engine.React(c.Request.Context(), c.Param("id"), c.Param("key"), req.Symbol)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "reaction updated", m)
}

// @Summary      Toggle pin
// @Tags         messages
// @Produce      json
// @Param        id   path  string  true  "Conversation ID"
// @Param        key  path  string  true  "Message ID"
// @Success      200  {object}  response.APIResponse{data=chat.Message}
// @Router       /conversations/{id}/messages/{key}/pin [post]
func (h *Handler) togglePin(c *gin.Context) {
	m, err := h.engine.TogglePin(c.Request.Context(), c.Param("id"), c.Param("key"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "pin toggled", m)
}

// @Summary      Ask the assistant
// @Description  Starts a streamed reply; progress arrives as placeholder notices on /ws
// @Tags         assistant
// @Accept       json
// @Produce      json
// @Param        id       path  string      true  "Conversation ID"
// @Param        request  body  askRequest  true  "Prompt"
// @Success      202  {object}  response.APIResponse{data=chat.Message}
// @Failure      409  {object}  response.APIResponse "A reply is already streaming"
// @Failure      501  {object}  response.APIResponse "No assistant configured"
// @Router       /conversations/{id}/assistant [post]
func (h *Handler) askAssistant(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	m, err := h.engine.Ask(c.Request.Context(), c.Param("id"), req.Prompt)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.SendAPIResponse(c, http.StatusAccepted, true, "assistant responding", m)
}

// fail maps engine errors to status codes. Network errors from the backend
// become 502 so the shell shows a retry affordance.
func (h *Handler) fail(c *gin.Context, err error, data any) {
	code := http.StatusInternalServerError
	var terr *transport.Error
	switch {
	case errors.Is(err, send.ErrEmptyMessage), errors.Is(err, assistant.ErrEmptyPrompt):
		code = http.StatusBadRequest
	case errors.Is(err, send.ErrComposeDisabled):
		code = http.StatusForbidden
	case errors.Is(err, send.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, send.ErrNotFailed), errors.Is(err, send.ErrNotConfirmed),
		errors.Is(err, send.ErrDeleted), errors.Is(err, assistant.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, session.ErrNoAssistant):
		code = http.StatusNotImplemented
	case errors.As(err, &terr), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		h.logger.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	response.SendAPIResponse(c, code, false, err.Error(), data)
}

// nonZero avoids rendering an empty message when no row was created.
func nonZero(m chat.Message) any {
	if m.Key() == "" {
		return nil
	}
	return m
}
