package testhelpers

import (
	"context"
	"io"

	"chatsync/pkg/chat"
	"chatsync/pkg/transport"

	"github.com/stretchr/testify/mock"
)

// MockGateway is a testify mock of transport.Gateway.
type MockGateway struct {
	mock.Mock
}

var _ transport.Gateway = (*MockGateway)(nil)

func (m *MockGateway) FetchMessages(ctx context.Context, req transport.FetchRequest) (transport.FetchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(transport.FetchResult)
	return res, args.Error(1)
}

func (m *MockGateway) SendMessage(ctx context.Context, conversationID string, req transport.SendRequest) (chat.Message, error) {
	args := m.Called(ctx, conversationID, req)
	msg, _ := args.Get(0).(chat.Message)
	return msg, args.Error(1)
}

func (m *MockGateway) EditMessage(ctx context.Context, id string, req transport.EditRequest) (chat.Message, error) {
	args := m.Called(ctx, id, req)
	msg, _ := args.Get(0).(chat.Message)
	return msg, args.Error(1)
}

func (m *MockGateway) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockGateway) ReactToMessage(ctx context.Context, id, symbol string) (chat.Message, error) {
	args := m.Called(ctx, id, symbol)
	msg, _ := args.Get(0).(chat.Message)
	return msg, args.Error(1)
}

func (m *MockGateway) PinMessage(ctx context.Context, id string) (chat.Message, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(chat.Message)
	return msg, args.Error(1)
}

func (m *MockGateway) MarkRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *MockGateway) UploadFile(ctx context.Context, name, contentType string, r io.Reader, size int64) (chat.Attachment, error) {
	args := m.Called(ctx, name, contentType, r, size)
	att, _ := args.Get(0).(chat.Attachment)
	return att, args.Error(1)
}

// Page builds a FetchResult with count total messages on the server.
func Page(msgs []chat.Message, count int) transport.FetchResult {
	return transport.FetchResult{Messages: msgs, Count: count}
}

// DiscardLogger swallows log output in tests.
type DiscardLogger struct{}

func (DiscardLogger) Printf(string, ...interface{}) {}
