package testhelpers

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/pkg/chat"
)

var uniqueCounter int64

func nextSuffix() int64 {
	return atomic.AddInt64(&uniqueCounter, 1)
}

// Epoch is the reference time fixtures are laid out from.
var Epoch = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

var (
	Self  = chat.UserSummary{ID: "u-self", DisplayName: "Self"}
	Other = chat.UserSummary{ID: "u-other", DisplayName: "Other"}
)

// At returns Epoch shifted by the given number of minutes.
func At(minute int) time.Time {
	return Epoch.Add(time.Duration(minute) * time.Minute)
}

// NewMessage builds a confirmed message sent by Other at Epoch+minute.
func NewMessage(t *testing.T, conversationID, id string, minute int) chat.Message {
	t.Helper()

	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         Other,
		Body:           fmt.Sprintf("body of %s", id),
		CreatedAt:      At(minute),
		Status:         chat.StatusSent,
		Kind:           chat.KindNormal,
	}
}

// NewMessages builds n consecutive messages with ids m-<from>..m-<from+n-1>,
// one minute apart, oldest first.
func NewMessages(t *testing.T, conversationID string, from, n int) []chat.Message {
	t.Helper()

	out := make([]chat.Message, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, NewMessage(t, conversationID, fmt.Sprintf("m-%03d", i), i))
	}
	return out
}

// NewConversationID returns a conversation id unique to the test binary.
func NewConversationID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("conv-%d", nextSuffix())
}

// Keys returns the store keys of msgs in order.
func Keys(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}
