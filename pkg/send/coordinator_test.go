package send

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/pkg/chat"
	"chatsync/pkg/testhelpers"
	"chatsync/pkg/transport"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeDrafts struct{ cleared []string }

func (f *fakeDrafts) Clear(conversationID string) { f.cleared = append(f.cleared, conversationID) }

type fakeScroller struct{ forced []string }

func (f *fakeScroller) ForceScroll(conversationID string) { f.forced = append(f.forced, conversationID) }

type fixture struct {
	c        *Coordinator
	gw       *testhelpers.MockGateway
	store    *chat.Store
	drafts   *fakeDrafts
	scroller *fakeScroller
	conv     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := &testhelpers.MockGateway{}
	store := chat.NewStore()
	f := &fixture{
		c:        NewCoordinator(store, gw, testhelpers.Self),
		gw:       gw,
		store:    store,
		drafts:   &fakeDrafts{},
		scroller: &fakeScroller{},
		conv:     testhelpers.NewConversationID(t),
	}
	f.c.SetDrafts(f.drafts)
	f.c.SetScroller(f.scroller)
	f.c.SetLogger(testhelpers.DiscardLogger{})
	f.c.SetClock(func() time.Time { return testhelpers.At(100) })
	store.ReplacePage(f.conv, testhelpers.NewMessages(t, f.conv, 1, 3))
	return f
}

func anySend() interface{} {
	return mock.MatchedBy(func(req transport.SendRequest) bool { return req.LocalID != "" })
}

func TestSendReconcilesInPlace(t *testing.T) {
	f := newFixture(t)

	f.gw.On("SendMessage", mock.Anything, f.conv, anySend()).
		Run(func(args mock.Arguments) {
			req := args.Get(2).(transport.SendRequest)
			msgs := f.store.Messages(f.conv)
			require.Len(t, msgs, 4)
			require.Equal(t, req.LocalID, msgs[3].LocalID)
			require.Equal(t, chat.StatusSending, msgs[3].Status)
			state, ok := f.c.State(req.LocalID)
			require.True(t, ok)
			require.Equal(t, StateSending, state)
		}).
		Return(chat.Message{ID: "X", ConversationID: f.conv, Body: "hello", CreatedAt: testhelpers.At(99), Status: chat.StatusSent}, nil).
		Once()

	m, err := f.c.Send(context.Background(), f.conv, Input{Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "X", m.ID)

	msgs := f.store.Messages(f.conv)
	require.Len(t, msgs, 4)
	require.Equal(t, "X", msgs[3].ID)
	require.Equal(t, chat.StatusSent, msgs[3].Status)
	require.Equal(t, testhelpers.Self, msgs[3].Sender)

	state, _ := f.c.State(m.LocalID)
	require.Equal(t, StateConfirmed, state)
	require.Equal(t, []string{f.conv}, f.drafts.cleared)
	require.Equal(t, []string{f.conv}, f.scroller.forced)
	f.gw.AssertExpectations(t)
}

func TestSendFailureStaysInPlace(t *testing.T) {
	f := newFixture(t)
	f.gw.On("SendMessage", mock.Anything, f.conv, anySend()).
		Return(chat.Message{}, &transport.Error{Op: "send message", StatusCode: 503}).Once()

	m, err := f.c.Send(context.Background(), f.conv, Input{Text: "hello"})
	require.Error(t, err)
	require.True(t, transport.IsTransient(err))
	require.Equal(t, chat.StatusFailed, m.Status)

	msgs := f.store.Messages(f.conv)
	require.Len(t, msgs, 4)
	require.Equal(t, chat.StatusFailed, msgs[3].Status)
	state, _ := f.c.State(m.LocalID)
	require.Equal(t, StateFailed, state)
	f.gw.AssertNumberOfCalls(t, "SendMessage", 1)
}

func TestSendFailureAfterEvictionKeepsFailedRow(t *testing.T) {
	f := newFixture(t)
	f.gw.On("SendMessage", mock.Anything, f.conv, anySend()).
		Run(func(mock.Arguments) { f.store.Evict(f.conv) }).
		Return(chat.Message{}, errors.New("offline")).Once()

	m, err := f.c.Send(context.Background(), f.conv, Input{Text: "hello"})
	require.Error(t, err)
	require.Equal(t, chat.StatusFailed, m.Status)
	require.Equal(t, "hello", m.Body)

	msgs := f.store.Messages(f.conv)
	require.Len(t, msgs, 1)
	require.Equal(t, m.LocalID, msgs[0].LocalID)
	require.Equal(t, chat.StatusFailed, msgs[0].Status)
}

func TestSendRefusals(t *testing.T) {
	tests := []struct {
		name  string
		conv  *chat.Conversation
		input Input
		want  error
	}{
		{"read only", &chat.Conversation{IsReadOnly: true}, Input{Text: "x"}, ErrComposeDisabled},
		{"muted", &chat.Conversation{Mute: chat.Mute{IsMuted: true}}, Input{Text: "x"}, ErrComposeDisabled},
		{"blank", nil, Input{Text: "   "}, ErrEmptyMessage},
		{"only failed uploads", nil, Input{Files: []chat.Attachment{
			{Name: "a", Status: chat.AttachmentFailed},
			{Name: "b", Status: chat.AttachmentUploading},
		}}, ErrEmptyMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.conv != nil {
				meta := *tt.conv
				meta.ID = f.conv
				f.store.PutConversation(meta)
			}

			_, err := f.c.Send(context.Background(), f.conv, tt.input)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, 3, f.store.Len(f.conv))
			require.Empty(t, f.drafts.cleared)
			f.gw.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSendDropsUnfinishedAttachments(t *testing.T) {
	f := newFixture(t)
	done := chat.Attachment{Name: "ok.png", URL: "https://cdn/ok.png", Status: chat.AttachmentSuccess}

	f.gw.On("SendMessage", mock.Anything, f.conv, mock.MatchedBy(func(req transport.SendRequest) bool {
		return len(req.Files) == 1 && req.Files[0].Name == "ok.png"
	})).Return(chat.Message{ID: "X", Attachments: []chat.Attachment{done}}, nil).Once()

	m, err := f.c.Send(context.Background(), f.conv, Input{Files: []chat.Attachment{
		done,
		{Name: "bad.png", Status: chat.AttachmentFailed},
		{Name: "slow.png", Status: chat.AttachmentUploading},
	}})
	require.NoError(t, err)
	require.Len(t, m.Attachments, 1)
	f.gw.AssertExpectations(t)
}

func TestResendAndDiscard(t *testing.T) {
	f := newFixture(t)
	f.gw.On("SendMessage", mock.Anything, f.conv, anySend()).Return(chat.Message{}, errors.New("offline")).Once()

	failed, err := f.c.Send(context.Background(), f.conv, Input{Text: "retry me", ParentID: "m-001"})
	require.Error(t, err)

	f.gw.On("SendMessage", mock.Anything, f.conv, mock.MatchedBy(func(req transport.SendRequest) bool {
		return req.Text == "retry me" && req.ParentMessageID == "m-001" && req.LocalID != failed.LocalID
	})).Return(chat.Message{ID: "Y", Status: chat.StatusSent}, nil).Once()

	m, err := f.c.Resend(context.Background(), f.conv, failed.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Y", m.ID)
	require.Equal(t, 4, f.store.Len(f.conv))
	_, ok := f.store.Get(f.conv, failed.LocalID)
	require.False(t, ok)
	// a resend does not touch the draft the user may be typing
	require.Len(t, f.drafts.cleared, 1)

	_, err = f.c.Resend(context.Background(), f.conv, "Y")
	require.ErrorIs(t, err, ErrNotFailed)

	f.gw.On("SendMessage", mock.Anything, f.conv, anySend()).Return(chat.Message{}, errors.New("offline")).Once()
	failed, _ = f.c.Send(context.Background(), f.conv, Input{Text: "drop me"})
	require.NoError(t, f.c.Discard(f.conv, failed.LocalID))
	require.Equal(t, 4, f.store.Len(f.conv))
	require.ErrorIs(t, f.c.Discard(f.conv, failed.LocalID), ErrNotFound)
}

func TestEditRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	before, _ := f.store.Get(f.conv, "m-002")

	f.gw.On("EditMessage", mock.Anything, "m-002", transport.EditRequest{Text: "new body"}).
		Run(func(mock.Arguments) {
			cur, _ := f.store.Get(f.conv, "m-002")
			require.Equal(t, "new body", cur.Body)
		}).
		Return(chat.Message{}, errors.New("forbidden")).Once()

	_, err := f.c.Edit(context.Background(), f.conv, "m-002", "new body", nil)
	require.Error(t, err)

	got, _ := f.store.Get(f.conv, "m-002")
	require.Equal(t, before.Body, got.Body)
	require.False(t, got.IsEdited())
}

func TestEditAppliesServerCopy(t *testing.T) {
	f := newFixture(t)
	editedAt := testhelpers.At(101)
	f.gw.On("EditMessage", mock.Anything, "m-002", transport.EditRequest{Text: "new body"}).
		Return(chat.Message{ID: "m-002", Body: "new body", EditedAt: &editedAt}, nil).Once()

	m, err := f.c.Edit(context.Background(), f.conv, "m-002", "new body", nil)
	require.NoError(t, err)
	require.Equal(t, "new body", m.Body)
	require.True(t, m.IsEdited())
	require.Equal(t, editedAt, *m.EditedAt)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	f := newFixture(t)
	f.gw.On("DeleteMessage", mock.Anything, "m-002").Return(nil).Once()

	require.NoError(t, f.c.Delete(context.Background(), f.conv, "m-002"))

	msgs := f.store.Messages(f.conv)
	require.Len(t, msgs, 3)
	require.True(t, msgs[1].IsTombstone())
	require.Empty(t, msgs[1].Body)

	_, err := f.c.Edit(context.Background(), f.conv, "m-002", "zombie", nil)
	require.ErrorIs(t, err, ErrDeleted)
}

func TestReactTogglesOwnReaction(t *testing.T) {
	f := newFixture(t)
	f.gw.On("ReactToMessage", mock.Anything, "m-001", "+1").
		Return(chat.Message{ID: "m-001", Reactions: map[string]int{"+1": 1}}, nil).Once()
	f.gw.On("ReactToMessage", mock.Anything, "m-001", "+1").
		Return(chat.Message{ID: "m-001"}, nil).Once()

	m, err := f.c.React(context.Background(), f.conv, "m-001", "+1")
	require.NoError(t, err)
	require.Equal(t, 1, m.Reactions["+1"])
	require.Equal(t, []string{"+1"}, m.MyReactions)

	m, err = f.c.React(context.Background(), f.conv, "m-001", "+1")
	require.NoError(t, err)
	require.Empty(t, m.Reactions)
	require.Empty(t, m.MyReactions)
}

func TestTogglePin(t *testing.T) {
	f := newFixture(t)
	f.gw.On("PinMessage", mock.Anything, "m-003").Return(chat.Message{ID: "m-003", PinnedBy: &testhelpers.Self}, nil).Once()
	f.gw.On("PinMessage", mock.Anything, "m-003").Return(chat.Message{ID: "m-003"}, nil).Once()

	m, err := f.c.TogglePin(context.Background(), f.conv, "m-003")
	require.NoError(t, err)
	require.True(t, m.IsPinned())
	require.Len(t, f.store.Pinned(f.conv), 1)

	m, err = f.c.TogglePin(context.Background(), f.conv, "m-003")
	require.NoError(t, err)
	require.False(t, m.IsPinned())
	require.Empty(t, f.store.Pinned(f.conv))
}

func TestOperationsNeedConfirmedMessage(t *testing.T) {
	f := newFixture(t)
	f.store.AppendOrUpsert(f.conv, chat.Message{LocalID: "local-1", CreatedAt: testhelpers.At(50), Status: chat.StatusSending})

	_, err := f.c.React(context.Background(), f.conv, "local-1", "+1")
	require.ErrorIs(t, err, ErrNotConfirmed)
	_, err = f.c.TogglePin(context.Background(), f.conv, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
