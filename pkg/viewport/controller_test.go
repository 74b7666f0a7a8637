package viewport

import (
	"testing"

	"chatsync/pkg/chat"
	"chatsync/pkg/testhelpers"

	"github.com/stretchr/testify/require"
)

func newController(t *testing.T) (*Controller, *chat.Store, string) {
	t.Helper()
	store := chat.NewStore()
	conv := testhelpers.NewConversationID(t)
	c := NewController(Config{}, testhelpers.Self.ID, store, nil)
	c.Open(conv)
	return c, store, conv
}

func appended(conv string, sender chat.UserSummary) chat.Change {
	m := chat.Message{ID: "x", ConversationID: conv, Sender: sender}
	return chat.Change{ConversationID: conv, Op: chat.OpAppended, Key: "x", Message: &m}
}

func scrolledUp() Viewport {
	return Viewport{ScrollTop: 400, ScrollHeight: 2000, ClientHeight: 600}
}

func TestFirstRenderScrollsToBottom(t *testing.T) {
	c, _, conv := newController(t)

	d := c.OnChange(chat.Change{ConversationID: conv, Op: chat.OpReplaced, Count: 15})
	require.True(t, d.ScrollToBottom)
	require.True(t, d.MarkRead)
}

func TestNoSurpriseScroll(t *testing.T) {
	tests := []struct {
		name   string
		vp     Viewport
		sender chat.UserSummary
		scroll bool
	}{
		{"scrolled up, other user", scrolledUp(), testhelpers.Other, false},
		{"scrolled up, own message", scrolledUp(), testhelpers.Self, true},
		{"at bottom, other user", Viewport{ScrollTop: 1380, ScrollHeight: 2000, ClientHeight: 600}, testhelpers.Other, true},
		{"within tolerance", Viewport{ScrollTop: 1370, ScrollHeight: 2000, ClientHeight: 600}, testhelpers.Other, true},
		{"just outside tolerance", Viewport{ScrollTop: 1360, ScrollHeight: 2000, ClientHeight: 600}, testhelpers.Other, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, conv := newController(t)
			c.OnChange(chat.Change{ConversationID: conv, Op: chat.OpReplaced})
			c.OnScroll(conv, tt.vp)

			d := c.OnChange(appended(conv, tt.sender))
			require.Equal(t, tt.scroll, d.ScrollToBottom)
			require.Equal(t, tt.scroll, d.MarkRead)
		})
	}
}

func TestForcedScrollAppliesOnce(t *testing.T) {
	c, _, conv := newController(t)
	c.OnChange(chat.Change{ConversationID: conv, Op: chat.OpReplaced})
	c.OnScroll(conv, scrolledUp())

	c.ForceScroll(conv)
	require.True(t, c.OnChange(appended(conv, testhelpers.Other)).ScrollToBottom)
	require.True(t, c.AtBottom(conv))

	c.OnScroll(conv, scrolledUp())
	require.False(t, c.OnChange(appended(conv, testhelpers.Other)).ScrollToBottom)
}

func TestChangesForOtherConversationsAreIgnored(t *testing.T) {
	c, _, _ := newController(t)

	d := c.OnChange(appended("elsewhere", testhelpers.Self))
	require.False(t, d.ScrollToBottom)
	require.False(t, d.MarkRead)
}

func TestUpdatesAndPrependsNeverScroll(t *testing.T) {
	c, _, conv := newController(t)
	c.OnChange(chat.Change{ConversationID: conv, Op: chat.OpReplaced})

	require.False(t, c.OnChange(chat.Change{ConversationID: conv, Op: chat.OpPrepended, Count: 15}).ScrollToBottom)
	require.False(t, c.OnChange(chat.Change{ConversationID: conv, Op: chat.OpUpdated, Key: "x"}).ScrollToBottom)
}

func TestNearTopTriggersLoader(t *testing.T) {
	c, _, conv := newController(t)
	var loads []string
	c.SetLoader(func(id string) { loads = append(loads, id) })

	res := c.OnScroll(conv, Viewport{ScrollTop: 500, ScrollHeight: 2000, ClientHeight: 600})
	require.False(t, res.LoadOlder)
	require.False(t, res.AtBottom)

	res = c.OnScroll(conv, Viewport{ScrollTop: 100, ScrollHeight: 2000, ClientHeight: 600})
	require.True(t, res.LoadOlder)
	require.Equal(t, []string{conv}, loads)

	// background conversations never page
	res = c.OnScroll("other", Viewport{ScrollTop: 0, ScrollHeight: 2000, ClientHeight: 600})
	require.False(t, res.LoadOlder)
	require.Len(t, loads, 1)
}

type rowMeasurer struct {
	store     *chat.Store
	rowHeight float64
	top       float64
}

func (m *rowMeasurer) ScrollHeight(conv string) float64 {
	return float64(m.store.Len(conv)) * m.rowHeight
}

func (m *rowMeasurer) ScrollTop(string) float64 {
	return m.top
}

func (m *rowMeasurer) SetScrollTop(_ string, top float64) {
	m.top = top
}

// offsetOf returns the row's distance from the top of the visible area.
func (m *rowMeasurer) offsetOf(conv, key string) float64 {
	for i, msg := range m.store.Messages(conv) {
		if msg.Key() == key {
			return float64(i)*m.rowHeight - m.top
		}
	}
	return -1
}

func TestAnchorKeepsVisibleMessageInPlace(t *testing.T) {
	store := chat.NewStore()
	conv := testhelpers.NewConversationID(t)
	all := testhelpers.NewMessages(t, conv, 1, 35)
	store.ReplacePage(conv, all[15:])

	m := &rowMeasurer{store: store, rowHeight: 50}
	m.top = 10 * m.rowHeight
	target := all[25].ID
	before := m.offsetOf(conv, target)

	a := NewAnchor(m)
	a.Capture(conv)
	store.PrependOlder(conv, all[:15])
	a.Restore(conv)

	require.Equal(t, before, m.offsetOf(conv, target))
	require.Equal(t, 25*m.rowHeight, m.top)
}

func TestControllerEstimatesGeometryForAnchor(t *testing.T) {
	c, store, conv := newController(t)
	all := testhelpers.NewMessages(t, conv, 1, 35)
	store.ReplacePage(conv, all[15:])
	c.OnScroll(conv, Viewport{ScrollTop: 500, ScrollHeight: 1000, ClientHeight: 300})

	a := NewAnchor(c)
	a.Capture(conv)
	store.PrependOlder(conv, all[:15])
	a.Restore(conv)

	top, ok := c.PendingScrollTop(conv)
	require.True(t, ok)
	require.InDelta(t, 1250, top, 0.001)
	_, ok = c.PendingScrollTop(conv)
	require.False(t, ok)
}

func TestRestoreWithoutCaptureIsNoop(t *testing.T) {
	m := &rowMeasurer{store: chat.NewStore(), rowHeight: 10, top: 42}
	NewAnchor(m).Restore("c1")
	require.Equal(t, 42.0, m.top)
}
