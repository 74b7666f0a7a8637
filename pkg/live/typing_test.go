package live

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTypingSelfExpires(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := NewTypingTracker("me", 5*time.Second)
	tr.SetClock(clock.now)

	tr.Observe("c1", "alice")
	clock.advance(3 * time.Second)
	tr.Observe("c1", "bob")
	require.Equal(t, []string{"alice", "bob"}, tr.Typing("c1"))
	require.Equal(t, 2, tr.Count())

	clock.advance(2 * time.Second)
	require.Equal(t, []string{"bob"}, tr.Typing("c1"))

	// a fresh event refreshes the expiry
	tr.Observe("c1", "bob")
	clock.advance(4 * time.Second)
	require.Equal(t, []string{"bob"}, tr.Typing("c1"))

	clock.advance(time.Second)
	require.Empty(t, tr.Typing("c1"))
	require.Zero(t, tr.Count())
}

func TestTypingIgnoresSelfAndIsScoped(t *testing.T) {
	tr := NewTypingTracker("me", 0)

	tr.Observe("c1", "me")
	tr.Observe("c1", "")
	tr.Observe("c2", "alice")

	require.Empty(t, tr.Typing("c1"))
	require.Equal(t, []string{"alice"}, tr.Typing("c2"))

	tr.Stop("c2", "alice")
	require.Empty(t, tr.Typing("c2"))
}

func TestPresenceSet(t *testing.T) {
	p := NewPresenceSet()
	p.Set("u2", true)
	p.Set("u1", true)
	p.Set("u1", true)
	p.Set("", true)

	require.True(t, p.IsOnline("u1"))
	require.Equal(t, []string{"u1", "u2"}, p.GetOnlineUsers())
	_, ok := p.OnlineSince("u2")
	require.True(t, ok)

	p.Set("u2", false)
	require.False(t, p.IsOnline("u2"))
	require.Equal(t, 1, p.Len())

	p.Reset()
	require.Empty(t, p.GetOnlineUsers())
}
