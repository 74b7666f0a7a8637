package viewport

import "sync"

// Measurer reads and writes the scroll geometry of a conversation's list.
type Measurer interface {
	ScrollHeight(conversationID string) float64
	ScrollTop(conversationID string) float64
	SetScrollTop(conversationID string, top float64)
}

type snapshot struct {
	height float64
	top    float64
}

// Anchor keeps the visible content still while rows are inserted above it.
type Anchor struct {
	measurer Measurer

	mu    sync.Mutex
	snaps map[string]snapshot
}

func NewAnchor(m Measurer) *Anchor {
	return &Anchor{measurer: m, snaps: make(map[string]snapshot)}
}

// Capture records the geometry before the list grows.
func (a *Anchor) Capture(conversationID string) {
	s := snapshot{
		height: a.measurer.ScrollHeight(conversationID),
		top:    a.measurer.ScrollTop(conversationID),
	}
	a.mu.Lock()
	a.snaps[conversationID] = s
	a.mu.Unlock()
}

// Restore shifts scroll_top by the height that was added above.
func (a *Anchor) Restore(conversationID string) {
	a.mu.Lock()
	s, ok := a.snaps[conversationID]
	delete(a.snaps, conversationID)
	a.mu.Unlock()
	if !ok {
		return
	}

	newHeight := a.measurer.ScrollHeight(conversationID)
	a.measurer.SetScrollTop(conversationID, s.top+(newHeight-s.height))
}
