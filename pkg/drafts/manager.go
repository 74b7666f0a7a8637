package drafts

import (
	"sync"

	"chatsync/pkg/chat"
)

// Draft is the unsent compose state of one conversation.
type Draft struct {
	ConversationID string            `json:"conversation_id"`
	Text           string            `json:"text"`
	Files          []chat.Attachment `json:"files"`
}

// Update is a partial draft change. Nil fields are left as they are.
type Update struct {
	Text  *string           `json:"text,omitempty"`
	Files []chat.Attachment `json:"files,omitempty"`
}

// Manager keeps drafts for the lifetime of the session.
type Manager struct {
	mu     sync.RWMutex
	drafts map[string]Draft
}

func NewManager() *Manager {
	return &Manager{drafts: make(map[string]Draft)}
}

// Get returns the draft of a conversation, or an empty one.
func (m *Manager) Get(conversationID string) Draft {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.drafts[conversationID]
	if !ok {
		return Draft{ConversationID: conversationID, Files: []chat.Attachment{}}
	}
	return copyDraft(d)
}

// Set merges u into the stored draft and returns the result.
func (m *Manager) Set(conversationID string, u Update) Draft {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.drafts[conversationID]
	d.ConversationID = conversationID
	if u.Text != nil {
		d.Text = *u.Text
	}
	if u.Files != nil {
		d.Files = append([]chat.Attachment{}, u.Files...)
	}
	if d.Files == nil {
		d.Files = []chat.Attachment{}
	}
	m.drafts[conversationID] = d
	return copyDraft(d)
}

// UpdateFile replaces the attachment with the same name, or appends it.
// Only that attachment changes, so a failed upload leaves the rest intact.
func (m *Manager) UpdateFile(conversationID string, f chat.Attachment) Draft {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.drafts[conversationID]
	d.ConversationID = conversationID
	files := append([]chat.Attachment{}, d.Files...)
	replaced := false
	for i := range files {
		if files[i].Name == f.Name {
			files[i] = f
			replaced = true
			break
		}
	}
	if !replaced {
		files = append(files, f)
	}
	d.Files = files
	m.drafts[conversationID] = d
	return copyDraft(d)
}

// RemoveFile drops one attachment by name.
func (m *Manager) RemoveFile(conversationID, name string) Draft {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drafts[conversationID]
	if !ok {
		return Draft{ConversationID: conversationID, Files: []chat.Attachment{}}
	}
	files := make([]chat.Attachment, 0, len(d.Files))
	for _, f := range d.Files {
		if f.Name != name {
			files = append(files, f)
		}
	}
	d.Files = files
	m.drafts[conversationID] = d
	return copyDraft(d)
}

// Clear forgets the draft, typically after a successful send.
func (m *Manager) Clear(conversationID string) {
	m.mu.Lock()
	delete(m.drafts, conversationID)
	m.mu.Unlock()
}

func copyDraft(d Draft) Draft {
	d.Files = append([]chat.Attachment{}, d.Files...)
	return d
}
