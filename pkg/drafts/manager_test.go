package drafts

import (
	"testing"

	"chatsync/pkg/chat"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSetMergesPartialUpdates(t *testing.T) {
	m := NewManager()
	file := chat.Attachment{Name: "a.png", Status: chat.AttachmentUploading}

	m.Set("c1", Update{Files: []chat.Attachment{file}})
	d := m.Set("c1", Update{Text: strPtr("hello")})

	require.Equal(t, "hello", d.Text)
	require.Equal(t, []chat.Attachment{file}, d.Files)

	d = m.Set("c1", Update{Files: []chat.Attachment{}})
	require.Equal(t, "hello", d.Text)
	require.Empty(t, d.Files)
}

func TestDraftSurvivesConversationSwitch(t *testing.T) {
	m := NewManager()
	uploading := chat.Attachment{Name: "big.mov", Status: chat.AttachmentUploading}
	m.Set("c1", Update{Text: strPtr("half typed"), Files: []chat.Attachment{uploading}})
	m.Set("c2", Update{Text: strPtr("other")})

	d := m.Get("c1")
	require.Equal(t, "half typed", d.Text)
	require.Equal(t, []chat.Attachment{uploading}, d.Files)
	require.Equal(t, "other", m.Get("c2").Text)
}

func TestUpdateFileOnlyTouchesThatFile(t *testing.T) {
	m := NewManager()
	m.Set("c1", Update{Files: []chat.Attachment{
		{Name: "a.png", Status: chat.AttachmentUploading},
		{Name: "b.png", Status: chat.AttachmentUploading},
	}})

	m.UpdateFile("c1", chat.Attachment{Name: "a.png", Status: chat.AttachmentFailed})
	d := m.UpdateFile("c1", chat.Attachment{Name: "b.png", URL: "https://cdn/b.png", Status: chat.AttachmentSuccess})

	require.Len(t, d.Files, 2)
	require.Equal(t, chat.AttachmentFailed, d.Files[0].Status)
	require.Equal(t, chat.AttachmentSuccess, d.Files[1].Status)
	require.Equal(t, "https://cdn/b.png", d.Files[1].URL)

	d = m.UpdateFile("c1", chat.Attachment{Name: "c.png", Status: chat.AttachmentUploading})
	require.Len(t, d.Files, 3)

	d = m.RemoveFile("c1", "a.png")
	require.Len(t, d.Files, 2)
	require.Equal(t, "b.png", d.Files[0].Name)
}

func TestClearAndCopies(t *testing.T) {
	m := NewManager()
	m.Set("c1", Update{Text: strPtr("x"), Files: []chat.Attachment{{Name: "a"}}})

	d := m.Get("c1")
	d.Files[0].Name = "mutated"
	require.Equal(t, "a", m.Get("c1").Files[0].Name)

	m.Clear("c1")
	d = m.Get("c1")
	require.Empty(t, d.Text)
	require.Empty(t, d.Files)
	require.Equal(t, "c1", d.ConversationID)
}
