package types

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTopic is the placeholder title of a session that has not been
// auto-titled yet.
const DefaultTopic = "New Conversation"

// ChatStat holds the running counters shown next to a session.
type ChatStat struct {
	TokenCount int `json:"tokenCount"`
	WordCount  int `json:"wordCount"`
	CharCount  int `json:"charCount"`
}

// ChatSession is one conversation and its memory state.
type ChatSession struct {
	ID                 string        `json:"id"`
	Topic              string        `json:"topic"`
	MemoryPrompt       string        `json:"memoryPrompt"`
	Messages           []ChatMessage `json:"messages"`
	Stat               ChatStat      `json:"stat"`
	LastUpdate         time.Time     `json:"lastUpdate"`
	LastSummarizeIndex int           `json:"lastSummarizeIndex"`
	ClearContextIndex  *int          `json:"clearContextIndex,omitempty"`
	IsGenerating       bool          `json:"isGenerating"`
	Template           Template      `json:"template"`
}

// NewChatSession returns an empty session seeded with tmpl.
func NewChatSession(tmpl Template) ChatSession {
	return ChatSession{
		ID:         uuid.New().String(),
		Topic:      DefaultTopic,
		Messages:   []ChatMessage{},
		LastUpdate: time.Now(),
		Template:   tmpl.Clone(),
	}
}

// ClearFloor returns clearContextIndex or 0 when unset.
func (s ChatSession) ClearFloor() int {
	if s.ClearContextIndex == nil {
		return 0
	}
	return *s.ClearContextIndex
}

// MessageIndex returns the position of the message with id, or -1.
func (s ChatSession) MessageIndex(id string) int {
	for i, m := range s.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (s ChatSession) Clone() ChatSession {
	s.Messages = CloneMessages(s.Messages)
	if s.ClearContextIndex != nil {
		v := *s.ClearContextIndex
		s.ClearContextIndex = &v
	}
	s.Template = s.Template.Clone()
	return s
}

// IntPtr is a small helper for optional index fields.
func IntPtr(v int) *int {
	return &v
}
