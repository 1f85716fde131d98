package types

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason mirrors the OpenAI finish_reason values reported by backends.
type StopReason string

const (
	StopReasonStop         StopReason = "stop"
	StopReasonLength       StopReason = "length"
	StopReasonToolCalls    StopReason = "tool_calls"
	StopReasonAbort        StopReason = "abort"
	StopReasonContentFiler StopReason = "content_filter"
)

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ImageURL points at an attached image.
type ImageURL struct {
	URL string `json:"url"`
}

// Dimension is the pixel size of an attached image.
type Dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	ImageURL  *ImageURL  `json:"image_url,omitempty"`
	Dimension *Dimension `json:"dimension,omitempty"`
}

// Content is either plain text or an ordered list of parts. It marshals as a
// JSON string in the first case and as an array in the second.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent builds plain text content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// IsMultimodal reports whether the content is a part list.
func (c Content) IsMultimodal() bool {
	return c.Parts != nil
}

// String returns the text of the content; for multimodal content that is
// the first text part.
func (c Content) String() string {
	if !c.IsMultimodal() {
		return c.Text
	}
	for _, p := range c.Parts {
		if p.Type == PartText {
			return p.Text
		}
	}
	return ""
}

// Images returns the image parts of multimodal content.
func (c Content) Images() []ContentPart {
	var out []ContentPart
	for _, p := range c.Parts {
		if p.Type == PartImageURL {
			out = append(out, p)
		}
	}
	return out
}

// Len is the length of the text content in bytes.
func (c Content) Len() int {
	return len(c.String())
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	if c.Parts == nil {
		return c
	}
	parts := make([]ContentPart, len(c.Parts))
	for i, p := range c.Parts {
		if p.ImageURL != nil {
			u := *p.ImageURL
			p.ImageURL = &u
		}
		if p.Dimension != nil {
			d := *p.Dimension
			p.Dimension = &d
		}
		parts[i] = p
	}
	return Content{Text: c.Text, Parts: parts}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultimodal() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		*c = Content{Parts: parts}
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Content{Text: s}
	return nil
}

// Usage is the token accounting a backend attaches to a finished reply.
// Extra holds engine specific figures such as prefill_tokens_per_s and is
// passed through untouched, whatever its value types.
type Usage struct {
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy.
func (u *Usage) Clone() *Usage {
	if u == nil {
		return nil
	}
	out := *u
	if u.Extra != nil {
		out.Extra = cloneValue(u.Extra).(map[string]any)
	}
	return &out
}

// cloneValue deep copies decoded JSON.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// RequestMessage is the shape sent to a model.
type RequestMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ChatMessage represents a single message in a chat session.
type ChatMessage struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	Date       time.Time  `json:"date"`
	Streaming  bool       `json:"streaming,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
	StopReason StopReason `json:"stopReason,omitempty"`
	Model      string     `json:"model,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// NewMessage creates a message with a fresh id, the current date and the
// default stop reason.
func NewMessage(role Role, content Content) ChatMessage {
	return ChatMessage{
		ID:         uuid.New().String(),
		Role:       role,
		Content:    content,
		Date:       time.Now(),
		StopReason: StopReasonStop,
	}
}

// Request converts the message to its wire form.
func (m ChatMessage) Request() RequestMessage {
	return RequestMessage{Role: m.Role, Content: m.Content.Clone()}
}

// Clone returns a deep copy.
func (m ChatMessage) Clone() ChatMessage {
	m.Content = m.Content.Clone()
	m.Usage = m.Usage.Clone()
	return m
}

// CloneMessages deep copies a message slice, preserving nil.
func CloneMessages(msgs []ChatMessage) []ChatMessage {
	if msgs == nil {
		return nil
	}
	out := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// RequestMessages converts a message slice to its wire form.
func RequestMessages(msgs []ChatMessage) []RequestMessage {
	out := make([]RequestMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Request()
	}
	return out
}
