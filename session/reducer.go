package session

import (
	"regexp"
	"slices"
	"time"

	"webllm-chat/prompts"
	"webllm-chat/web/types"
)

// Action is a state transition on a single session. Actions address
// messages by id so concurrent flows on the same session never collide.
type Action interface {
	apply(s *types.ChatSession)
}

// Reduce applies action to a deep copy of s and returns it. The index
// invariants are restored afterwards.
func Reduce(s types.ChatSession, action Action) types.ChatSession {
	out := s.Clone()
	action.apply(&out)
	clampIndices(&out)
	return out
}

func clampIndices(s *types.ChatSession) {
	n := len(s.Messages)
	s.LastSummarizeIndex = min(max(s.LastSummarizeIndex, 0), n)
	if s.ClearContextIndex != nil {
		s.ClearContextIndex = types.IntPtr(min(max(*s.ClearContextIndex, 0), n))
	}
}

func findMessage(s *types.ChatSession, id string) *types.ChatMessage {
	if id == "" {
		return nil
	}
	if i := s.MessageIndex(id); i >= 0 {
		return &s.Messages[i]
	}
	return nil
}

// AppendMessages adds messages at the end of the history.
type AppendMessages struct {
	Messages []types.ChatMessage
}

func (a AppendMessages) apply(s *types.ChatSession) {
	s.Messages = append(s.Messages, types.CloneMessages(a.Messages)...)
}

// StreamUpdate replaces the text of a streaming message with the cumulative
// reply. Empty updates are ignored.
type StreamUpdate struct {
	MessageID string
	Content   string
}

func (a StreamUpdate) apply(s *types.ChatSession) {
	m := findMessage(s, a.MessageID)
	if m == nil || a.Content == "" {
		return
	}
	m.Content = types.TextContent(a.Content)
}

var emptyThink = regexp.MustCompile(`<think>\s*</think>`)

// StripEmptyThinking removes empty <think></think> pairs. Blocks with text
// inside are kept.
func StripEmptyThinking(text string) string {
	return emptyThink.ReplaceAllString(text, "")
}

// FinishMessage closes a streamed reply.
type FinishMessage struct {
	MessageID  string
	Content    string
	StopReason types.StopReason
	Usage      *types.Usage
	// StripThinking drops empty thinking markers, set when thinking is off.
	StripThinking bool
}

func (a FinishMessage) apply(s *types.ChatSession) {
	m := findMessage(s, a.MessageID)
	if m == nil {
		return
	}
	m.Streaming = false
	if a.StopReason != "" {
		m.StopReason = a.StopReason
	}
	if a.Usage != nil {
		m.Usage = a.Usage.Clone()
	}
	if a.Content != "" {
		content := a.Content
		if a.StripThinking {
			content = StripEmptyThinking(content)
		}
		m.Content = types.TextContent(content)
	}
}

// FailMessage ends a request that did not finish. Aborted requests keep
// whatever was streamed and flag nothing; failures append the error text to
// the reply and flag both messages, unless KeepUser is set.
type FailMessage struct {
	UserMessageID string
	BotMessageID  string
	Error         string
	Aborted       bool
	// KeepUser leaves the user message unflagged, for failures that happened
	// before the message reached the model.
	KeepUser bool
	// DropText clears the reply first, when it only held load progress.
	DropText bool
}

func (a FailMessage) apply(s *types.ChatSession) {
	bot := findMessage(s, a.BotMessageID)
	if bot != nil {
		bot.Streaming = false
		if a.DropText {
			bot.Content = types.TextContent("")
		}
		if a.Aborted {
			bot.StopReason = types.StopReasonAbort
		} else {
			text := bot.Content.String()
			if text != "" {
				text += "\n\n"
			}
			bot.Content = types.TextContent(text + a.Error)
			bot.IsError = true
		}
	}
	if user := findMessage(s, a.UserMessageID); user != nil {
		user.IsError = !a.Aborted && !a.KeepUser
	}
}

// SetGenerating toggles the generating flag.
type SetGenerating struct {
	Generating bool
}

func (a SetGenerating) apply(s *types.ChatSession) {
	s.IsGenerating = a.Generating
}

// SetTopic renames the session. An empty topic restores the default.
type SetTopic struct {
	Topic string
}

func (a SetTopic) apply(s *types.ChatSession) {
	s.Topic = a.Topic
	if s.Topic == "" {
		s.Topic = types.DefaultTopic
	}
}

// SetMemory stores the long-term memory prompt. SummarizeIndex, when set,
// moves the summarized boundary.
type SetMemory struct {
	Prompt         string
	SummarizeIndex *int
}

func (a SetMemory) apply(s *types.ChatSession) {
	s.MemoryPrompt = a.Prompt
	if a.SummarizeIndex != nil {
		s.LastSummarizeIndex = *a.SummarizeIndex
	}
}

// DeleteMessages removes messages by id. Unknown ids are ignored.
type DeleteMessages struct {
	IDs []string
}

func (a DeleteMessages) apply(s *types.ChatSession) {
	s.Messages = slices.DeleteFunc(s.Messages, func(m types.ChatMessage) bool {
		return slices.Contains(a.IDs, m.ID)
	})
}

// ResetMessages drops the history and the memory.
type ResetMessages struct{}

func (ResetMessages) apply(s *types.ChatSession) {
	s.Messages = []types.ChatMessage{}
	s.MemoryPrompt = ""
	s.LastSummarizeIndex = 0
	s.ClearContextIndex = nil
}

// ToggleClearContext places the context floor after the last message, or
// removes it when it is already there.
type ToggleClearContext struct{}

func (ToggleClearContext) apply(s *types.ChatSession) {
	n := len(s.Messages)
	if s.ClearContextIndex != nil && *s.ClearContextIndex == n {
		s.ClearContextIndex = nil
		return
	}
	s.ClearContextIndex = types.IntPtr(n)
}

// StopStreaming reconciles messages left streaming by a request that will
// never report back. A trailing empty assistant placeholder is removed,
// empty streaming messages older than StaleAfter become errors, and no
// message keeps its streaming flag.
type StopStreaming struct {
	Now        time.Time
	StaleAfter time.Duration
}

func (a StopStreaming) apply(s *types.ChatSession) {
	if n := len(s.Messages); n > 0 {
		last := s.Messages[n-1]
		if last.Role == types.RoleAssistant && last.Streaming && last.Content.Len() == 0 {
			s.Messages = s.Messages[:n-1]
		}
	}
	cutoff := a.Now.Add(-a.StaleAfter)
	for i := range s.Messages {
		m := &s.Messages[i]
		if !m.Streaming {
			continue
		}
		m.Streaming = false
		if m.Content.Len() == 0 && m.Date.Before(cutoff) {
			m.IsError = true
			m.Content = types.TextContent(prompts.GenericError())
		}
	}
}

// UpdateStat adds a finished message to the running counters.
type UpdateStat struct {
	Chars  int
	Words  int
	Tokens int
}

func (a UpdateStat) apply(s *types.ChatSession) {
	s.Stat.CharCount += a.Chars
	s.Stat.WordCount += a.Words
	s.Stat.TokenCount += a.Tokens
}

// Touch records activity on the session.
type Touch struct {
	At time.Time
}

func (a Touch) apply(s *types.ChatSession) {
	s.LastUpdate = a.At
}

// Batch applies actions in order.
type Batch []Action

func (b Batch) apply(s *types.ChatSession) {
	for _, a := range b {
		a.apply(s)
	}
}
