// Package memory builds the context window sent to a model for one request.
package memory

import (
	"strings"
	"time"

	"webllm-chat/prompts"
	"webllm-chat/tokens"
	"webllm-chat/web/types"

	"go.uber.org/zap"
)

// timeLayout renders the {{time}} variable.
const timeLayout = "Mon Jan 02 2006 15:04:05 GMT-0700 (MST)"

// Vars are the substitutions available to input and system templates.
type Vars struct {
	Provider string
	Model    string
	Time     string
	Lang     string
}

// TemplateVars derives the template variables for the active model.
func TemplateVars(cfg types.ChatConfig, mc types.ModelConfig, now time.Time) Vars {
	provider := "unknown"
	if rec, ok := cfg.FindModel(mc.Model); ok && rec.Provider != "" {
		provider = rec.Provider
	}
	lang := cfg.Lang
	if lang == "" {
		lang = "en"
	}
	return Vars{
		Provider: provider,
		Model:    mc.Model,
		Time:     now.Format(timeLayout),
		Lang:     lang,
	}
}

// FillTemplate applies tmpl to input. A template the input already starts
// with is dropped, and a template without {{input}} gets it appended on a new
// line.
func FillTemplate(input string, tmpl string, vars Vars) string {
	output := tmpl
	if strings.HasPrefix(input, output) {
		output = ""
	}

	const inputVar = "{{input}}"
	if !strings.Contains(output, inputVar) {
		output += "\n" + inputVar
	}

	for _, kv := range []struct{ name, value string }{
		{"provider", vars.Provider},
		{"model", vars.Model},
		{"time", vars.Time},
		{"lang", vars.Lang},
		{"input", input},
	} {
		output = strings.ReplaceAll(output, "{{"+kv.name+"}}", kv.value)
	}
	return output
}

// Window is an assembled context window.
type Window struct {
	// Messages in send order: system, memory, template context, recent.
	Messages []types.ChatMessage
	// RecentIndices are the session indices of the recent portion, ascending.
	RecentIndices []int
	// ContextStart is the floor no recent message falls below.
	ContextStart int
	// IncludesMemory reports whether the long-term memory message was sent.
	IncludesMemory bool
}

// Requests converts the window to wire messages.
func (w Window) Requests() []types.RequestMessage {
	return types.RequestMessages(w.Messages)
}

// Assembler builds context windows.
type Assembler struct {
	estimator tokens.Estimator
	logger    *zap.Logger
	now       func() time.Time
}

// NewAssembler creates an assembler. A nil estimator falls back to the
// uncached heuristic.
func NewAssembler(estimator tokens.Estimator, logger *zap.Logger) *Assembler {
	if estimator == nil {
		estimator = tokens.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{estimator: estimator, logger: logger, now: time.Now}
}

// MemoryMessage returns the system message carrying the session's summary.
// Its content is empty when there is no summary yet.
func MemoryMessage(session types.ChatSession) types.ChatMessage {
	content := ""
	if session.MemoryPrompt != "" {
		content = prompts.History(session.MemoryPrompt)
	}
	return types.ChatMessage{Role: types.RoleSystem, Content: types.TextContent(content)}
}

// Assemble selects the messages to send for session under cfg. mc is the
// model config after template overrides; its MaxTokens is the budget for
// the recent portion.
func (a *Assembler) Assemble(session types.ChatSession, cfg types.ChatConfig, mc types.ModelConfig) Window {
	clearFloor := session.ClearFloor()
	total := len(session.Messages)

	var system []types.ChatMessage
	if cfg.EnableInjectSystemPrompts {
		content := FillTemplate("", prompts.SystemTemplate(), TemplateVars(cfg, mc, a.now()))
		system = append(system, types.NewMessage(types.RoleSystem, types.TextContent(content)))
		a.logger.Debug("Injecting global system prompt", zap.String("session_id", session.ID))
	}

	sendMemory := cfg.SendMemory &&
		session.MemoryPrompt != "" &&
		session.LastSummarizeIndex > clearFloor

	shortStart := max(0, total-max(0, cfg.HistoryMessageCount))
	memoryStart := shortStart
	if sendMemory {
		memoryStart = min(session.LastSummarizeIndex, shortStart)
	}
	contextStart := max(clearFloor, memoryStart)

	var reversed []int
	budget := mc.MaxTokens
	used := 0
	for i := total - 1; i >= contextStart; i-- {
		msg := session.Messages[i]
		if msg.IsError {
			continue
		}
		cost := a.estimator.Estimate(msg.Content.String())
		if used+cost > budget {
			break
		}
		used += cost
		reversed = append(reversed, i)
	}

	out := make([]types.ChatMessage, 0, len(system)+1+len(session.Template.Context)+len(reversed))
	out = append(out, system...)
	if sendMemory {
		out = append(out, MemoryMessage(session))
	}
	out = append(out, types.CloneMessages(session.Template.Context)...)

	recent := make([]int, len(reversed))
	for j, idx := range reversed {
		recent[len(reversed)-1-j] = idx
	}
	for _, idx := range recent {
		out = append(out, session.Messages[idx].Clone())
	}

	a.logger.Debug("Assembled context window",
		zap.String("session_id", session.ID),
		zap.Int("context_start", contextStart),
		zap.Int("recent", len(recent)),
		zap.Int("estimated_tokens", used),
		zap.Bool("memory", sendMemory))

	return Window{
		Messages:       out,
		RecentIndices:  recent,
		ContextStart:   contextStart,
		IncludesMemory: sendMemory,
	}
}
