package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"webllm-chat/prompts"
	"webllm-chat/web/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sessionWith builds a session of n alternating messages, each costing
// exactly 10 estimated tokens.
func sessionWith(n int) types.ChatSession {
	s := types.NewChatSession(types.EmptyTemplate())
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		text := string(rune('a'+i%26)) + strings.Repeat("a", 39)
		s.Messages = append(s.Messages, types.NewMessage(role, types.TextContent(text)))
	}
	return s
}

func baseConfig() (types.ChatConfig, types.ModelConfig) {
	cfg := types.DefaultChatConfig()
	cfg.HistoryMessageCount = 100
	mc := cfg.ModelConfig
	mc.MaxTokens = 100000
	return cfg, mc
}

func TestAssembleContextFloor(t *testing.T) {
	a := NewAssembler(nil, zap.NewNop())
	session := sessionWith(10)
	session.ClearContextIndex = types.IntPtr(6)
	session.MemoryPrompt = "earlier talk"
	session.LastSummarizeIndex = 2

	for _, history := range []int{0, 1, 4, 10, 50} {
		for _, budget := range []int{0, 5, 10, 35, 1000} {
			t.Run(fmt.Sprintf("history_%d_budget_%d", history, budget), func(t *testing.T) {
				cfg, mc := baseConfig()
				cfg.HistoryMessageCount = history
				mc.MaxTokens = budget

				w := a.Assemble(session, cfg, mc)
				assert.GreaterOrEqual(t, w.ContextStart, 6)
				for _, idx := range w.RecentIndices {
					assert.GreaterOrEqual(t, idx, 6)
				}
				// lastSummarizeIndex is below the floor, so no memory.
				assert.False(t, w.IncludesMemory)
			})
		}
	}
}

func TestAssembleBudget(t *testing.T) {
	a := NewAssembler(nil, zap.NewNop())
	session := sessionWith(20)
	cfg, mc := baseConfig()

	tests := []struct {
		budget int
		want   int
	}{
		{budget: 0, want: 0},
		{budget: 9, want: 0},
		{budget: 10, want: 1},
		{budget: 35, want: 3},
		{budget: 200, want: 20},
		{budget: 1000, want: 20},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("budget_%d", tt.budget), func(t *testing.T) {
			mc.MaxTokens = tt.budget
			w := a.Assemble(session, cfg, mc)
			require.Len(t, w.RecentIndices, tt.want)
			assert.LessOrEqual(t, len(w.RecentIndices), tt.budget/10)
			if tt.want < 20 {
				assert.Greater(t, (len(w.RecentIndices)+1)*10, tt.budget, "one more message must overflow")
			}
			for j, idx := range w.RecentIndices {
				assert.Equal(t, 20-tt.want+j, idx)
			}
		})
	}
}

func TestAssembleSkipsErrors(t *testing.T) {
	a := NewAssembler(nil, zap.NewNop())
	session := sessionWith(6)
	session.Messages[4].IsError = true
	session.Messages[5].IsError = true
	cfg, mc := baseConfig()
	mc.MaxTokens = 20

	w := a.Assemble(session, cfg, mc)
	assert.Equal(t, []int{2, 3}, w.RecentIndices)
}

func TestAssembleOrderAndMemory(t *testing.T) {
	a := NewAssembler(nil, zap.NewNop())
	a.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	session := sessionWith(8)
	session.MemoryPrompt = "we talked about go"
	session.LastSummarizeIndex = 3
	session.Template.Context = []types.ChatMessage{
		types.NewMessage(types.RoleUser, types.TextContent("persona one")),
		types.NewMessage(types.RoleAssistant, types.TextContent("persona two")),
	}
	cfg, mc := baseConfig()
	cfg.EnableInjectSystemPrompts = true
	cfg.HistoryMessageCount = 2

	w := a.Assemble(session, cfg, mc)
	require.True(t, w.IncludesMemory)
	// memory pulls the floor down to lastSummarizeIndex
	assert.Equal(t, 3, w.ContextStart)
	assert.Equal(t, []int{3, 4, 5, 6, 7}, w.RecentIndices)

	require.Len(t, w.Messages, 1+1+2+5)
	assert.Equal(t, types.RoleSystem, w.Messages[0].Role)
	assert.Contains(t, w.Messages[0].Content.String(), mc.Model)
	assert.Contains(t, w.Messages[0].Content.String(), "2024")
	assert.Equal(t, types.RoleSystem, w.Messages[1].Role)
	assert.Equal(t, prompts.History("we talked about go"), w.Messages[1].Content.String())
	assert.Equal(t, "persona one", w.Messages[2].Content.String())
	assert.Equal(t, "persona two", w.Messages[3].Content.String())
	assert.Equal(t, session.Messages[3].ID, w.Messages[4].ID)
	assert.Equal(t, session.Messages[7].ID, w.Messages[8].ID)
}

func TestAssembleZeroHistory(t *testing.T) {
	a := NewAssembler(nil, zap.NewNop())
	session := sessionWith(4)
	session.Template.Context = []types.ChatMessage{
		types.NewMessage(types.RoleSystem, types.TextContent("you are a pirate")),
	}
	cfg, mc := baseConfig()
	cfg.HistoryMessageCount = 0

	w := a.Assemble(session, cfg, mc)
	assert.Empty(t, w.RecentIndices)
	require.Len(t, w.Messages, 1)
	assert.Equal(t, "you are a pirate", w.Messages[0].Content.String())

	// Memory still goes out when it covers part of the history.
	session.MemoryPrompt = "summary"
	session.LastSummarizeIndex = 4
	w = a.Assemble(session, cfg, mc)
	assert.True(t, w.IncludesMemory)
	assert.Empty(t, w.RecentIndices)
	assert.Len(t, w.Messages, 2)
}

func TestAssembleDoesNotAliasSession(t *testing.T) {
	a := NewAssembler(nil, zap.NewNop())
	session := sessionWith(2)
	cfg, mc := baseConfig()

	w := a.Assemble(session, cfg, mc)
	w.Messages[0].Content = types.TextContent("changed")
	assert.NotEqual(t, "changed", session.Messages[0].Content.String())
}

func TestFillTemplate(t *testing.T) {
	vars := Vars{Provider: "Meta", Model: "Llama", Time: "now", Lang: "en"}
	tests := []struct {
		name     string
		input    string
		template string
		want     string
	}{
		{name: "default", input: "hello", template: "{{input}}", want: "hello"},
		{name: "missing_input_var", input: "hello", template: "Answer briefly.", want: "Answer briefly.\nhello"},
		{name: "variables", input: "hi", template: "[{{model}} by {{provider}} in {{lang}}] {{input}}", want: "[Llama by Meta in en] hi"},
		{name: "repeated", input: "x", template: "{{input}} and {{input}}", want: "x and x"},
		{name: "input_already_templated", input: "Answer briefly. hello", template: "Answer briefly.", want: "\nAnswer briefly. hello"},
		{name: "empty_template", input: "hello", template: "", want: "\nhello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FillTemplate(tt.input, tt.template, vars))
		})
	}
}

func TestTemplateVarsProvider(t *testing.T) {
	cfg := types.DefaultChatConfig()
	mc := cfg.ModelConfig
	v := TemplateVars(cfg, mc, time.Now())
	assert.Equal(t, types.DefaultModels[0].Provider, v.Provider)

	mc.Model = "custom-model"
	v = TemplateVars(cfg, mc, time.Now())
	assert.Equal(t, "unknown", v.Provider)
	assert.Equal(t, "custom-model", v.Model)
}
