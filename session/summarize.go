package session

import (
	"context"
	"regexp"
	"strings"

	"webllm-chat/llmclient"
	"webllm-chat/memory"
	"webllm-chat/metrics"
	"webllm-chat/prompts"
	"webllm-chat/tokens"
	"webllm-chat/web/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SummarizeMinLen is the estimated history size a session needs before it
// is auto-titled.
const SummarizeMinLen = 50

// defaultMaxTokens bounds the history sent for summarization when the model
// config sets no limit.
const defaultMaxTokens = 4000

const (
	kindTitle  = "title"
	kindMemory = "memory"
)

var (
	topicEdges    = regexp.MustCompile(`^["“”*]+|["“”*]+$`)
	topicTrailing = regexp.MustCompile(`[，。！？”“"、,.!?*]*$`)
)

// TrimTopic strips enclosing quotes and asterisks and trailing punctuation
// from a generated title.
func TrimTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	topic = topicEdges.ReplaceAllString(topic, "")
	return strings.TrimSpace(topicTrailing.ReplaceAllString(topic, ""))
}

func countTokens(est tokens.Estimator, msgs []types.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += est.Estimate(m.Content.String())
	}
	return n
}

// SummarizeSession runs the title and memory flows for a session and waits
// for both. Failures are logged and never returned.
func (s *Store) SummarizeSession(ctx context.Context, id string, client llmclient.Client, cfg types.ChatConfig) {
	sess, ok := s.Get(id)
	if !ok {
		return
	}
	mc := ModelConfig(sess, cfg)

	var g errgroup.Group
	g.Go(func() error {
		s.generateTitle(ctx, sess, client, cfg, mc)
		return nil
	})
	g.Go(func() error {
		s.summarizeMemory(ctx, sess, client, cfg, mc)
		return nil
	})
	_ = g.Wait()
}

func withoutErrors(msgs []types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsError {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) generateTitle(ctx context.Context, sess types.ChatSession, client llmclient.Client, cfg types.ChatConfig, mc types.ModelConfig) {
	messages := withoutErrors(sess.Messages)
	if !cfg.EnableAutoGenerateTitle || sess.Topic != types.DefaultTopic || countTokens(s.estimator, messages) < SummarizeMinLen {
		return
	}

	msgs := append(messages, types.NewMessage(types.RoleUser, types.TextContent(prompts.TitleGenerator())))
	req := llmclient.Request{
		Messages: types.RequestMessages(msgs),
		Config: types.LLMConfig{
			Model:  mc.Model,
			Cache:  cfg.CacheType,
			Stream: false,
		},
	}
	res, err := llmclient.Complete(client.Chat(ctx, req))
	if err != nil {
		metrics.Summarization(kindTitle, metrics.OutcomeError)
		s.logger.Warn("Title generation failed", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	metrics.Summarization(kindTitle, metrics.OutcomeSuccess)

	topic := types.DefaultTopic
	if res.Text != "" {
		topic = TrimTopic(res.Text)
	}
	if _, err := s.Update(ctx, sess.ID, SetTopic{Topic: topic}); err != nil {
		s.logger.Warn("Failed to store title", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	s.logger.Debug("Generated session title", zap.String("session_id", sess.ID), zap.String("topic", topic))
}

// memoryRequest builds the summarization prompt: the summarize instruction
// merged into the leading system message, the old memory and the history
// since the last summary. It reports false when the history is still below
// the compression threshold.
func memoryRequest(sess types.ChatSession, cfg types.ChatConfig, mc types.ModelConfig, est tokens.Estimator) ([]types.ChatMessage, bool) {
	start := max(sess.LastSummarizeIndex, sess.ClearFloor())
	if start > len(sess.Messages) {
		start = len(sess.Messages)
	}
	history := withoutErrors(sess.Messages[start:])
	historyLen := countTokens(est, history)

	limit := mc.MaxTokens
	if limit <= 0 {
		limit = defaultMaxTokens
	}
	if historyLen > limit {
		history = history[max(0, len(history)-cfg.HistoryMessageCount):]
	}

	if historyLen <= cfg.CompressMessageLengthThreshold || !cfg.SendMemory {
		return nil, false
	}

	msgs := append([]types.ChatMessage{memory.MemoryMessage(sess)}, history...)
	if msgs[0].Role == types.RoleSystem {
		msgs[0].Content = types.TextContent(prompts.SummarizeMemory() + msgs[0].Content.String())
	} else {
		msgs = append([]types.ChatMessage{{Role: types.RoleSystem, Content: types.TextContent(prompts.SummarizeMemory())}}, msgs...)
	}
	if msgs[len(msgs)-1].Role == types.RoleSystem {
		msgs = append(msgs, types.ChatMessage{Role: types.RoleUser, Content: types.TextContent("")})
	}
	return msgs, true
}

func (s *Store) summarizeMemory(ctx context.Context, sess types.ChatSession, client llmclient.Client, cfg types.ChatConfig, mc types.ModelConfig) {
	msgs, ok := memoryRequest(sess, cfg, mc, s.estimator)
	if !ok {
		return
	}
	lastSummarizeIndex := len(sess.Messages)

	llmCfg := cfg.LLMConfig(mc)
	llmCfg.MaxTokens = nil
	llmCfg.Stream = true
	llmCfg.EnableThinking = false
	req := llmclient.Request{Messages: types.RequestMessages(msgs), Config: llmCfg}

	previous := sess.MemoryPrompt
	llmclient.Collect(client.Chat(ctx, req), llmclient.Handlers{
		OnUpdate: func(message, _ string) {
			_, _ = s.update(ctx, sess.ID, SetMemory{Prompt: message}, false)
		},
		OnFinish: func(message string, _ types.StopReason, _ *types.Usage) {
			metrics.Summarization(kindMemory, metrics.OutcomeSuccess)
			action := SetMemory{Prompt: message, SummarizeIndex: types.IntPtr(lastSummarizeIndex)}
			if _, err := s.Update(ctx, sess.ID, action); err != nil {
				s.logger.Warn("Failed to store memory", zap.String("session_id", sess.ID), zap.Error(err))
				return
			}
			s.logger.Debug("Summarized session history",
				zap.String("session_id", sess.ID),
				zap.Int("summarized_up_to", lastSummarizeIndex))
		},
		OnError: func(err error) {
			metrics.Summarization(kindMemory, metrics.OutcomeError)
			s.logger.Warn("Memory summarization failed", zap.String("session_id", sess.ID), zap.Error(err))
			_, _ = s.update(ctx, sess.ID, SetMemory{Prompt: previous}, false)
		},
	})
}
