package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"webllm-chat/tokens"
	"webllm-chat/web/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Responder produces the full reply for a request.
type Responder func(req Request) (string, error)

// EchoResponder replies with the last user message.
func EchoResponder(req Request) (string, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			return "You said: " + req.Messages[i].Content.String(), nil
		}
	}
	return "Hello! How can I help you today?", nil
}

// Local is a deterministic engine that runs in process. It reports loading
// progress, splits replies into word chunks and honours interrupts. It backs
// the demo mode and the tests.
type Local struct {
	mu        sync.Mutex
	model     string
	cfg       types.LLMConfig
	progress  InitProgressCallback
	responder Responder
	loadSteps int
	reloadErr error
	logLevel  string
	reloads   int
	logger    *zap.Logger

	interrupted atomic.Bool
	chunkDelay  time.Duration
}

// LocalOption configures a Local engine.
type LocalOption func(*Local)

// WithResponder sets the reply generator.
func WithResponder(r Responder) LocalOption {
	return func(l *Local) { l.responder = r }
}

// WithLoadSteps sets how many progress reports a reload emits.
func WithLoadSteps(n int) LocalOption {
	return func(l *Local) { l.loadSteps = n }
}

// WithReloadError makes every reload fail with err.
func WithReloadError(err error) LocalOption {
	return func(l *Local) { l.reloadErr = err }
}

// WithChunkDelay paces streamed chunks.
func WithChunkDelay(d time.Duration) LocalOption {
	return func(l *Local) { l.chunkDelay = d }
}

// NewLocal creates an unloaded local engine.
func NewLocal(logger *zap.Logger, opts ...LocalOption) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Local{
		responder: EchoResponder,
		loadSteps: 4,
		logLevel:  "WARN",
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) SetInitProgressCallback(cb InitProgressCallback) {
	l.mu.Lock()
	l.progress = cb
	l.mu.Unlock()
}

func (l *Local) SetLogLevel(level string) {
	l.mu.Lock()
	l.logLevel = level
	l.mu.Unlock()
}

// Reload loads model with cfg, reporting progress along the way.
func (l *Local) Reload(ctx context.Context, model string, cfg types.LLMConfig) error {
	l.mu.Lock()
	cb, steps, reloadErr := l.progress, l.loadSteps, l.reloadErr
	l.reloads++
	l.mu.Unlock()

	start := time.Now()
	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cb != nil {
			cb(InitProgressReport{
				Progress:    float64(i) / float64(steps+1),
				TimeElapsed: time.Since(start).Seconds(),
				Text:        fmt.Sprintf("Loading model from cache[%d/%d]: %s", i, steps, model),
			})
		}
	}
	if reloadErr != nil {
		return reloadErr
	}

	l.mu.Lock()
	l.model = model
	l.cfg = cfg
	l.mu.Unlock()

	if cb != nil {
		cb(InitProgressReport{
			Progress:    1,
			TimeElapsed: time.Since(start).Seconds(),
			Text:        fmt.Sprintf("Finish loading on WebGPU - %s", model),
		})
	}
	l.logger.Debug("Local engine loaded model", zap.String("model", model))
	return nil
}

// Reloads reports how many times Reload was called.
func (l *Local) Reloads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reloads
}

// LoadedConfig returns the model and config of the last successful reload.
func (l *Local) LoadedConfig() (string, types.LLMConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model, l.cfg
}

// Unload drops the loaded model.
func (l *Local) Unload() {
	l.mu.Lock()
	l.model = ""
	l.mu.Unlock()
}

func (l *Local) InterruptGenerate(ctx context.Context) error {
	l.interrupted.Store(true)
	return nil
}

func (l *Local) loadedModel() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model == "" {
		return "", errors.New(StaleMessage)
	}
	return l.model, nil
}

func (l *Local) ChatCompletion(ctx context.Context, req Request) (*Completion, error) {
	model, err := l.loadedModel()
	if err != nil {
		return nil, err
	}
	l.interrupted.Store(false)
	reply, err := l.responder(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	usage := l.usage(req, len(splitChunks(reply)), time.Now())
	return &Completion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      types.RequestMessage{Role: types.RoleAssistant, Content: types.TextContent(reply)},
			FinishReason: types.StopReasonStop,
		}},
		Usage: usage,
	}, nil
}

func (l *Local) ChatCompletionStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	model, err := l.loadedModel()
	if err != nil {
		return failed(err)
	}
	return func(yield func(Chunk, error) bool) {
		l.interrupted.Store(false)
		start := time.Now()
		reply, err := l.responder(req)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		id := "chatcmpl-" + uuid.New().String()
		chunk := func(content string, reason types.StopReason) Chunk {
			return Chunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []ChunkChoice{{
					Delta:        Delta{Role: types.RoleAssistant, Content: content},
					FinishReason: reason,
				}},
			}
		}

		reason := types.StopReasonStop
		parts := splitChunks(reply)
		emitted := 0
		for _, part := range parts {
			if l.interrupted.Load() {
				reason = types.StopReasonAbort
				break
			}
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}
			if l.chunkDelay > 0 {
				select {
				case <-ctx.Done():
					yield(Chunk{}, ctx.Err())
					return
				case <-time.After(l.chunkDelay):
				}
			}
			if !yield(chunk(part, ""), nil) {
				return
			}
			emitted++
		}
		if l.interrupted.Load() {
			reason = types.StopReasonAbort
		}

		final := chunk("", reason)
		if !yield(final, nil) {
			return
		}
		if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
			yield(Chunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []ChunkChoice{},
				Usage:   l.usage(req, emitted, start),
			}, nil)
		}
	}
}

func (l *Local) usage(req Request, completion int, start time.Time) *types.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += tokens.Estimate(m.Content.String())
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-3
	}
	return &types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Extra: map[string]any{
			"prefill_tokens_per_s": float64(prompt) / elapsed,
			"decode_tokens_per_s":  float64(completion) / elapsed,
		},
	}
}

// splitChunks breaks reply into word-sized pieces that concatenate back to
// the original text.
func splitChunks(reply string) []string {
	if reply == "" {
		return nil
	}
	parts := strings.SplitAfter(reply, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
