package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "webllm-chat/errors"
	"webllm-chat/web/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func userRequest(text string, stream bool) Request {
	req := Request{
		Messages: []types.RequestMessage{{Role: types.RoleUser, Content: types.TextContent(text)}},
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	return req
}

func fixed(reply string) Responder {
	return func(Request) (string, error) { return reply, nil }
}

func TestLocalRequiresReload(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(zap.NewNop())

	_, err := l.ChatCompletion(ctx, userRequest("hi", false))
	require.Error(t, err)
	assert.True(t, apperrors.IsStaleEngine(err))

	for _, err := range l.ChatCompletionStream(ctx, userRequest("hi", true)) {
		assert.True(t, apperrors.IsStaleEngine(err))
	}
}

func TestLocalReloadProgress(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(zap.NewNop(), WithLoadSteps(3))

	var reports []InitProgressReport
	l.SetInitProgressCallback(func(r InitProgressReport) { reports = append(reports, r) })

	cfg := types.LLMConfig{Model: "m1", Cache: types.CacheTypeCache}
	require.NoError(t, l.Reload(ctx, "m1", cfg))
	require.Len(t, reports, 4)
	assert.Equal(t, 1.0, reports[3].Progress)
	assert.Contains(t, reports[3].Text, "Finish loading")

	model, loaded := l.LoadedConfig()
	assert.Equal(t, "m1", model)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 1, l.Reloads())
}

func TestLocalReloadError(t *testing.T) {
	l := NewLocal(zap.NewNop(), WithReloadError(errors.New("out of memory")))
	err := l.Reload(context.Background(), "m1", types.LLMConfig{})
	assert.EqualError(t, err, "out of memory")

	_, err = l.ChatCompletion(context.Background(), userRequest("hi", false))
	assert.True(t, apperrors.IsStaleEngine(err))
}

func TestLocalStream(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(zap.NewNop(), WithResponder(fixed("the quick brown fox")))
	require.NoError(t, l.Reload(ctx, "m1", types.LLMConfig{}))

	var text strings.Builder
	var reason types.StopReason
	var usage *types.Usage
	for chunk, err := range l.ChatCompletionStream(ctx, userRequest("hi", true)) {
		require.NoError(t, err)
		if len(chunk.Choices) > 0 {
			text.WriteString(chunk.Choices[0].Delta.Content)
			if chunk.Choices[0].FinishReason != "" {
				reason = chunk.Choices[0].FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	assert.Equal(t, "the quick brown fox", text.String())
	assert.Equal(t, types.StopReasonStop, reason)
	require.NotNil(t, usage)
	assert.Equal(t, 4, usage.CompletionTokens)
	assert.Contains(t, usage.Extra, "decode_tokens_per_s")
}

func TestLocalInterrupt(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(zap.NewNop(), WithResponder(fixed("one two three four five")))
	require.NoError(t, l.Reload(ctx, "m1", types.LLMConfig{}))

	var text strings.Builder
	var reason types.StopReason
	for chunk, err := range l.ChatCompletionStream(ctx, userRequest("hi", true)) {
		require.NoError(t, err)
		if len(chunk.Choices) == 0 {
			continue
		}
		text.WriteString(chunk.Choices[0].Delta.Content)
		if r := chunk.Choices[0].FinishReason; r != "" {
			reason = r
		}
		if text.Len() > 0 && reason == "" {
			require.NoError(t, l.InterruptGenerate(ctx))
		}
	}
	assert.Equal(t, "one ", text.String())
	assert.Equal(t, types.StopReasonAbort, reason)
}

func TestLocalNonStreaming(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(zap.NewNop())
	require.NoError(t, l.Reload(ctx, "m1", types.LLMConfig{}))

	c, err := l.ChatCompletion(ctx, userRequest("ping", false))
	require.NoError(t, err)
	require.Len(t, c.Choices, 1)
	assert.Equal(t, "You said: ping", c.Choices[0].Message.Content.String())
	assert.Equal(t, "m1", c.Model)
}

func TestWorkerTerminateAndRestart(t *testing.T) {
	ctx := context.Background()
	var created atomic.Int32
	w := NewWorker(KindWebWorker, func() Engine {
		created.Add(1)
		return NewLocal(zap.NewNop(), WithResponder(fixed("hello there")))
	}, zap.NewNop())
	defer w.Close()

	var progress atomic.Int32
	w.SetInitProgressCallback(func(InitProgressReport) { progress.Add(1) })
	require.NoError(t, w.Reload(ctx, "m1", types.LLMConfig{}))
	assert.Positive(t, progress.Load())

	c, err := w.ChatCompletion(ctx, userRequest("hi", false))
	require.NoError(t, err)
	assert.Equal(t, "hello there", c.Choices[0].Message.Content.String())

	w.Terminate()
	_, err = w.ChatCompletion(ctx, userRequest("hi", false))
	assert.True(t, apperrors.IsStaleEngine(err))
	for _, err := range w.ChatCompletionStream(ctx, userRequest("hi", true)) {
		assert.True(t, apperrors.IsStaleEngine(err))
	}
	assert.NoError(t, w.InterruptGenerate(ctx))

	before := progress.Load()
	require.NoError(t, w.Reload(ctx, "m1", types.LLMConfig{}))
	assert.Equal(t, int32(2), created.Load())
	assert.Greater(t, progress.Load(), before, "progress callback survives restarts")

	var text strings.Builder
	for chunk, err := range w.ChatCompletionStream(ctx, userRequest("hi", true)) {
		require.NoError(t, err)
		if len(chunk.Choices) > 0 {
			text.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	assert.Equal(t, "hello there", text.String())
}

func TestWorkerStreamEarlyBreak(t *testing.T) {
	ctx := context.Background()
	w := NewWorker(KindServiceWorker, func() Engine {
		return NewLocal(zap.NewNop(), WithResponder(fixed("a b c d e f g")))
	}, zap.NewNop())
	defer w.Close()
	require.NoError(t, w.Reload(ctx, "m1", types.LLMConfig{}))

	n := 0
	for _, err := range w.ChatCompletionStream(ctx, userRequest("hi", true)) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	// the worker is still usable afterwards
	_, err := w.ChatCompletion(ctx, userRequest("hi", false))
	assert.NoError(t, err)
}

func TestWorkerClosed(t *testing.T) {
	w := NewWorker(KindWebWorker, func() Engine { return NewLocal(nil) }, nil)
	w.Close()
	w.Close()
	err := w.Reload(context.Background(), "m1", types.LLMConfig{})
	assert.True(t, apperrors.IsServiceUnavailable(err))
}

func TestSelect(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		probe   Probe
		timeout time.Duration
		want    Kind
	}{
		{name: "no_probe", probe: nil, timeout: time.Second, want: KindWebWorker},
		{
			name:    "webgpu_available",
			probe:   func(context.Context) (bool, error) { return true, nil },
			timeout: time.Second,
			want:    KindServiceWorker,
		},
		{
			name:    "webgpu_missing",
			probe:   func(context.Context) (bool, error) { return false, nil },
			timeout: time.Second,
			want:    KindWebWorker,
		},
		{
			name:    "never_answers",
			probe:   func(context.Context) (bool, error) { return false, errors.New("not ready") },
			timeout: 50 * time.Millisecond,
			want:    KindWebWorker,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(ctx, tt.probe, tt.timeout, zap.NewNop()))
		})
	}

	t.Run("answers_after_retry", func(t *testing.T) {
		var calls atomic.Int32
		probe := func(context.Context) (bool, error) {
			if calls.Add(1) < 2 {
				return false, errors.New("not ready")
			}
			return true, nil
		}
		assert.Equal(t, KindServiceWorker, Select(ctx, probe, 2*time.Second, zap.NewNop()))
		assert.Equal(t, int32(2), calls.Load())
	})
}
