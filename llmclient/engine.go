package llmclient

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"webllm-chat/engine"
	apperrors "webllm-chat/errors"
	"webllm-chat/metrics"
	"webllm-chat/web/types"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EngineClient drives an in-process engine. It reloads the model on first
// use and whenever the requested config differs from the loaded one, and
// recovers once from a torn-down worker by reloading and retrying.
type EngineClient struct {
	engine engine.Engine
	logger *zap.Logger
	group  singleflight.Group

	mu        sync.Mutex
	llmConfig *types.LLMConfig
	loaded    bool
	subs      map[chan engine.InitProgressReport]struct{}
}

// NewEngineClient wraps eng. The client installs its own progress callback.
func NewEngineClient(eng engine.Engine, logger *zap.Logger) *EngineClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &EngineClient{
		engine: eng,
		logger: logger,
		subs:   make(map[chan engine.InitProgressReport]struct{}),
	}
	eng.SetInitProgressCallback(c.broadcast)
	return c
}

func (c *EngineClient) broadcast(r engine.InitProgressReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- r:
		default:
			// slow reader; progress is advisory
		}
	}
}

func (c *EngineClient) subscribe() chan engine.InitProgressReport {
	ch := make(chan engine.InitProgressReport, 16)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

func (c *EngineClient) unsubscribe(ch chan engine.InitProgressReport) {
	c.mu.Lock()
	delete(c.subs, ch)
	c.mu.Unlock()
}

// LoadedConfig returns the config of the live model, if any.
func (c *EngineClient) LoadedConfig() (types.LLMConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded || c.llmConfig == nil {
		return types.LLMConfig{}, false
	}
	return *c.llmConfig, true
}

// IsDifferentConfig reports whether cfg requires a reload. Optional
// sampling fields only count when both sides set them.
func (c *EngineClient) IsDifferentConfig(cfg types.LLMConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded || c.llmConfig == nil {
		return true
	}
	return configDiffers(*c.llmConfig, cfg)
}

func configDiffers(loaded, next types.LLMConfig) bool {
	if loaded.Model != next.Model {
		return true
	}
	if next.Cache != "" && loaded.Cache != next.Cache {
		return true
	}
	for _, pair := range [][2]*float64{
		{loaded.Temperature, next.Temperature},
		{loaded.TopP, next.TopP},
		{loaded.PresencePenalty, next.PresencePenalty},
		{loaded.FrequencyPenalty, next.FrequencyPenalty},
	} {
		if pair[0] != nil && pair[1] != nil && *pair[0] != *pair[1] {
			return true
		}
	}
	return false
}

// mergeConfig overlays the set fields of next on base.
func mergeConfig(base *types.LLMConfig, next types.LLMConfig) types.LLMConfig {
	if base == nil {
		return next
	}
	out := *base
	out.Model = next.Model
	if next.Cache != "" {
		out.Cache = next.Cache
	}
	if next.Temperature != nil {
		out.Temperature = next.Temperature
	}
	if next.TopP != nil {
		out.TopP = next.TopP
	}
	if next.PresencePenalty != nil {
		out.PresencePenalty = next.PresencePenalty
	}
	if next.FrequencyPenalty != nil {
		out.FrequencyPenalty = next.FrequencyPenalty
	}
	if next.MaxTokens != nil {
		out.MaxTokens = next.MaxTokens
	}
	out.Stream = next.Stream
	out.EnableThinking = next.EnableThinking
	return out
}

func reloadKey(cfg types.LLMConfig) string {
	f := func(p *float64) string {
		if p == nil {
			return "-"
		}
		return fmt.Sprint(*p)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", cfg.Model, cfg.Cache,
		f(cfg.Temperature), f(cfg.TopP), f(cfg.PresencePenalty), f(cfg.FrequencyPenalty))
}

// reload loads cfg, yielding progress events while it runs. Concurrent
// reloads of the same config share one engine call. It reports false when
// the sequence must end.
func (c *EngineClient) reload(ctx context.Context, cfg types.LLMConfig, yield func(Event, error) bool) bool {
	sub := c.subscribe()
	defer c.unsubscribe(sub)

	// A shared reload must not die with the first caller's context.
	reloadCtx := context.WithoutCancel(ctx)
	done := c.group.DoChan(reloadKey(cfg), func() (any, error) {
		c.logger.Info("Loading model", zap.String("model", cfg.Model), zap.String("cache", string(cfg.Cache)))
		err := c.engine.Reload(reloadCtx, cfg.Model, cfg)
		metrics.EngineReload(cfg.Model, err)
		c.mu.Lock()
		if err == nil {
			loaded := cfg
			c.llmConfig = &loaded
			c.loaded = true
		} else {
			c.loaded = false
		}
		c.mu.Unlock()
		return nil, err
	})

	for {
		select {
		case r := <-sub:
			if !yield(Event{Kind: EventProgress, Text: r.Text, Delta: r.Text, Progress: r.Progress}, nil) {
				return false
			}
		case res := <-done:
			if !drain(sub, yield) {
				return false
			}
			if res.Err != nil {
				c.logger.Error("Error while initializing the model", zap.String("model", cfg.Model), zap.Error(res.Err))
				yield(Event{}, fmt.Errorf("%w: %w", apperrors.ErrModelLoad, augmentWebGPU(res.Err)))
				return false
			}
			return true
		case <-ctx.Done():
			yield(Event{}, classify(ctx, ctx.Err()))
			return false
		}
	}
}

// drain forwards reports that arrived before the reload finished.
func drain(sub chan engine.InitProgressReport, yield func(Event, error) bool) bool {
	for {
		select {
		case r := <-sub:
			if !yield(Event{Kind: EventProgress, Text: r.Text, Delta: r.Text, Progress: r.Progress}, nil) {
				return false
			}
		default:
			return true
		}
	}
}

// Chat runs one completion on the engine.
func (c *EngineClient) Chat(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		c.mu.Lock()
		needsReload := !c.loaded || c.llmConfig == nil || configDiffers(*c.llmConfig, req.Config)
		target := mergeConfig(c.llmConfig, req.Config)
		c.mu.Unlock()

		if needsReload && !c.reload(ctx, target, yield) {
			return
		}

		ev, err := c.complete(ctx, req, yield)
		if err != nil && apperrors.IsStaleEngine(err) {
			// Worker has been stopped. Restart it and try once more.
			c.logger.Warn("Engine worker is stale, reloading model", zap.String("model", target.Model))
			metrics.StaleRetry()
			c.mu.Lock()
			c.loaded = false
			c.mu.Unlock()
			if !c.reload(ctx, target, yield) {
				return
			}
			ev, err = c.complete(ctx, req, yield)
			if apperrors.IsStaleEngine(err) {
				c.mu.Lock()
				c.loaded = false
				c.mu.Unlock()
			}
		}

		switch {
		case err == nil && ev == nil:
			return
		case err != nil:
			outcome := metrics.OutcomeError
			switch {
			case apperrors.IsAborted(err):
				outcome = metrics.OutcomeAborted
				c.logger.Info("Engine chat aborted")
			case apperrors.IsEmptyResponse(err):
				outcome = metrics.OutcomeEmpty
			default:
				c.logger.Error("Error in chatCompletion", zap.Error(err))
				err = augmentWebGPU(err)
			}
			metrics.ChatRequest(BackendEngine, outcome)
			yield(Event{}, err)
		default:
			metrics.ChatRequest(BackendEngine, metrics.OutcomeSuccess)
			yield(*ev, nil)
		}
	}
}

func (c *EngineClient) complete(ctx context.Context, req Request, yield func(Event, error) bool) (*Event, error) {
	engReq := engine.Request{
		Messages:       req.Messages,
		Stream:         req.Config.Stream,
		EnableThinking: req.Config.EnableThinking,
	}

	if !req.Config.Stream {
		completion, err := c.engine.ChatCompletion(ctx, engReq)
		if err != nil {
			return nil, classify(ctx, err)
		}
		if len(completion.Choices) == 0 {
			return nil, apperrors.ErrEmptyResponse
		}
		choice := completion.Choices[0]
		if choice.FinishReason == types.StopReasonAbort {
			return nil, apperrors.ErrAborted
		}
		ev, err := finalEvent(choice.Message.Content.String(), choice.FinishReason, completion.Usage)
		if err != nil {
			return nil, err
		}
		return &ev, nil
	}

	engReq.StreamOptions = &engine.StreamOptions{IncludeUsage: true}
	var acc accumulator
	for chunk, err := range c.engine.ChatCompletionStream(ctx, engReq) {
		if err != nil {
			return nil, classify(ctx, err)
		}
		acc.finish("", chunk.Usage)
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		acc.finish(choice.FinishReason, nil)
		if delta := choice.Delta.Content; delta != "" {
			text := acc.add(delta)
			if !yield(Event{Kind: EventDelta, Text: text, Delta: delta}, nil) {
				// dropped sequence: stop the engine as well
				_ = c.engine.InterruptGenerate(context.WithoutCancel(ctx))
				return nil, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	if acc.stopReason == types.StopReasonAbort {
		return nil, apperrors.ErrAborted
	}
	ev, err := finalEvent(acc.text.String(), acc.stopReason, acc.usage)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Abort asks the engine to stop generating.
func (c *EngineClient) Abort() {
	if err := c.engine.InterruptGenerate(context.Background()); err != nil {
		c.logger.Warn("Interrupt generate failed", zap.Error(err))
	}
}
