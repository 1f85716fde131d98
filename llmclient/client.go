package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"webllm-chat/config"
	apperrors "webllm-chat/errors"
	"webllm-chat/metrics"
	"webllm-chat/web/types"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// maxLineBytes bounds a single SSE line.
const maxLineBytes = 1 << 20

type chatRequest struct {
	Messages []types.RequestMessage `json:"messages"`
	types.LLMConfig
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// RemoteClient talks to an OpenAI-compatible server such as MLC-LLM serve.
// Each Chat call gets its own cancel function; Abort cancels the most
// recent one.
type RemoteClient struct {
	cfg        *config.Config
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRemote creates a client for endpoint.
func NewRemote(cfg *config.Config, endpoint string, logger *zap.Logger) *RemoteClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	// The timeout bounds the wait for response headers only. A streaming body
	// runs until the server closes it or the request is aborted.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.LLMRequestTimeout
	return &RemoteClient{
		cfg:        cfg,
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

// Endpoint returns the server base URL.
func (c *RemoteClient) Endpoint() string { return c.endpoint }

// Abort cancels the most recent Chat call.
func (c *RemoteClient) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *RemoteClient) track(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// Chat POSTs the request to /v1/chat/completions.
func (c *RemoteClient) Chat(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		c.track(cancel)

		ev, err := c.chat(ctx, req, yield)
		switch {
		case err == nil && ev == nil:
			// consumer stopped early
			return
		case err != nil:
			outcome := metrics.OutcomeError
			switch {
			case apperrors.IsAborted(err):
				outcome = metrics.OutcomeAborted
				c.logger.Info("MLC_LLM: chat aborted")
			case apperrors.IsEmptyResponse(err):
				outcome = metrics.OutcomeEmpty
			default:
				c.logger.Error("MLC_LLM: chat failed", zap.String("endpoint", c.endpoint), zap.Error(err))
			}
			metrics.ChatRequest(BackendRemote, outcome)
			yield(Event{}, err)
		default:
			metrics.ChatRequest(BackendRemote, metrics.OutcomeSuccess)
			yield(*ev, nil)
		}
	}
}

// chat returns the finish event, an error, or neither when the consumer
// stopped the sequence.
func (c *RemoteClient) chat(ctx context.Context, req Request, yield func(Event, error) bool) (*Event, error) {
	body := chatRequest{Messages: req.Messages, LLMConfig: req.Config}
	if req.Config.Stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", c.endpoint)
	resp, err := c.post(ctx, url, jsonBody, req.Config.Stream)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, apperrors.WrapErrorf(apperrors.ErrLLMCommunication, "llm server status %s: %s", resp.Status, strings.TrimSpace(string(bodyBytes)))
	}

	if !req.Config.Stream {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classify(ctx, fmt.Errorf("read chat response: %w", err))
		}
		if !gjson.ValidBytes(bodyBytes) {
			return nil, apperrors.WrapError(apperrors.ErrLLMCommunication, "decode chat response")
		}
		parsed := gjson.ParseBytes(bodyBytes)
		if parsed.Get("choices.#").Int() == 0 {
			return nil, apperrors.WrapError(apperrors.ErrLLMCommunication, "no response choices from llm server")
		}
		ev, err := finalEvent(
			parsed.Get("choices.0.message.content").String(),
			types.StopReason(parsed.Get("choices.0.finish_reason").String()),
			parseUsage(parsed.Get("usage")),
		)
		if err != nil {
			return nil, err
		}
		return &ev, nil
	}

	var acc accumulator
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}
		if !gjson.Valid(data) {
			c.logger.Error("Error parsing streaming response from MLC-LLM server", zap.String("data", data))
			continue
		}
		parsed := gjson.Parse(data)
		acc.finish("", parseUsage(parsed.Get("usage")))
		if parsed.Get("choices.#").Int() == 0 {
			continue
		}
		choice := parsed.Get("choices.0")
		acc.finish(types.StopReason(choice.Get("finish_reason").String()), nil)
		delta := choice.Get("delta.content").String()
		text := acc.add(delta)
		if !yield(Event{Kind: EventDelta, Text: text, Delta: delta, Raw: line}, nil) {
			return nil, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classify(ctx, fmt.Errorf("read chat stream: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, err)
	}

	ev, err := finalEvent(acc.text.String(), acc.stopReason, acc.usage)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// parseUsage reads the token counts field by field so an unexpected value in
// one field never drops the rest.
func parseUsage(r gjson.Result) *types.Usage {
	if !r.Exists() || !r.IsObject() {
		return nil
	}
	u := types.Usage{
		PromptTokens:     int(r.Get("prompt_tokens").Int()),
		CompletionTokens: int(r.Get("completion_tokens").Int()),
		TotalTokens:      int(r.Get("total_tokens").Int()),
	}
	if extra := r.Get("extra"); extra.IsObject() {
		if m, ok := extra.Value().(map[string]any); ok {
			u.Extra = m
		}
	}
	return &u
}

// post sends body, retrying while the server reports the model is loading.
func (c *RemoteClient) post(ctx context.Context, url string, body []byte, stream bool) (*http.Response, error) {
	attempts := max(1, c.cfg.MaxRetries)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Do not retry on context cancellation/deadline or network failures
			return nil, fmt.Errorf("send chat request: %w", err)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			return resp, nil
		}

		// Model loading; retry with backoff
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = apperrors.WrapErrorf(apperrors.ErrServiceUnavailable, "llm server status %s", resp.Status)
		c.logger.Warn("LLM service unavailable, retrying", zap.Int("attempt", attempt+1))
		if attempt < attempts-1 {
			if err := c.backoffSleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (c *RemoteClient) backoffSleep(ctx context.Context, attempt int) error {
	// Exponential backoff with configurable jitter and cap
	base := c.cfg.RetryDelaySeconds
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(1<<attempt)
	maxWait := c.cfg.LLMBackoffMaxSeconds
	if maxWait > 0 && d > maxWait {
		d = maxWait
	}
	jitterRatio := c.cfg.LLMBackoffJitterRatio
	if jitterRatio < 0 || jitterRatio > 1 {
		jitterRatio = 0.1
	}
	jitter := time.Duration(float64(d) * jitterRatio)
	if jitter > 0 {
		d = d - jitter + time.Duration(rand.Int64N(int64(2*jitter)+1))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Models lists the models served by the endpoint.
func (c *RemoteClient) Models(ctx context.Context) ([]types.ModelRecord, error) {
	url := fmt.Sprintf("%s/v1/models", c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create models request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("MLC_LLM: Fetch error", zap.Error(err))
		return nil, apperrors.WrapError(apperrors.ErrLLMCommunication, err.Error())
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.WrapErrorf(apperrors.ErrLLMCommunication, "models status %s: %s", resp.Status, string(bodyBytes))
	}
	if !gjson.ValidBytes(bodyBytes) {
		return nil, apperrors.WrapError(apperrors.ErrLLMCommunication, "decode models response")
	}

	var models []types.ModelRecord
	for _, id := range gjson.GetBytes(bodyBytes, "data.#.id").Array() {
		name := id.String()
		if name == "" {
			continue
		}
		parts := strings.Split(name, "/")
		models = append(models, types.ModelRecord{
			Name:        name,
			DisplayName: parts[len(parts)-1],
		})
	}
	return models, nil
}
