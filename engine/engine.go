// Package engine defines the in-process inference engine boundary.
//
// The engine itself (weights, tokenizer, sampler) lives outside this
// module. Chat clients talk to it only through Engine, usually via a Worker
// that hosts it behind a mailbox goroutine.
package engine

import (
	"context"
	"iter"

	"webllm-chat/web/types"
)

// StaleMessage is what an engine reports when a completion reaches it
// before any model was loaded.
const StaleMessage = "Model not loaded before calling chatCompletion(). Please ensure you have called `MLCEngine.reload(model)` to load the model before initiating chat operations, or initialize your engine using `CreateMLCEngine()` with a valid model configuration."

// InitProgressReport describes model loading progress.
type InitProgressReport struct {
	Progress    float64 `json:"progress"`
	TimeElapsed float64 `json:"timeElapsed"`
	Text        string  `json:"text"`
}

// InitProgressCallback receives loading progress.
type InitProgressCallback func(InitProgressReport)

// StreamOptions controls extra data on streamed chunks.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Request is an OpenAI-style chat completion request.
type Request struct {
	Messages         []types.RequestMessage `json:"messages"`
	Stream           bool                   `json:"stream"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	PresencePenalty  *float64               `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64               `json:"frequency_penalty,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	StreamOptions    *StreamOptions         `json:"stream_options,omitempty"`
	EnableThinking   bool                   `json:"enable_thinking,omitempty"`
}

// Delta is the incremental content of a streamed choice.
type Delta struct {
	Role    types.Role `json:"role,omitempty"`
	Content string     `json:"content"`
}

// ChunkChoice is one choice of a streamed chunk.
type ChunkChoice struct {
	Index        int              `json:"index"`
	Delta        Delta            `json:"delta"`
	FinishReason types.StopReason `json:"finish_reason,omitempty"`
}

// Chunk is one element of a streamed completion. The final chunk carries
// usage when the request asked for it.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *types.Usage  `json:"usage,omitempty"`
}

// Choice is one choice of a non-streaming completion.
type Choice struct {
	Index        int                  `json:"index"`
	Message      types.RequestMessage `json:"message"`
	FinishReason types.StopReason     `json:"finish_reason,omitempty"`
}

// Completion is a non-streaming chat completion.
type Completion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   *types.Usage `json:"usage,omitempty"`
}

// Engine is the RPC-like surface of an inference engine.
type Engine interface {
	SetInitProgressCallback(cb InitProgressCallback)
	Reload(ctx context.Context, model string, cfg types.LLMConfig) error
	ChatCompletion(ctx context.Context, req Request) (*Completion, error)
	// ChatCompletionStream yields chunks in emission order. Stopping the
	// range loop releases the request.
	ChatCompletionStream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
	InterruptGenerate(ctx context.Context) error
	SetLogLevel(level string)
}

// failed is a stream holding a single error.
func failed(err error) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		yield(Chunk{}, err)
	}
}
