// Package llmclient abstracts over the two chat backends: the in-process
// engine behind a worker and a remote OpenAI-compatible server.
package llmclient

import (
	"context"
	"errors"
	"iter"
	"strings"

	apperrors "webllm-chat/errors"
	"webllm-chat/web/types"
)

// Backend names, also used as metric labels.
const (
	BackendEngine = "webllm"
	BackendRemote = "mlc-llm-api"
)

// EventKind tags a chat event.
type EventKind int

const (
	// EventProgress reports model loading before any text is produced.
	EventProgress EventKind = iota
	// EventDelta carries newly generated text.
	EventDelta
	// EventFinish is the last event of a successful request.
	EventFinish
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventDelta:
		return "delta"
	case EventFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Event is one element of a chat sequence.
type Event struct {
	Kind EventKind
	// Text is the cumulative reply, or the progress text.
	Text string
	// Delta is the text added by this event.
	Delta string
	// Raw is the undecoded chunk as received from a remote server.
	Raw        string
	Progress   float64
	StopReason types.StopReason
	Usage      *types.Usage
}

// Request is one chat call.
type Request struct {
	Messages []types.RequestMessage
	Config   types.LLMConfig
}

// Client is implemented by every chat backend.
//
// Chat returns a sequence that performs the request when ranged over. It
// yields progress and delta events and ends with either a finish event or a
// single error. Breaking out of the loop cancels the request. Aborted
// requests end with an error matching errors.IsAborted.
//
// Abort cancels the in-flight request. It is safe to call at any time, any
// number of times.
type Client interface {
	Chat(ctx context.Context, req Request) iter.Seq2[Event, error]
	Abort()
}

// Handlers is the callback form of a chat sequence.
type Handlers struct {
	OnUpdate func(message, chunk string)
	OnFinish func(message string, stopReason types.StopReason, usage *types.Usage)
	OnError  func(err error)
}

// Collect drains seq into h. It returns when the sequence ends.
func Collect(seq iter.Seq2[Event, error], h Handlers) {
	for ev, err := range seq {
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
		switch ev.Kind {
		case EventProgress, EventDelta:
			if h.OnUpdate != nil {
				chunk := ev.Delta
				if ev.Raw != "" {
					chunk = ev.Raw
				}
				h.OnUpdate(ev.Text, chunk)
			}
		case EventFinish:
			if h.OnFinish != nil {
				h.OnFinish(ev.Text, ev.StopReason, ev.Usage)
			}
			return
		}
	}
}

// Result is the outcome of a drained chat sequence.
type Result struct {
	Text       string
	StopReason types.StopReason
	Usage      *types.Usage
}

// Complete drains seq and returns the final reply. On error the partial
// reply so far is returned alongside it.
func Complete(seq iter.Seq2[Event, error]) (Result, error) {
	var r Result
	for ev, err := range seq {
		if err != nil {
			return r, err
		}
		switch ev.Kind {
		case EventDelta:
			r.Text = ev.Text
		case EventFinish:
			r.Text, r.StopReason, r.Usage = ev.Text, ev.StopReason, ev.Usage
		}
	}
	return r, nil
}

// accumulator folds streamed deltas into the running reply.
type accumulator struct {
	text       strings.Builder
	stopReason types.StopReason
	usage      *types.Usage
}

func (a *accumulator) add(delta string) string {
	a.text.WriteString(delta)
	return a.text.String()
}

func (a *accumulator) finish(reason types.StopReason, usage *types.Usage) {
	if reason != "" {
		a.stopReason = reason
	}
	if usage != nil {
		a.usage = usage
	}
}

// finalEvent turns the accumulated reply into the closing event, or the
// closing error when the reply is empty.
func finalEvent(text string, reason types.StopReason, usage *types.Usage) (Event, error) {
	if text == "" {
		return Event{}, apperrors.ErrEmptyResponse
	}
	return Event{Kind: EventFinish, Text: text, StopReason: reason, Usage: usage}, nil
}

const (
	webGPUChart     = "compatibility chart"
	webGPUChartLink = "[compatibility chart](https://caniuse.com/webgpu)"
)

// augmentWebGPU links the compatibility chart in WebGPU support errors.
func augmentWebGPU(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "WebGPU") || !strings.Contains(msg, webGPUChart) || strings.Contains(msg, webGPUChartLink) {
		return err
	}
	return &augmentedError{msg: strings.Replace(msg, webGPUChart, webGPUChartLink, 1), err: err}
}

type augmentedError struct {
	msg string
	err error
}

func (e *augmentedError) Error() string { return e.msg }
func (e *augmentedError) Unwrap() error { return e.err }

// classify maps a transport error to the abort sentinel when the request
// was cancelled.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrAborted) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) || apperrors.IsAborted(err) {
		return apperrors.WrapError(apperrors.ErrAborted, err.Error())
	}
	return err
}
