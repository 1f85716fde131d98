package engine

import (
	"context"
	"errors"
	"iter"
	"sync"

	apperrors "webllm-chat/errors"
	"webllm-chat/web/types"

	"go.uber.org/zap"
)

// Kind names the hosting flavour of a worker.
type Kind string

const (
	// KindServiceWorker survives across pages; it needs WebGPU in the worker.
	KindServiceWorker Kind = "serviceWorker"
	// KindWebWorker is bound to a single page.
	KindWebWorker Kind = "webWorker"
)

// Factory creates a fresh, unloaded engine.
type Factory func() Engine

type unloader interface {
	Unload()
}

// Worker hosts an engine behind a mailbox goroutine. Control calls
// (reload, interrupt, log level) are executed one at a time on the worker
// goroutine; completions run against the engine that was current when the
// call arrived and their chunks are passed back over a channel.
//
// Terminate tears the engine down the way a browser kills an idle worker.
// Completions then fail with StaleMessage until the next Reload.
type Worker struct {
	kind    Kind
	factory Factory
	logger  *zap.Logger

	inbox     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	engine   Engine
	progress InitProgressCallback
	logLevel string
}

// NewWorker starts a worker of the given kind.
func NewWorker(kind Kind, factory Factory, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		kind:     kind,
		factory:  factory,
		logger:   logger,
		inbox:    make(chan func()),
		done:     make(chan struct{}),
		engine:   factory(),
		logLevel: "WARN",
	}
	go w.run()
	logger.Info("Created engine worker", zap.String("kind", string(kind)))
	return w
}

// Kind reports the worker flavour.
func (w *Worker) Kind() Kind { return w.kind }

func (w *Worker) run() {
	for {
		select {
		case fn := <-w.inbox:
			fn()
		case <-w.done:
			return
		}
	}
}

var errWorkerClosed = apperrors.WrapError(apperrors.ErrServiceUnavailable, "engine worker closed")

// do runs fn on the worker goroutine and waits for it to finish.
func (w *Worker) do(ctx context.Context, fn func()) error {
	select {
	case <-w.done:
		return errWorkerClosed
	default:
	}
	finished := make(chan struct{})
	msg := func() {
		defer close(finished)
		fn()
	}
	select {
	case w.inbox <- msg:
	case <-w.done:
		return errWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-w.done:
		return errWorkerClosed
	}
}

func (w *Worker) SetInitProgressCallback(cb InitProgressCallback) {
	_ = w.do(context.Background(), func() {
		w.progress = cb
		if w.engine != nil {
			w.engine.SetInitProgressCallback(cb)
		}
	})
}

func (w *Worker) SetLogLevel(level string) {
	_ = w.do(context.Background(), func() {
		w.logLevel = level
		if w.engine != nil {
			w.engine.SetLogLevel(level)
		}
	})
}

// Reload loads model, recreating the engine first if it was terminated.
func (w *Worker) Reload(ctx context.Context, model string, cfg types.LLMConfig) error {
	var err error
	if doErr := w.do(ctx, func() {
		if w.engine == nil {
			w.logger.Info("Restarting terminated engine", zap.String("kind", string(w.kind)))
			w.engine = w.factory()
			w.engine.SetInitProgressCallback(w.progress)
			w.engine.SetLogLevel(w.logLevel)
		}
		err = w.engine.Reload(ctx, model, cfg)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Terminate drops the hosted engine.
func (w *Worker) Terminate() {
	_ = w.do(context.Background(), func() {
		if u, ok := w.engine.(unloader); ok {
			u.Unload()
		}
		w.engine = nil
		w.logger.Warn("Engine worker terminated", zap.String("kind", string(w.kind)))
	})
}

func (w *Worker) current(ctx context.Context) (Engine, error) {
	var eng Engine
	if err := w.do(ctx, func() { eng = w.engine }); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, errors.New(StaleMessage)
	}
	return eng, nil
}

func (w *Worker) InterruptGenerate(ctx context.Context) error {
	eng, err := w.current(ctx)
	if err != nil {
		// nothing is running on a dead engine
		return nil
	}
	return eng.InterruptGenerate(ctx)
}

func (w *Worker) ChatCompletion(ctx context.Context, req Request) (*Completion, error) {
	eng, err := w.current(ctx)
	if err != nil {
		return nil, err
	}
	type result struct {
		completion *Completion
		err        error
	}
	out := make(chan result, 1)
	go func() {
		c, err := eng.ChatCompletion(ctx, req)
		out <- result{c, err}
	}()
	select {
	case r := <-out:
		return r.completion, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) ChatCompletionStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		eng, err := w.current(ctx)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type result struct {
			chunk Chunk
			err   error
		}
		out := make(chan result)
		go func() {
			defer close(out)
			for chunk, err := range eng.ChatCompletionStream(ctx, req) {
				select {
				case out <- result{chunk, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		for r := range out {
			if !yield(r.chunk, r.err) || r.err != nil {
				return
			}
		}
	}
}

// Close stops the worker goroutine.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
