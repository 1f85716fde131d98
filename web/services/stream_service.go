package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"webllm-chat/errors"
	"webllm-chat/session"
	"webllm-chat/web/types"

	"go.uber.org/zap"
)

// Stream event types.
const (
	EventSession = "session"
	EventError   = "error"
	EventEnd     = "end"
)

type StreamData struct {
	Type    string             `json:"type"`
	Content string             `json:"content,omitempty"`
	Session *types.ChatSession `json:"session,omitempty"`
}

type StreamService struct {
	sessions *session.Store
	logger   *zap.Logger
}

func NewStreamService(sessions *session.Store, logger *zap.Logger) *StreamService {
	return &StreamService{
		sessions: sessions,
		logger:   logger,
	}
}

// WriteSSEData is a helper to write SSE formatted data safely.
func (ss *StreamService) WriteSSEData(ctx context.Context, w http.ResponseWriter, data StreamData, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	if err != nil {
		return err
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// StreamSession writes the session's state now and after every change until
// its generation settles, then an end event. A session with nothing in
// flight gets one snapshot and the end event.
func (ss *StreamService) StreamSession(ctx context.Context, w http.ResponseWriter, id string) error {
	changes, unsubscribe := ss.sessions.Subscribe(64)
	defer unsubscribe()

	var writeMu sync.Mutex
	write := func(data StreamData) error {
		return ss.WriteSSEData(ctx, w, data, &writeMu)
	}
	snapshot := func() error {
		sess, ok := ss.sessions.Get(id)
		if !ok {
			return errors.WrapErrorf(errors.ErrNotFound, "session %s", id)
		}
		return write(StreamData{Type: EventSession, Session: &sess})
	}

	// a generation that settles after this check is caught by gen.Done
	gen, live := ss.sessions.Generating(id)
	if err := snapshot(); err != nil {
		return err
	}
	if !live {
		return write(StreamData{Type: EventEnd})
	}

	for {
		select {
		case <-ctx.Done():
			ss.logger.Debug("Stream client went away", zap.String("session_id", id))
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.Kind != session.ChangeSession || c.SessionID != id || c.Session == nil {
				continue
			}
			if err := write(StreamData{Type: EventSession, Session: c.Session}); err != nil {
				return err
			}
		case <-gen.Done():
			if err := snapshot(); err != nil {
				return err
			}
			if err := gen.Wait(); err != nil && !errors.IsAborted(err) {
				if err := write(StreamData{Type: EventError, Content: err.Error()}); err != nil {
					return err
				}
			}
			return write(StreamData{Type: EventEnd})
		}
	}
}
