package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"webllm-chat/config"
	"webllm-chat/database"
	"webllm-chat/engine"
	"webllm-chat/llmclient"
	"webllm-chat/session"
	"webllm-chat/templates"
	"webllm-chat/web/handlers"
	"webllm-chat/web/services"
	"webllm-chat/web/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	srv      *Server
	sessions *session.Store
}

func newTestServer(t *testing.T, opts ...engine.LocalOption) *testServer {
	t.Helper()
	ctx := context.Background()
	backend := database.NewMemory()

	sessions, err := session.Open(ctx, backend, session.Options{}, zap.NewNop())
	require.NoError(t, err)
	appConfig, err := config.OpenAppConfig(ctx, backend, zap.NewNop())
	require.NoError(t, err)
	tmpls, err := templates.Open(ctx, backend, zap.NewNop())
	require.NoError(t, err)

	eng := engine.NewLocal(zap.NewNop(), opts...)
	srv := NewServer(Deps{
		Sessions:  sessions,
		AppConfig: appConfig,
		Templates: tmpls,
		Client:    llmclient.NewEngineClient(eng, zap.NewNop()),
	}, zap.NewNop(), &config.Config{RateLimitMessagesPerMin: 60, RateLimitBurstSize: 3})
	t.Cleanup(func() {
		srv.limiter.Stop()
		sessions.Wait()
	})
	return &testServer{srv: srv, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[types.ChatSession](t, w)

	w = ts.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[handlers.SessionList](t, w)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, created.ID, list.Sessions[0].ID)
	assert.Equal(t, 0, list.CurrentIndex)

	w = ts.do(t, http.MethodPost, "/api/sessions/"+list.Sessions[1].ID+"/select", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[handlers.SessionList](t, w).CurrentIndex)

	w = ts.do(t, http.MethodDelete, "/api/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[handlers.SessionList](t, w).Sessions, 1)

	w = ts.do(t, http.MethodPost, "/api/sessions/undo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[handlers.SessionList](t, w).Sessions, 2)

	w = ts.do(t, http.MethodPost, "/api/sessions/undo", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestSessionFromTemplate(t *testing.T) {
	ts := newTestServer(t)
	builtin := templates.Builtins()[0]

	w := ts.do(t, http.MethodPost, "/api/sessions", handlers.CreateSessionRequest{TemplateID: builtin.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, builtin.Name, decode[types.ChatSession](t, w).Topic)

	w = ts.do(t, http.MethodPost, "/api/sessions", handlers.CreateSessionRequest{TemplateID: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/export", "/api/sessions/nope/stream"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, nil).Code)
		})
	}
}

func TestMoveSessionValidates(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/sessions/move", handlers.MoveSessionRequest{From: 0, To: 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func waitIdle(t *testing.T, ts *testServer, id string) types.ChatSession {
	t.Helper()
	if gen, ok := ts.sessions.Generating(id); ok {
		_ = gen.Wait()
	}
	ts.sessions.Wait()
	sess, ok := ts.sessions.Get(id)
	require.True(t, ok)
	return sess
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sessions.CurrentSession().ID

	w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "hello there"})
	require.Equal(t, http.StatusAccepted, w.Code)
	gen := decode[handlers.GenerationResponse](t, w)
	assert.Equal(t, id, gen.SessionID)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))

	sess := waitIdle(t, ts, id)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, gen.UserMessageID, sess.Messages[0].ID)
	assert.Equal(t, "You said: hello there", sess.Messages[1].Content.String())
	assert.False(t, sess.IsGenerating)
}

func TestSendMessageCurrentAlias(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/sessions/current/messages", handlers.ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, ts.sessions.CurrentSession().ID, decode[handlers.GenerationResponse](t, w).SessionID)
	waitIdle(t, ts, ts.sessions.CurrentSession().ID)
}

func TestSendMessageRejectsEmptyInput(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sessions.CurrentSession().ID
	w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageWhileGenerating(t *testing.T) {
	ts := newTestServer(t, engine.WithChunkDelay(20*time.Millisecond))
	id := ts.sessions.CurrentSession().ID

	w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "a long enough question"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	waitIdle(t, ts, id)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sessions.CurrentSession().ID

	limited := false
	for range 5 {
		w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "hi"})
		if w.Code == http.StatusTooManyRequests {
			limited = true
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
			break
		}
		waitIdle(t, ts, id)
	}
	assert.True(t, limited, "burst of 3 is exceeded")
}

func TestAbort(t *testing.T) {
	ts := newTestServer(t, engine.WithChunkDelay(50*time.Millisecond))
	id := ts.sessions.CurrentSession().ID

	w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "one two three four five six"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodPost, "/api/abort", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	sess := waitIdle(t, ts, id)
	for _, m := range sess.Messages {
		assert.False(t, m.Streaming)
		assert.False(t, m.IsError)
	}
}

func TestResendAndDeleteMessage(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sessions.CurrentSession().ID

	w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "ping"})
	require.Equal(t, http.StatusAccepted, w.Code)
	sess := waitIdle(t, ts, id)
	bot := sess.Messages[1]

	w = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/"+bot.ID+"/resend", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	sess = waitIdle(t, ts, id)
	require.Len(t, sess.Messages, 2)
	assert.NotEqual(t, bot.ID, sess.Messages[1].ID)

	w = ts.do(t, http.MethodDelete, "/api/sessions/"+id+"/messages/"+sess.Messages[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[types.ChatSession](t, w).Messages, 1)

	w = ts.do(t, http.MethodDelete, "/api/sessions/"+id+"/messages/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func readEvents(t *testing.T, body io.Reader) []services.StreamData {
	t.Helper()
	var events []services.StreamData
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev services.StreamData
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStreamFollowsGeneration(t *testing.T) {
	ts := newTestServer(t, engine.WithChunkDelay(5*time.Millisecond))
	id := ts.sessions.CurrentSession().ID
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "stream this reply please"})
	require.Equal(t, http.StatusAccepted, w.Code)

	resp, err := http.Get(httpSrv.URL + "/api/sessions/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, services.EventEnd, events[len(events)-1].Type)

	final := events[len(events)-2]
	require.Equal(t, services.EventSession, final.Type)
	require.NotNil(t, final.Session)
	require.Len(t, final.Session.Messages, 2)
	assert.Equal(t, "You said: stream this reply please", final.Session.Messages[1].Content.String())
	waitIdle(t, ts, id)
}

func TestStreamIdleSession(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sessions.CurrentSession().ID

	w := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/stream", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := readEvents(t, w.Body)
	require.Len(t, events, 2)
	assert.Equal(t, services.EventSession, events[0].Type)
	assert.Equal(t, services.EventEnd, events[1].Type)
}

func TestExport(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sessions.CurrentSession().ID
	ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "hello"})
	waitIdle(t, ts, id)

	tests := []struct {
		query       string
		status      int
		contentType string
		contains    string
		filename    string
	}{
		{"", http.StatusOK, "text/markdown; charset=utf-8", "**User:**\n\nhello", "New Conversation.md"},
		{"?format=html", http.StatusOK, "text/html; charset=utf-8", "<p>You said: hello</p>", "New Conversation.html"},
		{"?format=pdf", http.StatusBadRequest, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/export"+tt.query, nil)
			require.Equal(t, tt.status, w.Code)
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
				assert.Contains(t, w.Body.String(), tt.contains)
				assert.Equal(t, `attachment; filename="`+tt.filename+`"`, w.Header().Get("Content-Disposition"))
			}
		})
	}
}

func TestClearContextAndReset(t *testing.T) {
	ts := newTestServer(t)
	id := ts.sessions.CurrentSession().ID
	ts.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", handlers.ChatRequest{Message: "hello"})
	waitIdle(t, ts, id)

	w := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/clear-context", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[types.ChatSession](t, w)
	require.NotNil(t, sess.ClearContextIndex)
	assert.Equal(t, 2, *sess.ClearContextIndex)

	w = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[types.ChatSession](t, w).Messages)
}

func TestTemplates(t *testing.T) {
	ts := newTestServer(t)
	name := "Reviewer"

	w := ts.do(t, http.MethodPost, "/api/templates", handlers.TemplateRequest{Name: &name})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[types.Template](t, w)
	assert.False(t, created.Builtin)

	renamed := "Code Reviewer"
	w = ts.do(t, http.MethodPatch, "/api/templates/"+created.ID, handlers.TemplateRequest{Name: &renamed})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, renamed, decode[types.Template](t, w).Name)

	w = ts.do(t, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[[]types.Template](t, w)
	require.NotEmpty(t, all)
	assert.Equal(t, created.ID, all[0].ID, "user templates come first")

	w = ts.do(t, http.MethodGet, "/api/templates/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exported := decode[[]types.Template](t, w)
	require.Len(t, exported, 1)

	w = ts.do(t, http.MethodPost, "/api/templates/import", exported)
	require.Equal(t, http.StatusCreated, w.Code)
	imported := decode[[]types.Template](t, w)
	require.Len(t, imported, 1)
	assert.NotEqual(t, created.ID, imported[0].ID)

	builtin := templates.Builtins()[0]
	w = ts.do(t, http.MethodDelete, "/api/templates/"+builtin.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/templates/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/templates/"+created.ID, nil).Code)
}

func TestConfig(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.DefaultChatConfig().ModelConfig.Model, decode[types.ChatConfig](t, w).ModelConfig.Model)

	qwen := types.DefaultModels[1].Name
	temp := 5.0
	count := 8
	w = ts.do(t, http.MethodPatch, "/api/config", handlers.ConfigPatch{
		HistoryMessageCount: &count,
		ModelConfig:         &types.ModelConfigPatch{Model: &qwen, Temperature: &temp},
	})
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode[types.ChatConfig](t, w)
	assert.Equal(t, qwen, cfg.ModelConfig.Model)
	assert.Equal(t, 0.95, cfg.ModelConfig.TopP, "recommended config applied")
	assert.Equal(t, 2.0, cfg.ModelConfig.Temperature, "temperature is clamped")
	assert.Equal(t, 8, cfg.HistoryMessageCount)

	bad := 100
	w = ts.do(t, http.MethodPatch, "/api/config", handlers.ConfigPatch{HistoryMessageCount: &bad})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/config/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.DefaultChatConfig().HistoryMessageCount, decode[types.ChatConfig](t, w).HistoryMessageCount)
}

func TestModelsAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Models  []types.ModelRecord `json:"models"`
		Current string              `json:"current"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Models, len(types.DefaultModels))
	assert.Equal(t, types.DefaultModels[0].Name, body.Current)

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
