package session

import (
	"context"
	"slices"
	"unicode/utf8"

	"webllm-chat/errors"
	"webllm-chat/llmclient"
	"webllm-chat/memory"
	"webllm-chat/metrics"
	"webllm-chat/tokens"
	"webllm-chat/web/types"

	"go.uber.org/zap"
)

// Image is an attachment of a user message.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Input is what the user submitted.
type Input struct {
	Text   string  `json:"text"`
	Images []Image `json:"images,omitempty"`
}

// Generation is a chat request in flight.
type Generation struct {
	SessionID     string
	UserMessageID string
	BotMessageID  string

	done chan struct{}
	err  error
}

// Done is closed once the request settled and the session was updated.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Wait blocks until the request settles and returns its error. Aborted
// requests return an error matching errors.IsAborted.
func (g *Generation) Wait() error {
	<-g.done
	return g.err
}

// ModelConfig is the model config a session's requests use: the template's
// overrides over the global config, always on the globally selected model.
func ModelConfig(sess types.ChatSession, cfg types.ChatConfig) types.ModelConfig {
	mc := sess.Template.ResolveModelConfig(cfg.ModelConfig)
	mc.Model = cfg.ModelConfig.Model
	return mc
}

func buildContent(text string, images []Image) types.Content {
	if len(images) == 0 {
		return types.TextContent(text)
	}
	parts := []types.ContentPart{{Type: types.PartText, Text: text}}
	for _, img := range images {
		parts = append(parts, types.ContentPart{
			Type:      types.PartImageURL,
			ImageURL:  &types.ImageURL{URL: img.URL},
			Dimension: &types.Dimension{Width: img.Width, Height: img.Height},
		})
	}
	return types.Content{Parts: parts}
}

func imagesOf(c types.Content) []Image {
	var out []Image
	for _, p := range c.Images() {
		img := Image{}
		if p.ImageURL != nil {
			img.URL = p.ImageURL.URL
		}
		if p.Dimension != nil {
			img.Width, img.Height = p.Dimension.Width, p.Dimension.Height
		}
		out = append(out, img)
	}
	return out
}

// OnUserInput sends in to the model on behalf of the session with id. The
// user message and a streaming assistant placeholder are appended right
// away; the reply streams into the placeholder in the background. Backend
// failures never surface here, they end up on the messages and in the
// Generation's error.
func (s *Store) OnUserInput(ctx context.Context, id string, in Input, client llmclient.Client, cfg types.ChatConfig) (*Generation, error) {
	return s.submit(ctx, id, in, nil, client, cfg)
}

// OnResend reissues the request a message belongs to. For an assistant
// message the closest user message before it is resent; for a user message
// the next assistant reply is dropped with it.
func (s *Store) OnResend(ctx context.Context, id, messageID string, client llmclient.Client, cfg types.ChatConfig) (*Generation, error) {
	sess, ok := s.Get(id)
	if !ok {
		return nil, errors.WrapErrorf(errors.ErrNotFound, "session %s", id)
	}
	idx := sess.MessageIndex(messageID)
	if idx < 0 {
		return nil, errors.WrapErrorf(errors.ErrNotFound, "message %s", messageID)
	}

	var user, bot *types.ChatMessage
	switch msg := sess.Messages[idx]; msg.Role {
	case types.RoleAssistant:
		bot = &sess.Messages[idx]
		for i := idx; i >= 0; i-- {
			if sess.Messages[i].Role == types.RoleUser {
				user = &sess.Messages[i]
				break
			}
		}
	case types.RoleUser:
		user = &sess.Messages[idx]
		for i := idx; i < len(sess.Messages); i++ {
			if sess.Messages[i].Role == types.RoleAssistant {
				bot = &sess.Messages[i]
				break
			}
		}
	}
	if user == nil {
		s.logger.Warn("No user message to resend",
			zap.String("session_id", id), zap.String("message_id", messageID))
		return nil, errors.WrapErrorf(errors.ErrNotFound, "no user message for %s", messageID)
	}

	drop := []string{user.ID}
	if bot != nil {
		drop = append(drop, bot.ID)
	}
	in := Input{Text: user.Content.String(), Images: imagesOf(user.Content)}
	return s.submit(ctx, id, in, drop, client, cfg)
}

func (s *Store) submit(ctx context.Context, id string, in Input, drop []string, client llmclient.Client, cfg types.ChatConfig) (*Generation, error) {
	if client == nil {
		return nil, errors.WrapError(errors.ErrInvalidInput, "no chat client")
	}

	s.mu.Lock()
	i := s.indexOfLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, errors.WrapErrorf(errors.ErrNotFound, "session %s", id)
	}
	if s.live[id] != nil || s.state.Sessions[i].IsGenerating {
		s.mu.Unlock()
		return nil, errors.WrapErrorf(errors.ErrBusy, "session %s", id)
	}

	now := s.now()
	sess := s.state.Sessions[i]
	if len(drop) > 0 {
		sess = Reduce(sess, DeleteMessages{IDs: drop})
	}
	mc := ModelConfig(sess, cfg)
	text := memory.FillTemplate(in.Text, cfg.Template, memory.TemplateVars(cfg, mc, now))

	user := types.NewMessage(types.RoleUser, buildContent(text, in.Images))
	user.Date = now
	bot := types.NewMessage(types.RoleAssistant, types.TextContent(""))
	bot.Date = now
	bot.Streaming = true
	bot.Model = mc.Model

	window := s.assembler.Assemble(sess, cfg, mc)
	send := append(slices.Clone(window.Messages), user)

	next := cloneState(s.state)
	next.Sessions[i] = Reduce(sess, Batch{
		AppendMessages{Messages: []types.ChatMessage{user, bot}},
		SetGenerating{true},
		Touch{At: now},
	})
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	gen := &Generation{SessionID: id, UserMessageID: user.ID, BotMessageID: bot.ID, done: make(chan struct{})}
	s.live[id] = gen
	updated := next.Sessions[i].Clone()
	s.bg.Add(1)
	s.mu.Unlock()

	s.feed.publish(Change{Kind: ChangeSession, SessionID: id, Session: &updated})
	metrics.GenerationStarted()
	s.logger.Debug("Sending chat request",
		zap.String("session_id", id),
		zap.String("model", mc.Model),
		zap.Int("messages", len(send)))

	req := llmclient.Request{Messages: types.RequestMessages(send), Config: cfg.LLMConfig(mc)}
	go s.run(context.WithoutCancel(ctx), gen, req, client, cfg)
	return gen, nil
}

// run streams the reply into the placeholder. The request outlives the
// caller's context; Abort on the client is the only way to stop it.
func (s *Store) run(ctx context.Context, gen *Generation, req llmclient.Request, client llmclient.Client, cfg types.ChatConfig) {
	defer s.bg.Done()
	id := gen.SessionID
	finished, settled, replied := false, false, false

	// load progress shares the placeholder with the reply; replied tells
	// whether any of the text there came from the model
	seq := client.Chat(ctx, req)
	tracked := func(yield func(llmclient.Event, error) bool) {
		for ev, err := range seq {
			if err == nil && ev.Kind == llmclient.EventDelta {
				replied = true
			}
			if !yield(ev, err) {
				return
			}
		}
	}

	llmclient.Collect(tracked, llmclient.Handlers{
		OnUpdate: func(message, _ string) {
			if _, err := s.update(ctx, id, StreamUpdate{MessageID: gen.BotMessageID, Content: message}, false); err != nil {
				s.logger.Debug("Dropping update for missing session", zap.String("session_id", id))
			}
		},
		OnFinish: func(message string, stop types.StopReason, usage *types.Usage) {
			finished, settled = true, true
			content := message
			if !req.Config.EnableThinking {
				content = StripEmptyThinking(content)
			}
			actions := Batch{
				FinishMessage{
					MessageID:     gen.BotMessageID,
					Content:       message,
					StopReason:    stop,
					Usage:         usage,
					StripThinking: !req.Config.EnableThinking,
				},
				s.stat(content),
				SetGenerating{false},
				Touch{At: s.now()},
			}
			s.settle(ctx, gen, actions, nil)
		},
		OnError: func(err error) {
			settled = true
			s.fail(ctx, gen, err, !replied)
		},
	})

	if !settled {
		s.fail(ctx, gen, errors.ErrEmptyResponse, !replied)
	}
	if !finished {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.SummarizeSession(ctx, id, client, cfg)
	}()
}

// fail closes a request that ended without a reply. dropText clears what
// the placeholder shows first, for text that never came from the model.
func (s *Store) fail(ctx context.Context, gen *Generation, err error, dropText bool) {
	aborted := errors.IsAborted(err)
	if aborted {
		s.logger.Info("Chat request aborted", zap.String("session_id", gen.SessionID))
	} else {
		s.logger.Error("Chat request failed", zap.String("session_id", gen.SessionID), zap.Error(err))
	}
	actions := Batch{
		FailMessage{
			UserMessageID: gen.UserMessageID,
			BotMessageID:  gen.BotMessageID,
			Error:         err.Error(),
			Aborted:       aborted,
			KeepUser:      errors.IsModelLoad(err),
			DropText:      dropText,
		},
		SetGenerating{false},
		Touch{At: s.now()},
	}
	s.settle(ctx, gen, actions, err)
}

func (s *Store) stat(text string) UpdateStat {
	return UpdateStat{
		Chars:  utf8.RuneCountInString(text),
		Words:  tokens.WordCount(text),
		Tokens: s.estimator.Estimate(text),
	}
}

// settle applies the closing actions, releases the session and wakes
// waiters.
func (s *Store) settle(ctx context.Context, gen *Generation, actions Action, err error) {
	if _, uerr := s.update(ctx, gen.SessionID, actions, true); uerr != nil && !errors.IsNotFound(uerr) {
		s.logger.Error("Failed to store reply", zap.String("session_id", gen.SessionID), zap.Error(uerr))
	}
	s.mu.Lock()
	if s.live[gen.SessionID] == gen {
		delete(s.live, gen.SessionID)
	}
	s.mu.Unlock()
	metrics.GenerationFinished()
	gen.err = err
	close(gen.done)
}
