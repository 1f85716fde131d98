package services

import (
	"context"
	"strings"

	"webllm-chat/config"
	"webllm-chat/errors"
	"webllm-chat/llmclient"
	"webllm-chat/session"
	"webllm-chat/web/types"

	"go.uber.org/zap"
)

// ModelLister is a backend that can report the models it serves.
type ModelLister interface {
	Models(ctx context.Context) ([]types.ModelRecord, error)
}

// ChatService hands user actions to the session store together with the
// current chat configuration and the active backend.
type ChatService struct {
	sessions  *session.Store
	appConfig *config.AppConfig
	client    llmclient.Client
	models    ModelLister
	logger    *zap.Logger
}

// NewChatService wires a service. models may be nil when the backend has no
// catalog of its own.
func NewChatService(
	sessions *session.Store,
	appConfig *config.AppConfig,
	client llmclient.Client,
	models ModelLister,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		sessions:  sessions,
		appConfig: appConfig,
		client:    client,
		models:    models,
		logger:    logger,
	}
}

// SendMessage submits user input to a session.
func (cs *ChatService) SendMessage(ctx context.Context, sessionID string, in session.Input) (*session.Generation, error) {
	if strings.TrimSpace(in.Text) == "" && len(in.Images) == 0 {
		return nil, errors.WrapError(errors.ErrInvalidInput, "message is empty")
	}
	cfg := cs.appConfig.Get()
	gen, err := cs.sessions.OnUserInput(ctx, sessionID, in, cs.client, cfg)
	if err != nil {
		return nil, err
	}
	cs.logger.Info("Message submitted",
		zap.String("session_id", sessionID),
		zap.String("model", cfg.ModelConfig.Model),
		zap.Int("images", len(in.Images)))
	return gen, nil
}

// Resend reissues the request of a message.
func (cs *ChatService) Resend(ctx context.Context, sessionID, messageID string) (*session.Generation, error) {
	return cs.sessions.OnResend(ctx, sessionID, messageID, cs.client, cs.appConfig.Get())
}

// Abort cancels the request in flight and closes any message still marked
// as streaming.
func (cs *ChatService) Abort(ctx context.Context) error {
	cs.client.Abort()
	if err := cs.sessions.StopStreaming(ctx); err != nil {
		return errors.WrapError(err, "stop streaming")
	}
	cs.logger.Info("Generation aborted")
	return nil
}

// Models returns the catalog. When the backend lists its own models the
// catalog is refreshed from it first.
func (cs *ChatService) Models(ctx context.Context) ([]types.ModelRecord, error) {
	if cs.models == nil {
		return cs.appConfig.Get().Models, nil
	}
	records, err := cs.models.Models(ctx)
	if err != nil {
		return nil, errors.WrapError(errors.ErrServiceUnavailable, err.Error())
	}
	cfg, err := cs.appConfig.SetModels(ctx, records)
	if err != nil {
		return nil, err
	}
	return cfg.Models, nil
}
