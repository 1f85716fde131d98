package cmd

import (
	"context"
	"fmt"

	"webllm-chat/config"
	"webllm-chat/database"
	"webllm-chat/engine"
	"webllm-chat/llmclient"
	"webllm-chat/session"
	"webllm-chat/templates"
	"webllm-chat/tokens"
	"webllm-chat/web"
	"webllm-chat/web/types"

	"go.uber.org/zap"
)

// loadConfig reads the process config and builds the logger it asks for.
func loadConfig() (*config.Config, *zap.Logger, error) {
	// Initialize logger with default level to load config
	tempLogger, err := config.InitLogger("info")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg := config.Load(tempLogger)

	logger, err := config.InitLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to re-initialize logger with configured level: %w", err)
	}
	return cfg, logger, nil
}

// app is everything serve runs.
type app struct {
	backend   database.Backend
	sessions  *session.Store
	appConfig *config.AppConfig
	templates *templates.Store
	client    llmclient.Client
	models    *llmclient.RemoteClient
	worker    *engine.Worker
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (database.Backend, error) {
	return database.Open(ctx, database.Options{
		Backend:       cfg.StoreBackend,
		DSN:           cfg.StoreDSN,
		Table:         cfg.StoreTable,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	}, logger)
}

// newClient builds the backend MODEL_CLIENT names.
func newClient(ctx context.Context, cfg *config.Config, persistent bool, logger *zap.Logger) (llmclient.Client, *llmclient.RemoteClient, *engine.Worker, error) {
	switch types.ModelClientType(cfg.ModelClient) {
	case types.ModelClientMLCAPI:
		remote := llmclient.NewRemote(cfg, cfg.MLCEndpoint, logger)
		logger.Info("Using MLC LLM server", zap.String("endpoint", remote.Endpoint()))
		return remote, remote, nil, nil
	case types.ModelClientWebLLM, "":
		var probe engine.Probe
		if persistent {
			probe = func(context.Context) (bool, error) { return true, nil }
		}
		kind := engine.Select(ctx, probe, cfg.EngineProbeTimeout, logger)
		worker := engine.NewWorker(kind, func() engine.Engine {
			return engine.NewLocal(logger)
		}, logger)
		worker.SetLogLevel(config.EngineLogLevel(cfg.EngineLogLevel))
		return llmclient.NewEngineClient(worker, logger), nil, worker, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown model client %q", cfg.ModelClient)
	}
}

func openApp(ctx context.Context, cfg *config.Config, persistent bool, logger *zap.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &app{backend: backend}

	estimator, err := tokens.NewCachedEstimator(cfg.LRUTokenCacheSize)
	if err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to create token estimator: %w", err)
	}

	if a.appConfig, err = config.OpenAppConfig(ctx, backend, logger); err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to load chat config: %w", err)
	}
	if a.templates, err = templates.Open(ctx, backend, logger); err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	a.sessions, err = session.Open(ctx, backend, session.Options{
		Estimator:  estimator,
		StaleAfter: cfg.StreamStaleTimeout,
		UndoWindow: cfg.UndoDeleteWindow,
	}, logger)
	if err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	if a.client, a.models, a.worker, err = newClient(ctx, cfg, persistent, logger); err != nil {
		a.close(logger)
		return nil, err
	}
	if _, err := a.appConfig.Update(ctx, func(c *types.ChatConfig) {
		c.ModelClientType = types.ModelClientType(cfg.ModelClient)
		if cfg.ModelClient == string(types.ModelClientMLCAPI) {
			c.ModelConfig.MLCEndpoint = cfg.MLCEndpoint
		}
	}); err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to store model client: %w", err)
	}
	return a, nil
}

func (a *app) deps() web.Deps {
	d := web.Deps{
		Sessions:  a.sessions,
		AppConfig: a.appConfig,
		Templates: a.templates,
		Client:    a.client,
	}
	// a nil *RemoteClient must not become a non-nil interface
	if a.models != nil {
		d.Models = a.models
	}
	return d
}

func (a *app) close(logger *zap.Logger) {
	if a.client != nil {
		a.client.Abort()
	}
	if a.sessions != nil {
		a.sessions.Wait()
	}
	if a.worker != nil {
		a.worker.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}
