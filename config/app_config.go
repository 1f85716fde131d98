package config

import (
	"context"

	"webllm-chat/database"
	"webllm-chat/errors"
	"webllm-chat/web/types"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

// AppConfig is the runtime chat configuration, persisted under the
// app-config key. Session operations read it through Get.
type AppConfig struct {
	store  *database.Store[types.ChatConfig]
	logger *zap.Logger
}

// OpenAppConfig loads the chat configuration from backend.
func OpenAppConfig(ctx context.Context, backend database.Backend, logger *zap.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := database.OpenStore(ctx, backend, database.Schema[types.ChatConfig]{
		Key:     database.ConfigStoreKey,
		Version: database.ConfigStoreVersion,
		Default: types.DefaultChatConfig,
		Migrate: migrateChatConfig,
		Clone:   types.ChatConfig.Clone,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &AppConfig{store: st, logger: logger}, nil
}

// Configs older than 0.47 kept the memory settings elsewhere and had no
// catalog. Stored values win over defaults except for the catalog, the
// input template and the model config, which are reset.
func migrateChatConfig(from *version.Version, cfg *types.ChatConfig) {
	if !database.VersionBefore(from, database.ConfigStoreVersion) {
		return
	}
	defaults := types.DefaultChatConfig()
	cfg.Models = defaults.Models
	cfg.Template = types.DefaultInputTemplate
	cfg.ModelConfig = defaults.ModelConfig
	if cfg.HistoryMessageCount == 0 {
		cfg.HistoryMessageCount = defaults.HistoryMessageCount
	}
	if cfg.CompressMessageLengthThreshold == 0 {
		cfg.CompressMessageLengthThreshold = defaults.CompressMessageLengthThreshold
	}
}

// Get returns a snapshot of the configuration.
func (a *AppConfig) Get() types.ChatConfig {
	return a.store.Get()
}

// Update applies fn and persists the result.
func (a *AppConfig) Update(ctx context.Context, fn func(*types.ChatConfig)) (types.ChatConfig, error) {
	return a.store.Set(ctx, fn)
}

// SelectModel switches to model and applies its recommended sampling
// config, if the catalog has one.
func (a *AppConfig) SelectModel(ctx context.Context, model string) (types.ChatConfig, error) {
	if model == "" {
		return types.ChatConfig{}, errors.WrapError(errors.ErrInvalidInput, "model name is required")
	}
	return a.store.Set(ctx, func(cfg *types.ChatConfig) {
		cfg.ModelConfig.Model = model
		if rec, ok := cfg.FindModel(model); ok {
			cfg.ModelConfig = rec.RecommendedConfig.Patch().Apply(cfg.ModelConfig)
		}
		a.logger.Info("Selected model", zap.String("model", model))
	})
}

// SetModels replaces the catalog. When the current model is no longer
// listed the first one is selected.
func (a *AppConfig) SetModels(ctx context.Context, models []types.ModelRecord) (types.ChatConfig, error) {
	if len(models) == 0 {
		return types.ChatConfig{}, errors.WrapError(errors.ErrInvalidInput, "model list is empty")
	}
	return a.store.Set(ctx, func(cfg *types.ChatConfig) {
		cfg.Models = append([]types.ModelRecord(nil), models...)
		if _, ok := cfg.FindModel(cfg.ModelConfig.Model); !ok {
			a.logger.Info("Current model not in catalog, falling back",
				zap.String("model", cfg.ModelConfig.Model), zap.String("fallback", models[0].Name))
			cfg.ModelConfig.Model = models[0].Name
		}
	})
}

// UpdateModelConfig merges patch over the model config. Values outside
// their valid range are clamped.
func (a *AppConfig) UpdateModelConfig(ctx context.Context, patch types.ModelConfigPatch) (types.ChatConfig, error) {
	return a.store.Set(ctx, func(cfg *types.ChatConfig) {
		cfg.ModelConfig = patch.Apply(cfg.ModelConfig)
	})
}

// Reset restores the defaults.
func (a *AppConfig) Reset(ctx context.Context) (types.ChatConfig, error) {
	return a.store.Set(ctx, func(cfg *types.ChatConfig) {
		*cfg = types.DefaultChatConfig()
	})
}
