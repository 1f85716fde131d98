package config

import (
	"context"
	"testing"
	"time"

	"webllm-chat/database"
	"webllm-chat/errors"
	"webllm-chat/web/types"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg := Load(zap.NewNop())
	assert.Equal(t, "8080", cfg.WebPort)
	assert.Equal(t, "webllm", cfg.ModelClient)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 300*time.Second, cfg.LLMRequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.EngineProbeTimeout)
	assert.Equal(t, 60*time.Second, cfg.StreamStaleTimeout)
	assert.Equal(t, 5*time.Second, cfg.UndoDeleteWindow)
}

func TestLoadEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("MODEL_CLIENT", " MLC-LLM-API ")
	t.Setenv("MLC_ENDPOINT", "http://gpu-box:8000/")
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("RETRY_DELAY_SECONDS", "0.5")
	t.Setenv("RATE_LIMIT_BURST_SIZE", "9")

	cfg := Load(zap.NewNop())
	assert.Equal(t, "mlc-llm-api", cfg.ModelClient)
	assert.Equal(t, "http://gpu-box:8000", cfg.MLCEndpoint)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelaySeconds)
	assert.Equal(t, 9, cfg.RateLimitBurstSize)
}

func TestLevels(t *testing.T) {
	tests := []struct {
		in     string
		zap    string
		engine string
	}{
		{"debug", "debug", "DEBUG"},
		{"Warning", "warn", "WARN"},
		{"ERROR", "error", "ERROR"},
		{"silent", "fatal", "SILENT"},
		{"bogus", "info", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.zap, ParseLevel(tt.in).String())
			assert.Equal(t, tt.engine, EngineLogLevel(tt.in))
		})
	}
}

func openAppConfig(t *testing.T, b database.Backend) *AppConfig {
	t.Helper()
	a, err := OpenAppConfig(context.Background(), b, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestAppConfigSelectModel(t *testing.T) {
	ctx := context.Background()
	a := openAppConfig(t, database.NewMemory())

	cfg, err := a.SelectModel(ctx, "Qwen3-0.6B-q4f16_1-MLC")
	require.NoError(t, err)
	assert.Equal(t, "Qwen3-0.6B-q4f16_1-MLC", cfg.ModelConfig.Model)
	assert.Equal(t, 0.7, cfg.ModelConfig.Temperature)
	assert.Equal(t, 0.95, cfg.ModelConfig.TopP)
	assert.Equal(t, 4000, cfg.ModelConfig.MaxTokens, "fields without a recommendation are kept")

	cfg, err = a.SelectModel(ctx, "custom-model")
	require.NoError(t, err)
	assert.Equal(t, "custom-model", cfg.ModelConfig.Model)
	assert.Equal(t, 0.7, cfg.ModelConfig.Temperature)

	_, err = a.SelectModel(ctx, "")
	assert.True(t, errors.IsInvalidInput(err))
}

func TestAppConfigSetModels(t *testing.T) {
	ctx := context.Background()
	a := openAppConfig(t, database.NewMemory())
	current := a.Get().ModelConfig.Model

	cfg, err := a.SetModels(ctx, []types.ModelRecord{{Name: "other"}, {Name: current}})
	require.NoError(t, err)
	assert.Equal(t, current, cfg.ModelConfig.Model)

	cfg, err = a.SetModels(ctx, []types.ModelRecord{{Name: "remote-a"}, {Name: "remote-b"}})
	require.NoError(t, err)
	assert.Equal(t, "remote-a", cfg.ModelConfig.Model)
	assert.Len(t, cfg.Models, 2)

	_, err = a.SetModels(ctx, nil)
	assert.True(t, errors.IsInvalidInput(err))
}

func TestAppConfigUpdateModelConfigClamps(t *testing.T) {
	ctx := context.Background()
	a := openAppConfig(t, database.NewMemory())
	temp, topP, penalty, maxTokens := 3.5, -1.0, 9.0, 600000

	cfg, err := a.UpdateModelConfig(ctx, types.ModelConfigPatch{
		Temperature:     &temp,
		TopP:            &topP,
		PresencePenalty: &penalty,
		MaxTokens:       &maxTokens,
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.ModelConfig.Temperature)
	assert.Equal(t, 0.0, cfg.ModelConfig.TopP)
	assert.Equal(t, 2.0, cfg.ModelConfig.PresencePenalty)
	assert.Equal(t, 1024, cfg.ModelConfig.MaxTokens)
}

func TestAppConfigPersistsAndResets(t *testing.T) {
	ctx := context.Background()
	b := database.NewMemory()
	a := openAppConfig(t, b)
	_, err := a.Update(ctx, func(c *types.ChatConfig) {
		c.HistoryMessageCount = 12
		c.SendMemory = false
	})
	require.NoError(t, err)

	reopened := openAppConfig(t, b)
	assert.Equal(t, 12, reopened.Get().HistoryMessageCount)
	assert.False(t, reopened.Get().SendMemory)

	cfg, err := reopened.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultChatConfig().HistoryMessageCount, cfg.HistoryMessageCount)
	assert.True(t, cfg.SendMemory)
}

func TestAppConfigMigratesOldVersions(t *testing.T) {
	ctx := context.Background()
	b := database.NewMemory()
	old := `{"version":0.46,"state":{"historyMessageCount":8,"template":"old {{input}}","models":[],"modelConfig":{"model":"gone","temperature":1.5}}}`
	require.NoError(t, b.Put(ctx, database.ConfigStoreKey, []byte(old)))

	cfg := openAppConfig(t, b).Get()
	assert.Equal(t, 8, cfg.HistoryMessageCount, "stored values win")
	assert.Equal(t, types.DefaultInputTemplate, cfg.Template)
	assert.Equal(t, types.DefaultModelConfig(), cfg.ModelConfig)
	assert.Len(t, cfg.Models, len(types.DefaultModels))
	assert.True(t, cfg.SendMemory, "missing fields take defaults")
}

func TestAppConfigSnapshotsAreIsolated(t *testing.T) {
	a := openAppConfig(t, database.NewMemory())
	snap := a.Get()
	snap.Models[0].Name = "mutated"
	assert.NotEqual(t, "mutated", a.Get().Models[0].Name)
}
