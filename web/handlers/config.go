package handlers

import (
	"net/http"

	"webllm-chat/config"
	"webllm-chat/errors"
	"webllm-chat/web/services"
	"webllm-chat/web/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ConfigHandler struct {
	appConfig *config.AppConfig
	chat      *services.ChatService
	logger    *zap.Logger
}

// ConfigPatch is a partial update of the chat configuration.
type ConfigPatch struct {
	SendMemory                     *bool                   `json:"sendMemory"`
	HistoryMessageCount            *int                    `json:"historyMessageCount"`
	CompressMessageLengthThreshold *int                    `json:"compressMessageLengthThreshold"`
	EnableInjectSystemPrompts      *bool                   `json:"enableInjectSystemPrompts"`
	EnableAutoGenerateTitle        *bool                   `json:"enableAutoGenerateTitle"`
	HideBuiltinTemplates           *bool                   `json:"hideBuiltinTemplates"`
	Template                       *string                 `json:"template"`
	CacheType                      *types.CacheType        `json:"cacheType"`
	EnableThinking                 *bool                   `json:"enableThinking"`
	Lang                           *string                 `json:"lang"`
	LogLevel                       *string                 `json:"logLevel"`
	ModelConfig                    *types.ModelConfigPatch `json:"modelConfig"`
}

func (p ConfigPatch) validate() error {
	if p.HistoryMessageCount != nil && (*p.HistoryMessageCount < 0 || *p.HistoryMessageCount > 64) {
		return errors.WrapError(errors.ErrInvalidInput, "historyMessageCount must be between 0 and 64")
	}
	if p.CompressMessageLengthThreshold != nil && *p.CompressMessageLengthThreshold < 0 {
		return errors.WrapError(errors.ErrInvalidInput, "compressMessageLengthThreshold must not be negative")
	}
	if p.CacheType != nil && *p.CacheType != types.CacheTypeCache && *p.CacheType != types.CacheTypeIndexDB {
		return errors.WrapErrorf(errors.ErrInvalidInput, "unknown cache type %q", *p.CacheType)
	}
	return nil
}

func (p ConfigPatch) apply(cfg *types.ChatConfig) {
	setIf(&cfg.SendMemory, p.SendMemory)
	setIf(&cfg.HistoryMessageCount, p.HistoryMessageCount)
	setIf(&cfg.CompressMessageLengthThreshold, p.CompressMessageLengthThreshold)
	setIf(&cfg.EnableInjectSystemPrompts, p.EnableInjectSystemPrompts)
	setIf(&cfg.EnableAutoGenerateTitle, p.EnableAutoGenerateTitle)
	setIf(&cfg.HideBuiltinTemplates, p.HideBuiltinTemplates)
	setIf(&cfg.Template, p.Template)
	setIf(&cfg.CacheType, p.CacheType)
	setIf(&cfg.EnableThinking, p.EnableThinking)
	setIf(&cfg.Lang, p.Lang)
	setIf(&cfg.LogLevel, p.LogLevel)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func NewConfigHandler(appConfig *config.AppConfig, chat *services.ChatService, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{
		appConfig: appConfig,
		chat:      chat,
		logger:    logger,
	}
}

func (h *ConfigHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.appConfig.Get())
}

// Patch updates the configuration. A model change applies the model's
// recommended config before the rest of the patch.
func (h *ConfigHandler) Patch(c *gin.Context) {
	var patch ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid request")
		return
	}
	if err := patch.validate(); err != nil {
		respondWithAppError(c, err, "", h.logger)
		return
	}

	ctx := c.Request.Context()
	if mp := patch.ModelConfig; mp != nil {
		if mp.Model != nil && *mp.Model != h.appConfig.Get().ModelConfig.Model {
			if _, err := h.appConfig.SelectModel(ctx, *mp.Model); err != nil {
				respondWithAppError(c, err, "Failed to select model", h.logger)
				return
			}
		}
		rest := mp.Clone()
		rest.Model = nil
		if _, err := h.appConfig.UpdateModelConfig(ctx, rest); err != nil {
			respondWithError(c, http.StatusInternalServerError, err, "Failed to update model config", h.logger)
			return
		}
	}

	cfg, err := h.appConfig.Update(ctx, patch.apply)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Failed to update config", h.logger)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Reset restores the default configuration.
func (h *ConfigHandler) Reset(c *gin.Context) {
	cfg, err := h.appConfig.Reset(c.Request.Context())
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Failed to reset config", h.logger)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *ConfigHandler) Models(c *gin.Context) {
	models, err := h.chat.Models(c.Request.Context())
	if err != nil {
		respondWithAppError(c, err, "Failed to list models", h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "current": h.appConfig.Get().ModelConfig.Model})
}
