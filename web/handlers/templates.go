package handlers

import (
	"net/http"

	"webllm-chat/config"
	"webllm-chat/templates"
	"webllm-chat/web/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TemplateHandler struct {
	templates *templates.Store
	appConfig *config.AppConfig
	logger    *zap.Logger
}

// TemplateRequest is the editable part of a template. Nil fields keep
// their current value on update.
type TemplateRequest struct {
	Name        *string                 `json:"name"`
	Avatar      *string                 `json:"avatar"`
	Lang        *string                 `json:"lang"`
	Context     []types.ChatMessage     `json:"context"`
	HideContext *bool                   `json:"hideContext"`
	SyncGlobal  *bool                   `json:"syncGlobalConfig"`
	ModelConfig *types.ModelConfigPatch `json:"modelConfig"`
}

func (r TemplateRequest) apply(t *types.Template) {
	if r.Name != nil {
		t.Name = *r.Name
	}
	if r.Avatar != nil {
		t.Avatar = *r.Avatar
	}
	if r.Lang != nil {
		t.Lang = *r.Lang
	}
	if r.Context != nil {
		t.Context = types.CloneMessages(r.Context)
	}
	if r.HideContext != nil {
		t.HideContext = *r.HideContext
	}
	if r.SyncGlobal != nil {
		t.SyncGlobalConfig = *r.SyncGlobal
	}
	if r.ModelConfig != nil {
		t.ModelConfig = r.ModelConfig.Clone()
	}
}

func NewTemplateHandler(templates *templates.Store, appConfig *config.AppConfig, logger *zap.Logger) *TemplateHandler {
	return &TemplateHandler{
		templates: templates,
		appConfig: appConfig,
		logger:    logger,
	}
}

func (h *TemplateHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.templates.All(h.appConfig.Get()))
}

func (h *TemplateHandler) Get(c *gin.Context) {
	t, ok := h.templates.Get(c.Param("tid"))
	if !ok {
		respondWithClientError(c, http.StatusNotFound, "template not found")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TemplateHandler) Create(c *gin.Context) {
	var req TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid request")
		return
	}
	var tmpl types.Template
	req.apply(&tmpl)

	created, err := h.templates.Create(c.Request.Context(), tmpl, h.appConfig.Get().ModelConfig)
	if err != nil {
		respondWithAppError(c, err, "Failed to create template", h.logger)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *TemplateHandler) Update(c *gin.Context) {
	var req TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid request")
		return
	}
	updated, err := h.templates.Update(c.Request.Context(), c.Param("tid"), req.apply)
	if err != nil {
		respondWithAppError(c, err, "Failed to update template", h.logger, zap.String("template_id", c.Param("tid")))
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *TemplateHandler) Delete(c *gin.Context) {
	if err := h.templates.Delete(c.Request.Context(), c.Param("tid")); err != nil {
		respondWithAppError(c, err, "Failed to delete template", h.logger, zap.String("template_id", c.Param("tid")))
		return
	}
	c.Status(http.StatusNoContent)
}

// Export downloads the user templates as JSON.
func (h *TemplateHandler) Export(c *gin.Context) {
	var user []types.Template
	for _, t := range h.templates.All(h.appConfig.Get()) {
		if !t.Builtin {
			user = append(user, t)
		}
	}
	if user == nil {
		user = []types.Template{}
	}
	c.Header("Content-Disposition", `attachment; filename="templates.json"`)
	c.JSON(http.StatusOK, user)
}

// Import adds every template of an exported list as a new user template.
func (h *TemplateHandler) Import(c *gin.Context) {
	var in []types.Template
	if err := c.ShouldBindJSON(&in); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid template list")
		return
	}

	global := h.appConfig.Get().ModelConfig
	created := make([]types.Template, 0, len(in))
	for _, t := range in {
		if t.Builtin {
			continue
		}
		out, err := h.templates.Create(c.Request.Context(), t, global)
		if err != nil {
			respondWithAppError(c, err, "Failed to import templates", h.logger, zap.Int("imported", len(created)))
			return
		}
		created = append(created, out)
	}
	h.logger.Info("Imported templates", zap.Int("count", len(created)))
	c.JSON(http.StatusCreated, created)
}
