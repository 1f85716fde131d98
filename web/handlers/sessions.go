package handlers

import (
	"net/http"

	"webllm-chat/errors"
	"webllm-chat/session"
	"webllm-chat/templates"
	"webllm-chat/utils"
	"webllm-chat/web/format"
	"webllm-chat/web/middleware"
	"webllm-chat/web/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SessionHandler struct {
	sessions  *session.Store
	templates *templates.Store
	logger    *zap.Logger
}

type SessionList struct {
	Sessions     []types.ChatSession `json:"sessions"`
	CurrentIndex int                 `json:"current_index"`
}

type CreateSessionRequest struct {
	TemplateID string `json:"template_id"`
}

type MoveSessionRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func NewSessionHandler(sessions *session.Store, templates *templates.Store, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		templates: templates,
		logger:    logger,
	}
}

func (h *SessionHandler) list(c *gin.Context, status int) {
	c.JSON(status, SessionList{
		Sessions:     h.sessions.Sessions(),
		CurrentIndex: h.sessions.CurrentIndex(),
	})
}

func (h *SessionHandler) List(c *gin.Context) {
	h.list(c, http.StatusOK)
}

// Create starts a session, from a template when one is named.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithClientError(c, http.StatusBadRequest, "Invalid request")
			return
		}
	}

	var tmpl *types.Template
	if req.TemplateID != "" {
		t, ok := h.templates.Get(req.TemplateID)
		if !ok {
			respondWithClientError(c, http.StatusNotFound, "template not found")
			return
		}
		tmpl = &t
	}

	sess, err := h.sessions.NewSession(c.Request.Context(), tmpl)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Failed to create session", h.logger)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandler) Select(c *gin.Context) {
	if err := h.sessions.SelectSessionByID(c.Request.Context(), middleware.SessionID(c)); err != nil {
		respondWithAppError(c, err, "Failed to select session", h.logger)
		return
	}
	h.list(c, http.StatusOK)
}

func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	if err := h.sessions.DeleteSessionByID(c.Request.Context(), sessionID); err != nil {
		respondWithAppError(c, err, "Failed to delete session", h.logger, zap.String("session_id", sessionID))
		return
	}
	h.list(c, http.StatusOK)
}

// Undo restores the list as it was before the last deletion, while the
// undo window is open.
func (h *SessionHandler) Undo(c *gin.Context) {
	restored, err := h.sessions.UndoDelete(c.Request.Context())
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Failed to restore session", h.logger)
		return
	}
	if !restored {
		respondWithClientError(c, http.StatusGone, "nothing to undo")
		return
	}
	h.list(c, http.StatusOK)
}

// Clear drops every session and leaves one empty session.
func (h *SessionHandler) Clear(c *gin.Context) {
	if err := h.sessions.ClearSessions(c.Request.Context()); err != nil {
		respondWithAppError(c, err, "Failed to clear sessions", h.logger)
		return
	}
	h.list(c, http.StatusOK)
}

func (h *SessionHandler) Move(c *gin.Context) {
	var req MoveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid request")
		return
	}
	if err := h.sessions.MoveSession(c.Request.Context(), req.From, req.To); err != nil {
		respondWithAppError(c, err, "Failed to move session", h.logger)
		return
	}
	h.list(c, http.StatusOK)
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.sessions.Get(middleware.SessionID(c))
	if !ok {
		respondWithClientError(c, http.StatusNotFound, "session not found")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) ClearContext(c *gin.Context) {
	sess, err := h.sessions.ToggleClearContext(c.Request.Context(), middleware.SessionID(c))
	if err != nil {
		respondWithAppError(c, err, "Failed to clear context", h.logger)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) Reset(c *gin.Context) {
	sess, err := h.sessions.ResetSession(c.Request.Context(), middleware.SessionID(c))
	if err != nil {
		respondWithAppError(c, err, "Failed to reset session", h.logger)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) DeleteMessage(c *gin.Context) {
	sessionID, messageID := middleware.SessionID(c), c.Param("mid")
	sess, err := h.sessions.DeleteMessage(c.Request.Context(), sessionID, messageID)
	if err != nil {
		respondWithAppError(c, err, "Failed to delete message", h.logger,
			zap.String("session_id", sessionID), zap.String("message_id", messageID))
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Export downloads the transcript as markdown (default) or HTML.
func (h *SessionHandler) Export(c *gin.Context) {
	sess, ok := h.sessions.Get(middleware.SessionID(c))
	if !ok {
		respondWithClientError(c, http.StatusNotFound, "session not found")
		return
	}

	switch f := c.DefaultQuery("format", "md"); f {
	case "md", "markdown":
		c.Header("Content-Disposition", `attachment; filename="`+utils.ExportFilename(sess.Topic, sess.ID, "md")+`"`)
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(format.Transcript(sess)))
	case "html":
		c.Header("Content-Disposition", `attachment; filename="`+utils.ExportFilename(sess.Topic, sess.ID, "html")+`"`)
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(format.TranscriptHTML(sess)))
	default:
		respondWithAppError(c, errors.WrapErrorf(errors.ErrInvalidInput, "unknown export format %q", f), "", h.logger)
	}
}
