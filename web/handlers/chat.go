package handlers

import (
	"net/http"

	"webllm-chat/session"
	"webllm-chat/web/middleware"
	"webllm-chat/web/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ChatHandler struct {
	chat   *services.ChatService
	stream *services.StreamService
	logger *zap.Logger
}

type ChatRequest struct {
	Message string          `json:"message" form:"message"`
	Images  []session.Image `json:"images"`
}

// GenerationResponse identifies the messages a request streams into.
type GenerationResponse struct {
	SessionID     string `json:"session_id"`
	UserMessageID string `json:"user_message_id"`
	BotMessageID  string `json:"bot_message_id"`
}

func NewChatHandler(chat *services.ChatService, stream *services.StreamService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chat:   chat,
		stream: stream,
		logger: logger,
	}
}

func generationResponse(gen *session.Generation) GenerationResponse {
	return GenerationResponse{
		SessionID:     gen.SessionID,
		UserMessageID: gen.UserMessageID,
		BotMessageID:  gen.BotMessageID,
	}
}

// SendMessage starts a chat request. The reply streams in the background;
// clients follow it on the stream endpoint.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBind(&req); err != nil {
		respondWithClientError(c, http.StatusBadRequest, "Invalid request")
		return
	}

	sessionID := middleware.SessionID(c)
	gen, err := h.chat.SendMessage(c.Request.Context(), sessionID, session.Input{Text: req.Message, Images: req.Images})
	if err != nil {
		respondWithAppError(c, err, "Failed to send message", h.logger, zap.String("session_id", sessionID))
		return
	}
	c.JSON(http.StatusAccepted, generationResponse(gen))
}

// Resend reissues the request a message belongs to.
func (h *ChatHandler) Resend(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	gen, err := h.chat.Resend(c.Request.Context(), sessionID, c.Param("mid"))
	if err != nil {
		respondWithAppError(c, err, "Failed to resend message", h.logger,
			zap.String("session_id", sessionID), zap.String("message_id", c.Param("mid")))
		return
	}
	c.JSON(http.StatusAccepted, generationResponse(gen))
}

// StreamResponse follows a session over server-sent events.
func (h *ChatHandler) StreamResponse(c *gin.Context) {
	sessionID := middleware.SessionID(c)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	if err := h.stream.StreamSession(c.Request.Context(), c.Writer, sessionID); err != nil {
		// headers are sent, nothing left to report to the client
		h.logger.Debug("Stream ended early", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Abort stops the request in flight.
func (h *ChatHandler) Abort(c *gin.Context) {
	if err := h.chat.Abort(c.Request.Context()); err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Failed to abort", h.logger)
		return
	}
	c.Status(http.StatusNoContent)
}
