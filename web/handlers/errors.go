package handlers

import (
	"net/http"

	"webllm-chat/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondWithError logs the technical error and returns a user-friendly message
func respondWithError(c *gin.Context, statusCode int, technicalError error, userMessage string, logger *zap.Logger, fields ...zap.Field) {
	if logger != nil {
		fields = append(fields, zap.Error(technicalError))
		logger.Error("Request failed", fields...)
	}

	c.JSON(statusCode, gin.H{"error": userMessage})
}

// respondWithClientError returns a client error (no logging needed for validation errors)
func respondWithClientError(c *gin.Context, statusCode int, userMessage string) {
	c.JSON(statusCode, gin.H{"error": userMessage})
}

// statusOf maps an error to the HTTP status it is reported with.
func statusOf(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalidInput(err):
		return http.StatusBadRequest
	case errors.IsBusy(err):
		return http.StatusConflict
	case errors.IsReadOnly(err):
		return http.StatusForbidden
	case errors.IsServiceUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondWithAppError reports err with the status its category maps to.
// Client errors carry their own text; anything else is logged.
func respondWithAppError(c *gin.Context, err error, userMessage string, logger *zap.Logger, fields ...zap.Field) {
	status := statusOf(err)
	if status < http.StatusInternalServerError {
		respondWithClientError(c, status, err.Error())
		return
	}
	respondWithError(c, status, err, userMessage, logger, fields...)
}
