package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kendall-kelly/support-relay-api/services"
	"github.com/kendall-kelly/support-relay-api/store"
	"github.com/kendall-kelly/support-relay-api/utils"
)

// Error codes returned in the response envelope
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeThreadNotFound  = "THREAD_NOT_FOUND"
	CodeThreadClosed    = "THREAD_CLOSED"
	CodeThreadOpen      = "THREAD_OPEN"
	CodeStoreError      = "STORE_ERROR"
	CodeArchiveDisabled = "TRANSCRIPTS_DISABLED"
	CodeInternal        = "INTERNAL_ERROR"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// respondServiceError maps relay and store errors onto the envelope.
// Validation failures keep their specific code in "details".
func respondServiceError(c *gin.Context, logger *zap.Logger, err error) {
	var validationErr *utils.ValidationError
	var storeErr *store.StoreError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    CodeValidation,
				"message": validationErr.Message,
				"details": validationErr.Code,
			},
		})
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, CodeThreadNotFound, "Support chat not found")
	case errors.Is(err, store.ErrThreadClosed):
		respondError(c, http.StatusConflict, CodeThreadClosed, "Support chat is closed")
	case errors.Is(err, services.ErrForbidden):
		respondError(c, http.StatusForbidden, CodeForbidden, "Not allowed to access this support chat")
	case errors.Is(err, services.ErrTranscriptNotReady):
		respondError(c, http.StatusConflict, CodeThreadOpen, "Transcript is available once the chat is closed")
	case errors.Is(err, services.ErrArchiveDisabled):
		respondError(c, http.StatusNotFound, CodeArchiveDisabled, "Transcript archiving is not configured")
	case errors.As(err, &storeErr):
		logger.Warn("store unavailable", zap.String("op", storeErr.Op), zap.Error(storeErr.Err))
		respondError(c, http.StatusServiceUnavailable, CodeStoreError, "Support chat is temporarily unavailable, please retry")
	default:
		logger.Error("unexpected error", zap.Error(err))
		respondError(c, http.StatusInternalServerError, CodeInternal, "Something went wrong")
	}
}
