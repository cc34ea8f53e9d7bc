// Package history exposes the call log over HTTP so clients can render a
// recent-calls view.
package history

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pairchat-backend/internal/repository/cockroach"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/pagination"
)

// Handler handles call history HTTP requests
type Handler struct {
	repo *cockroach.CallLogRepository
}

// NewHandler creates a new call history handler
func NewHandler(repo *cockroach.CallLogRepository) *Handler {
	return &Handler{repo: repo}
}

// ListCalls returns the authenticated user's call history, newest first
// @Summary List call history
// @Description Get the authenticated user's call history, newest first
// @Tags History
// @Produce json
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /calls [get]
func (h *Handler) ListCalls(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"), "", "desc")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.repo.GetUserCalls(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		logger.Error("Failed to get call history",
			zap.String("user_id", userID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get call history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": entries,
		"page":  params.Page,
		"limit": params.Limit,
	})
}

// MissedCallCount returns how many missed calls the user has in the log
// @Summary Count missed calls
// @Description Get the authenticated user's missed call count
// @Tags History
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /calls/missed/count [get]
func (h *Handler) MissedCallCount(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	count, err := h.repo.MissedCallCount(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to count missed calls",
			zap.String("user_id", userID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count missed calls"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"missed_calls": count,
	})
}

// authenticatedUser extracts the user ID set by the auth middleware.
func authenticatedUser(c *gin.Context) (string, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return "", false
	}

	userID, ok := userIDVal.(string)
	if !ok || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return "", false
	}

	return userID, true
}
