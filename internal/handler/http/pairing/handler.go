// Package pairing exposes the public key exchange the two partners use to
// derive their shared pairing secret. The server only relays public keys;
// the secret itself is derived on the devices.
package pairing

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	redisRepo "pairchat-backend/internal/repository/redis"
	"pairchat-backend/pkg/errors"
	"pairchat-backend/pkg/logger"
	"pairchat-backend/pkg/pairing"
)

// Handler handles pairing key HTTP requests
type Handler struct {
	repo *redisRepo.PairingRepository
}

// NewHandler creates a new pairing handler
func NewHandler(repo *redisRepo.PairingRepository) *Handler {
	return &Handler{repo: repo}
}

// PublishKeyRequest carries a base64-encoded X25519 public key
type PublishKeyRequest struct {
	PublicKey string `json:"public_key" binding:"required"`
}

// PublishKey stores the authenticated user's pairing public key
// @Summary Publish pairing public key
// @Description Store the authenticated user's X25519 public key for key agreement
// @Tags Pairing
// @Accept json
// @Produce json
// @Param request body PublishKeyRequest true "Public key data"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /pairing/key [post]
func (h *Handler) PublishKey(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	var req PublishKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(publicKey) != pairing.KeySize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_key must be a base64-encoded 32-byte key"})
		return
	}

	if err := h.repo.StorePublicKey(c.Request.Context(), userID, publicKey); err != nil {
		logger.Error("Failed to store pairing key",
			zap.String("user_id", userID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store pairing key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Pairing key published",
	})
}

// GetKey returns another user's pairing public key
// @Summary Get pairing public key
// @Description Fetch a user's X25519 public key for key agreement
// @Tags Pairing
// @Produce json
// @Param user_id path string true "User ID"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /pairing/key/{user_id} [get]
func (h *Handler) GetKey(c *gin.Context) {
	if _, ok := authenticatedUser(c); !ok {
		return
	}

	peerID := c.Param("user_id")
	publicKey, err := h.repo.GetPublicKey(c.Request.Context(), peerID)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Pairing key not found"})
			return
		}
		logger.Error("Failed to get pairing key",
			zap.String("peer_id", peerID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get pairing key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":    peerID,
		"public_key": base64.StdEncoding.EncodeToString(publicKey),
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
