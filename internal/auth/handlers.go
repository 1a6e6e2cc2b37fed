package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for API key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a key-management handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up key routes. Issuance is admin-gated; listing and
// revocation require the key being managed.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, adminSecret string) {
	r.POST("/auth/keys", RequireAdmin(adminSecret), h.Create)
	r.GET("/auth/keys", RequireAuth(), h.List)
	r.DELETE("/auth/keys/:id", RequireAuth(), h.Revoke)
}

type createKeyRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name" binding:"required"`
}

// Create handles POST /v1/auth/keys
func (h *Handler) Create(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.UserID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "key_generation_failed",
			"message": "Could not generate API key.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":    key,
		"apiKey": rawKey, // shown once
	})
}

// List handles GET /v1/auth/keys
func (h *Handler) List(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), ActorID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Could not list API keys.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// Revoke handles DELETE /v1/auth/keys/:id
func (h *Handler) Revoke(c *gin.Context) {
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("id"), ActorID(c))
	if err == ErrKeyNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such API key.",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "revoke_failed",
			"message": "Could not revoke API key.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
