package handlers

import (
	"net/http"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/services"
	"github.com/gin-gonic/gin"
)

const (
	originRegisterKey   = "POST /authorization/mgmt/encryption-keys"
	originUnregisterKey = "DELETE /authorization/mgmt/encryption-keys"
)

type EncryptionKeyHandler struct {
	keys *services.EncryptionKeyService
}

func NewEncryptionKeyHandler(keys *services.EncryptionKeyService) *EncryptionKeyHandler {
	return &EncryptionKeyHandler{keys: keys}
}

func (h *EncryptionKeyHandler) Register(c *gin.Context) {
	var req models.RegisterEncryptionKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	resp, err := h.keys.Register(c.Request.Context(), req.SystemName, req.Key, req.Algorithm, originRegisterKey)
	if err != nil {
		fail(c, err, originRegisterKey)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *EncryptionKeyHandler) Unregister(c *gin.Context) {
	if err := h.keys.Unregister(c.Request.Context(), c.Param("system"), originUnregisterKey); err != nil {
		fail(c, err, originUnregisterKey)
		return
	}
	c.Status(http.StatusNoContent)
}
