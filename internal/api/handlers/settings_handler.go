package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/providers/secrets"
)

type SettingsHandler struct {
	secrets secrets.Store
}

func NewSettingsHandler(store secrets.Store) *SettingsHandler {
	return &SettingsHandler{secrets: store}
}

type SetAPIKeyRequest struct {
	Provider string `json:"provider" binding:"required"`
	APIKey   string `json:"api_key" binding:"required"`
}

func (h *SettingsHandler) SetAPIKey(c *gin.Context) {
	var req SetAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, faults.E(faults.KindInvalid, "SettingsHandler.SetAPIKey", "invalid request body", err))
		return
	}

	if err := h.secrets.Set(req.Provider, req.APIKey); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": req.Provider, "status": "saved"})
}

func (h *SettingsHandler) DeleteAPIKey(c *gin.Context) {
	provider := c.Param("provider")
	if provider == "" {
		writeError(c, faults.E(faults.KindInvalid, "SettingsHandler.DeleteAPIKey", "provider is required", nil))
		return
	}

	if err := h.secrets.Delete(provider); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "status": "deleted"})
}

// GetAPIKeyStatus reports presence only; the key itself never leaves the
// store.
func (h *SettingsHandler) GetAPIKeyStatus(c *gin.Context) {
	provider := c.Param("provider")
	_, err := h.secrets.Get(provider)
	if err != nil {
		if faults.IsKind(err, faults.KindNotFound) {
			c.JSON(http.StatusOK, gin.H{"provider": provider, "configured": false})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "configured": true})
}
