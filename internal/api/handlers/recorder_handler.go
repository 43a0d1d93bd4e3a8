package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/recorder"
	"github.com/retracehq/retrace/internal/repositories/postgres"
)

type RecorderHandler struct {
	ctrl   *recorder.Controller
	chunks postgres.ChunkRepo
}

func NewRecorderHandler(ctrl *recorder.Controller, chunks postgres.ChunkRepo) *RecorderHandler {
	return &RecorderHandler{ctrl: ctrl, chunks: chunks}
}

type RecorderStatusResponse struct {
	State           recorder.State `json:"state"`
	Recording       bool           `json:"recording"`
	ChunksCompleted int64          `json:"chunks_completed"`
	ChunksFailed    int64          `json:"chunks_failed"`
}

func (h *RecorderHandler) Start(c *gin.Context) {
	h.ctrl.SetWantsRecording(true)
	c.JSON(http.StatusOK, gin.H{"status": "starting"})
}

// Stop blocks until the open segment is drained so the caller knows no
// chunk is left half-written.
func (h *RecorderHandler) Stop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.ctrl.Stop(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *RecorderHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	state := h.ctrl.State()

	completed, err := h.chunks.CountByStatus(ctx, models.ChunkCompleted)
	if err != nil {
		writeError(c, err)
		return
	}
	failed, err := h.chunks.CountByStatus(ctx, models.ChunkFailed)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RecorderStatusResponse{
		State:           state,
		Recording:       state == recorder.StateRecording || state == recorder.StateStarting || state == recorder.StateFinishing,
		ChunksCompleted: completed,
		ChunksFailed:    failed,
	})
}
