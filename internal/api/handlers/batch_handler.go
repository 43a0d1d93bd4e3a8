package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/repositories/postgres"
	"github.com/retracehq/retrace/internal/workers"
)

type BatchHandler struct {
	batches  postgres.BatchRepo
	worker   *workers.BatchWorker
	location *time.Location
}

func NewBatchHandler(batches postgres.BatchRepo, worker *workers.BatchWorker, loc *time.Location) *BatchHandler {
	if loc == nil {
		loc = time.Local
	}
	return &BatchHandler{batches: batches, worker: worker, location: loc}
}

// List returns the batches overlapping one day, for inspection and for
// picking reprocess targets.
func (h *BatchHandler) List(c *gin.Context) {
	day := c.Query("day")
	if !dayPattern.MatchString(day) {
		writeError(c, faults.E(faults.KindInvalid, "BatchHandler.List", "day query must be YYYY-MM-DD", nil))
		return
	}

	rows, err := h.batches.ListByDay(c.Request.Context(), day, h.location)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "batches": rows})
}

// ReprocessDay discards a day's derived data and queues its batches for
// re-analysis on the next sweep.
func (h *BatchHandler) ReprocessDay(c *gin.Context) {
	day := c.Param("day")
	if !dayPattern.MatchString(day) {
		writeError(c, faults.E(faults.KindInvalid, "BatchHandler.ReprocessDay", "day must be YYYY-MM-DD", nil))
		return
	}

	n, err := h.worker.ReprocessDay(c.Request.Context(), day)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "batches_reset": n})
}

type ReprocessBatchesRequest struct {
	BatchIDs []int64 `json:"batch_ids" binding:"required,min=1"`
}

func (h *BatchHandler) ReprocessBatches(c *gin.Context) {
	var req ReprocessBatchesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, faults.E(faults.KindInvalid, "BatchHandler.ReprocessBatches", "invalid request body", err))
		return
	}

	if err := h.worker.ReprocessBatches(c.Request.Context(), req.BatchIDs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches_reset": len(req.BatchIDs)})
}
