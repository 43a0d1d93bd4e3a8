package models

import (
	"time"

	"gorm.io/datatypes"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchAnalyzed   BatchStatus = "analyzed"
	BatchFailed     BatchStatus = "failed"
)

// AnalysisBatch groups chunks submitted together for model analysis.
// Status transitions are monotonic except for user-triggered reprocessing,
// which resets the batch to pending after deleting its derived rows.
type AnalysisBatch struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	BatchStartTs int64          `gorm:"column:batch_start_ts;index" json:"batch_start_ts"`
	BatchEndTs   int64          `gorm:"column:batch_end_ts" json:"batch_end_ts"`
	Status       BatchStatus    `gorm:"column:status;type:text;index" json:"status"`
	Reason       string         `gorm:"column:reason;type:text" json:"reason,omitempty"`
	LLMMetadata  datatypes.JSON `gorm:"column:llm_metadata;type:jsonb" json:"llm_metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (AnalysisBatch) TableName() string { return "analysis_batches" }

// BatchChunk joins batches to their member chunks. The scheduler assigns a
// chunk to at most one batch; the schema does not enforce it.
type BatchChunk struct {
	BatchID int64 `gorm:"column:batch_id;primaryKey" json:"batch_id"`
	ChunkID int64 `gorm:"column:chunk_id;primaryKey;index" json:"chunk_id"`
}

func (BatchChunk) TableName() string { return "batch_chunks" }
