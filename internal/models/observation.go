package models

import "time"

// Observation is one model-asserted fact about a sub-interval of a batch's
// time range. Rows are immutable once written; reprocessing a batch deletes
// and recreates them wholesale.
type Observation struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	BatchID     int64     `gorm:"column:batch_id;index" json:"batch_id"`
	StartTs     int64     `gorm:"column:start_ts;index" json:"start_ts"`
	EndTs       int64     `gorm:"column:end_ts" json:"end_ts"`
	Observation string    `gorm:"column:observation;type:text" json:"observation"`
	LLMModel    string    `gorm:"column:llm_model;type:text" json:"llm_model"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Observation) TableName() string { return "observations" }
