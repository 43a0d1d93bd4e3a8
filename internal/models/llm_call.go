package models

import "time"

// LLMCall is a debugging/observability audit row, one per network attempt.
// Nothing in the pipeline reads it back.
type LLMCall struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CallGroupID  string    `gorm:"column:call_group_id;type:text;index" json:"call_group_id"`
	Provider     string    `gorm:"column:provider;type:text" json:"provider"`
	Model        string    `gorm:"column:model;type:text" json:"model"`
	Operation    string    `gorm:"column:operation;type:text" json:"operation"`
	Status       string    `gorm:"column:status;type:text" json:"status"`
	LatencyMS    int64     `gorm:"column:latency_ms" json:"latency_ms"`
	RequestBody  string    `gorm:"column:request_body;type:text" json:"request_body,omitempty"`
	ResponseBody string    `gorm:"column:response_body;type:text" json:"response_body,omitempty"`
	ErrorInfo    string    `gorm:"column:error_info;type:text" json:"error_info,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

func (LLMCall) TableName() string { return "llm_calls" }
