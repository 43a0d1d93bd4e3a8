package models

type ChunkStatus string

const (
	ChunkRecording ChunkStatus = "recording"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Chunk is one fixed-duration captured screen segment. StartTs/EndTs are
// seconds since epoch; EndTs is zero until the segment writer finalizes.
type Chunk struct {
	ID        int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	StartTs   int64       `gorm:"column:start_ts;index" json:"start_ts"`
	EndTs     int64       `gorm:"column:end_ts" json:"end_ts"`
	FileURL   string      `gorm:"column:file_url;uniqueIndex" json:"file_url"`
	Status    ChunkStatus `gorm:"column:status;type:text;index" json:"status"`
	IsDeleted bool        `gorm:"column:is_deleted;default:false" json:"is_deleted"`
}

func (Chunk) TableName() string { return "chunks" }
