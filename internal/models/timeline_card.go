package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Distraction is a short off-theme interruption embedded in a TimelineCard.
// It has no lifecycle of its own; it lives inside the card's metadata JSON.
type Distraction struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// CardMetadata holds the optional card fields persisted as metadata_json.
type CardMetadata struct {
	Distractions []Distraction `json:"distractions,omitempty"`
	AppSites     []string      `json:"app_sites,omitempty"`
}

// TimelineCard is a user-visible activity summary. Start/End are the clock
// strings the model emitted; StartTs/EndTs are the absolute timestamps
// resolved against the batch window. Day is the 4 AM-rule bucket
// ("2006-01-02"). Cards are replaced atomically per window, never patched.
type TimelineCard struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	BatchID         int64          `gorm:"column:batch_id;index" json:"batch_id"`
	Start           string         `gorm:"column:start;type:text" json:"start"`
	End             string         `gorm:"column:end;type:text" json:"end"`
	StartTs         int64          `gorm:"column:start_ts;index" json:"start_ts"`
	EndTs           int64          `gorm:"column:end_ts" json:"end_ts"`
	Day             string         `gorm:"column:day;type:text;index" json:"day"`
	Title           string         `gorm:"column:title;type:text" json:"title"`
	Summary         string         `gorm:"column:summary;type:text" json:"summary"`
	Category        string         `gorm:"column:category;type:text" json:"category"`
	Subcategory     string         `gorm:"column:subcategory;type:text" json:"subcategory"`
	DetailedSummary string         `gorm:"column:detailed_summary;type:text" json:"detailed_summary"`
	MetadataJSON    datatypes.JSON `gorm:"column:metadata_json;type:jsonb" json:"metadata_json,omitempty"`
	VideoSummaryURL string         `gorm:"column:video_summary_url;type:text" json:"video_summary_url,omitempty"`
	IsDeleted       bool           `gorm:"column:is_deleted;default:false;index" json:"is_deleted"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (TimelineCard) TableName() string { return "timeline_cards" }

// Metadata decodes metadata_json; a missing or empty column yields the zero
// value rather than an error.
func (c *TimelineCard) Metadata() (CardMetadata, error) {
	var md CardMetadata
	if len(c.MetadataJSON) == 0 {
		return md, nil
	}
	err := json.Unmarshal(c.MetadataJSON, &md)
	return md, err
}

func (c *TimelineCard) SetMetadata(md CardMetadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return err
	}
	c.MetadataJSON = datatypes.JSON(b)
	return nil
}
