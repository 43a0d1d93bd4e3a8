package config

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/retracehq/retrace/internal/models"
)

func OpenPostgres(uri string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection pooling settings. Writes funnel through the pipeline
	// worker, so the pool mostly serves API reads.
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}

// Migrate creates or updates the pipeline schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Chunk{},
		&models.AnalysisBatch{},
		&models.BatchChunk{},
		&models.Observation{},
		&models.TimelineCard{},
		&models.LLMCall{},
	)
}
