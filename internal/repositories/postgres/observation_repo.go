package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/timeutil"
)

type ObservationRepo interface {
	// InsertAll writes a batch's observations in one transaction. Rows are
	// immutable afterwards; reprocessing deletes and recreates them.
	InsertAll(ctx context.Context, obs []models.Observation) error
	// ListRange returns observations overlapping [from, to), ordered by
	// start time.
	ListRange(ctx context.Context, from, to time.Time) ([]models.Observation, error)
	DeleteByBatchIDs(ctx context.Context, batchIDs []int64) error
	DeleteByDay(ctx context.Context, day string, loc *time.Location) error
}

type observationRepo struct {
	db *gorm.DB
}

func NewObservationRepo(db *gorm.DB) ObservationRepo {
	return &observationRepo{db: db}
}

func (r *observationRepo) InsertAll(ctx context.Context, obs []models.Observation) error {
	const op = "ObservationRepo.InsertAll"

	if len(obs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&obs).Error; err != nil {
		return faults.E(faults.KindPersistence, op, "failed to insert observations", err)
	}
	return nil
}

func (r *observationRepo) ListRange(ctx context.Context, from, to time.Time) ([]models.Observation, error) {
	const op = "ObservationRepo.ListRange"

	var rows []models.Observation
	err := r.db.WithContext(ctx).
		Where("start_ts < ? AND end_ts > ?", to.Unix(), from.Unix()).
		Order("start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to list observations", err)
	}
	return rows, nil
}

func (r *observationRepo) DeleteByBatchIDs(ctx context.Context, batchIDs []int64) error {
	const op = "ObservationRepo.DeleteByBatchIDs"

	if len(batchIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Where("batch_id IN ?", batchIDs).
		Delete(&models.Observation{}).Error
	if err != nil {
		return faults.E(faults.KindPersistence, op, "failed to delete observations", err)
	}
	return nil
}

func (r *observationRepo) DeleteByDay(ctx context.Context, day string, loc *time.Location) error {
	const op = "ObservationRepo.DeleteByDay"

	from, to, err := timeutil.DayRange(day, loc)
	if err != nil {
		return faults.E(faults.KindInvalid, op, "invalid day", err)
	}
	err = r.db.WithContext(ctx).
		Where("start_ts < ? AND end_ts > ?", to.Unix(), from.Unix()).
		Delete(&models.Observation{}).Error
	if err != nil {
		return faults.E(faults.KindPersistence, op, "failed to delete observations", err)
	}
	return nil
}
