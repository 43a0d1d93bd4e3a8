package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/timeutil"
)

type BatchRepo interface {
	// SaveBatch atomically creates a batch row and its chunk associations.
	// Returns nil without error when given no chunks.
	SaveBatch(ctx context.Context, startTs, endTs int64, chunkIDs []int64) (*models.AnalysisBatch, error)
	GetByID(ctx context.Context, id int64) (*models.AnalysisBatch, error)
	SetStatus(ctx context.Context, id int64, status models.BatchStatus) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	// AppendLLMLog appends one call-metadata entry to the batch's
	// serialized log; purely diagnostic.
	AppendLLMLog(ctx context.Context, id int64, entry any) error
	ChunkIDs(ctx context.Context, id int64) ([]int64, error)
	ListByDay(ctx context.Context, day string, loc *time.Location) ([]models.AnalysisBatch, error)
	// ListByStatus feeds the analysis sweep: pending batches include both
	// fresh ones and batches reset for reprocessing.
	ListByStatus(ctx context.Context, status models.BatchStatus) ([]models.AnalysisBatch, error)
	// ResetStatuses returns batches to pending for reprocessing. Callers
	// must delete derived observations and cards in the same breath or
	// reprocessing will duplicate them.
	ResetStatuses(ctx context.Context, ids []int64) error
}

type batchRepo struct {
	db *gorm.DB
}

func NewBatchRepo(db *gorm.DB) BatchRepo {
	return &batchRepo{db: db}
}

func (r *batchRepo) SaveBatch(ctx context.Context, startTs, endTs int64, chunkIDs []int64) (*models.AnalysisBatch, error) {
	const op = "BatchRepo.SaveBatch"

	if len(chunkIDs) == 0 {
		return nil, nil
	}

	batch := &models.AnalysisBatch{
		BatchStartTs: startTs,
		BatchEndTs:   endTs,
		Status:       models.BatchPending,
		CreatedAt:    time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		joins := make([]models.BatchChunk, 0, len(chunkIDs))
		for _, chunkID := range chunkIDs {
			joins = append(joins, models.BatchChunk{BatchID: batch.ID, ChunkID: chunkID})
		}
		return tx.Create(&joins).Error
	})
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to save batch", err)
	}
	return batch, nil
}

func (r *batchRepo) GetByID(ctx context.Context, id int64) (*models.AnalysisBatch, error) {
	const op = "BatchRepo.GetByID"

	var row models.AnalysisBatch
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.E(faults.KindNotFound, op, "batch not found", err)
	}
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to get batch", err)
	}
	return &row, nil
}

func (r *batchRepo) SetStatus(ctx context.Context, id int64, status models.BatchStatus) error {
	const op = "BatchRepo.SetStatus"

	err := r.db.WithContext(ctx).Model(&models.AnalysisBatch{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return faults.E(faults.KindPersistence, op, "failed to set batch status", err)
	}
	return nil
}

func (r *batchRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	const op = "BatchRepo.MarkFailed"

	err := r.db.WithContext(ctx).Model(&models.AnalysisBatch{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": models.BatchFailed, "reason": reason}).Error
	if err != nil {
		return faults.E(faults.KindPersistence, op, "failed to mark batch failed", err)
	}
	return nil
}

func (r *batchRepo) AppendLLMLog(ctx context.Context, id int64, entry any) error {
	const op = "BatchRepo.AppendLLMLog"

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.AnalysisBatch
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			return faults.E(faults.KindPersistence, op, "failed to load batch", err)
		}

		var log []json.RawMessage
		if len(row.LLMMetadata) > 0 {
			if err := json.Unmarshal(row.LLMMetadata, &log); err != nil {
				// Corrupt log loses history, not the batch.
				log = nil
			}
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return faults.E(faults.KindInternal, op, "failed to encode log entry", err)
		}
		log = append(log, raw)

		merged, err := json.Marshal(log)
		if err != nil {
			return faults.E(faults.KindInternal, op, "failed to encode llm log", err)
		}
		if err := tx.Model(&models.AnalysisBatch{}).
			Where("id = ?", id).
			Update("llm_metadata", datatypes.JSON(merged)).Error; err != nil {
			return faults.E(faults.KindPersistence, op, "failed to append llm log", err)
		}
		return nil
	})
}

func (r *batchRepo) ChunkIDs(ctx context.Context, id int64) ([]int64, error) {
	const op = "BatchRepo.ChunkIDs"

	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.BatchChunk{}).
		Where("batch_id = ?", id).
		Pluck("chunk_id", &ids).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to list batch chunks", err)
	}
	return ids, nil
}

func (r *batchRepo) ListByDay(ctx context.Context, day string, loc *time.Location) ([]models.AnalysisBatch, error) {
	const op = "BatchRepo.ListByDay"

	from, to, err := timeutil.DayRange(day, loc)
	if err != nil {
		return nil, faults.E(faults.KindInvalid, op, "invalid day", err)
	}

	var rows []models.AnalysisBatch
	err = r.db.WithContext(ctx).
		Where("batch_start_ts < ? AND batch_end_ts > ?", to.Unix(), from.Unix()).
		Order("batch_start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to list batches", err)
	}
	return rows, nil
}

func (r *batchRepo) ListByStatus(ctx context.Context, status models.BatchStatus) ([]models.AnalysisBatch, error) {
	const op = "BatchRepo.ListByStatus"

	var rows []models.AnalysisBatch
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("batch_start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to list batches by status", err)
	}
	return rows, nil
}

func (r *batchRepo) ResetStatuses(ctx context.Context, ids []int64) error {
	const op = "BatchRepo.ResetStatuses"

	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.AnalysisBatch{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":       models.BatchPending,
			"reason":       "",
			"llm_metadata": nil,
		}).Error
	if err != nil {
		return faults.E(faults.KindPersistence, op, "failed to reset batch statuses", err)
	}
	return nil
}
