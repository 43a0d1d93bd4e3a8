package postgres

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
)

// ChunkRepo owns chunk rows. The recorder is the only status writer; the
// scheduler only reads through FetchUnprocessed.
type ChunkRepo interface {
	// Register creates (or revives, idempotently by path) a chunk in the
	// recording state for a segment that just began.
	Register(ctx context.Context, fileURL string, startTs int64) (*models.Chunk, error)
	// MarkCompleted finalizes a chunk whose writer closed cleanly.
	MarkCompleted(ctx context.Context, fileURL string, endTs int64) error
	// MarkFailed finalizes a chunk whose writer failed or produced no
	// frames, and removes the orphaned file.
	MarkFailed(ctx context.Context, fileURL string) error
	// FetchUnprocessed returns completed, non-deleted chunks not yet linked
	// to any batch, ordered by start time. The sole feed for batching: a
	// chunk never appears twice while a batch containing it exists.
	FetchUnprocessed(ctx context.Context, olderThan time.Time) ([]models.Chunk, error)
	GetByIDs(ctx context.Context, ids []int64) ([]models.Chunk, error)
	CountByStatus(ctx context.Context, status models.ChunkStatus) (int64, error)
}

type chunkRepo struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewChunkRepo(db *gorm.DB, log *logrus.Entry) ChunkRepo {
	return &chunkRepo{db: db, log: log}
}

func (r *chunkRepo) Register(ctx context.Context, fileURL string, startTs int64) (*models.Chunk, error) {
	const op = "ChunkRepo.Register"

	if fileURL == "" {
		return nil, faults.E(faults.KindInvalid, op, "file_url is required", nil)
	}

	chunk := &models.Chunk{
		StartTs: startTs,
		FileURL: fileURL,
		Status:  models.ChunkRecording,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "file_url"}},
			DoUpdates: clause.Assignments(map[string]any{"status": models.ChunkRecording, "start_ts": startTs}),
		}).
		Create(chunk).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to register chunk", err)
	}
	return chunk, nil
}

func (r *chunkRepo) MarkCompleted(ctx context.Context, fileURL string, endTs int64) error {
	const op = "ChunkRepo.MarkCompleted"

	res := r.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("file_url = ? AND status = ?", fileURL, models.ChunkRecording).
		Updates(map[string]any{"status": models.ChunkCompleted, "end_ts": endTs})
	if res.Error != nil {
		return faults.E(faults.KindPersistence, op, "failed to mark chunk completed", res.Error)
	}
	// Zero rows means the transition already happened; idempotent by path.
	return nil
}

func (r *chunkRepo) MarkFailed(ctx context.Context, fileURL string) error {
	const op = "ChunkRepo.MarkFailed"

	res := r.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("file_url = ? AND status <> ?", fileURL, models.ChunkFailed).
		Updates(map[string]any{"status": models.ChunkFailed, "is_deleted": true})
	if res.Error != nil {
		return faults.E(faults.KindPersistence, op, "failed to mark chunk failed", res.Error)
	}

	// The store owns orphan cleanup for failed segments.
	if err := os.Remove(fileURL); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.WithError(err).WithField("file_url", fileURL).Warn("failed to remove orphaned segment file")
	}
	return nil
}

func (r *chunkRepo) FetchUnprocessed(ctx context.Context, olderThan time.Time) ([]models.Chunk, error) {
	const op = "ChunkRepo.FetchUnprocessed"

	batched := r.db.Model(&models.BatchChunk{}).Select("chunk_id")

	var rows []models.Chunk
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_deleted = ?", models.ChunkCompleted, false).
		Where("start_ts < ?", olderThan.Unix()).
		Where("id NOT IN (?)", batched).
		Order("start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to fetch unprocessed chunks", err)
	}
	return rows, nil
}

func (r *chunkRepo) GetByIDs(ctx context.Context, ids []int64) ([]models.Chunk, error) {
	const op = "ChunkRepo.GetByIDs"

	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Chunk
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to fetch chunks", err)
	}
	return rows, nil
}

func (r *chunkRepo) CountByStatus(ctx context.Context, status models.ChunkStatus) (int64, error) {
	const op = "ChunkRepo.CountByStatus"

	var n int64
	err := r.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("status = ? AND is_deleted = ?", status, false).
		Count(&n).Error
	if err != nil {
		return 0, faults.E(faults.KindPersistence, op, "failed to count chunks", err)
	}
	return n, nil
}
