package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/timeutil"
)

// slowWriteThreshold flags long store writes in the log. Observability
// only; correctness comes from the transaction.
const slowWriteThreshold = 500 * time.Millisecond

// CardDraft is a synthesized card before the store assigns identity,
// absolute timestamps, and a day bucket.
type CardDraft struct {
	Start           string
	End             string
	Category        string
	Subcategory     string
	Title           string
	Summary         string
	DetailedSummary string
	Metadata        models.CardMetadata
	VideoSummaryURL string
}

type CardRepo interface {
	// ReplaceInRange soft-deletes all active cards intersecting [from, to),
	// resolves each draft's clock strings against the window midpoint,
	// assigns 4 AM-rule day buckets, and inserts the replacements — all in
	// one transaction. Returns the new card ids and the video-summary paths
	// of the cards that were retired, so the caller can reclaim storage.
	ReplaceInRange(ctx context.Context, from, to time.Time, drafts []CardDraft, batchID int64) (ids []int64, freedVideos []string, err error)
	ListDay(ctx context.Context, day string) ([]models.TimelineCard, error)
	ListRange(ctx context.Context, from, to time.Time) ([]models.TimelineCard, error)
	// LastActiveBefore returns the most recent active card ending at or
	// before ts, the merge candidate for fresh batches.
	LastActiveBefore(ctx context.Context, ts time.Time) (*models.TimelineCard, error)
	DeleteByBatchIDs(ctx context.Context, batchIDs []int64) error
	DeleteByDay(ctx context.Context, day string, loc *time.Location) error
}

type cardRepo struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewCardRepo(db *gorm.DB, log *logrus.Entry) CardRepo {
	return &cardRepo{db: db, log: log}
}

func (r *cardRepo) ReplaceInRange(ctx context.Context, from, to time.Time, drafts []CardDraft, batchID int64) ([]int64, []string, error) {
	const op = "CardRepo.ReplaceInRange"

	if !from.Before(to) {
		return nil, nil, faults.E(faults.KindInvalid, op, "empty replacement window", nil)
	}

	started := time.Now()
	midpoint := from.Add(to.Sub(from) / 2)

	var (
		ids         []int64
		freedVideos []string
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []models.TimelineCard
		if err := tx.
			Where("is_deleted = ?", false).
			Where("start_ts < ? AND end_ts > ?", to.Unix(), from.Unix()).
			Find(&stale).Error; err != nil {
			return err
		}

		if len(stale) > 0 {
			staleIDs := make([]int64, 0, len(stale))
			for _, c := range stale {
				staleIDs = append(staleIDs, c.ID)
				if c.VideoSummaryURL != "" {
					freedVideos = append(freedVideos, c.VideoSummaryURL)
				}
			}
			if err := tx.Model(&models.TimelineCard{}).
				Where("id IN ?", staleIDs).
				Update("is_deleted", true).Error; err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		for _, d := range drafts {
			card, err := draftToCard(d, midpoint, batchID, now)
			if err != nil {
				return err
			}
			if err := tx.Create(card).Error; err != nil {
				return err
			}
			ids = append(ids, card.ID)
		}
		return nil
	})
	if err != nil {
		if faults.KindOf(err) == faults.KindInvalid {
			return nil, nil, err
		}
		return nil, nil, faults.E(faults.KindPersistence, op, "failed to replace timeline cards", err)
	}

	if elapsed := time.Since(started); elapsed > slowWriteThreshold {
		r.log.WithFields(logrus.Fields{
			"op":         op,
			"elapsed_ms": elapsed.Milliseconds(),
			"cards":      len(drafts),
		}).Warn("slow store write")
	}
	return ids, freedVideos, nil
}

func draftToCard(d CardDraft, midpoint time.Time, batchID int64, now time.Time) (*models.TimelineCard, error) {
	const op = "CardRepo.ReplaceInRange"

	startClock, err := timeutil.ParseClock(d.Start)
	if err != nil {
		return nil, faults.E(faults.KindInvalid, op, "bad card start time", err)
	}
	endClock, err := timeutil.ParseClock(d.End)
	if err != nil {
		return nil, faults.E(faults.KindInvalid, op, "bad card end time", err)
	}

	startAbs := timeutil.ResolveClock(startClock, midpoint)
	endAbs := timeutil.ResolveClock(endClock, midpoint)
	if !endAbs.After(startAbs) {
		// A card that straddles midnight resolves its end to the day after
		// its start, not the nearest day.
		endAbs = endAbs.AddDate(0, 0, 1)
	}

	card := &models.TimelineCard{
		BatchID:         batchID,
		Start:           startClock.String(),
		End:             endClock.String(),
		StartTs:         startAbs.Unix(),
		EndTs:           endAbs.Unix(),
		Day:             timeutil.DayBucket(startAbs),
		Title:           d.Title,
		Summary:         d.Summary,
		Category:        d.Category,
		Subcategory:     d.Subcategory,
		DetailedSummary: d.DetailedSummary,
		VideoSummaryURL: d.VideoSummaryURL,
		CreatedAt:       now,
	}
	if err := card.SetMetadata(d.Metadata); err != nil {
		return nil, faults.E(faults.KindInternal, op, "failed to encode card metadata", err)
	}
	return card, nil
}

func (r *cardRepo) ListDay(ctx context.Context, day string) ([]models.TimelineCard, error) {
	const op = "CardRepo.ListDay"

	var rows []models.TimelineCard
	err := r.db.WithContext(ctx).
		Where("day = ? AND is_deleted = ?", day, false).
		Order("start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to list day cards", err)
	}
	return rows, nil
}

func (r *cardRepo) ListRange(ctx context.Context, from, to time.Time) ([]models.TimelineCard, error) {
	const op = "CardRepo.ListRange"

	var rows []models.TimelineCard
	err := r.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Where("start_ts < ? AND end_ts > ?", to.Unix(), from.Unix()).
		Order("start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to list cards in range", err)
	}
	return rows, nil
}

func (r *cardRepo) LastActiveBefore(ctx context.Context, ts time.Time) (*models.TimelineCard, error) {
	const op = "CardRepo.LastActiveBefore"

	var row models.TimelineCard
	err := r.db.WithContext(ctx).
		Where("is_deleted = ? AND end_ts <= ?", false, ts.Unix()).
		Order("end_ts DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to fetch preceding card", err)
	}
	return &row, nil
}

func (r *cardRepo) DeleteByBatchIDs(ctx context.Context, batchIDs []int64) error {
	const op = "CardRepo.DeleteByBatchIDs"

	if len(batchIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.TimelineCard{}).
		Where("batch_id IN ?", batchIDs).
		Update("is_deleted", true).Error
	if err != nil {
		return faults.E(faults.KindPersistence, op, "failed to delete cards", err)
	}
	return nil
}

func (r *cardRepo) DeleteByDay(ctx context.Context, day string, loc *time.Location) error {
	const op = "CardRepo.DeleteByDay"

	from, to, err := timeutil.DayRange(day, loc)
	if err != nil {
		return faults.E(faults.KindInvalid, op, "invalid day", err)
	}
	err = r.db.WithContext(ctx).Model(&models.TimelineCard{}).
		Where("start_ts < ? AND end_ts > ?", to.Unix(), from.Unix()).
		Update("is_deleted", true).Error
	if err != nil {
		return faults.E(faults.KindPersistence, op, "failed to delete cards", err)
	}
	return nil
}
