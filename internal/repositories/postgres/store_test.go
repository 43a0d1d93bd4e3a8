package postgres

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Chunk{},
		&models.AnalysisBatch{},
		&models.BatchChunk{},
		&models.Observation{},
		&models.TimelineCard{},
		&models.LLMCall{},
	))
	return db
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("component", "store_test")
}

func writeSegment(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("mp4"), 0o644))
	return path
}

func TestChunkLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewChunkRepo(db, testLog())
	ctx := context.Background()

	path := writeSegment(t, "seg-001.mp4")
	chunk, err := repo.Register(ctx, path, 1000)
	require.NoError(t, err)
	assert.Equal(t, models.ChunkRecording, chunk.Status)

	require.NoError(t, repo.MarkCompleted(ctx, path, 1015))

	var got models.Chunk
	require.NoError(t, db.Where("file_url = ?", path).Take(&got).Error)
	assert.Equal(t, models.ChunkCompleted, got.Status)
	assert.Equal(t, int64(1015), got.EndTs)

	// Completing again is a no-op, not an error.
	require.NoError(t, repo.MarkCompleted(ctx, path, 9999))
	require.NoError(t, db.Where("file_url = ?", path).Take(&got).Error)
	assert.Equal(t, int64(1015), got.EndTs)
}

func TestChunkMarkFailedRemovesFile(t *testing.T) {
	db := testDB(t)
	repo := NewChunkRepo(db, testLog())
	ctx := context.Background()

	path := writeSegment(t, "seg-bad.mp4")
	_, err := repo.Register(ctx, path, 2000)
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailed(ctx, path))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	var got models.Chunk
	require.NoError(t, db.Where("file_url = ?", path).Take(&got).Error)
	assert.Equal(t, models.ChunkFailed, got.Status)
	assert.True(t, got.IsDeleted)
}

func TestFetchUnprocessedExcludesBatched(t *testing.T) {
	db := testDB(t)
	chunks := NewChunkRepo(db, testLog())
	batches := NewBatchRepo(db)
	ctx := context.Background()

	var ids []int64
	for i, name := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		path := writeSegment(t, name)
		c, err := chunks.Register(ctx, path, int64(1000+i*15))
		require.NoError(t, err)
		require.NoError(t, chunks.MarkCompleted(ctx, path, int64(1015+i*15)))
		ids = append(ids, c.ID)
	}

	// One still recording, one failed: neither is eligible.
	recPath := writeSegment(t, "rec.mp4")
	_, err := chunks.Register(ctx, recPath, 2000)
	require.NoError(t, err)

	got, err := chunks.FetchUnprocessed(ctx, time.Unix(10000, 0))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[0], got[0].ID, "ordered by start time")

	// Once batched, a chunk never comes back.
	_, err = batches.SaveBatch(ctx, 1000, 1030, ids[:2])
	require.NoError(t, err)

	got, err = chunks.FetchUnprocessed(ctx, time.Unix(10000, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[2], got[0].ID)
}

func TestFetchUnprocessedHonorsOlderThan(t *testing.T) {
	db := testDB(t)
	chunks := NewChunkRepo(db, testLog())
	ctx := context.Background()

	path := writeSegment(t, "fresh.mp4")
	_, err := chunks.Register(ctx, path, 5000)
	require.NoError(t, err)
	require.NoError(t, chunks.MarkCompleted(ctx, path, 5015))

	got, err := chunks.FetchUnprocessed(ctx, time.Unix(5000, 0))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveBatchEmptyIsNil(t *testing.T) {
	db := testDB(t)
	batches := NewBatchRepo(db)

	batch, err := batches.SaveBatch(context.Background(), 0, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestBatchStatusAndReset(t *testing.T) {
	db := testDB(t)
	chunks := NewChunkRepo(db, testLog())
	batches := NewBatchRepo(db)
	ctx := context.Background()

	path := writeSegment(t, "x.mp4")
	c, err := chunks.Register(ctx, path, 1000)
	require.NoError(t, err)
	require.NoError(t, chunks.MarkCompleted(ctx, path, 1015))

	batch, err := batches.SaveBatch(ctx, 1000, 1015, []int64{c.ID})
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, models.BatchPending, batch.Status)

	require.NoError(t, batches.SetStatus(ctx, batch.ID, models.BatchProcessing))
	require.NoError(t, batches.MarkFailed(ctx, batch.ID, "transcription exhausted retries"))

	got, err := batches.GetByID(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, got.Status)
	assert.Equal(t, "transcription exhausted retries", got.Reason)

	require.NoError(t, batches.AppendLLMLog(ctx, batch.ID, map[string]any{"model": "test", "status": "failed"}))

	require.NoError(t, batches.ResetStatuses(ctx, []int64{batch.ID}))
	got, err = batches.GetByID(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, got.Status)
	assert.Empty(t, got.Reason)

	memberIDs, err := batches.ChunkIDs(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, memberIDs)
}

func TestReplaceInRange(t *testing.T) {
	db := testDB(t)
	cards := NewCardRepo(db, testLog())
	ctx := context.Background()

	loc := time.UTC
	from := time.Date(2025, 6, 15, 14, 0, 0, 0, loc)
	to := from.Add(time.Hour)

	ids, freed, err := cards.ReplaceInRange(ctx, from, to, []CardDraft{{
		Start:    "2:00 PM",
		End:      "2:40 PM",
		Category: "Work",
		Title:    "Editing a report",
		Summary:  "Writing in a document editor",
		Metadata: models.CardMetadata{AppSites: []string{"docs.example.com"}},
	}}, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Empty(t, freed)

	day, err := cards.ListDay(ctx, "2025-06-15")
	require.NoError(t, err)
	require.Len(t, day, 1)
	first := day[0]
	assert.Equal(t, "2:00 PM", first.Start)
	assert.Equal(t, from.Unix(), first.StartTs)
	assert.Equal(t, from.Add(40*time.Minute).Unix(), first.EndTs)
	assert.False(t, first.IsDeleted)

	md, err := first.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []string{"docs.example.com"}, md.AppSites)

	// Re-synthesis over the same window retires the old card and reports
	// its video path for cleanup.
	require.NoError(t, db.Model(&models.TimelineCard{}).
		Where("id = ?", first.ID).
		Update("video_summary_url", "/videos/old.mp4").Error)

	ids2, freed2, err := cards.ReplaceInRange(ctx, from, to, []CardDraft{{
		Start: "2:00 PM", End: "3:00 PM", Category: "Work", Title: "Editing and review",
	}}, 2)
	require.NoError(t, err)
	require.Len(t, ids2, 1)
	assert.Equal(t, []string{"/videos/old.mp4"}, freed2)

	day, err = cards.ListDay(ctx, "2025-06-15")
	require.NoError(t, err)
	require.Len(t, day, 1, "soft-deleted cards never come back from day queries")
	assert.Equal(t, ids2[0], day[0].ID)
}

func TestReplaceInRangeRollsBackOnBadDraft(t *testing.T) {
	db := testDB(t)
	cards := NewCardRepo(db, testLog())
	ctx := context.Background()

	loc := time.UTC
	from := time.Date(2025, 6, 15, 14, 0, 0, 0, loc)
	to := from.Add(time.Hour)

	_, _, err := cards.ReplaceInRange(ctx, from, to, []CardDraft{{
		Start: "2:00 PM", End: "2:30 PM", Title: "Good card",
	}}, 1)
	require.NoError(t, err)

	// A draft with an unparseable clock aborts the whole replacement; the
	// existing card must survive.
	_, _, err = cards.ReplaceInRange(ctx, from, to, []CardDraft{
		{Start: "2:00 PM", End: "2:30 PM", Title: "Fine"},
		{Start: "whenever", End: "2:45 PM", Title: "Broken"},
	}, 2)
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalid, faults.KindOf(err))

	day, err := cards.ListDay(ctx, "2025-06-15")
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, "Good card", day[0].Title)
}

func TestReplaceInRangeMidnightResolution(t *testing.T) {
	db := testDB(t)
	cards := NewCardRepo(db, testLog())
	ctx := context.Background()

	loc := time.UTC
	// Window straddles midnight: 23:30 – 00:30.
	from := time.Date(2025, 6, 15, 23, 30, 0, 0, loc)
	to := time.Date(2025, 6, 16, 0, 30, 0, 0, loc)

	_, _, err := cards.ReplaceInRange(ctx, from, to, []CardDraft{{
		Start: "11:40 PM", End: "12:20 AM", Title: "Late night browsing",
	}}, 1)
	require.NoError(t, err)

	// Both timestamps land next to the window, and the 4 AM rule keeps the
	// card on the 15th even though it ends on the 16th.
	day, err := cards.ListDay(ctx, "2025-06-15")
	require.NoError(t, err)
	require.Len(t, day, 1)
	card := day[0]
	assert.Equal(t, time.Date(2025, 6, 15, 23, 40, 0, 0, loc).Unix(), card.StartTs)
	assert.Equal(t, time.Date(2025, 6, 16, 0, 20, 0, 0, loc).Unix(), card.EndTs)
	assert.Equal(t, "2025-06-15", card.Day)
}

func TestLastActiveBefore(t *testing.T) {
	db := testDB(t)
	cards := NewCardRepo(db, testLog())
	ctx := context.Background()

	loc := time.UTC
	from := time.Date(2025, 6, 15, 9, 0, 0, 0, loc)
	_, _, err := cards.ReplaceInRange(ctx, from, from.Add(time.Hour), []CardDraft{
		{Start: "9:00 AM", End: "9:30 AM", Title: "Email"},
		{Start: "9:30 AM", End: "10:00 AM", Title: "Standup"},
	}, 1)
	require.NoError(t, err)

	prev, err := cards.LastActiveBefore(ctx, from.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "Standup", prev.Title)

	none, err := cards.LastActiveBefore(ctx, from)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestObservationsRangeAndDelete(t *testing.T) {
	db := testDB(t)
	obs := NewObservationRepo(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	rows := []models.Observation{
		{BatchID: 1, StartTs: base.Unix(), EndTs: base.Add(10 * time.Minute).Unix(), Observation: "reading docs", LLMModel: "test"},
		{BatchID: 1, StartTs: base.Add(10 * time.Minute).Unix(), EndTs: base.Add(20 * time.Minute).Unix(), Observation: "writing code", LLMModel: "test"},
		{BatchID: 2, StartTs: base.Add(3 * time.Hour).Unix(), EndTs: base.Add(3*time.Hour + 10*time.Minute).Unix(), Observation: "video call", LLMModel: "test"},
	}
	require.NoError(t, obs.InsertAll(ctx, rows))

	window, err := obs.ListRange(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "reading docs", window[0].Observation)

	require.NoError(t, obs.DeleteByBatchIDs(ctx, []int64{1}))
	window, err = obs.ListRange(ctx, base, base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, int64(2), window[0].BatchID)
}

func TestLLMCallAudit(t *testing.T) {
	db := testDB(t)
	calls := NewLLMCallRepo(db)

	err := calls.Insert(context.Background(), &models.LLMCall{
		CallGroupID: "group-1",
		Provider:    "gemini",
		Model:       "gemini-2.5-pro",
		Operation:   "transcribe",
		Status:      "ok",
		LatencyMS:   1234,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	var n int64
	require.NoError(t, db.Model(&models.LLMCall{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}
