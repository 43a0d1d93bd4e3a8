package workers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/retracehq/retrace/internal/cache"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/orchestrator"
	"github.com/retracehq/retrace/internal/providers/analytics"
	"github.com/retracehq/retrace/internal/providers/capture"
	"github.com/retracehq/retrace/internal/providers/llm"
	"github.com/retracehq/retrace/internal/repositories/postgres"
	"github.com/retracehq/retrace/internal/synthesis"
	"github.com/retracehq/retrace/internal/taxonomy"
	"github.com/retracehq/retrace/internal/timeutil"
)

// BatchWorker sweeps settled chunks into analysis batches and runs each
// batch through transcription, card synthesis, and the atomic card swap.
// One worker per process; batches are strictly serial so card windows
// never interleave.
type BatchWorker struct {
	Chunks       postgres.ChunkRepo
	Batches      postgres.BatchRepo
	Cards        postgres.CardRepo
	Observations postgres.ObservationRepo

	Orchestrator *orchestrator.Orchestrator
	Merger       *synthesis.Merger

	Cache     cache.Cache
	Analytics analytics.Sink
	Logger    *logrus.Entry

	// Interval is the sweep period; SettleDelay keeps a just-finished
	// chunk out of batches until its writer has certainly flushed.
	Interval          time.Duration
	SettleDelay       time.Duration
	ObservationWindow time.Duration

	FFmpegBinary string
	VideoDir     string
	Location     *time.Location
}

func (w *BatchWorker) defaults() {
	if w.Interval <= 0 {
		w.Interval = 5 * time.Minute
	}
	if w.SettleDelay <= 0 {
		w.SettleDelay = 30 * time.Second
	}
	if w.ObservationWindow <= 0 {
		w.ObservationWindow = time.Hour
	}
	if w.FFmpegBinary == "" {
		w.FFmpegBinary = "ffmpeg"
	}
	if w.Location == nil {
		w.Location = time.Local
	}
	if w.Logger == nil {
		w.Logger = logrus.NewEntry(logrus.New())
	}
	if w.Cache == nil {
		w.Cache = cache.Noop{}
	}
	if w.Analytics == nil {
		w.Analytics = analytics.Noop{}
	}
}

// Start runs the sweep loop until ctx is canceled. The first sweep runs
// immediately so a restart drains the backlog without waiting a period.
func (w *BatchWorker) Start(ctx context.Context) {
	w.defaults()

	w.sweep(ctx)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep drains pending batches first (fresh and reprocessed alike), then
// folds newly settled chunks into a new batch and processes it.
func (w *BatchWorker) sweep(ctx context.Context) {
	pending, err := w.Batches.ListByStatus(ctx, models.BatchPending)
	if err != nil {
		w.Logger.WithError(err).Error("failed to list pending batches")
	}
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		w.runBatch(ctx, &pending[i])
	}

	if ctx.Err() != nil {
		return
	}

	chunks, err := w.Chunks.FetchUnprocessed(ctx, time.Now().Add(-w.SettleDelay))
	if err != nil {
		w.Logger.WithError(err).Error("failed to fetch unprocessed chunks")
		return
	}
	if len(chunks) == 0 {
		return
	}

	ids := make([]int64, 0, len(chunks))
	startTs, endTs := chunks[0].StartTs, chunks[0].EndTs
	for _, c := range chunks {
		ids = append(ids, c.ID)
		if c.StartTs < startTs {
			startTs = c.StartTs
		}
		if c.EndTs > endTs {
			endTs = c.EndTs
		}
	}

	batch, err := w.Batches.SaveBatch(ctx, startTs, endTs, ids)
	if err != nil {
		w.Logger.WithError(err).Error("failed to save batch")
		return
	}
	if batch == nil {
		return
	}
	w.runBatch(ctx, batch)
}

// runBatch wraps process with the failure protocol: a batch that cannot
// be analyzed is marked failed and leaves a visible failure card in its
// window instead of a silent hole.
func (w *BatchWorker) runBatch(ctx context.Context, batch *models.AnalysisBatch) {
	log := w.Logger.WithField("batch_id", batch.ID)

	if err := w.Batches.SetStatus(ctx, batch.ID, models.BatchProcessing); err != nil {
		log.WithError(err).Error("failed to mark batch processing")
		return
	}

	if err := w.process(ctx, batch, log); err != nil {
		log.WithError(err).Error("batch analysis failed")
		if err := w.Batches.MarkFailed(ctx, batch.ID, err.Error()); err != nil {
			log.WithError(err).Error("failed to mark batch failed")
		}
		w.writeFailureCard(ctx, batch, log)
		w.Analytics.Track("batch_failed", map[string]any{"batch_id": batch.ID})
		return
	}

	if err := w.Batches.SetStatus(ctx, batch.ID, models.BatchAnalyzed); err != nil {
		log.WithError(err).Error("failed to mark batch analyzed")
	}
}

func (w *BatchWorker) process(ctx context.Context, batch *models.AnalysisBatch, log *logrus.Entry) error {
	chunkIDs, err := w.Batches.ChunkIDs(ctx, batch.ID)
	if err != nil {
		return err
	}
	chunks, err := w.Chunks.GetByIDs(ctx, chunkIDs)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("batch %d has no chunks", batch.ID)
	}

	segments := make([]string, 0, len(chunks))
	for _, c := range chunks {
		segments = append(segments, c.FileURL)
	}

	videoPath := filepath.Join(w.VideoDir, fmt.Sprintf("batch_%d.mp4", batch.ID))
	if err := capture.Stitch(ctx, w.FFmpegBinary, segments, videoPath); err != nil {
		return err
	}

	observations, err := w.Orchestrator.Transcribe(ctx, batch, videoPath)
	if err != nil {
		return err
	}
	if err := w.Observations.InsertAll(ctx, observations); err != nil {
		return err
	}

	// Rolling synthesis window: everything from ObservationWindow before
	// the batch up to its end gets rewritten.
	from := time.Unix(batch.BatchStartTs, 0).Add(-w.ObservationWindow)
	to := time.Unix(batch.BatchEndTs, 0)

	existing, err := w.Cards.ListRange(ctx, from, to)
	if err != nil {
		return err
	}
	windowObs, err := w.Observations.ListRange(ctx, from, to)
	if err != nil {
		return err
	}

	payloads, err := w.Orchestrator.GenerateCards(ctx, orchestrator.CardWindow{
		Existing:     existing,
		Observations: windowObs,
		Categories:   categoryOptions(),
	})
	if err != nil {
		return err
	}

	payloads, from = w.mergeLeadingCard(ctx, payloads, from, log)

	known := make(map[string]struct{})
	for _, name := range taxonomy.Names(taxonomy.Default()) {
		known[name] = struct{}{}
	}

	drafts := make([]postgres.CardDraft, 0, len(payloads))
	for _, p := range payloads {
		if _, ok := known[p.Category]; !ok {
			log.WithField("category", p.Category).Warn("card category outside the taxonomy")
		}
		drafts = append(drafts, draftFromPayload(p, videoPath))
	}

	_, freed, err := w.Cards.ReplaceInRange(ctx, from, to, drafts, batch.ID)
	if err != nil {
		return err
	}
	w.reclaimVideos(freed, videoPath, log)

	if err := w.Batches.AppendLLMLog(ctx, batch.ID, map[string]any{
		"observations": len(observations),
		"cards":        len(drafts),
		"window_from":  from.Unix(),
		"window_to":    to.Unix(),
	}); err != nil {
		log.WithError(err).Warn("failed to append batch llm log")
	}

	w.invalidateDays(ctx, from, to)
	w.Analytics.Track("batch_analyzed", map[string]any{
		"batch_id":     batch.ID,
		"observations": len(observations),
		"cards":        len(drafts),
	})

	log.WithFields(logrus.Fields{
		"observations": len(observations),
		"cards":        len(drafts),
	}).Info("batch analyzed")
	return nil
}

// mergeLeadingCard asks the merge policy whether the first synthesized
// card continues the last card before the window. On a merge the window
// grows to cover the previous card so the swap retires it.
func (w *BatchWorker) mergeLeadingCard(ctx context.Context, payloads []llm.CardPayload, from time.Time, log *logrus.Entry) ([]llm.CardPayload, time.Time) {
	if w.Merger == nil || len(payloads) == 0 {
		return payloads, from
	}

	prev, err := w.Cards.LastActiveBefore(ctx, from)
	if err != nil {
		log.WithError(err).Warn("failed to load merge candidate")
		return payloads, from
	}
	if prev == nil {
		return payloads, from
	}

	outcome, err := w.Merger.Decide(ctx, prev, payloads[0])
	if err != nil {
		log.WithError(err).Warn("merge decision failed; appending")
	}
	if outcome != synthesis.OutcomeMerge {
		return payloads, from
	}

	payloads[0] = synthesis.Combine(prev, payloads[0])
	merged := time.Unix(prev.StartTs, 0)
	if merged.Before(from) {
		from = merged
	}
	log.WithField("prev_card_id", prev.ID).Info("merged leading card with previous card")
	return payloads, from
}

// writeFailureCard leaves a visible marker over the failed batch's range.
func (w *BatchWorker) writeFailureCard(ctx context.Context, batch *models.AnalysisBatch, log *logrus.Entry) {
	start := time.Unix(batch.BatchStartTs, 0).In(w.Location)
	end := time.Unix(batch.BatchEndTs, 0).In(w.Location)

	draft := postgres.CardDraft{
		Start:           timeutil.FormatClock(start),
		End:             timeutil.FormatClock(end),
		Category:        "System",
		Subcategory:     "Processing",
		Title:           "Processing failed",
		Summary:         "This period could not be analyzed.",
		DetailedSummary: "Analysis of the recorded video failed after all retries. The recording itself is unaffected.",
	}

	_, freed, err := w.Cards.ReplaceInRange(ctx, start, end, []postgres.CardDraft{draft}, batch.ID)
	if err != nil {
		log.WithError(err).Error("failed to write failure card")
		return
	}
	w.reclaimVideos(freed, "", log)
	w.invalidateDays(ctx, start, end)
}

// reclaimVideos removes summary videos freed by a card swap, skipping the
// one just produced for the current batch.
func (w *BatchWorker) reclaimVideos(freed []string, keep string, log *logrus.Entry) {
	for _, path := range freed {
		if path == "" || path == keep {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("failed to remove freed summary video")
		}
	}
}

func (w *BatchWorker) invalidateDays(ctx context.Context, from, to time.Time) {
	keys := []string{
		cache.DayTimelineKey(timeutil.DayBucket(from.In(w.Location))),
		cache.DayTimelineKey(timeutil.DayBucket(to.In(w.Location))),
	}
	if keys[0] == keys[1] {
		keys = keys[:1]
	}
	if err := w.Cache.Del(ctx, keys...); err != nil {
		w.Logger.WithError(err).Warn("failed to invalidate timeline cache")
	}
}

// ReprocessDay resets every batch overlapping the day and deletes the
// derived observations and cards so the next sweep rebuilds them.
func (w *BatchWorker) ReprocessDay(ctx context.Context, day string) (int, error) {
	w.defaults()

	batches, err := w.Batches.ListByDay(ctx, day, w.Location)
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.ID)
	}

	if err := w.Batches.ResetStatuses(ctx, ids); err != nil {
		return 0, err
	}
	if err := w.Observations.DeleteByDay(ctx, day, w.Location); err != nil {
		return 0, err
	}
	if err := w.Cards.DeleteByDay(ctx, day, w.Location); err != nil {
		return 0, err
	}
	if err := w.Cache.Del(ctx, cache.DayTimelineKey(day)); err != nil {
		w.Logger.WithError(err).Warn("failed to invalidate timeline cache")
	}

	w.Analytics.Track("day_reprocessed", map[string]any{"day": day, "batches": len(ids)})
	return len(ids), nil
}

// ReprocessBatches resets the named batches and deletes their derived
// rows; unknown ids are reported, not silently skipped.
func (w *BatchWorker) ReprocessBatches(ctx context.Context, ids []int64) error {
	w.defaults()

	days := make(map[string]struct{})
	for _, id := range ids {
		b, err := w.Batches.GetByID(ctx, id)
		if err != nil {
			return err
		}
		start := time.Unix(b.BatchStartTs, 0).In(w.Location)
		days[timeutil.DayBucket(start)] = struct{}{}
	}

	if err := w.Batches.ResetStatuses(ctx, ids); err != nil {
		return err
	}
	if err := w.Observations.DeleteByBatchIDs(ctx, ids); err != nil {
		return err
	}
	if err := w.Cards.DeleteByBatchIDs(ctx, ids); err != nil {
		return err
	}

	keys := make([]string, 0, len(days))
	for day := range days {
		keys = append(keys, cache.DayTimelineKey(day))
	}
	if err := w.Cache.Del(ctx, keys...); err != nil {
		w.Logger.WithError(err).Warn("failed to invalidate timeline cache")
	}

	w.Analytics.Track("batches_reprocessed", map[string]any{"batches": len(ids)})
	return nil
}

func categoryOptions() []llm.CategoryOption {
	cats := taxonomy.Default()
	opts := make([]llm.CategoryOption, 0, len(cats))
	for _, c := range cats {
		opts = append(opts, llm.CategoryOption{Name: c.Name, Description: c.Description, Idle: c.Idle})
	}
	return opts
}

func draftFromPayload(p llm.CardPayload, videoPath string) postgres.CardDraft {
	meta := models.CardMetadata{AppSites: p.AppSites}
	for _, d := range p.Distractions {
		meta.Distractions = append(meta.Distractions, models.Distraction(d))
	}
	return postgres.CardDraft{
		Start:           p.Start,
		End:             p.End,
		Category:        p.Category,
		Subcategory:     p.Subcategory,
		Title:           p.Title,
		Summary:         p.Summary,
		DetailedSummary: p.DetailedSummary,
		Metadata:        meta,
		VideoSummaryURL: videoPath,
	}
}
