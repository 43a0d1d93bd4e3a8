package handlers

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/retracehq/retrace/internal/cache"
	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/repositories/postgres"
)

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type TimelineHandler struct {
	cards postgres.CardRepo
	cache cache.Cache
	log   *logrus.Entry
}

func NewTimelineHandler(cards postgres.CardRepo, c cache.Cache, log *logrus.Entry) *TimelineHandler {
	return &TimelineHandler{cards: cards, cache: c, log: log}
}

type TimelineCardView struct {
	ID              int64               `json:"id"`
	Start           string              `json:"start"`
	End             string              `json:"end"`
	StartTs         int64               `json:"start_ts"`
	EndTs           int64               `json:"end_ts"`
	Category        string              `json:"category"`
	Subcategory     string              `json:"subcategory"`
	Title           string              `json:"title"`
	Summary         string              `json:"summary"`
	DetailedSummary string              `json:"detailed_summary"`
	Metadata        models.CardMetadata `json:"metadata"`
	VideoSummaryURL string              `json:"video_summary_url,omitempty"`
}

type TimelineResponse struct {
	Day   string             `json:"day"`
	Cards []TimelineCardView `json:"cards"`
}

// Day serves one 4 AM-rule day of cards, cache-aside.
func (h *TimelineHandler) Day(c *gin.Context) {
	day := c.Param("day")
	if !dayPattern.MatchString(day) {
		writeError(c, faults.E(faults.KindInvalid, "TimelineHandler.Day", "day must be YYYY-MM-DD", nil))
		return
	}

	ctx := c.Request.Context()
	key := cache.DayTimelineKey(day)

	var cached TimelineResponse
	if hit, err := h.cache.GetJSON(ctx, key, &cached); err == nil && hit {
		c.JSON(http.StatusOK, cached)
		return
	}

	rows, err := h.cards.ListDay(ctx, day)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := TimelineResponse{Day: day, Cards: make([]TimelineCardView, 0, len(rows))}
	for _, card := range rows {
		meta, err := card.Metadata()
		if err != nil {
			h.log.WithError(err).WithField("card_id", card.ID).Warn("unreadable card metadata")
		}
		resp.Cards = append(resp.Cards, TimelineCardView{
			ID:              card.ID,
			Start:           card.Start,
			End:             card.End,
			StartTs:         card.StartTs,
			EndTs:           card.EndTs,
			Category:        card.Category,
			Subcategory:     card.Subcategory,
			Title:           card.Title,
			Summary:         card.Summary,
			DetailedSummary: card.DetailedSummary,
			Metadata:        meta,
			VideoSummaryURL: card.VideoSummaryURL,
		})
	}

	if err := h.cache.SetJSON(ctx, key, resp, cache.DayTimelineTTL); err != nil {
		h.log.WithError(err).Warn("failed to cache timeline")
	}
	c.JSON(http.StatusOK, resp)
}
