package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/providers/llm"
	"github.com/retracehq/retrace/internal/synthesis"
	"github.com/retracehq/retrace/internal/timeutil"
)

const cardInstructions = "Rewrite the user's activity timeline. Merge the existing cards and the new observations " +
	"into a list of activity cards with clock times, a category and subcategory from the provided taxonomy, a short " +
	"title, a one-sentence summary, and a detailed summary. Record short off-topic interruptions as distractions " +
	"and list the apps or sites involved."

// CardWindow is the rolling input to card generation: the active cards the
// output will supersede plus the observation window.
type CardWindow struct {
	Existing     []models.TimelineCard
	Observations []models.Observation
	Categories   []llm.CategoryOption
}

// GenerateCards re-synthesizes the window into timeline cards. Transport
// and protocol failures follow the shared retry table; semantic failures
// (coverage gaps, duration floor) retry with a corrective prompt that names
// the defect instead of resetting to the base prompt.
func (o *Orchestrator) GenerateCards(ctx context.Context, window CardWindow) ([]llm.CardPayload, error) {
	const op = "Orchestrator.GenerateCards"

	existingRanges, existingPayloads, err := existingCards(window.Existing)
	if err != nil {
		return nil, faults.E(faults.KindInternal, op, "stored card has unparseable times", err)
	}

	req := llm.CardsRequest{
		ExistingCards: existingPayloads,
		Observations:  observationPayloads(window.Observations),
		Categories:    window.Categories,
		Instructions:  cardInstructions,
	}

	groupID := uuid.NewString()
	model := o.opts.PrimaryModel
	state := &retryState{}
	log := o.log.WithField("call_group", groupID)

	var lastErr error
	for state.attempt = 1; state.attempt <= o.opts.MaxAttempts; state.attempt++ {
		started := time.Now()
		resp, err := o.provider.GenerateCards(ctx, model, req)
		if err == nil {
			err = synthesis.ValidateCards(existingRanges, resp.Cards, o.opts.GapToleranceMinutes, o.opts.MinCardMinutes)
		}
		o.audit(ctx, groupID, model, "generate_cards", describeWindow(window), resp, started, err)

		if err == nil {
			return resp.Cards, nil
		}
		lastErr = err

		// A semantic failure feeds the next attempt; everything else keeps
		// whatever correction was already in place.
		var fault *faults.Fault
		if errors.As(err, &fault) && fault.Kind == faults.KindSemantic {
			req.Correction = fault.Message
		}

		delay, downgrade, retryable := state.nextDelay(err, o.opts.FallbackModel != "")
		if !retryable {
			return nil, err
		}
		if downgrade {
			log.WithError(err).WithField("fallback", o.opts.FallbackModel).Warn("capacity error; downgrading model")
			model = o.opts.FallbackModel
			continue
		}
		log.WithError(err).WithFields(logrus.Fields{"attempt": state.attempt, "delay": delay.String()}).
			Warn("card generation attempt failed")
		if err := o.sleep(ctx, delay); err != nil {
			return nil, faults.E(faults.KindTransport, op, "canceled during backoff", err)
		}
	}
	return nil, fmt.Errorf("%s: exhausted %d attempts: %w", op, o.opts.MaxAttempts, lastErr)
}

func existingCards(cards []models.TimelineCard) ([]synthesis.Range, []llm.CardPayload, error) {
	ranges := make([]synthesis.Range, 0, len(cards))
	payloads := make([]llm.CardPayload, 0, len(cards))
	for _, c := range cards {
		r, err := synthesis.CardRange(c.Start, c.End)
		if err != nil {
			return nil, nil, err
		}
		ranges = append(ranges, r)

		payload := llm.CardPayload{
			Start:           c.Start,
			End:             c.End,
			Category:        c.Category,
			Subcategory:     c.Subcategory,
			Title:           c.Title,
			Summary:         c.Summary,
			DetailedSummary: c.DetailedSummary,
		}
		if md, err := c.Metadata(); err == nil {
			payload.AppSites = md.AppSites
			for _, d := range md.Distractions {
				payload.Distractions = append(payload.Distractions, llm.DistractionPayload(d))
			}
		}
		payloads = append(payloads, payload)
	}
	return ranges, payloads, nil
}

func observationPayloads(obs []models.Observation) []llm.ObservationPayload {
	out := make([]llm.ObservationPayload, 0, len(obs))
	for _, ob := range obs {
		out = append(out, llm.ObservationPayload{
			Start:       timeutil.FormatClock(time.Unix(ob.StartTs, 0)),
			End:         timeutil.FormatClock(time.Unix(ob.EndTs, 0)),
			Observation: ob.Observation,
		})
	}
	return out
}

func describeWindow(w CardWindow) string {
	return fmt.Sprintf("existing_cards=%d observations=%d", len(w.Existing), len(w.Observations))
}
