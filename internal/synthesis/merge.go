package synthesis

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/providers/llm"
	"github.com/retracehq/retrace/internal/timeutil"
)

// MergePolicy bounds the single-step merge decision between the newest
// candidate card and the card immediately preceding it. Only that one
// existing card is ever considered; this is not a re-clustering pass.
type MergePolicy struct {
	// MaxCardDuration stops growing a card once it already spans this long.
	MaxCardDuration time.Duration
	// MaxGap is the largest silence between the previous card and the
	// candidate that still permits merging.
	MaxGap time.Duration
	// MergedCap is a safety ceiling on the combined span.
	MergedCap time.Duration
	// ConfidenceThreshold is the minimum model confidence to combine.
	ConfidenceThreshold float64
}

func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		MaxCardDuration:     2 * time.Hour,
		MaxGap:              15 * time.Minute,
		MergedCap:           3 * time.Hour,
		ConfidenceThreshold: 0.8,
	}
}

type MergeOutcome int

const (
	// OutcomeAppend keeps the candidate as its own card.
	OutcomeAppend MergeOutcome = iota
	// OutcomeMerge replaces the previous card with one spanning both.
	OutcomeMerge
)

// Merger asks the model whether a candidate card continues the previous
// one. A provider failure degrades to append: merging is an optimization,
// never worth failing the batch over.
type Merger struct {
	provider llm.Provider
	model    string
	policy   MergePolicy
	log      *logrus.Entry
}

func NewMerger(provider llm.Provider, model string, policy MergePolicy, log *logrus.Entry) *Merger {
	if policy.ConfidenceThreshold <= 0 {
		policy.ConfidenceThreshold = 0.8
	}
	return &Merger{provider: provider, model: model, policy: policy, log: log}
}

// Decide returns OutcomeMerge only when the structural gates pass and the
// model affirms the merge at or above the confidence threshold.
func (m *Merger) Decide(ctx context.Context, prev *models.TimelineCard, candidate llm.CardPayload) (MergeOutcome, error) {
	if prev == nil {
		return OutcomeAppend, nil
	}

	prevDur := time.Duration(prev.EndTs-prev.StartTs) * time.Second
	if prevDur >= m.policy.MaxCardDuration {
		return OutcomeAppend, nil
	}

	candStart, err := timeutil.ParseClock(candidate.Start)
	if err != nil {
		return OutcomeAppend, err
	}
	candEnd, err := timeutil.ParseClock(candidate.End)
	if err != nil {
		return OutcomeAppend, err
	}

	prevEnd := time.Unix(prev.EndTs, 0)
	startAbs := timeutil.ResolveClock(candStart, prevEnd)
	endAbs := timeutil.ResolveClock(candEnd, prevEnd)
	if !endAbs.After(startAbs) {
		endAbs = endAbs.AddDate(0, 0, 1)
	}

	if gap := startAbs.Sub(prevEnd); gap > m.policy.MaxGap {
		return OutcomeAppend, nil
	}
	if merged := endAbs.Sub(time.Unix(prev.StartTs, 0)); merged > m.policy.MergedCap {
		return OutcomeAppend, nil
	}

	decision, err := m.provider.DecideMerge(ctx, m.model, llm.MergeRequest{
		Earlier: llm.CardPayload{
			Start:       prev.Start,
			End:         prev.End,
			Category:    prev.Category,
			Subcategory: prev.Subcategory,
			Title:       prev.Title,
			Summary:     prev.Summary,
		},
		Later:        candidate,
		Instructions: mergeInstructions,
	})
	if err != nil {
		m.log.WithError(err).Warn("merge decision failed; appending candidate card")
		return OutcomeAppend, nil
	}

	if !decision.ShouldMerge || decision.Confidence < m.policy.ConfidenceThreshold {
		return OutcomeAppend, nil
	}
	return OutcomeMerge, nil
}

// Combine builds the spanning card for an approved merge: the candidate's
// content over both ranges.
func Combine(prev *models.TimelineCard, candidate llm.CardPayload) llm.CardPayload {
	combined := candidate
	combined.Start = prev.Start
	return combined
}

const mergeInstructions = "Decide whether the later activity card is a direct continuation of the earlier one. " +
	"Answer should_merge true only when both cards describe the same ongoing task. " +
	"Report your confidence between 0 and 1."
