package synthesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retracehq/retrace/internal/models"
	"github.com/retracehq/retrace/internal/providers/llm"
)

type fakeMergeProvider struct {
	decision llm.MergeDecision
	err      error
	calls    int
}

func (f *fakeMergeProvider) Name() string { return "fake" }

func (f *fakeMergeProvider) TranscribeVideo(context.Context, string, llm.TranscribeRequest) (*llm.TranscribeResponse, error) {
	panic("not used")
}

func (f *fakeMergeProvider) GenerateCards(context.Context, string, llm.CardsRequest) (*llm.CardsResponse, error) {
	panic("not used")
}

func (f *fakeMergeProvider) DecideMerge(context.Context, string, llm.MergeRequest) (*llm.MergeDecision, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d := f.decision
	return &d, nil
}

func testMerger(p llm.Provider) *Merger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return NewMerger(p, "fake-model", DefaultMergePolicy(), l.WithField("component", "merger_test"))
}

func prevCard(start, end time.Time) *models.TimelineCard {
	return &models.TimelineCard{
		Start:   start.Format("3:04 PM"),
		End:     end.Format("3:04 PM"),
		StartTs: start.Unix(),
		EndTs:   end.Unix(),
		Title:   "Writing audit notes",
	}
}

func TestDecideConfidenceThreshold(t *testing.T) {
	base := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	prev := prevCard(base, base.Add(30*time.Minute))
	candidate := llm.CardPayload{Start: "10:35 AM", End: "11:00 AM", Title: "More audit notes"}

	tests := []struct {
		name       string
		confidence float64
		want       MergeOutcome
	}{
		{name: "confident merge", confidence: 0.9, want: OutcomeMerge},
		{name: "exactly at threshold", confidence: 0.8, want: OutcomeMerge},
		{name: "just below threshold appends", confidence: 0.79, want: OutcomeAppend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeMergeProvider{decision: llm.MergeDecision{ShouldMerge: true, Confidence: tt.confidence}}
			got, err := testMerger(p).Decide(context.Background(), prev, candidate)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, p.calls)
		})
	}
}

func TestDecideStructuralGatesSkipModel(t *testing.T) {
	base := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	p := &fakeMergeProvider{decision: llm.MergeDecision{ShouldMerge: true, Confidence: 1}}
	m := testMerger(p)
	ctx := context.Background()

	t.Run("nil previous card", func(t *testing.T) {
		got, err := m.Decide(ctx, nil, llm.CardPayload{Start: "10:00 AM", End: "10:30 AM"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeAppend, got)
	})

	t.Run("previous card already at max duration", func(t *testing.T) {
		prev := prevCard(base, base.Add(2*time.Hour))
		got, err := m.Decide(ctx, prev, llm.CardPayload{Start: "12:05 PM", End: "12:30 PM"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeAppend, got)
	})

	t.Run("gap beyond threshold", func(t *testing.T) {
		prev := prevCard(base, base.Add(30*time.Minute))
		got, err := m.Decide(ctx, prev, llm.CardPayload{Start: "11:00 AM", End: "11:30 AM"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeAppend, got)
	})

	t.Run("merged span over cap", func(t *testing.T) {
		prev := prevCard(base, base.Add(110*time.Minute))
		got, err := m.Decide(ctx, prev, llm.CardPayload{Start: "11:55 AM", End: "1:30 PM"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeAppend, got)
	})

	assert.Zero(t, p.calls, "structural gates must not consult the model")
}

func TestDecideProviderErrorAppends(t *testing.T) {
	base := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	prev := prevCard(base, base.Add(30*time.Minute))
	p := &fakeMergeProvider{err: errors.New("model unavailable")}

	got, err := testMerger(p).Decide(context.Background(), prev, llm.CardPayload{Start: "10:35 AM", End: "11:00 AM"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAppend, got)
}

func TestCombineSpansBothRanges(t *testing.T) {
	base := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	prev := prevCard(base, base.Add(30*time.Minute))
	candidate := llm.CardPayload{Start: "10:30 AM", End: "11:00 AM", Title: "Audit notes continued", Summary: "More of the same"}

	combined := Combine(prev, candidate)
	assert.Equal(t, prev.Start, combined.Start)
	assert.Equal(t, "11:00 AM", combined.End)
	assert.Equal(t, "Audit notes continued", combined.Title)
}
