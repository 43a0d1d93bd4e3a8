package synthesis

import (
	"fmt"

	"github.com/retracehq/retrace/internal/faults"
	"github.com/retracehq/retrace/internal/providers/llm"
	"github.com/retracehq/retrace/internal/timeutil"
)

const (
	// DefaultGapTolerance is the slack allowed in the coverage check.
	DefaultGapTolerance = 5.0 // minutes
	// DefaultMinCardMinutes is the duration floor: every generated card but
	// the last must span at least this long.
	DefaultMinCardMinutes = 10.0
)

// CardRange converts a card's clock strings to minutes from midnight. An
// end earlier than its start is taken to wrap past midnight.
func CardRange(start, end string) (Range, error) {
	s, err := timeutil.ParseClock(start)
	if err != nil {
		return Range{}, err
	}
	e, err := timeutil.ParseClock(end)
	if err != nil {
		return Range{}, err
	}
	r := Range{Start: float64(s.MinutesFromMidnight()), End: float64(e.MinutesFromMidnight())}
	if r.End <= r.Start {
		r.End += 24 * 60
	}
	return r, nil
}

// normalizeToWindow shifts output ranges that lie entirely before the
// existing window into the next day. A window wrapped past midnight sits
// above 1440 minutes, and a card like 00:00-00:30 parses to [0,30]; without
// the shift it could never cover the wrapped tail it belongs to.
func normalizeToWindow(existing, output []Range) {
	if len(existing) == 0 {
		return
	}
	windowStart := existing[0].Start
	for _, r := range existing[1:] {
		if r.Start < windowStart {
			windowStart = r.Start
		}
	}
	for i := range output {
		if output[i].End <= windowStart {
			output[i].Start += 24 * 60
			output[i].End += 24 * 60
		}
	}
}

// ValidateCards applies the semantic checks to generator output against the
// cards it supersedes: full coverage of the existing ranges within
// tolerance, and the duration floor for every card but the last. A failure
// is a KindSemantic fault whose message names the exact defect, so the
// retry prompt can ask the model to correct only that.
func ValidateCards(existing []Range, cards []llm.CardPayload, gapTolerance, minCardMinutes float64) error {
	const op = "synthesis.ValidateCards"

	if len(cards) == 0 && len(existing) > 0 {
		return faults.E(faults.KindSemantic, op,
			fmt.Sprintf("no cards returned; the ranges %s are uncovered", DescribeGaps(MergeRanges(existing))), nil)
	}

	output := make([]Range, 0, len(cards))
	for i, c := range cards {
		r, err := CardRange(c.Start, c.End)
		if err != nil {
			return faults.E(faults.KindProtocol, op, fmt.Sprintf("card %d has unparseable times", i), err)
		}
		output = append(output, r)
	}
	normalizeToWindow(existing, output)

	for i, r := range output[:max(len(output)-1, 0)] {
		if r.Minutes() < minCardMinutes {
			return faults.E(faults.KindSemantic, op,
				fmt.Sprintf("card %d (%q, %s) lasts %.0f minutes, below the %.0f minute floor",
					i, cards[i].Title, r, r.Minutes(), minCardMinutes), nil)
		}
	}

	if gaps := CoverageGaps(existing, output, gapTolerance); len(gaps) > 0 {
		return faults.E(faults.KindSemantic, op,
			fmt.Sprintf("output does not cover existing card ranges; missing %s", DescribeGaps(gaps)), nil)
	}
	return nil
}
