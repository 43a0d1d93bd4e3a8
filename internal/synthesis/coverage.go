package synthesis

import (
	"fmt"
	"sort"
	"strings"
)

// Range is a half-open interval in minutes from midnight.
type Range struct {
	Start float64
	End   float64
}

func (r Range) Minutes() float64 { return r.End - r.Start }

func (r Range) String() string {
	return fmt.Sprintf("%s-%s", formatMinutes(r.Start), formatMinutes(r.End))
}

func formatMinutes(m float64) string {
	h := int(m) / 60 % 24
	return fmt.Sprintf("%02d:%02d", h, int(m)%60)
}

// sweepIterCap bounds the coverage sweep. A malformed output range that
// never advances the cursor must fail closed (report uncovered), not loop.
const sweepIterCap = 10000

// MergeRanges sorts and merges overlapping or adjacent ranges. Ranges with
// no positive extent are dropped.
func MergeRanges(ranges []Range) []Range {
	cleaned := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End > r.Start {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	sort.Slice(cleaned, func(i, j int) bool { return cleaned[i].Start < cleaned[j].Start })

	merged := []Range{cleaned[0]}
	for _, r := range cleaned[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// CoverageGaps checks that the output ranges collectively cover the merged
// existing ranges. Any uncovered sub-range longer than toleranceMinutes is
// returned as a gap; an empty result means full coverage.
func CoverageGaps(existing, output []Range, toleranceMinutes float64) []Range {
	merged := MergeRanges(existing)

	outs := make([]Range, len(output))
	copy(outs, output)
	sort.Slice(outs, func(i, j int) bool { return outs[i].Start < outs[j].Start })

	var gaps []Range
	iterations := 0
	for _, r := range merged {
		cursor := r.Start
		for cursor < r.End-toleranceMinutes {
			iterations++
			if iterations > sweepIterCap {
				gaps = append(gaps, Range{Start: cursor, End: r.End})
				return gaps
			}

			advanced := false
			nextStart := r.End
			for _, o := range outs {
				if o.Start <= cursor+toleranceMinutes && o.End > cursor {
					cursor = o.End
					advanced = true
					break
				}
				if o.Start > cursor && o.Start < nextStart {
					nextStart = o.Start
				}
			}
			if advanced {
				continue
			}

			gapEnd := nextStart
			if gapEnd > r.End {
				gapEnd = r.End
			}
			if gapEnd-cursor > toleranceMinutes {
				gaps = append(gaps, Range{Start: cursor, End: gapEnd})
			}
			cursor = gapEnd
		}
	}
	return gaps
}

// DescribeGaps renders gaps for the corrective retry prompt.
func DescribeGaps(gaps []Range) string {
	parts := make([]string, 0, len(gaps))
	for _, g := range gaps {
		parts = append(parts, fmt.Sprintf("%s (%.0f minutes uncovered)", g, g.Minutes()))
	}
	return strings.Join(parts, ", ")
}
