// Package chunker partitions historical date ranges into fixed-size,
// deterministic sub-ranges used as download-history cache keys.
package chunker

import (
	"fmt"
	"time"
)

// MaxSpanDays is the widest window requested from the downloads API in a
// single call. The API caps range queries at roughly 18 months; 500 days
// leaves headroom under that cap.
const MaxSpanDays = 500

// Range is one contiguous sub-interval of a download history query.
// From and To are inclusive and truncated to UTC midnight.
type Range struct {
	From time.Time
	To   time.Time
}

// Days returns the number of calendar days covered by the range, inclusive.
func (r Range) Days() int {
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

// String renders the range in the from:to form used by the downloads API.
func (r Range) String() string {
	return fmt.Sprintf("%s:%s", r.From.Format("2006-01-02"), r.To.Format("2006-01-02"))
}

// Plan partitions [start, end] into contiguous ranges of at most MaxSpanDays
// days each. Boundaries are anchored to start and stepped forward by the
// fixed span, never to the current date, so the same (start, end) pair
// produces identical ranges no matter when the plan is computed. The final
// range is clipped to end. Returns nil when start is after end.
func Plan(start, end time.Time) []Range {
	start = Day(start)
	end = Day(end)
	if start.After(end) {
		return nil
	}

	var ranges []Range
	for from := start; !from.After(end); from = from.AddDate(0, 0, MaxSpanDays) {
		to := from.AddDate(0, 0, MaxSpanDays-1)
		if to.After(end) {
			to = end
		}
		ranges = append(ranges, Range{From: from, To: to})
	}
	return ranges
}

// Day truncates t to UTC midnight. All chunk arithmetic happens on UTC
// calendar days to keep cache keys independent of server timezone.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
