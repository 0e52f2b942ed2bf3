// Package partition decides which time-bucketed log segment a record belongs
// to. Deciding is pure and deterministic; physically provisioning a segment is
// the store's job, so granularity can be swapped without touching storage.
package partition

import (
	"fmt"
	"time"
)

// Range is the half-open time span [Start, End) retained by one partition.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether ts falls inside the range.
func (r Range) Contains(ts time.Time) bool {
	return !ts.Before(r.Start) && ts.Before(r.End)
}

// Func maps a timestamp to the partition that must hold it. It is the sole
// customization point for bucket granularity. Implementations must be pure:
// equal timestamps always map to the same (name, range).
type Func func(ts time.Time) (name string, r Range)

// Monthly buckets records per calendar month (UTC). This is the default.
// Names look like change_logs_y2026m08.
func Monthly(ts time.Time) (string, Range) {
	ts = ts.UTC()
	start := time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("change_logs_y%04dm%02d", ts.Year(), int(ts.Month())),
		Range{Start: start, End: start.AddDate(0, 1, 0)}
}

// Daily buckets records per calendar day (UTC).
func Daily(ts time.Time) (string, Range) {
	ts = ts.UTC()
	start := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("change_logs_y%04dm%02dd%02d", ts.Year(), int(ts.Month()), ts.Day()),
		Range{Start: start, End: start.AddDate(0, 0, 1)}
}

// Yearly buckets records per calendar year (UTC).
func Yearly(ts time.Time) (string, Range) {
	ts = ts.UTC()
	start := time.Date(ts.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("change_logs_y%04d", ts.Year()),
		Range{Start: start, End: start.AddDate(1, 0, 0)}
}

// ByGranularity resolves a configured granularity name to its Func.
func ByGranularity(granularity string) (Func, error) {
	switch granularity {
	case "", "month":
		return Monthly, nil
	case "day":
		return Daily, nil
	case "year":
		return Yearly, nil
	default:
		return nil, fmt.Errorf("unknown partition granularity %q", granularity)
	}
}
