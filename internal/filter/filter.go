package filter

import (
	"strings"
	"time"

	"github.com/yourorg/rerunner/pkg/types"
)

// ResultPartiallySucceeded is the build result that carries failed tests.
const ResultPartiallySucceeded = "partiallySucceeded"

// Window is an inclusive finish-time range.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// RangeWindow resolves a named range relative to now. Weeks start on Sunday.
// Unknown names report false.
func RangeWindow(name string, now time.Time) (Window, bool) {
	loc := now.Location()
	day := func(t time.Time, offset int) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day()+offset, 0, 0, 0, 0, loc)
	}
	endOf := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
	}

	switch name {
	case "today":
		return Window{From: day(now, 0), To: now}, true
	case "yesterday":
		from := day(now, -1)
		return Window{From: from, To: endOf(from)}, true
	case "current_week":
		return Window{From: day(now, -int(now.Weekday())), To: now}, true
	case "last_week":
		from := day(now, -int(now.Weekday())-7)
		return Window{From: from, To: endOf(from.AddDate(0, 0, 6))}, true
	case "current_month":
		return Window{From: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc), To: now}, true
	case "last_month":
		from := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, loc)
		last := time.Date(now.Year(), now.Month(), 0, 0, 0, 0, 0, loc)
		return Window{From: from, To: endOf(last)}, true
	default:
		return Window{}, false
	}
}

// Builds keeps finished builds inside w whose result matches one of results
// (case-insensitive). With no results every finished build in range is kept.
func Builds(builds []types.Build, w Window, results ...string) []types.Build {
	out := make([]types.Build, 0, len(builds))
	for _, b := range builds {
		if b.FinishTime.IsZero() || b.Result == "" {
			continue
		}
		if !w.Contains(b.FinishTime) {
			continue
		}
		if len(results) > 0 && !matchesResult(b.Result, results) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func matchesResult(result string, results []string) bool {
	for _, r := range results {
		if strings.EqualFold(strings.TrimSpace(r), result) {
			return true
		}
	}
	return false
}
