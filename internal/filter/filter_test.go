package filter

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yourorg/rerunner/pkg/types"
)

// Wednesday.
var now = time.Date(2024, 5, 15, 14, 30, 0, 0, time.UTC)

func TestRangeWindow(t *testing.T) {
	cases := []struct {
		name     string
		from, to time.Time
	}{
		{"today", time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), now},
		{"yesterday", time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 14, 23, 59, 59, 999000000, time.UTC)},
		{"current_week", time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC), now},
		{"last_week", time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 11, 23, 59, 59, 999000000, time.UTC)},
		{"current_month", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), now},
		{"last_month", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 30, 23, 59, 59, 999000000, time.UTC)},
	}
	for _, tc := range cases {
		w, ok := RangeWindow(tc.name, now)
		if !ok {
			t.Fatalf("%s: expected known range", tc.name)
		}
		if !w.From.Equal(tc.from) || !w.To.Equal(tc.to) {
			t.Errorf("%s: got [%s, %s], want [%s, %s]", tc.name, w.From, w.To, tc.from, tc.to)
		}
	}
	if _, ok := RangeWindow("fortnight", now); ok {
		t.Fatalf("expected unknown range to be rejected")
	}
}

func TestBuilds(t *testing.T) {
	w, _ := RangeWindow("current_week", now)
	builds := []types.Build{
		{BuildID: 1, Result: "partiallySucceeded", FinishTime: now.Add(-time.Hour)},
		{BuildID: 2, Result: "succeeded", FinishTime: now.Add(-time.Hour)},
		{BuildID: 3, Result: "PartiallySucceeded", FinishTime: now.AddDate(0, 0, -10)},
		{BuildID: 4, Result: "partiallysucceeded", FinishTime: now.Add(-2 * time.Hour)},
		{BuildID: 5, Result: "", FinishTime: now},
		{BuildID: 6, Result: "partiallySucceeded"},
	}

	got := Builds(builds, w, ResultPartiallySucceeded)
	ids := make([]int, 0, len(got))
	for _, b := range got {
		ids = append(ids, b.BuildID)
	}
	if diff := cmp.Diff([]int{1, 4}, ids); diff != "" {
		t.Fatalf("unexpected builds (-want +got):\n%s", diff)
	}

	if all := Builds(builds, w); len(all) != 3 {
		t.Fatalf("expected 3 finished builds in range, got %d", len(all))
	}
}
