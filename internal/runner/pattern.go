package runner

import (
	"regexp"
	"strings"

	"github.com/yourorg/rerunner/pkg/types"
)

// notFollowedByDigit keeps "Cart has items" from selecting "Cart has items 2".
const notFollowedByDigit = `(?!\s*\d)`

// Title is the runnable title of a test: feature, scenario and example
// joined by spaces.
func Title(t types.TestIdentity) string {
	parts := []string{t.FeatureName, t.ScenarioName}
	if t.Example != "" {
		parts = append(parts, t.Example)
	}
	return strings.Join(parts, " ")
}

// Titles returns the titles of tests in order, first occurrence wins.
func Titles(tests []types.TestIdentity) []string {
	seen := make(map[string]struct{}, len(tests))
	titles := make([]string, 0, len(tests))
	for _, t := range tests {
		title := Title(t)
		if _, ok := seen[title]; ok {
			continue
		}
		seen[title] = struct{}{}
		titles = append(titles, title)
	}
	return titles
}

// Pattern is the runner's --grep expression selecting exactly title. The
// lookahead is evaluated by the runner's regex engine, not by Go.
func Pattern(title string) string {
	return regexp.QuoteMeta(title) + notFollowedByDigit
}

// BatchPattern selects any of titles.
func BatchPattern(titles []string) string {
	alts := make([]string, len(titles))
	for i, title := range titles {
		alts[i] = "(?:" + Pattern(title) + ")"
	}
	return strings.Join(alts, "|")
}
