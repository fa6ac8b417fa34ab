package types

import (
	"errors"
	"strings"
	"time"
)

// Summary counts the test cases of one parsed report.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// TestIdentity is one test case decomposed from a JUnit report.
// IDs are ordinals scoped to a single parse.
type TestIdentity struct {
	ID           int    `json:"id"`
	Classname    string `json:"classname"`
	FeatureName  string `json:"featureName"`
	ScenarioName string `json:"scenarioName"`
	Example      string `json:"example,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

var ErrIncompleteIdentity = errors.New("test identity requires feature and scenario")

// NewTestIdentity validates the required name components.
func NewTestIdentity(id int, classname, feature, scenario, example string) (TestIdentity, error) {
	if strings.TrimSpace(feature) == "" || strings.TrimSpace(scenario) == "" {
		return TestIdentity{}, ErrIncompleteIdentity
	}
	return TestIdentity{
		ID:           id,
		Classname:    classname,
		FeatureName:  feature,
		ScenarioName: scenario,
		Example:      example,
	}, nil
}

// Report is the normalized result set of one JUnit file.
type Report struct {
	Summary     Summary        `json:"summary"`
	PassedTests []TestIdentity `json:"passedTests"`
	FailedTests []TestIdentity `json:"failedTests"`
}

// EmptyReport is returned when there is nothing to report.
func EmptyReport() *Report {
	return &Report{PassedTests: []TestIdentity{}, FailedTests: []TestIdentity{}}
}

const (
	StatusPassed = "Passed"
	StatusFailed = "Failed"
)

// TestOutcome is the result of one rerun attempt for one title.
type TestOutcome struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Logs   string `json:"logs"`
}

// Passed reports whether the outcome is a pass.
func (o TestOutcome) Passed() bool {
	return o.Status == StatusPassed
}

// Artifact is a named file bundle attached to a build.
type Artifact struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DownloadURL string `json:"downloadUrl"`
}

// Build is one CI pipeline execution.
type Build struct {
	BuildID      int       `json:"buildId"`
	PipelineName string    `json:"pipelineName"`
	Result       string    `json:"result"`
	Status       string    `json:"status"`
	FinishTime   time.Time `json:"finishTime"`
	Date         string    `json:"date"`
	TotalTests   int       `json:"totalTests"`
	PassedTests  int       `json:"passedTests"`
}

// APIResult is the envelope returned by the HTTP surface.
type APIResult struct {
	Status int    `json:"status"`
	Data   any    `json:"data"`
	Error  string `json:"error,omitempty"`
}

// Credential maps a user to an encrypted personal access token.
type Credential struct {
	UserID    string    `json:"userId"`
	Team      string    `json:"team"`
	Username  string    `json:"username"`
	Token     string    `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunSummary groups the outcomes of one rerun request for display.
type RunSummary struct {
	ID        string        `json:"id"`
	Mode      string        `json:"mode"`
	Env       string        `json:"env"`
	Outcomes  []TestOutcome `json:"outcomes"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Passed counts the passing outcomes of the run.
func (r RunSummary) Passed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Passed() {
			n++
		}
	}
	return n
}
