// Package junit reads Playwright JUnit reports into test identities.
package junit

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/yourorg/rerunner/pkg/types"
)

// Delimiter separates feature, scenario and example in a case name.
const Delimiter = "›"

var ErrMalformedReport = errors.New("malformed junit report")

type suites struct {
	XMLName xml.Name `xml:"testsuites"`
	Suites  []suite  `xml:"testsuite"`
}

type suite struct {
	Name   string     `xml:"name,attr"`
	Suites []suite    `xml:"testsuite"`
	Cases  []testCase `xml:"testcase"`
}

type testCase struct {
	Name      string   `xml:"name,attr"`
	Classname string   `xml:"classname,attr"`
	Failure   *failure `xml:"failure"`
}

type failure struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

// Parse reads the report at path. A missing file is an empty report.
func Parse(path string) (*types.Report, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return types.EmptyReport(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a report with either a <testsuites> or a <testsuite> root.
func Decode(r io.Reader) (*types.Report, error) {
	roots, err := decodeRoots(r)
	if err != nil {
		return nil, err
	}

	report := types.EmptyReport()
	next := 1
	var walk func(s suite) error
	walk = func(s suite) error {
		for _, tc := range s.Cases {
			id, err := identify(next, tc)
			if err != nil {
				return err
			}
			next++
			report.Summary.Total++
			if tc.Failure != nil {
				id.ErrorMessage = tc.Failure.text()
				report.Summary.Failed++
				report.FailedTests = append(report.FailedTests, id)
			} else {
				report.Summary.Passed++
				report.PassedTests = append(report.PassedTests, id)
			}
		}
		for _, child := range s.Suites {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, s := range roots {
		if err := walk(s); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func decodeRoots(r io.Reader) ([]suite, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no testsuites element", ErrMalformedReport)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "testsuites":
			var root suites
			if err := dec.DecodeElement(&root, &start); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
			}
			return root.Suites, nil
		case "testsuite":
			var root suite
			if err := dec.DecodeElement(&root, &start); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
			}
			return []suite{root}, nil
		default:
			return nil, fmt.Errorf("%w: unexpected root <%s>", ErrMalformedReport, start.Name.Local)
		}
	}
}

func (f *failure) text() string {
	if t := strings.TrimSpace(f.Text); t != "" {
		return f.Text
	}
	return f.Message
}

func identify(ordinal int, tc testCase) (types.TestIdentity, error) {
	feature, scenario, example := SplitName(tc.Name)
	id, err := types.NewTestIdentity(ordinal, tc.Classname, feature, scenario, example)
	if err != nil {
		return types.TestIdentity{}, fmt.Errorf("%w: case %q: %v", ErrMalformedReport, tc.Name, err)
	}
	return id, nil
}

// SplitName decomposes "Feature › Scenario › Example #n". Exactly three parts
// whose last starts with "Example" form an outline example; otherwise every
// part after the feature is the scenario.
func SplitName(name string) (feature, scenario, example string) {
	parts := strings.Split(name, Delimiter)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	feature = parts[0]
	if len(parts) == 3 && strings.HasPrefix(parts[2], "Example") {
		return feature, parts[1], parts[2]
	}
	return feature, strings.Join(parts[1:], " "+Delimiter+" "), ""
}
