// Package report renders rerun results as Markdown or YAML.
package report

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/rerunner/pkg/types"
)

// maxLogLines bounds the log tail embedded per outcome.
const maxLogLines = 40

// RenderMarkdown writes a summary table followed by the log tail of every
// failed outcome.
func RenderMarkdown(w io.Writer, run *types.RunSummary) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}

	b := &strings.Builder{}
	fmt.Fprintf(b, "# Rerun %s\n\n", run.ID)
	fmt.Fprintf(b, "- **When:** %s\n", run.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(b, "- **Mode:** %s\n", run.Mode)
	if run.Env != "" {
		fmt.Fprintf(b, "- **Environment:** %s\n", run.Env)
	}
	fmt.Fprintf(b, "- **Passed:** %d of %d\n\n", run.Passed(), len(run.Outcomes))

	fmt.Fprintln(b, "| Status | Test |")
	fmt.Fprintln(b, "|---|---|")
	for _, o := range run.Outcomes {
		fmt.Fprintf(b, "| %s | %s |\n", o.Status, escapeCell(o.Title))
	}

	for _, o := range run.Outcomes {
		if o.Passed() || strings.TrimSpace(o.Logs) == "" {
			continue
		}
		fmt.Fprintf(b, "\n## %s\n\n", o.Title)
		fmt.Fprintln(b, "```text")
		fmt.Fprintln(b, tail(o.Logs, maxLogLines))
		fmt.Fprintln(b, "```")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

type yamlOutcome struct {
	Status string `yaml:"status"`
	Title  string `yaml:"title"`
	Logs   string `yaml:"logs,omitempty"`
}

type yamlRun struct {
	ID       string        `yaml:"id"`
	Created  string        `yaml:"created"`
	Mode     string        `yaml:"mode"`
	Env      string        `yaml:"env,omitempty"`
	Passed   int           `yaml:"passed"`
	Total    int           `yaml:"total"`
	Outcomes []yamlOutcome `yaml:"outcomes"`
}

// RenderYAML writes the run as YAML. Logs of passing outcomes are left out.
func RenderYAML(w io.Writer, run *types.RunSummary) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	out := yamlRun{
		ID:      run.ID,
		Created: run.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Mode:    run.Mode,
		Env:     run.Env,
		Passed:  run.Passed(),
		Total:   len(run.Outcomes),
	}
	for _, o := range run.Outcomes {
		yo := yamlOutcome{Status: o.Status, Title: o.Title}
		if !o.Passed() {
			yo.Logs = tail(o.Logs, maxLogLines)
		}
		out.Outcomes = append(out.Outcomes, yo)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

// tail keeps the last n lines of output.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
