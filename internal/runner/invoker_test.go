package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecInvokerPassesArgvAndEnv(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()
	inv := &ExecInvoker{
		Command: []string{"sh", "-c", `echo "$TEST_ENV $HEADLESS $WORKERS $RETRIES"; printf '%s\n' "$@"; pwd`, "runner"},
		Dir:     dir,
	}
	title := `Evil $(touch pwned) "quoted"`
	res, err := inv.Invoke(context.Background(), Invocation{Pattern: Pattern(title), Workers: 3, Headless: true, Env: "qa"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatalf("expected pass, stderr=%q", res.Stderr)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 4 {
		t.Fatalf("unexpected output %q", res.Stdout)
	}
	if lines[0] != "qa true 3 0" {
		t.Fatalf("unexpected env line %q", lines[0])
	}
	if lines[1] != "--grep" || lines[2] != Pattern(title) {
		t.Fatalf("pattern not passed verbatim: %q", lines[1:3])
	}
	if _, err := os.Stat(filepath.Join(dir, "pwned")); err == nil {
		t.Fatalf("title was interpreted by a shell")
	}
}

func TestExecInvokerNonZeroExit(t *testing.T) {
	skipWithoutShell(t)
	inv := &ExecInvoker{Command: []string{"sh", "-c", "echo partial; echo broken >&2; exit 1", "runner"}, Dir: t.TempDir()}
	res, err := inv.Invoke(context.Background(), Invocation{Pattern: "x", Workers: 1, Debug: true})
	if err != nil {
		t.Fatalf("non-zero exit is not an error: %v", err)
	}
	if res.Passed || strings.TrimSpace(res.Stderr) != "broken" || strings.TrimSpace(res.Stdout) != "partial" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecInvokerMissingBinary(t *testing.T) {
	inv := &ExecInvoker{Command: []string{"definitely-not-a-runner-binary"}, Dir: t.TempDir()}
	if _, err := inv.Invoke(context.Background(), Invocation{}); err == nil {
		t.Fatalf("expected start error")
	}
	if _, err := (&ExecInvoker{}).Invoke(context.Background(), Invocation{}); err == nil {
		t.Fatalf("expected empty command error")
	}
}
