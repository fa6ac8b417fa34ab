package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// Invocation is one external runner process.
type Invocation struct {
	Pattern  string
	Workers  int
	Headless bool
	Debug    bool
	Env      string
}

// Args are the runner flags appended to the configured command.
func (inv Invocation) Args() []string {
	args := []string{"--grep", inv.Pattern}
	if inv.Debug {
		args = append(args, "--debug")
	}
	return args
}

// Environ is the environment the runner reads its settings from.
func (inv Invocation) Environ() []string {
	return []string{
		"TEST_ENV=" + inv.Env,
		"HEADLESS=" + strconv.FormatBool(inv.Headless),
		"WORKERS=" + strconv.Itoa(inv.Workers),
		"RETRIES=0",
	}
}

// Result is what a finished runner process left behind. A non-zero exit is
// a failed Result, not an error.
type Result struct {
	Passed bool
	Stdout string
	Stderr string
}

// Invoker runs the external test runner.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// ExecInvoker runs Command in Dir as a child process.
type ExecInvoker struct {
	Command []string
	Dir     string
}

func (e *ExecInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if len(e.Command) == 0 {
		return Result{}, errors.New("runner command is empty")
	}
	args := append(append([]string{}, e.Command[1:]...), inv.Args()...)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), inv.Environ()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		res.Passed = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, nil
	}
	return res, fmt.Errorf("run %s: %w", e.Command[0], err)
}
