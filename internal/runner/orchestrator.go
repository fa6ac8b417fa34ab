// Package runner reruns selected tests through the external test runner.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/rerunner/internal/logging"
	"github.com/yourorg/rerunner/pkg/types"
)

type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeBatch       Mode = "batch"
)

var ErrUnknownMode = errors.New("unknown rerun mode")

// ParseMode accepts the mode names and their older aliases (debug, run).
// An empty name is batch.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "interactive", "debug":
		return ModeInteractive, nil
	case "batch", "run", "":
		return ModeBatch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// Orchestrator turns a selection of tests into runner invocations.
type Orchestrator struct {
	inv          Invoker
	batchWorkers int
	logger       *slog.Logger

	// session is held for the whole of an interactive rerun. A debugging
	// session owns the inspector, so two must never overlap.
	session sync.Mutex
}

func New(inv Invoker, batchWorkers int, logger *slog.Logger) *Orchestrator {
	if batchWorkers < 1 {
		batchWorkers = 1
	}
	if logger == nil {
		logger = logging.New("runner")
	}
	return &Orchestrator{inv: inv, batchWorkers: batchWorkers, logger: logger}
}

// Rerun runs tests and returns one outcome per distinct title, in order.
func (o *Orchestrator) Rerun(ctx context.Context, tests []types.TestIdentity, mode Mode, env string) ([]types.TestOutcome, error) {
	titles := Titles(tests)
	if len(titles) == 0 {
		return []types.TestOutcome{}, nil
	}
	logger := o.logger.With("run", uuid.NewString(), "mode", string(mode), "env", env, "tests", len(titles))

	switch mode {
	case ModeInteractive:
		o.session.Lock()
		defer o.session.Unlock()
		outcomes := make([]types.TestOutcome, 0, len(titles))
		for _, title := range titles {
			outcomes = append(outcomes, o.run(ctx, logger, title, Invocation{
				Pattern: Pattern(title),
				Workers: 1,
				Debug:   true,
				Env:     env,
			}))
		}
		return outcomes, nil

	case ModeBatch:
		if len(titles) == 1 {
			return []types.TestOutcome{o.run(ctx, logger, titles[0], Invocation{
				Pattern:  Pattern(titles[0]),
				Workers:  o.batchWorkers,
				Headless: true,
				Env:      env,
			})}, nil
		}
		shared := o.run(ctx, logger, strings.Join(titles, " | "), Invocation{
			Pattern:  BatchPattern(titles),
			Workers:  o.batchWorkers,
			Headless: true,
			Env:      env,
		})
		outcomes := make([]types.TestOutcome, len(titles))
		for i, title := range titles {
			outcomes[i] = types.TestOutcome{Status: shared.Status, Title: title, Logs: shared.Logs}
		}
		return outcomes, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, title string, inv Invocation) types.TestOutcome {
	logger.Info("running", "title", title, "workers", inv.Workers, "headless", inv.Headless)
	res, err := o.inv.Invoke(ctx, inv)
	if err != nil {
		logger.Error("runner failed to start", "title", title, "error", err)
		return types.TestOutcome{Status: types.StatusFailed, Title: title, Logs: err.Error()}
	}
	if res.Passed {
		logger.Info("passed", "title", title)
		return types.TestOutcome{Status: types.StatusPassed, Title: title, Logs: res.Stdout}
	}
	logger.Info("failed", "title", title)
	logs := res.Stderr
	if logs == "" {
		logs = res.Stdout
	}
	return types.TestOutcome{Status: types.StatusFailed, Title: title, Logs: logs}
}
