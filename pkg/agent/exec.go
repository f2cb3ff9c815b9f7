package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/gate"
	"github.com/dotsetgreg/dottask/pkg/sandbox"
)

// ErrExecutionDisabled is returned when no executor is configured.
var ErrExecutionDisabled = errors.New("agent: code execution is not configured")

// ExecuteCode runs code through the gated sandbox. Callers queue behind any
// run in flight; a non-zero exit is a result, not an error.
func (a *Agent) ExecuteCode(ctx context.Context, code string) (sandbox.Result, error) {
	if a.deps.Executor == nil {
		return sandbox.Result{}, ErrExecutionDisabled
	}
	res, err := a.deps.Executor.Run(ctx, code)
	if err != nil {
		var pe *gate.PanicError
		if errors.As(err, &pe) {
			a.deps.Metrics.Execution("panic")
		} else {
			a.deps.Metrics.Execution("error")
		}
		a.event(ctx, eventlog.TypeExecution, "execution failed: "+err.Error(), nil)
		return res, err
	}

	result := "ok"
	switch {
	case res.TimedOut:
		result = "timeout"
	case res.ExitCode != 0:
		result = "exit_error"
	}
	a.deps.Metrics.Execution(result)
	a.event(ctx, eventlog.TypeExecution, fmt.Sprintf("execution finished: %s", result), map[string]any{
		"exit_code":   res.ExitCode,
		"timed_out":   res.TimedOut,
		"truncated":   res.Truncated,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}
