// Package sandbox runs user-supplied code in a subprocess. The agent only
// ever receives a Gated executor so at most one run is in flight.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dottask/pkg/gate"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 64 * 1024

	truncatedMarker = "\n[output truncated]"
)

var ErrEmptyCode = errors.New("sandbox: code is empty")

type Result struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exitCode"`
	TimedOut  bool          `json:"timedOut"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
}

// Executor runs one snippet of code. A non-zero exit is reported in the
// Result, not as an error.
type Executor interface {
	Run(ctx context.Context, code string) (Result, error)
}

// Subprocess feeds code to an interpreter on stdin.
type Subprocess struct {
	command   []string
	dir       string
	timeout   time.Duration
	maxOutput int
}

// NewSubprocess builds an executor for interpreter, which may carry
// arguments ("python3", "sh -s"). Python interpreters read the script from
// stdin.
func NewSubprocess(interpreter, dir string, timeout time.Duration, maxOutput int) (*Subprocess, error) {
	command := strings.Fields(interpreter)
	if len(command) == 0 {
		return nil, fmt.Errorf("sandbox.interpreter is required (set DOTTASK_SANDBOX_INTERPRETER)")
	}
	if len(command) == 1 && strings.HasPrefix(filepath.Base(command[0]), "python") {
		command = append(command, "-")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Subprocess{command: command, dir: dir, timeout: timeout, maxOutput: maxOutput}, nil
}

func (s *Subprocess) Run(ctx context.Context, code string) (Result, error) {
	if strings.TrimSpace(code) == "" {
		return Result{}, ErrEmptyCode
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.command[0], s.command[1:]...)
	cmd.Dir = s.dir
	cmd.Stdin = strings.NewReader(code)
	cmd.WaitDelay = 2 * time.Second
	stdout := &tailBuffer{max: s.maxOutput}
	stderr := &tailBuffer{max: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(started),
	}

	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		logger.WarnCF("sandbox", "Execution timed out", map[string]any{"timeout": s.timeout.String()})
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("run %s: %w", s.command[0], err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; b.max > 0 && over > 0 {
		b.buf.Next(over)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return truncatedMarker[1:] + "\n" + b.buf.String()
	}
	return b.buf.String()
}

// Gated admits runs through a gate.
type Gated struct {
	inner Executor
	gate  *gate.Gate
}

// NewGated wraps inner. A nil gate selects gate.Default().
func NewGated(inner Executor, g *gate.Gate) *Gated {
	if g == nil {
		g = gate.Default()
	}
	return &Gated{inner: inner, gate: g}
}

func (g *Gated) Run(ctx context.Context, code string) (Result, error) {
	return gate.Run(ctx, g.gate, func(ctx context.Context) (Result, error) {
		return g.inner.Run(ctx, code)
	})
}
