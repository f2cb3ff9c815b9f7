// Package gate serializes access to a single-occupancy resource. Callers are
// admitted one at a time in arrival order, and the slot stays closed for a
// cooldown after each call returns, whether it succeeded, failed or panicked.
package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const DefaultCooldown = 1500 * time.Millisecond

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("gate: closed")

// PanicError wraps a panic recovered from a gated function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("gate: function panicked: %v", e.Value)
}

type Gate struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	cooldown time.Duration
	closed   bool
	onWait   func(time.Duration)

	cooling sync.WaitGroup
}

func New(cooldown time.Duration) *Gate {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Gate{sem: semaphore.NewWeighted(1), cooldown: cooldown}
}

var defaultGate = sync.OnceValue(func() *Gate { return New(DefaultCooldown) })

// Default returns the process-wide gate.
func Default() *Gate {
	return defaultGate()
}

// SetCooldown changes the delay applied after future calls.
func (g *Gate) SetCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	g.mu.Lock()
	g.cooldown = d
	g.mu.Unlock()
}

// OnWait registers an observer for the time each caller spent queued.
func (g *Gate) OnWait(fn func(time.Duration)) {
	g.mu.Lock()
	g.onWait = fn
	g.mu.Unlock()
}

// Do waits for the slot, runs fn and schedules the release after the
// cooldown. A cancelled ctx abandons the wait without taking the slot.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.isClosed() {
		return ErrClosed
	}
	queued := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	g.mu.Lock()
	closed, cooldown, onWait := g.closed, g.cooldown, g.onWait
	if !closed {
		g.cooling.Add(1)
	}
	g.mu.Unlock()
	if closed {
		g.sem.Release(1)
		return ErrClosed
	}
	if onWait != nil {
		onWait(time.Since(queued))
	}

	defer g.releaseAfter(cooldown)
	return call(ctx, fn)
}

func (g *Gate) releaseAfter(d time.Duration) {
	if d <= 0 {
		g.sem.Release(1)
		g.cooling.Done()
		return
	}
	time.AfterFunc(d, func() {
		g.sem.Release(1)
		g.cooling.Done()
	})
}

func call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Run is Do for functions that return a value.
func Run[T any](ctx context.Context, g *Gate, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// Close rejects new callers and waits for pending cooldowns to finish.
// Callers still queued receive ErrClosed when admitted.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cooling.Wait()
}

func (g *Gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
