package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/memory"
	"github.com/dotsetgreg/dottask/pkg/sources"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

func (a *Agent) ListTasks(ctx context.Context) ([]tasks.Task, error) {
	return a.tasks.List(ctx)
}

func (a *Agent) ArchivedTasks(ctx context.Context) ([]tasks.Task, error) {
	return a.tasks.Archive(ctx)
}

func (a *Agent) CreateTask(ctx context.Context, d tasks.Draft) (tasks.Task, error) {
	t, err := a.tasks.Create(ctx, d)
	if err != nil {
		return tasks.Task{}, err
	}
	a.deps.Metrics.TaskTransition(string(t.Status))
	a.notify(UpdateTasks, t)
	return t, nil
}

func (a *Agent) UpdateTask(ctx context.Context, id string, p tasks.Patch) (tasks.Task, error) {
	t, err := a.tasks.Update(ctx, id, p)
	if err != nil {
		return tasks.Task{}, err
	}
	a.notify(UpdateTasks, t)
	return t, nil
}

func (a *Agent) DeleteTask(ctx context.Context, id string) error {
	if err := a.tasks.Delete(ctx, id); err != nil {
		return err
	}
	a.notify(UpdateTasks, nil)
	return nil
}

func (a *Agent) ReorderTasks(ctx context.Context, ids []string) ([]tasks.Task, error) {
	list, err := a.tasks.Reorder(ctx, ids)
	if err != nil {
		return nil, err
	}
	a.notify(UpdateTasks, nil)
	return list, nil
}

func (a *Agent) AcceptSuggestion(ctx context.Context, id string) (tasks.Task, error) {
	t, err := a.tasks.Accept(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	a.event(ctx, eventlog.TypeSuggestionAccepted, "accepted: "+t.Title, map[string]any{
		"task_id": t.ID,
		"pattern": tasks.DerivePattern(t.Title, t.Description),
	})
	a.deps.Metrics.TaskTransition(string(t.Status))
	a.notify(UpdateTasks, t)
	return t, nil
}

func (a *Agent) DeclineSuggestion(ctx context.Context, id, reason string) (tasks.Task, error) {
	t, err := a.tasks.Decline(ctx, id, reason)
	if err != nil {
		return tasks.Task{}, err
	}
	payload := map[string]any{
		"task_id": t.ID,
		"pattern": tasks.DerivePattern(t.Title, t.Description),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	a.event(ctx, eventlog.TypeSuggestionDeclined, "declined: "+t.Title, payload)
	a.deps.Metrics.TaskTransition(string(t.Status))
	a.notify(UpdateTasks, t)
	return t, nil
}

func (a *Agent) CompleteTask(ctx context.Context, id string) (tasks.Task, error) {
	t, err := a.tasks.Complete(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	a.event(ctx, eventlog.TypeTaskCompleted, "completed: "+t.Title, map[string]any{"task_id": t.ID})
	a.deps.Metrics.TaskTransition(string(t.Status))
	a.notify(UpdateTasks, t)
	return t, nil
}

// SweepCompleted archives completed tasks finished before cutoff.
func (a *Agent) SweepCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := a.tasks.SweepCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.event(ctx, eventlog.TypeSweep, fmt.Sprintf("archived %d completed task(s)", n), map[string]any{
			"count":  n,
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		})
		a.notify(UpdateTasks, nil)
	}
	return n, nil
}

func (a *Agent) Preferences(ctx context.Context) (tasks.Preferences, error) {
	return a.tasks.Preferences(ctx)
}

func (a *Agent) UpdatePreferences(ctx context.Context, p tasks.PreferencesPatch) (tasks.Preferences, error) {
	prefs, err := a.tasks.UpdatePreferences(ctx, p)
	if err != nil {
		return tasks.Preferences{}, err
	}
	a.notify(UpdateTasks, nil)
	return prefs, nil
}

// RecordThreadMessage stores a chat message for the next scan.
func (a *Agent) RecordThreadMessage(ctx context.Context, channelID, threadID string, msg sources.ThreadMessage) (sources.Thread, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now().UTC()
	}
	th, err := a.threads.Append(ctx, channelID, threadID, msg)
	if err != nil {
		return sources.Thread{}, fmt.Errorf("record thread message: %w", err)
	}
	logger.DebugCF("agent", "Recorded thread message", map[string]any{
		"thread":   th.Key(),
		"messages": len(th.Messages),
	})
	return th, nil
}

func (a *Agent) Memory(ctx context.Context) (memory.Snapshot, error) {
	return a.memory.Snapshot(ctx)
}

func (a *Agent) UpdateMemory(ctx context.Context, edit memory.Edit) (memory.Snapshot, error) {
	snap, err := a.memory.Update(ctx, edit)
	if err != nil {
		return memory.Snapshot{}, err
	}
	a.notify(UpdateMemory, snap)
	return snap, nil
}

func (a *Agent) DeleteFact(ctx context.Context, index int) error {
	if err := a.memory.DeleteFact(ctx, index); err != nil {
		return err
	}
	a.notify(UpdateMemory, nil)
	return nil
}

// Events returns up to limit of the most recent events, oldest first,
// optionally filtered by type.
func (a *Agent) Events(ctx context.Context, limit int, types ...string) ([]eventlog.Event, error) {
	if len(types) == 0 {
		return a.events.List(ctx, limit)
	}
	return a.events.Recent(ctx, limit, types...)
}
