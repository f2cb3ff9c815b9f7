package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/memory"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

const (
	maxPromptFacts = 30
	maxPromptTasks = 20
)

// promptContext is everything the chat system prompt is built from.
type promptContext struct {
	Now       time.Time
	Summary   *string
	Facts     []string
	OpenTasks []tasks.Task
}

func (a *Agent) loadPromptContext(ctx context.Context) (promptContext, error) {
	pc := promptContext{Now: a.now().In(a.opts.Location)}
	snap, err := a.memory.Snapshot(ctx)
	if err != nil {
		return pc, fmt.Errorf("load memory: %w", err)
	}
	pc.Summary = snap.Summary
	pc.Facts = snap.Facts

	list, err := a.tasks.List(ctx)
	if err != nil {
		return pc, fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range list {
		if t.Status == tasks.StatusPending || t.Status == tasks.StatusSuggested {
			pc.OpenTasks = append(pc.OpenTasks, t)
		}
	}
	return pc, nil
}

func buildSystemPrompt(pc promptContext) string {
	parts := []string{fmt.Sprintf(`# dottask

You are dottask, a personal assistant that keeps track of the user's to-dos.
Today is %s.

## Important Rules

1. **Be concise** - Answer in a few sentences unless asked for detail.

2. **Tasks** - Refer to the open tasks below by their title. Suggested tasks are proposals the user has not accepted yet.

3. **Memory** - Remembered facts and the conversation summary are maintained automatically; use them, never invent new ones.

4. **Context honesty** - Never claim you cannot access prior messages or memory unless the context below lacks it.`,
		pc.Now.Format("Monday, 2006-01-02"))}

	if pc.Summary != nil && strings.TrimSpace(*pc.Summary) != "" {
		parts = append(parts, "## Summary of Previous Conversation\n\n"+strings.TrimSpace(*pc.Summary))
	}

	if len(pc.Facts) > 0 {
		facts := pc.Facts
		if len(facts) > maxPromptFacts {
			facts = facts[len(facts)-maxPromptFacts:]
		}
		var b strings.Builder
		b.WriteString("## What You Know About the User\n\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	if len(pc.OpenTasks) > 0 {
		var b strings.Builder
		b.WriteString("## Open Tasks\n\n")
		for i, t := range pc.OpenTasks {
			if i == maxPromptTasks {
				fmt.Fprintf(&b, "- (%d more)\n", len(pc.OpenTasks)-maxPromptTasks)
				break
			}
			fmt.Fprintf(&b, "- [%s] %s", t.Status, t.Title)
			if t.ScheduledDate != "" {
				fmt.Fprintf(&b, " (scheduled %s)", t.ScheduledDate)
			}
			b.WriteString("\n")
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	prompt := strings.Join(parts, "\n\n---\n\n")
	logger.DebugCF("agent", "System prompt built", map[string]any{
		"total_chars":   len(prompt),
		"section_count": len(parts),
	})
	return prompt
}

// buildUserPrompt renders the conversation window as a transcript ending with
// the assistant's turn.
func buildUserPrompt(window []memory.Message) string {
	return memory.BuildTranscript(window) + "assistant:"
}
