package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

const maxTranscriptLine = 400

// Compact merges old into the existing summary. An empty transcript returns
// existing unchanged without calling the completion service.
func (m *Manager) Compact(ctx context.Context, old []Message, existing *string) (*string, error) {
	transcript := BuildTranscript(old)
	if strings.TrimSpace(transcript) == "" {
		return existing, nil
	}

	prior := ""
	if existing != nil {
		prior = *existing
	}
	summary, err := m.complete(ctx, compactionSystemPrompt, compactionUserPrompt(prior, transcript))
	if err != nil {
		return existing, fmt.Errorf("compact: %w", err)
	}
	if summary == "" {
		summary = fallbackSummary(prior, old)
	}
	return &summary, nil
}

// CompactWindow compacts all but the most recent KeepRecent messages once the
// window grows past CompactionThreshold. On failure the window is returned
// unchanged together with the error.
func (m *Manager) CompactWindow(ctx context.Context, conversationID string, messages []Message) ([]Message, bool, error) {
	if len(messages) <= m.opts.CompactionThreshold {
		return messages, false, nil
	}

	split := len(messages) - m.opts.KeepRecent
	old := messages[:split]
	retained := trimLeadingToolResults(messages[split:])

	existing, err := m.Summary(ctx)
	if err != nil {
		return messages, false, err
	}
	summary, err := m.Compact(ctx, old, existing)
	if err != nil {
		logger.WarnCF(logComponent, "Compaction failed; keeping window", map[string]any{
			"conversation_id": conversationID,
			"messages":        len(messages),
			"error":           err.Error(),
		})
		m.event(ctx, eventlog.TypeCompactionFailed, "compaction failed: "+err.Error(), map[string]any{
			"conversation_id": conversationID,
		})
		return messages, false, err
	}

	if summary != nil && (existing == nil || *summary != *existing) {
		if err := m.inst.Atomically(func() error {
			return kv.PutJSON(ctx, m.inst, keySummary, *summary)
		}); err != nil {
			return messages, false, fmt.Errorf("store summary: %w", err)
		}
	}

	m.event(ctx, eventlog.TypeCompaction, fmt.Sprintf("compacted %d messages", len(old)), map[string]any{
		"conversation_id": conversationID,
		"compacted":       len(old),
		"retained":        len(retained),
	})
	out := make([]Message, len(retained))
	copy(out, retained)
	return out, true, nil
}

// BuildTranscript serializes messages to plain text. System messages are
// dropped, tool calls are reduced to a count and each run of tool results is
// collapsed into one line.
func BuildTranscript(messages []Message) string {
	var b strings.Builder
	toolRun := 0
	flushTools := func() {
		if toolRun == 0 {
			return
		}
		fmt.Fprintf(&b, "tool: [%d tool results]\n", toolRun)
		toolRun = 0
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			toolRun++
			continue
		}
		flushTools()

		content := strings.TrimSpace(msg.Content)
		if cut := truncate(content, maxTranscriptLine); cut != content {
			content = cut + "..."
		}
		if n := len(msg.ToolCalls); n > 0 {
			marker := fmt.Sprintf("[%d tool calls]", n)
			if content == "" {
				content = marker
			} else {
				content += " " + marker
			}
		}
		if content == "" {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	flushTools()
	return b.String()
}

func trimLeadingToolResults(messages []Message) []Message {
	i := 0
	for i < len(messages) && messages[i].Role == RoleTool {
		i++
	}
	return messages[i:]
}

func fallbackSummary(existing string, messages []Message) string {
	parts := []string{}
	if strings.TrimSpace(existing) != "" {
		parts = append(parts, strings.TrimSpace(existing))
	}
	parts = append(parts, fmt.Sprintf("Compacted conversation window (%d messages).", len(messages)))

	bulletCount := 0
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		line := strings.TrimSpace(msg.Content)
		if line == "" {
			continue
		}
		if cut := truncate(line, 160); cut != line {
			line = cut + "..."
		}
		parts = append(parts, "- User topic: "+line)
		bulletCount++
		if bulletCount >= 6 {
			break
		}
	}

	return strings.Join(parts, "\n")
}
