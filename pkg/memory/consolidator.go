package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/llmjson"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

const maxConversationSummaryLen = 120

// Consolidate merges near-identical facts. It is best-effort: a failed call,
// undecodable output or an empty result keeps facts as they are.
func (m *Manager) Consolidate(ctx context.Context, facts []string) []string {
	if len(facts) == 0 {
		return facts
	}
	text, err := m.complete(ctx, consolidationSystemPrompt, consolidationUserPrompt(facts))
	if err != nil {
		logger.WarnCF(logComponent, "Fact consolidation failed", map[string]any{"error": err.Error()})
		return facts
	}
	// Line recovery is bounded to a handful of lines, which could silently
	// drop facts here, so only a strict decode is accepted.
	list, mode := llmjson.StringList(text)
	if mode != llmjson.ModeStrict {
		logger.WarnCF(logComponent, "Consolidated facts were not a JSON array", map[string]any{"mode": string(mode)})
		return facts
	}
	consolidated := capOldest(dedupeFacts(nil, list), m.opts.MaxFacts)
	if len(consolidated) == 0 {
		return facts
	}

	m.event(ctx, eventlog.TypeFactsConsolidated, fmt.Sprintf("consolidated %d facts into %d", len(facts), len(consolidated)), map[string]any{
		"before": len(facts),
		"after":  len(consolidated),
	})
	return consolidated
}

// GenerateSummary stores a one-line summary of recent under conversationID,
// replacing any previous entry for it.
func (m *Manager) GenerateSummary(ctx context.Context, conversationID string, recent []Message) (string, error) {
	transcript := BuildTranscript(recent)
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	text, err := m.complete(ctx, conversationSummarySystemPrompt, transcript)
	if err != nil {
		return "", fmt.Errorf("summarize conversation: %w", err)
	}
	line := oneLine(text)
	if line == "" {
		return "", nil
	}

	now := m.now().UTC()
	err = m.inst.Atomically(func() error {
		list, err := m.Conversations(ctx)
		if err != nil {
			return err
		}
		next := make([]ConversationSummary, 0, len(list)+1)
		for _, cs := range list {
			if cs.ConversationID != conversationID {
				next = append(next, cs)
			}
		}
		next = append(next, ConversationSummary{ConversationID: conversationID, Summary: line, UpdatedAt: now})
		next = capOldest(next, m.opts.MaxConversationSummaries)
		return kv.PutJSON(ctx, m.inst, keyConversations, next)
	})
	if err != nil {
		return "", fmt.Errorf("store conversation summary: %w", err)
	}

	m.event(ctx, eventlog.TypeConversationSummarized, line, map[string]any{"conversation_id": conversationID})
	return line, nil
}

// oneLine reduces model output to its first line, unquoted and capped.
func oneLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(strings.Trim(text, `"'`))
	r := []rune(text)
	if len(r) > maxConversationSummaryLen {
		text = strings.TrimSpace(string(r[:maxConversationSummaryLen-1])) + "…"
	}
	return text
}
