package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/llmjson"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

const maxFactLen = 200

// ExtractFacts asks for new durable facts in recent and merges them into
// existing. It never fails on bad model output: the decoder degrades to zero
// new facts and a facts_parse_failed event. An empty transcript returns
// existing unchanged.
func (m *Manager) ExtractFacts(ctx context.Context, recent []Message, existing []string) ([]string, error) {
	added := m.newFacts(ctx, recent, existing)
	if len(added) == 0 {
		return existing, nil
	}
	merged := capOldest(dedupeFacts(existing, added), m.opts.MaxFacts)
	if len(merged) > m.opts.ConsolidationThreshold {
		merged = m.Consolidate(ctx, merged)
	}
	return merged, nil
}

// newFacts returns the extracted candidates not already in existing.
func (m *Manager) newFacts(ctx context.Context, recent []Message, existing []string) []string {
	transcript := BuildTranscript(recent)
	if strings.TrimSpace(transcript) == "" {
		return nil
	}

	text, err := m.complete(ctx, extractionSystemPrompt, extractionUserPrompt(existing, transcript))
	if err != nil {
		m.event(ctx, eventlog.TypeFactsParseFailed, "fact extraction call failed: "+err.Error(), nil)
		return nil
	}

	candidates, mode := llmjson.StringList(text)
	if mode == llmjson.ModeFailed {
		logger.WarnCF(logComponent, "Could not decode extracted facts", map[string]any{
			"output_len": len(text),
		})
		m.event(ctx, eventlog.TypeFactsParseFailed, "could not decode extracted facts", map[string]any{
			"output": truncate(text, 200),
		})
		return nil
	}

	base := dedupeFacts(existing, nil)
	added := dedupeFacts(existing, candidates)[len(base):]
	if len(added) == 0 {
		return nil
	}
	m.event(ctx, eventlog.TypeFactsExtracted, fmt.Sprintf("%d new facts", len(added)), map[string]any{
		"added": len(added),
		"total": len(capOldest(dedupeFacts(existing, added), m.opts.MaxFacts)),
		"mode":  string(mode),
	})
	return added
}

// dedupeFacts appends the candidates not already present in base, comparing
// case- and whitespace-insensitively. Overlong candidates are dropped.
func dedupeFacts(base, candidates []string) []string {
	out := make([]string, 0, len(base)+len(candidates))
	seen := make(map[string]struct{}, len(base)+len(candidates))
	add := func(f string, candidate bool) {
		f = strings.TrimSpace(f)
		if f == "" || candidate && len([]rune(f)) > maxFactLen {
			return
		}
		key := factKey(f)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	for _, f := range base {
		add(f, false)
	}
	for _, f := range candidates {
		add(f, true)
	}
	return out
}

func factKey(f string) string {
	return strings.Join(strings.Fields(strings.ToLower(f)), " ")
}

func capOldest[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	return items[len(items)-max:]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
