// Package memory maintains bounded conversational memory for one agent
// instance: a rolling compaction summary, durable user facts and one-line
// per-conversation summaries. All generation goes through a completion
// service; every failure degrades to keeping the previous state.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/providers"
)

const logComponent = "memory"

type Manager struct {
	inst   *kv.Instance
	events *eventlog.Log
	llm    providers.Completer
	opts   Options
	now    func() time.Time
}

func NewManager(inst *kv.Instance, events *eventlog.Log, llm providers.Completer, opts Options) *Manager {
	return &Manager{
		inst:   inst,
		events: events,
		llm:    llm,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (m *Manager) Options() Options {
	return m.opts
}

// Summary returns the rolling compaction summary, nil when none exists.
func (m *Manager) Summary(ctx context.Context) (*string, error) {
	var s string
	ok, err := kv.GetJSON(ctx, m.inst, keySummary, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (m *Manager) Facts(ctx context.Context) ([]string, error) {
	var facts []string
	if _, err := kv.GetJSON(ctx, m.inst, keyFacts, &facts); err != nil {
		return nil, err
	}
	return facts, nil
}

func (m *Manager) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var list []ConversationSummary
	if _, err := kv.GetJSON(ctx, m.inst, keyConversations, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	summary, err := m.Summary(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	facts, err := m.Facts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	convs, err := m.Conversations(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if facts == nil {
		facts = []string{}
	}
	if convs == nil {
		convs = []ConversationSummary{}
	}
	return Snapshot{Summary: summary, Facts: facts, Conversations: convs}, nil
}

// Update applies an explicit user edit.
func (m *Manager) Update(ctx context.Context, edit Edit) (Snapshot, error) {
	err := m.inst.Atomically(func() error {
		if edit.Summary != nil {
			if strings.TrimSpace(*edit.Summary) == "" {
				if err := m.inst.Delete(ctx, keySummary); err != nil {
					return err
				}
			} else if err := kv.PutJSON(ctx, m.inst, keySummary, strings.TrimSpace(*edit.Summary)); err != nil {
				return err
			}
		}
		if edit.Facts != nil {
			facts := capOldest(dedupeFacts(nil, *edit.Facts), m.opts.MaxFacts)
			if err := kv.PutJSON(ctx, m.inst, keyFacts, facts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("update memory: %w", err)
	}
	m.event(ctx, eventlog.TypeMemoryEdited, "memory edited by user", map[string]any{
		"summary_changed": edit.Summary != nil,
		"facts_changed":   edit.Facts != nil,
	})
	return m.Snapshot(ctx)
}

// DeleteFact removes the fact at index.
func (m *Manager) DeleteFact(ctx context.Context, index int) error {
	var removed string
	err := m.inst.Atomically(func() error {
		facts, err := m.Facts(ctx)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(facts) {
			return ErrFactIndex
		}
		removed = facts[index]
		facts = append(facts[:index], facts[index+1:]...)
		return kv.PutJSON(ctx, m.inst, keyFacts, facts)
	})
	if err != nil {
		return err
	}
	m.event(ctx, eventlog.TypeMemoryEdited, "fact deleted", map[string]any{"fact": removed})
	return nil
}

// ProcessTurn runs fact extraction and conversation summarization for a
// finished turn. It never fails the caller; problems are logged and recorded
// as events.
func (m *Manager) ProcessTurn(ctx context.Context, conversationID string, recent []Message) {
	ok, reason := IsSubstantive(recent)
	if !ok {
		logger.DebugCF(logComponent, "Skipping memory processing", map[string]any{
			"conversation_id": conversationID,
			"reason":          reason,
		})
		m.event(ctx, eventlog.TypeMemorySkipped, "memory processing skipped: "+reason, map[string]any{
			"conversation_id": conversationID,
			"reason":          reason,
		})
		return
	}

	if err := m.extractAndStoreFacts(ctx, recent); err != nil {
		logger.WarnCF(logComponent, "Fact extraction failed", map[string]any{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}
	if _, err := m.GenerateSummary(ctx, conversationID, recent); err != nil {
		logger.WarnCF(logComponent, "Conversation summary failed", map[string]any{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}
}

// extractAndStoreFacts runs the model outside the instance lock, then merges
// only the new candidates into whatever is stored at write time, so edits made
// while the call was in flight survive.
func (m *Manager) extractAndStoreFacts(ctx context.Context, recent []Message) error {
	existing, err := m.Facts(ctx)
	if err != nil {
		return err
	}
	added := m.newFacts(ctx, recent, existing)
	if len(added) == 0 {
		return nil
	}

	consolidate := false
	err = m.inst.Atomically(func() error {
		current, err := m.Facts(ctx)
		if err != nil {
			return err
		}
		merged := capOldest(dedupeFacts(current, added), m.opts.MaxFacts)
		consolidate = len(merged) > m.opts.ConsolidationThreshold
		if equalStrings(current, merged) {
			return nil
		}
		return kv.PutJSON(ctx, m.inst, keyFacts, merged)
	})
	if err != nil || !consolidate {
		return err
	}
	return m.consolidateStored(ctx)
}

// consolidateStored replaces the stored facts with a consolidated list unless
// they changed while the model was working.
func (m *Manager) consolidateStored(ctx context.Context) error {
	snapshot, err := m.Facts(ctx)
	if err != nil {
		return err
	}
	consolidated := m.Consolidate(ctx, snapshot)
	if equalStrings(snapshot, consolidated) {
		return nil
	}
	return m.inst.Atomically(func() error {
		current, err := m.Facts(ctx)
		if err != nil {
			return err
		}
		if !equalStrings(current, snapshot) {
			logger.InfoCF(logComponent, "Skipped consolidation, facts changed", map[string]any{
				"before": len(snapshot),
				"now":    len(current),
			})
			return nil
		}
		return kv.PutJSON(ctx, m.inst, keyFacts, consolidated)
	})
}

func (m *Manager) complete(ctx context.Context, system, user string) (string, error) {
	if m.llm == nil {
		return "", fmt.Errorf("completion service not configured")
	}
	out, err := m.llm.Complete(ctx, providers.Request{
		System: system,
		User:   user,
		Model:  m.opts.Model,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (m *Manager) event(ctx context.Context, eventType, detail string, payload map[string]any) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Append(ctx, eventType, detail, payload); err != nil {
		logger.WarnCF(logComponent, "Failed to append event", map[string]any{
			"type":  eventType,
			"error": err.Error(),
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
