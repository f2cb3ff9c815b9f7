// Package eventlog is the append-only, bounded, per-instance event log.
package eventlog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dottask/pkg/kv"
)

const (
	storageKey      = "events"
	DefaultCapacity = 200
)

// Event types written by the agent.
const (
	TypeCompaction             = "compaction"
	TypeCompactionFailed       = "compaction_failed"
	TypeFactsExtracted         = "facts_extracted"
	TypeFactsParseFailed       = "facts_parse_failed"
	TypeFactsConsolidated      = "facts_consolidated"
	TypeConversationSummarized = "conversation_summarized"
	TypeMemorySkipped          = "memory_skipped"
	TypeMemoryEdited           = "memory_edited"
	TypeScanStarted            = "scan_started"
	TypeScanCompleted          = "scan_completed"
	TypeScanSkipped            = "scan_skipped"
	TypeFetchFailed            = "fetch_failed"
	TypeBatchFailed            = "batch_failed"
	TypeBatchParseFailed       = "batch_parse_failed"
	TypeSuggestionRejected     = "suggestion_rejected"
	TypeSuggestionsAdded       = "suggestions_added"
	TypeSuggestionAccepted     = "suggestion_accepted"
	TypeSuggestionDeclined     = "suggestion_declined"
	TypeTaskCompleted          = "task_completed"
	TypeSweep                  = "sweep"
	TypeSchedulerError         = "scheduler_error"
	TypeExecution              = "execution"
)

type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Detail    string         `json:"detail"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log keeps the most recent Capacity events, oldest dropped first.
type Log struct {
	store    kv.Store
	capacity int
	now      func() time.Time

	mu sync.Mutex
}

func New(store kv.Store, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{store: store, capacity: capacity, now: time.Now}
}

// WithClock overrides the timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) Append(ctx context.Context, eventType, detail string, payload map[string]any) (Event, error) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		Type:      strings.TrimSpace(eventType),
		Detail:    detail,
		Payload:   payload,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.load(ctx)
	if err != nil {
		return Event{}, err
	}
	events = append(events, ev)
	if over := len(events) - l.capacity; over > 0 {
		events = events[over:]
	}
	if err := kv.PutJSON(ctx, l.store, storageKey, events); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// List returns events oldest first. limit <= 0 returns all of them; otherwise
// the most recent limit events are returned.
func (l *Log) List(ctx context.Context, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Recent returns up to limit of the newest events whose type is in types,
// oldest first.
func (l *Log) Recent(ctx context.Context, limit int, types ...string) ([]Event, error) {
	all, err := l.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	out := []Event{}
	for i := len(all) - 1; i >= 0; i-- {
		if _, ok := want[all[i].Type]; len(want) > 0 && !ok {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (l *Log) load(ctx context.Context) ([]Event, error) {
	var events []Event
	if _, err := kv.GetJSON(ctx, l.store, storageKey, &events); err != nil {
		return nil, err
	}
	return events, nil
}
