package memory

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a live conversation window.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ConversationSummary is the one-line summary kept per conversation.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Summary        string    `json:"summary"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snapshot is the user-visible memory of one agent instance.
type Snapshot struct {
	Summary       *string               `json:"summary"`
	Facts         []string              `json:"facts"`
	Conversations []ConversationSummary `json:"conversations"`
}

// Edit is an explicit user edit. Nil fields are left untouched; an empty
// Summary clears it.
type Edit struct {
	Summary *string   `json:"summary,omitempty"`
	Facts   *[]string `json:"facts,omitempty"`
}

// Options bounds the memory. Zero values select the defaults.
type Options struct {
	CompactionThreshold      int
	KeepRecent               int
	MaxFacts                 int
	ConsolidationThreshold   int
	MaxConversationSummaries int
	// Model overrides the completion model for memory calls.
	Model string
}

func DefaultOptions() Options {
	return Options{
		CompactionThreshold:      16,
		KeepRecent:               10,
		MaxFacts:                 50,
		ConsolidationThreshold:   30,
		MaxConversationSummaries: 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = d.CompactionThreshold
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = d.KeepRecent
	}
	if o.KeepRecent > o.CompactionThreshold {
		o.KeepRecent = o.CompactionThreshold
	}
	if o.MaxFacts <= 0 {
		o.MaxFacts = d.MaxFacts
	}
	if o.ConsolidationThreshold <= 0 {
		o.ConsolidationThreshold = d.ConsolidationThreshold
	}
	if o.MaxConversationSummaries <= 0 {
		o.MaxConversationSummaries = d.MaxConversationSummaries
	}
	return o
}

// Storage keys.
const (
	keySummary       = "memory:summary"
	keyFacts         = "memory:facts"
	keyConversations = "memory:conversations"
)
