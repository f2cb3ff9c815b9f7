package tasks

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrTitleRequired     = errors.New("task title is required")
)

type Status string

const (
	StatusSuggested Status = "suggested"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

type UserResponse string

const (
	ResponseNone     UserResponse = ""
	ResponseAccepted UserResponse = "accepted"
	ResponseDeclined UserResponse = "declined"
)

// SourceRef points back to the external message or thread a task came from.
// It is never modified after the task is created.
type SourceRef struct {
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	Account   string `json:"account,omitempty"`
}

type Task struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Description       string       `json:"description,omitempty"`
	Categories        []string     `json:"categories,omitempty"`
	Status            Status       `json:"status"`
	Sources           []SourceRef  `json:"sources,omitempty"`
	ScheduledDate     string       `json:"scheduledDate,omitempty"`
	SortOrder         int          `json:"sortOrder"`
	AgentSuggested    bool         `json:"agentSuggested"`
	UserResponse      UserResponse `json:"userResponse,omitempty"`
	SuggestionContext string       `json:"suggestionContext,omitempty"`
	DeclineReason     string       `json:"declineReason,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	SuggestedAt       *time.Time   `json:"suggestedAt,omitempty"`
	CompletedAt       *time.Time   `json:"completedAt,omitempty"`
	ArchivedAt        *time.Time   `json:"archivedAt,omitempty"`
}

// Candidate is a proposed suggestion before insertion.
type Candidate struct {
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	Categories        []string    `json:"categories,omitempty"`
	ScheduledDate     string      `json:"scheduledDate,omitempty"`
	Sources           []SourceRef `json:"sources,omitempty"`
	SuggestionContext string      `json:"suggestionContext,omitempty"`
}

// Draft is a user-created task.
type Draft struct {
	Title         string      `json:"title"`
	Description   string      `json:"description,omitempty"`
	Categories    []string    `json:"categories,omitempty"`
	ScheduledDate string      `json:"scheduledDate,omitempty"`
	Sources       []SourceRef `json:"sources,omitempty"`
}

// Patch updates descriptive and scheduling fields. Nil fields are untouched.
type Patch struct {
	Title         *string   `json:"title,omitempty"`
	Description   *string   `json:"description,omitempty"`
	Categories    *[]string `json:"categories,omitempty"`
	ScheduledDate *string   `json:"scheduledDate,omitempty"`
}

type AddResult struct {
	Added          []Task `json:"added"`
	SkippedTracked int    `json:"skippedTracked"`
	SkippedSimilar int    `json:"skippedSimilar"`
}

type Preferences struct {
	DeclinedPatterns     []string `json:"declinedPatterns"`
	AcceptedPatterns     []string `json:"acceptedPatterns"`
	SchedulingPreference string   `json:"schedulingPreference,omitempty"`
	AutoSuggest          bool     `json:"autoSuggest"`
	AddToTop             bool     `json:"addToTop"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		DeclinedPatterns: []string{},
		AcceptedPatterns: []string{},
		AutoSuggest:      true,
	}
}

// PreferencesPatch is a direct user edit of the profile.
type PreferencesPatch struct {
	DeclinedPatterns     *[]string `json:"declinedPatterns,omitempty"`
	AcceptedPatterns     *[]string `json:"acceptedPatterns,omitempty"`
	SchedulingPreference *string   `json:"schedulingPreference,omitempty"`
	AutoSuggest          *bool     `json:"autoSuggest,omitempty"`
	AddToTop             *bool     `json:"addToTop,omitempty"`
}

type Options struct {
	SimilarityThreshold float64
	ArchiveCapacity     int
	MaxPatterns         int
}

func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.7,
		ArchiveCapacity:     200,
		MaxPatterns:         20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SimilarityThreshold <= 0 || o.SimilarityThreshold > 1 {
		o.SimilarityThreshold = d.SimilarityThreshold
	}
	if o.ArchiveCapacity <= 0 {
		o.ArchiveCapacity = d.ArchiveCapacity
	}
	if o.MaxPatterns <= 0 {
		o.MaxPatterns = d.MaxPatterns
	}
	return o
}

const (
	keyActive  = "tasks:active"
	keyArchive = "tasks:archive"
	keyPrefs   = "tasks:prefs"
)
