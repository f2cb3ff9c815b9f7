// Package tasks owns the active task list, the bounded archive and the
// learned suggestion preferences of one agent instance.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/dottask/pkg/kv"
)

type Store struct {
	inst  *kv.Instance
	opts  Options
	now   func() time.Time
	newID func() string
}

func NewStore(inst *kv.Instance, opts Options) *Store {
	return &Store{
		inst:  inst,
		opts:  opts.withDefaults(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) stamp() *time.Time {
	t := s.now().UTC()
	return &t
}

func (s *Store) loadActive(ctx context.Context) ([]Task, error) {
	var list []Task
	if _, err := kv.GetJSON(ctx, s.inst, keyActive, &list); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].SortOrder < list[j].SortOrder })
	return list, nil
}

func (s *Store) saveActive(ctx context.Context, list []Task) error {
	for i := range list {
		list[i].SortOrder = i
	}
	if list == nil {
		list = []Task{}
	}
	return kv.PutJSON(ctx, s.inst, keyActive, list)
}

func (s *Store) loadArchive(ctx context.Context) ([]Task, error) {
	var list []Task
	if _, err := kv.GetJSON(ctx, s.inst, keyArchive, &list); err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	return list, nil
}

func (s *Store) saveArchive(ctx context.Context, list []Task) error {
	if n := len(list) - s.opts.ArchiveCapacity; n > 0 {
		list = list[n:]
	}
	if list == nil {
		list = []Task{}
	}
	return kv.PutJSON(ctx, s.inst, keyArchive, list)
}

func (s *Store) loadPrefs(ctx context.Context) (Preferences, error) {
	p := DefaultPreferences()
	if _, err := kv.GetJSON(ctx, s.inst, keyPrefs, &p); err != nil {
		return Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	return p, nil
}

// List returns active tasks in display order.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	var out []Task
	err := s.inst.Atomically(func() error {
		list, err := s.loadActive(ctx)
		out = list
		return err
	})
	return out, err
}

// Archive returns archived tasks, oldest first.
func (s *Store) Archive(ctx context.Context) ([]Task, error) {
	var out []Task
	err := s.inst.Atomically(func() error {
		list, err := s.loadArchive(ctx)
		out = list
		return err
	})
	return out, err
}

func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	list, err := s.List(ctx)
	if err != nil {
		return Task{}, err
	}
	if i := indexOf(list, id); i >= 0 {
		return list[i], nil
	}
	return Task{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
}

// Tracked collects the source message and thread ids that already back a
// task: every active task that is not completed, and every declined archive
// entry.
func Tracked(active, archive []Task) map[string]struct{} {
	ids := map[string]struct{}{}
	add := func(t Task) {
		for _, src := range t.Sources {
			if src.MessageID != "" {
				ids[src.MessageID] = struct{}{}
			}
			if src.ThreadID != "" {
				ids[src.ThreadID] = struct{}{}
			}
		}
	}
	for _, t := range active {
		if t.Status != StatusCompleted {
			add(t)
		}
	}
	for _, t := range archive {
		if t.UserResponse == ResponseDeclined {
			add(t)
		}
	}
	return ids
}

// TrackedIDs computes Tracked over the current state.
func (s *Store) TrackedIDs(ctx context.Context) (map[string]struct{}, error) {
	var out map[string]struct{}
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		archive, err := s.loadArchive(ctx)
		if err != nil {
			return err
		}
		out = Tracked(active, archive)
		return nil
	})
	return out, err
}

func isTracked(ids map[string]struct{}, sources []SourceRef) bool {
	for _, src := range sources {
		if _, ok := ids[src.MessageID]; ok && src.MessageID != "" {
			return true
		}
		if _, ok := ids[src.ThreadID]; ok && src.ThreadID != "" {
			return true
		}
	}
	return false
}

// AddSuggestions inserts candidates as suggested tasks. Candidates whose
// sources are already tracked or whose title is similar to an active task or
// an earlier candidate are skipped. Tracked ids are recomputed under the
// instance lock so concurrent scans cannot insert the same work twice.
func (s *Store) AddSuggestions(ctx context.Context, candidates []Candidate) (AddResult, error) {
	res := AddResult{Added: []Task{}}
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		archive, err := s.loadArchive(ctx)
		if err != nil {
			return err
		}
		prefs, err := s.loadPrefs(ctx)
		if err != nil {
			return err
		}
		tracked := Tracked(active, archive)

		titles := make([]string, 0, len(active)+len(candidates))
		for _, t := range active {
			titles = append(titles, t.Title)
		}

		var fresh []Task
		for _, c := range candidates {
			title := strings.TrimSpace(c.Title)
			if title == "" {
				continue
			}
			if isTracked(tracked, c.Sources) {
				res.SkippedTracked++
				continue
			}
			if s.similarToAny(title, titles) {
				res.SkippedSimilar++
				continue
			}
			titles = append(titles, title)
			fresh = append(fresh, Task{
				ID:                s.newID(),
				Title:             title,
				Description:       strings.TrimSpace(c.Description),
				Categories:        c.Categories,
				Status:            StatusSuggested,
				Sources:           c.Sources,
				ScheduledDate:     c.ScheduledDate,
				AgentSuggested:    true,
				SuggestionContext: c.SuggestionContext,
				CreatedAt:         s.now().UTC(),
				SuggestedAt:       s.stamp(),
			})
		}
		if len(fresh) == 0 {
			return nil
		}
		if prefs.AddToTop {
			active = append(fresh, active...)
		} else {
			active = append(active, fresh...)
		}
		if err := s.saveActive(ctx, active); err != nil {
			return err
		}
		for _, t := range active {
			for _, f := range fresh {
				if t.ID == f.ID {
					res.Added = append(res.Added, t)
				}
			}
		}
		return nil
	})
	if err != nil {
		return AddResult{}, err
	}
	return res, nil
}

func (s *Store) similarToAny(title string, titles []string) bool {
	for _, existing := range titles {
		if Similar(title, existing, s.opts.SimilarityThreshold) {
			return true
		}
	}
	return false
}

// Create adds a user-authored pending task.
func (s *Store) Create(ctx context.Context, d Draft) (Task, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return Task{}, fmt.Errorf("create task: %w", ErrTitleRequired)
	}
	t := Task{
		ID:            s.newID(),
		Title:         title,
		Description:   strings.TrimSpace(d.Description),
		Categories:    d.Categories,
		Status:        StatusPending,
		Sources:       d.Sources,
		ScheduledDate: d.ScheduledDate,
		CreatedAt:     s.now().UTC(),
	}
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		prefs, err := s.loadPrefs(ctx)
		if err != nil {
			return err
		}
		if prefs.AddToTop {
			active = append([]Task{t}, active...)
		} else {
			active = append(active, t)
		}
		if err := s.saveActive(ctx, active); err != nil {
			return err
		}
		t = active[indexOf(active, t.ID)]
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// Update edits descriptive and scheduling fields of an active task.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Task, error) {
	return s.mutate(ctx, "update", id, func(t *Task) error {
		if p.Title != nil {
			title := strings.TrimSpace(*p.Title)
			if title == "" {
				return ErrTitleRequired
			}
			t.Title = title
		}
		if p.Description != nil {
			t.Description = strings.TrimSpace(*p.Description)
		}
		if p.Categories != nil {
			t.Categories = *p.Categories
		}
		if p.ScheduledDate != nil {
			t.ScheduledDate = *p.ScheduledDate
		}
		return nil
	})
}

// mutate applies fn to the active task with id and saves the list.
func (s *Store) mutate(ctx context.Context, op, id string, fn func(*Task) error) (Task, error) {
	var out Task
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		i := indexOf(active, id)
		if i < 0 {
			return ErrNotFound
		}
		if err := fn(&active[i]); err != nil {
			return err
		}
		out = active[i]
		return s.saveActive(ctx, active)
	})
	if err != nil {
		return Task{}, fmt.Errorf("%s %s: %w", op, id, err)
	}
	return out, nil
}

// Delete removes an active task without archiving it.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		i := indexOf(active, id)
		if i < 0 {
			return ErrNotFound
		}
		active = append(active[:i], active[i+1:]...)
		return s.saveActive(ctx, active)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Reorder moves the listed ids to the front in the given order. Unlisted
// tasks keep their relative order after them. Unknown ids are an error.
func (s *Store) Reorder(ctx context.Context, ids []string) ([]Task, error) {
	var out []Task
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		front := make([]Task, 0, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			i := indexOf(active, id)
			if i < 0 {
				return fmt.Errorf("reorder %s: %w", id, ErrNotFound)
			}
			seen[id] = true
			front = append(front, active[i])
		}
		rest := make([]Task, 0, len(active))
		for _, t := range active {
			if !seen[t.ID] {
				rest = append(rest, t)
			}
		}
		out = append(front, rest...)
		return s.saveActive(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Accept promotes a suggestion to pending at the front of the queue and
// records its pattern as accepted.
func (s *Store) Accept(ctx context.Context, id string) (Task, error) {
	var out Task
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		i := indexOf(active, id)
		if i < 0 {
			return ErrNotFound
		}
		t := active[i]
		if t.Status != StatusSuggested {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusPending)
		}
		t.Status = StatusPending
		t.UserResponse = ResponseAccepted
		t.SuggestionContext = ""
		active = append(active[:i], active[i+1:]...)
		active = append([]Task{t}, active...)
		if err := s.saveActive(ctx, active); err != nil {
			return err
		}
		out = active[0]
		return s.learn(ctx, t, true)
	})
	if err != nil {
		return Task{}, fmt.Errorf("accept %s: %w", id, err)
	}
	return out, nil
}

// Decline archives a suggestion with the user's reason and records its
// pattern as declined. Its sources stay tracked so it is not suggested again.
func (s *Store) Decline(ctx context.Context, id, reason string) (Task, error) {
	var out Task
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		i := indexOf(active, id)
		if i < 0 {
			return ErrNotFound
		}
		t := active[i]
		if t.Status != StatusSuggested {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusArchived)
		}
		t.Status = StatusArchived
		t.UserResponse = ResponseDeclined
		t.DeclineReason = strings.TrimSpace(reason)
		t.ArchivedAt = s.stamp()
		active = append(active[:i], active[i+1:]...)
		if err := s.saveActive(ctx, active); err != nil {
			return err
		}
		archive, err := s.loadArchive(ctx)
		if err != nil {
			return err
		}
		if err := s.saveArchive(ctx, append(archive, t)); err != nil {
			return err
		}
		out = t
		return s.learn(ctx, t, false)
	})
	if err != nil {
		return Task{}, fmt.Errorf("decline %s: %w", id, err)
	}
	return out, nil
}

// Complete marks a suggested or pending task done. It stays in the active
// list until swept.
func (s *Store) Complete(ctx context.Context, id string) (Task, error) {
	return s.mutate(ctx, "complete", id, func(t *Task) error {
		if t.Status != StatusSuggested && t.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
		}
		t.Status = StatusCompleted
		t.CompletedAt = s.stamp()
		return nil
	})
}

// SweepCompleted archives completed tasks whose completion is older than
// cutoff and returns how many moved.
func (s *Store) SweepCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	moved := 0
	err := s.inst.Atomically(func() error {
		active, err := s.loadActive(ctx)
		if err != nil {
			return err
		}
		var keep, swept []Task
		for _, t := range active {
			if t.Status == StatusCompleted && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				t.Status = StatusArchived
				t.ArchivedAt = s.stamp()
				swept = append(swept, t)
				continue
			}
			keep = append(keep, t)
		}
		if len(swept) == 0 {
			return nil
		}
		archive, err := s.loadArchive(ctx)
		if err != nil {
			return err
		}
		if err := s.saveArchive(ctx, append(archive, swept...)); err != nil {
			return err
		}
		moved = len(swept)
		return s.saveActive(ctx, keep)
	})
	if err != nil {
		return 0, fmt.Errorf("sweep completed: %w", err)
	}
	return moved, nil
}

// learn records the task's pattern. Must run under the instance lock.
func (s *Store) learn(ctx context.Context, t Task, accepted bool) error {
	prefs, err := s.loadPrefs(ctx)
	if err != nil {
		return err
	}
	p := DerivePattern(t.Title, t.Description)
	if accepted {
		prefs.AcceptedPatterns = addPattern(prefs.AcceptedPatterns, p, s.opts.MaxPatterns)
	} else {
		prefs.DeclinedPatterns = addPattern(prefs.DeclinedPatterns, p, s.opts.MaxPatterns)
	}
	return kv.PutJSON(ctx, s.inst, keyPrefs, prefs)
}

func (s *Store) Preferences(ctx context.Context) (Preferences, error) {
	var out Preferences
	err := s.inst.Atomically(func() error {
		p, err := s.loadPrefs(ctx)
		out = p
		return err
	})
	return out, err
}

// UpdatePreferences applies a direct user edit. Pattern lists are trimmed,
// deduplicated and capped like learned ones.
func (s *Store) UpdatePreferences(ctx context.Context, patch PreferencesPatch) (Preferences, error) {
	var out Preferences
	err := s.inst.Atomically(func() error {
		p, err := s.loadPrefs(ctx)
		if err != nil {
			return err
		}
		if patch.DeclinedPatterns != nil {
			p.DeclinedPatterns = s.cleanPatterns(*patch.DeclinedPatterns)
		}
		if patch.AcceptedPatterns != nil {
			p.AcceptedPatterns = s.cleanPatterns(*patch.AcceptedPatterns)
		}
		if patch.SchedulingPreference != nil {
			p.SchedulingPreference = strings.TrimSpace(*patch.SchedulingPreference)
		}
		if patch.AutoSuggest != nil {
			p.AutoSuggest = *patch.AutoSuggest
		}
		if patch.AddToTop != nil {
			p.AddToTop = *patch.AddToTop
		}
		out = p
		return kv.PutJSON(ctx, s.inst, keyPrefs, p)
	})
	if err != nil {
		return Preferences{}, fmt.Errorf("update preferences: %w", err)
	}
	return out, nil
}

func (s *Store) cleanPatterns(in []string) []string {
	out := []string{}
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p != "" {
			out = addPattern(out, p, s.opts.MaxPatterns)
		}
	}
	return out
}

func indexOf(list []Task, id string) int {
	for i, t := range list {
		if t.ID == id {
			return i
		}
	}
	return -1
}
