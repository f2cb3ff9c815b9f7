package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dottask/pkg/kv"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewStore(kv.NewInstance("t", kv.NewMemoryStore()), DefaultOptions()).
		WithClock(func() time.Time { return now })
	return s, &now
}

func mailCandidate(title, msgID, threadID string) Candidate {
	return Candidate{
		Title:   title,
		Sources: []SourceRef{{MessageID: msgID, ThreadID: threadID, Subject: title}},
	}
}

func TestSimilar(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Reply to Sarah about Q3 budget", "reply to sarah about q3 budget!!", true},
		{"Pay invoice", "Schedule meeting", false},
		{"Pay invoice", "Pay invoice #4411 for hosting", true},
		{"Book dentist appointment", "Dentist appointment booking", false},
		{"Renew passport application", "Passport renew application", true},
		{"", "anything", false},
		{"!!", "??", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Similar(tt.a, tt.b, 0.7))
			assert.Equal(t, tt.want, Similar(tt.b, tt.a, 0.7), "symmetric")
		})
	}
}

func TestDerivePattern(t *testing.T) {
	assert.Equal(t, "reply requests", DerivePattern("Reply to Sarah", ""))
	assert.Equal(t, "payments", DerivePattern("Pay the invoice", ""))
	assert.Equal(t, "meetings", DerivePattern("Schedule 4Runner service", ""))
	assert.Equal(t, "general", DerivePattern("Water the plants", ""))
}

func TestAddSuggestions_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	batch := []Candidate{
		mailCandidate("Reply to Sarah about Q3 budget", "m1", "t1"),
		mailCandidate("Pay hosting invoice", "m2", "t2"),
	}

	res, err := s.AddSuggestions(ctx, batch)
	require.NoError(t, err)
	require.Len(t, res.Added, 2)
	for _, task := range res.Added {
		assert.Equal(t, StatusSuggested, task.Status)
		assert.True(t, task.AgentSuggested)
		assert.NotNil(t, task.SuggestedAt)
	}

	res, err = s.AddSuggestions(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Equal(t, 2, res.SkippedTracked)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAddSuggestions_SimilarTitles(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Create(ctx, Draft{Title: "Reply to Sarah about Q3 budget"})
	require.NoError(t, err)

	res, err := s.AddSuggestions(ctx, []Candidate{
		mailCandidate("reply to sarah about q3 budget!!", "m9", ""),
		mailCandidate("Book flights for offsite", "m10", ""),
		mailCandidate("Book flights for the offsite", "m11", ""),
	})
	require.NoError(t, err)
	require.Len(t, res.Added, 1)
	assert.Equal(t, "Book flights for offsite", res.Added[0].Title)
	assert.Equal(t, 2, res.SkippedSimilar)
}

func TestAddSuggestions_ConcurrentScansInsertOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	batch := []Candidate{mailCandidate("Call Dad about the 4Runner", "m1", "t1")}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddSuggestions(ctx, batch)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAddToTopPreference(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.Create(ctx, Draft{Title: "Existing work"})
	require.NoError(t, err)

	top := true
	_, err = s.UpdatePreferences(ctx, PreferencesPatch{AddToTop: &top})
	require.NoError(t, err)

	_, err = s.AddSuggestions(ctx, []Candidate{mailCandidate("Sign lease renewal", "m1", "")})
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Sign lease renewal", list[0].Title)
	assert.Equal(t, 0, list[0].SortOrder)
	assert.Equal(t, 1, list[1].SortOrder)
}

func TestAcceptDeclineLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.Create(ctx, Draft{Title: "Manual first"})
	require.NoError(t, err)
	res, err := s.AddSuggestions(ctx, []Candidate{
		mailCandidate("Reply to landlord", "m1", "t1"),
		mailCandidate("Pay water bill", "m2", "t2"),
	})
	require.NoError(t, err)
	require.Len(t, res.Added, 2)
	reply, bill := res.Added[0], res.Added[1]

	accepted, err := s.Accept(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, accepted.Status)
	assert.Equal(t, ResponseAccepted, accepted.UserResponse)
	assert.Equal(t, 0, accepted.SortOrder)

	_, err = s.Accept(ctx, reply.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	declined, err := s.Decline(ctx, bill.ID, "autopay handles it")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, declined.Status)
	assert.Equal(t, "autopay handles it", declined.DeclineReason)

	_, err = s.Decline(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)

	prefs, err := s.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"reply requests"}, prefs.AcceptedPatterns)
	assert.Equal(t, []string{"payments"}, prefs.DeclinedPatterns)

	tracked, err := s.TrackedIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, tracked, "m1")
	assert.Contains(t, tracked, "m2", "declined sources stay tracked")

	archive, err := s.Archive(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, bill.ID, archive[0].ID)
}

func TestCompleteAndSweep(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	res, err := s.AddSuggestions(ctx, []Candidate{mailCandidate("Submit expense report", "m1", "")})
	require.NoError(t, err)
	id := res.Added[0].ID

	done, err := s.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = s.Complete(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	tracked, err := s.TrackedIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tracked, "m1", "completed work is no longer tracked")

	n, err := s.SweepCompleted(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(48 * time.Hour)
	n, err = s.SweepCompleted(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	archive, err := s.Archive(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, StatusArchived, archive[0].Status)
}

func TestArchiveCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewInstance("t", kv.NewMemoryStore()), Options{ArchiveCapacity: 3})
	for i := 0; i < 5; i++ {
		res, err := s.AddSuggestions(ctx, []Candidate{mailCandidate(fmt.Sprintf("Distinct chore %c", 'a'+i), fmt.Sprintf("m%d", i), "")})
		require.NoError(t, err)
		require.Len(t, res.Added, 1)
		_, err = s.Decline(ctx, res.Added[0].ID, "")
		require.NoError(t, err)
	}
	archive, err := s.Archive(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 3)
	assert.Equal(t, "Distinct chore c", archive[0].Title)
}

func TestReorderUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	var ids []string
	for _, title := range []string{"Alpha errand", "Bravo errand", "Charlie errand"} {
		task, err := s.Create(ctx, Draft{Title: title})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	list, err := s.Reorder(ctx, []string{ids[2], ids[0]})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[0], ids[1]}, []string{list[0].ID, list[1].ID, list[2].ID})

	_, err = s.Reorder(ctx, []string{"nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	title := "Bravo errand (moved)"
	date := "2026-03-10"
	updated, err := s.Update(ctx, ids[1], Patch{Title: &title, ScheduledDate: &date})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, date, updated.ScheduledDate)

	empty := "  "
	_, err = s.Update(ctx, ids[1], Patch{Title: &empty})
	assert.Error(t, err)

	require.NoError(t, s.Delete(ctx, ids[0]))
	assert.ErrorIs(t, s.Delete(ctx, ids[0]), ErrNotFound)
	_, err = s.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePreferences_CleansPatterns(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewInstance("t", kv.NewMemoryStore()), Options{MaxPatterns: 2})
	declined := []string{" newsletters ", "", "newsletters", "promos", "surveys"}
	pref := "mornings"
	p, err := s.UpdatePreferences(ctx, PreferencesPatch{DeclinedPatterns: &declined, SchedulingPreference: &pref})
	require.NoError(t, err)
	assert.Equal(t, []string{"promos", "surveys"}, p.DeclinedPatterns)
	assert.Equal(t, "mornings", p.SchedulingPreference)
	assert.True(t, p.AutoSuggest)
}
