package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/providers"
	"github.com/dotsetgreg/dottask/pkg/providers/providertest"
	"github.com/dotsetgreg/dottask/pkg/sources"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

type fakeMail struct {
	mu       sync.Mutex
	messages []sources.Message
	listErr  error
	gets     int
}

func (f *fakeMail) ListMessages(_ context.Context, _ string, max int) ([]sources.MessageRef, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var refs []sources.MessageRef
	for _, m := range f.messages {
		refs = append(refs, sources.MessageRef{ID: m.ID, ThreadID: m.ThreadID})
	}
	if len(refs) > max {
		refs = refs[:max]
	}
	return refs, nil
}

func (f *fakeMail) GetMessage(_ context.Context, id string) (sources.Message, error) {
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return sources.Message{}, errors.New("not found")
}

type fixture struct {
	inst    *kv.Instance
	tasks   *tasks.Store
	events  *eventlog.Log
	threads *sources.ThreadStore
}

func newFixture() fixture {
	inst := kv.NewInstance("scan", kv.NewMemoryStore())
	return fixture{
		inst:    inst,
		tasks:   tasks.NewStore(inst, tasks.DefaultOptions()),
		events:  eventlog.New(inst, 0),
		threads: sources.NewThreadStore(inst, 0, 0),
	}
}

func (f fixture) pipeline(llm providers.Completer, opts Options, accounts ...sources.MailAccount) *Pipeline {
	return New(Deps{
		LLM:      llm,
		Tasks:    f.tasks,
		Events:   f.events,
		Accounts: accounts,
		Threads:  f.threads,
	}, opts)
}

func (f fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	evs, err := f.events.List(context.Background(), 0)
	require.NoError(t, err)
	var out []string
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func dadMail() *fakeMail {
	return &fakeMail{messages: []sources.Message{
		{
			ID:       "m-dad-1",
			ThreadID: "t-dad",
			From:     "Dad <dad@example.com>",
			Subject:  "4Runner",
			Snippet:  "Can you take the 4Runner in for its 60k service this week? The dealer closes Saturday.",
		},
		{
			ID:       "m-bank",
			ThreadID: "t-bank",
			From:     "Bank Alerts <noreply@bank.example>",
			Subject:  "Your statement is ready",
			Snippet:  "Please review your statement.",
		},
	}}
}

func TestRun_DadFourRunnerEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	mail := dadMail()
	llm := providertest.New(providertest.Text(readFixture(t, "dad_4runner.txt"), 900))
	p := f.pipeline(llm, DefaultOptions(), sources.MailAccount{Name: "personal", Client: mail})

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EmailsScanned)
	assert.Equal(t, 1, res.Filtered)
	assert.Equal(t, 1, res.SuggestionsCreated)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 900, res.TokensUsed)
	assert.Zero(t, res.FailedBatches)

	list, err := f.tasks.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	task := list[0]
	assert.Equal(t, tasks.StatusSuggested, task.Status)
	assert.Equal(t, "2026-05-09", task.ScheduledDate)
	require.Len(t, task.Sources, 1)
	assert.Equal(t, "m-dad-1", task.Sources[0].MessageID)
	assert.Equal(t, "t-dad", task.Sources[0].ThreadID)
	assert.Equal(t, "personal", task.Sources[0].Account)

	prompt := llm.Requests()[0].User
	assert.Contains(t, prompt, "[0] From: Dad <dad@example.com>")
	assert.NotContains(t, prompt, "noreply@bank.example")

	res, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedDuplicate)
	assert.Zero(t, res.SuggestionsCreated)
	assert.Zero(t, res.TokensUsed)
	assert.Equal(t, 1, llm.Calls(), "nothing left to classify on the second scan")

	types := f.eventTypes(t)
	assert.Contains(t, types, eventlog.TypeSuggestionRejected)
	assert.Contains(t, types, eventlog.TypeSuggestionsAdded)
}

func TestRun_BatchFailureIsIsolatedAndRetriesFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	mail := &fakeMail{messages: []sources.Message{
		{ID: "a", From: "Sarah <sarah@work.example>", Subject: "Q3 budget", Snippet: "Need your numbers for the Q3 budget"},
		{ID: "b", From: "Tom <tom@work.example>", Subject: "Offsite", Snippet: "Book flights for the Denver offsite"},
		{ID: "c", From: "Landlord <rent@flat.example>", Subject: "Lease renewal", Snippet: "Sign the lease renewal by Friday"},
	}}
	llm := providertest.New(
		providertest.Fail(errors.New("upstream 502")),
		providertest.Fail(errors.New("upstream 503")),
		providertest.Text(`[{"title":"Sign lease renewal","sourceIndex":0}]`, 300),
	)
	opts := DefaultOptions()
	opts.BatchSize = 2
	opts.Model = "primary"
	opts.FallbackModel = "fallback"
	p := f.pipeline(llm, opts, sources.MailAccount{Name: "work", Client: mail})

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, 1, res.SuggestionsCreated)
	assert.Equal(t, 300, res.TokensUsed)

	reqs := llm.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "primary", reqs[0].Model)
	assert.Equal(t, "fallback", reqs[1].Model)
	assert.Contains(t, reqs[2].User, "Lease renewal")
	assert.Contains(t, f.eventTypes(t), eventlog.TypeBatchFailed)

	list, err := f.tasks.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].Sources[0].MessageID)
}

func TestRun_UnparseableOutputYieldsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	llm := providertest.New(providertest.Text("I could not find anything that needs doing.", 120))
	p := f.pipeline(llm, DefaultOptions(), sources.MailAccount{Name: "personal", Client: dadMail()})

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.SuggestionsCreated)
	assert.Zero(t, res.FailedBatches)
	assert.Equal(t, 120, res.TokensUsed)
	assert.Contains(t, f.eventTypes(t), eventlog.TypeBatchParseFailed)
}

func TestRun_AccountFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	broken := &fakeMail{listErr: errors.New("token expired")}
	llm := providertest.New(providertest.Text(`[{"title":"Schedule 4Runner service","sourceIndex":0}]`, 50))
	p := f.pipeline(llm, DefaultOptions(),
		sources.MailAccount{Name: "broken", Client: broken},
		sources.MailAccount{Name: "personal", Client: dadMail()},
	)

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedSources)
	assert.Equal(t, 1, res.SuggestionsCreated)
	assert.Contains(t, f.eventTypes(t), eventlog.TypeFetchFailed)
}

func TestRun_ChatThreads(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, err := f.threads.Append(ctx, "discord", "family", sources.ThreadMessage{
		ID: "1", Author: "Dad", Text: "can you pick up the 4Runner from the dealer on Friday?",
	})
	require.NoError(t, err)
	_, err = f.threads.Append(ctx, "discord", "garage", sources.ThreadMessage{
		ID: "7", Author: "Mechanic", Text: "parts for the truck arrive Monday",
	})
	require.NoError(t, err)

	llm := providertest.New(
		providertest.Text(`[{"title":"Pick up 4Runner from dealer","sourceIndex":0}]`, 80),
	)
	p := f.pipeline(llm, DefaultOptions())

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ThreadsScanned)
	assert.Equal(t, 1, res.SuggestionsCreated)

	pending, err := f.threads.Unprocessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	list, err := f.tasks.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "discord:family", list[0].Sources[0].ThreadID)
}

func TestRun_ChatThreadsStayUnprocessedWhenBatchFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, err := f.threads.Append(ctx, "discord", "family", sources.ThreadMessage{ID: "1", Author: "Mom", Text: "call grandma sunday"})
	require.NoError(t, err)

	llm := providertest.New(providertest.Fail(context.DeadlineExceeded))
	res, err := f.pipeline(llm, DefaultOptions()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedBatches)

	pending, err := f.threads.Unprocessed(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRun_NothingToDo(t *testing.T) {
	f := newFixture()
	llm := providertest.New()
	res, err := f.pipeline(llm, DefaultOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{StartedAt: res.StartedAt, FinishedAt: res.FinishedAt}, res)
	assert.Zero(t, llm.Calls())
}

func TestParseProposals(t *testing.T) {
	text := readFixture(t, "mixed_entries.txt")
	props, err := parseProposals(text, 2)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "Reply to Sarah about Q3 budget", props[0].Title)
	assert.Equal(t, 0, props[0].SourceIndex)
	assert.Empty(t, props[0].ScheduledDate, "invalid dates are dropped")
	assert.Equal(t, "Renew car registration", props[1].Title)
	assert.Equal(t, []string{"errands"}, props[1].Categories)

	_, err = parseProposals("no json here", 2)
	assert.Error(t, err)
}

func TestAutomated(t *testing.T) {
	tests := []struct {
		name string
		msg  sources.Message
		want string
	}{
		{"list id", sources.Message{Headers: map[string]string{"List-Id": "<news.example>"}}, FilterListID},
		{"unsubscribe", sources.Message{Headers: map[string]string{"list-unsubscribe": "<mailto:x>"}}, FilterListUnsubscribe},
		{"bulk", sources.Message{Headers: map[string]string{"Precedence": "Bulk"}}, FilterPrecedence},
		{"auto submitted", sources.Message{Headers: map[string]string{"Auto-Submitted": "auto-replied"}}, FilterAutoSubmitted},
		{"auto submitted no", sources.Message{From: "Sarah <sarah@work.example>", Headers: map[string]string{"Auto-Submitted": "no"}}, ""},
		{"noreply", sources.Message{From: "GitHub <noreply@github.com>"}, FilterAutomatedSender},
		{"daemon", sources.Message{From: "MAILER-DAEMON@mx.example"}, FilterAutomatedSender},
		{"person", sources.Message{From: "Dad <dad@example.com>"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			automated, reason := Automated(tt.msg)
			assert.Equal(t, tt.want != "", automated)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestGrounding(t *testing.T) {
	source := "Dad <dad@example.com> 4Runner Can you take the 4Runner in for its 60k service this week?"
	assert.Equal(t, 1.0, Grounding("Schedule 4Runner 60k service", source))
	assert.Equal(t, 1.0, Grounding("Reply to Dad", source))
	assert.Equal(t, 1.0, Grounding("Follow up", source), "only stop words")
	assert.Zero(t, Grounding("Buy groceries for Aunt Linda", source))
	assert.InDelta(t, 0.5, Grounding("Service the boat", source), 1e-9)
	assert.Equal(t, 1.0, Grounding("Book 4Run", source), "title word inside a source word")

	dad := "Dad <dad@example.com> Selling the 4Runner Can you call the dealer and the bank by Friday?"
	assert.Less(t, Grounding("Reply to Andrew", dad), 0.3)
	assert.Less(t, Grounding("Email Sandra", dad), 0.3)
	assert.Zero(t, Grounding("Call Theodore about Candace", dad))
	assert.Equal(t, 1.0, Grounding("Call the dealer about the 4Runner", dad))
	assert.True(t, strings.Contains(systemPrompt, "literal names"))
}

func TestTimeoutCompleter(t *testing.T) {
	slow := providers.CompleterFunc(func(ctx context.Context, _ providers.Request) (providers.Completion, error) {
		select {
		case <-ctx.Done():
			return providers.Completion{}, ctx.Err()
		case <-time.After(time.Second):
			return providers.Completion{Text: "[]"}, nil
		}
	})
	_, err := timeoutCompleter{inner: slow, timeout: 20 * time.Millisecond}.Complete(context.Background(), providers.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out after 20ms")
}
