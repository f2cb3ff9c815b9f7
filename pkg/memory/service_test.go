package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/providers"
	"github.com/dotsetgreg/dottask/pkg/providers/providertest"
)

func newTestManager(t *testing.T, llm providers.Completer, opts Options) (*Manager, *eventlog.Log) {
	t.Helper()
	inst := kv.NewInstance("test", kv.NewMemoryStore())
	events := eventlog.New(inst, 0)
	return NewManager(inst, events, llm, opts), events
}

func assertEventTypes(t *testing.T, events *eventlog.Log, want ...string) {
	t.Helper()
	list, err := events.List(context.Background(), 0)
	require.NoError(t, err)
	got := make([]string, 0, len(list))
	for _, ev := range list {
		got = append(got, ev.Type)
	}
	assert.Equal(t, want, got)
}

func window(n int) []Message {
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out = append(out, Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	return out
}

func TestBuildTranscript_CollapsesToolsAndDropsSystem(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "you are helpful"},
		{Role: RoleUser, Content: "check my inbox"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "mail"}, {ID: "2", Name: "mail"}}},
		{Role: RoleTool, Content: "result 1"},
		{Role: RoleTool, Content: "result 2"},
		{Role: RoleAssistant, Content: "You have two unread messages."},
	}
	want := "user: check my inbox\n" +
		"assistant: [2 tool calls]\n" +
		"tool: [2 tool results]\n" +
		"assistant: You have two unread messages.\n"
	assert.Equal(t, want, BuildTranscript(msgs))
}

func TestCompact_EmptyTranscriptKeepsExistingSummary(t *testing.T) {
	llm := providertest.New()
	m, _ := newTestManager(t, llm, Options{})

	existing := "User is planning a trip to Lisbon."
	got, err := m.Compact(context.Background(), []Message{{Role: RoleSystem, Content: "x"}}, &existing)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, existing, *got)
	assert.Equal(t, 0, llm.Calls())

	got, err = m.Compact(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCompactWindow_BelowThresholdIsNoop(t *testing.T) {
	llm := providertest.New()
	m, _ := newTestManager(t, llm, Options{})

	msgs := window(16)
	got, compacted, err := m.CompactWindow(context.Background(), "c1", msgs)
	require.NoError(t, err)
	assert.False(t, compacted)
	assert.Len(t, got, 16)
	assert.Equal(t, 0, llm.Calls())
}

func TestCompactWindow_KeepsRecentAndStoresSummary(t *testing.T) {
	llm := providertest.New(providertest.Text("User discussed messages 0 through 6.", 30))
	m, events := newTestManager(t, llm, Options{})
	ctx := context.Background()

	msgs := window(17)
	got, compacted, err := m.CompactWindow(ctx, "c1", msgs)
	require.NoError(t, err)
	assert.True(t, compacted)
	require.Len(t, got, 10)
	assert.Equal(t, "message 7", got[0].Content)

	summary, err := m.Summary(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "User discussed messages 0 through 6.", *summary)
	assert.Contains(t, llm.Requests()[0].User, "message 6")
	assert.NotContains(t, llm.Requests()[0].User, "message 7")
	assertEventTypes(t, events, eventlog.TypeCompaction)
}

func TestCompactWindow_StripsLeadingToolResults(t *testing.T) {
	llm := providertest.New(providertest.Text("summary", 5))
	m, _ := newTestManager(t, llm, Options{CompactionThreshold: 4, KeepRecent: 3})

	msgs := []Message{
		{Role: RoleUser, Content: "look this up"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a"}}},
		{Role: RoleTool, Content: "r1"},
		{Role: RoleTool, Content: "r2"},
		{Role: RoleAssistant, Content: "done"},
	}
	got, compacted, err := m.CompactWindow(context.Background(), "c1", msgs)
	require.NoError(t, err)
	assert.True(t, compacted)
	require.Len(t, got, 1)
	assert.Equal(t, RoleAssistant, got[0].Role)
}

func TestCompactWindow_FailureKeepsWindowAndLogsEvent(t *testing.T) {
	llm := providertest.New(providertest.Fail(errors.New("upstream 503")))
	m, events := newTestManager(t, llm, Options{})
	ctx := context.Background()

	_, err := m.Update(ctx, Edit{Summary: strPtr("prior context")})
	require.NoError(t, err)

	msgs := window(20)
	got, compacted, err := m.CompactWindow(ctx, "c1", msgs)
	require.Error(t, err)
	assert.False(t, compacted)
	assert.Equal(t, msgs, got)

	summary, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prior context", *summary)
	assertEventTypes(t, events, eventlog.TypeMemoryEdited, eventlog.TypeCompactionFailed)
}

func TestGenerateSummary_ReplacesPerConversationAndCaps(t *testing.T) {
	llm := providertest.New()
	llm.Responder = func(req providers.Request) providertest.Reply {
		return providertest.Text("\"Talked about "+strings.Repeat("cars ", 40)+"\"\nsecond line", 5)
	}
	m, _ := newTestManager(t, llm, Options{MaxConversationSummaries: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a", "c"} {
		line, err := m.GenerateSummary(ctx, id, sampleTurn)
		require.NoError(t, err)
		assert.LessOrEqual(t, len([]rune(line)), 120)
		assert.NotContains(t, line, "second line")
	}

	convs, err := m.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "a", convs[0].ConversationID)
	assert.Equal(t, "c", convs[1].ConversationID)
}

func TestProcessTurn_SkipsTrivialExchanges(t *testing.T) {
	llm := providertest.New()
	m, events := newTestManager(t, llm, Options{})

	m.ProcessTurn(context.Background(), "c1", []Message{
		{Role: RoleUser, Content: "thank you so much!"},
		{Role: RoleAssistant, Content: "You're very welcome, happy to help anytime."},
	})
	assert.Equal(t, 0, llm.Calls())

	list, err := events.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, eventlog.TypeMemorySkipped, list[0].Type)
	assert.Equal(t, ReasonTrivialUserText, list[0].Payload["reason"])
}

func TestProcessTurn_StoresFactsAndSummary(t *testing.T) {
	llm := providertest.New(
		providertest.Text(`["User's dad is selling a 4Runner"]`, 20),
		providertest.Text("Helping dad sell his 4Runner.", 10),
	)
	m, _ := newTestManager(t, llm, Options{})
	ctx := context.Background()

	m.ProcessTurn(ctx, "c1", sampleTurn)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"User's dad is selling a 4Runner"}, snap.Facts)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "Helping dad sell his 4Runner.", snap.Conversations[0].Summary)
	assert.Nil(t, snap.Summary)
}

func TestProcessTurn_KeepsFactEditsMadeDuringExtraction(t *testing.T) {
	var m *Manager
	calls := 0
	llm := providers.CompleterFunc(func(ctx context.Context, req providers.Request) (providers.Completion, error) {
		calls++
		if calls == 1 {
			require.NoError(t, m.DeleteFact(ctx, 1))
			return providers.Completion{Text: `["User likes tea"]`, TokensUsed: 10}, nil
		}
		return providers.Completion{Text: "Talked about the 4Runner.", TokensUsed: 10}, nil
	})
	m, _ = newTestManager(t, llm, Options{})
	ctx := context.Background()

	seed := []string{"User lives in Denver", "User has a cat"}
	_, err := m.Update(ctx, Edit{Facts: &seed})
	require.NoError(t, err)

	m.ProcessTurn(ctx, "c1", sampleTurn)

	facts, err := m.Facts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"User lives in Denver", "User likes tea"}, facts)
}

func TestProcessTurn_ConsolidationYieldsToConcurrentEdit(t *testing.T) {
	var m *Manager
	calls := 0
	llm := providers.CompleterFunc(func(ctx context.Context, req providers.Request) (providers.Completion, error) {
		calls++
		switch calls {
		case 1:
			return providers.Completion{Text: `["User likes tea"]`}, nil
		case 2:
			require.NoError(t, m.DeleteFact(ctx, 0))
			return providers.Completion{Text: `["User lives in Denver and likes tea"]`}, nil
		}
		return providers.Completion{Text: "Talked about tea."}, nil
	})
	m, _ = newTestManager(t, llm, Options{ConsolidationThreshold: 2})
	ctx := context.Background()

	seed := []string{"User lives in Denver", "User has a cat"}
	_, err := m.Update(ctx, Edit{Facts: &seed})
	require.NoError(t, err)

	m.ProcessTurn(ctx, "c1", sampleTurn)

	facts, err := m.Facts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"User has a cat", "User likes tea"}, facts)
	assert.Equal(t, 3, calls)
}

func TestTranscriptAndFallbackCutOnRuneBoundaries(t *testing.T) {
	long := "a" + strings.Repeat("é", 500)
	msgs := []Message{
		{Role: RoleUser, Content: long},
		{Role: RoleAssistant, Content: strings.Repeat("日本", 300)},
	}

	transcript := BuildTranscript(msgs)
	assert.True(t, utf8.ValidString(transcript))
	lines := strings.Split(strings.TrimSpace(transcript), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "user: a"+strings.Repeat("é", maxTranscriptLine-1)+"...", lines[0])

	summary := fallbackSummary("", msgs)
	assert.True(t, utf8.ValidString(summary))
	assert.Contains(t, summary, "- User topic: a"+strings.Repeat("é", 159)+"...")
}

func TestIsSubstantive(t *testing.T) {
	cases := []struct {
		name   string
		msgs   []Message
		ok     bool
		reason string
	}{
		{"tool call", []Message{{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1"}}}}, true, ReasonToolActivity},
		{"tool result", []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleTool, Content: "x"}}, true, ReasonToolActivity},
		{"no user", []Message{{Role: RoleAssistant, Content: "Hello! How can I help you today?"}}, false, ReasonNoUserText},
		{"short user", []Message{{Role: RoleUser, Content: "ok"}, {Role: RoleAssistant, Content: "Great, let me know anything else."}}, false, ReasonTrivialUserText},
		{"short assistant", []Message{{Role: RoleUser, Content: "Please remember my gym is on Tuesdays"}, {Role: RoleAssistant, Content: "Noted."}}, false, ReasonNoAssistantText},
		{"substantive", sampleTurn, true, ReasonSubstantive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := IsSubstantive(tc.msgs)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestUpdateAndDeleteFact(t *testing.T) {
	m, _ := newTestManager(t, providertest.New(), Options{})
	ctx := context.Background()

	facts := []string{"a", "b", "B", "c"}
	snap, err := m.Update(ctx, Edit{Facts: &facts})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, snap.Facts)

	require.NoError(t, m.DeleteFact(ctx, 1))
	assert.ErrorIs(t, m.DeleteFact(ctx, 5), ErrFactIndex)

	snap, err = m.Update(ctx, Edit{Summary: strPtr("  ")})
	require.NoError(t, err)
	assert.Nil(t, snap.Summary)
	assert.Equal(t, []string{"a", "c"}, snap.Facts)
}

func strPtr(s string) *string { return &s }
