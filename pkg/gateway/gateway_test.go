package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/dottask/pkg/agent"
	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/memory"
	"github.com/dotsetgreg/dottask/pkg/metrics"
	"github.com/dotsetgreg/dottask/pkg/providers/providertest"
	"github.com/dotsetgreg/dottask/pkg/sandbox"
	"github.com/dotsetgreg/dottask/pkg/sources"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeMail struct{ msg sources.Message }

func (f fakeMail) ListMessages(context.Context, string, int) ([]sources.MessageRef, error) {
	return []sources.MessageRef{{ID: f.msg.ID, ThreadID: f.msg.ThreadID}}, nil
}

func (f fakeMail) GetMessage(_ context.Context, id string) (sources.Message, error) {
	if id != f.msg.ID {
		return sources.Message{}, errors.New("not found")
	}
	return f.msg, nil
}

type fakeExecutor struct{ res sandbox.Result }

func (f fakeExecutor) Run(_ context.Context, code string) (sandbox.Result, error) {
	if strings.TrimSpace(code) == "" {
		return sandbox.Result{}, sandbox.ErrEmptyCode
	}
	return f.res, nil
}

type fixture struct {
	ts    *httptest.Server
	agent *agent.Agent
	llm   *providertest.Scripted
}

func newFixture(t *testing.T, llm *providertest.Scripted, deps agent.Deps) *fixture {
	t.Helper()
	if llm == nil {
		llm = providertest.New()
	}
	deps.Store = kv.NewMemoryStore()
	deps.LLM = llm
	a, err := agent.New(deps, agent.Options{Location: time.UTC})
	require.NoError(t, err)
	a.WithClock(func() time.Time { return time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC) })

	srv := NewServer(config.GatewayConfig{Host: "127.0.0.1", Port: 0}, a, nil, metrics.New())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, agent: a, llm: llm}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rdr)
	require.NoError(t, err)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil, agent.Deps{})

	resp, data := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeInto[map[string]string](t, data)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "default", body["instance"])

	resp, data = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "dottask_live_clients")
}

func TestTaskRoutes(t *testing.T) {
	f := newFixture(t, nil, agent.Deps{})

	resp, data := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"title": "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decodeInto[errorBody](t, data)
	assert.Equal(t, http.StatusBadRequest, errBody.Code)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = f.do(t, http.MethodPost, "/api/v1/tasks", tasks.Draft{Title: "Renew passport"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeInto[tasks.Task](t, data)
	assert.Equal(t, tasks.StatusPending, first.Status)

	resp, data = f.do(t, http.MethodPost, "/api/v1/tasks", tasks.Draft{Title: "Book dentist"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeInto[tasks.Task](t, data)

	resp, data = f.do(t, http.MethodPatch, "/api/v1/tasks/"+first.ID, map[string]any{"title": "Renew passport before June"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renew passport before June", decodeInto[tasks.Task](t, data).Title)

	resp, data = f.do(t, http.MethodPost, "/api/v1/tasks/reorder", map[string]any{"ids": []string{second.ID, first.ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ordered := decodeInto[[]tasks.Task](t, data)
	require.Len(t, ordered, 2)
	assert.Equal(t, second.ID, ordered[0].ID)

	// A pending task is not a suggestion.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks/"+first.ID+"/accept", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data = f.do(t, http.MethodPost, "/api/v1/tasks/"+first.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tasks.StatusCompleted, decodeInto[tasks.Task](t, data).Status)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/tasks/"+second.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = f.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeInto[[]tasks.Task](t, data)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	resp, data = f.do(t, http.MethodGet, "/api/v1/tasks/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeInto[[]tasks.Task](t, data))
}

func TestScanRoutes(t *testing.T) {
	llm := providertest.New(providertest.Text(`[{"title": "Take the 4Runner in for 60k service", "sourceIndex": 0}]`, 120))
	f := newFixture(t, llm, agent.Deps{Accounts: []sources.MailAccount{{
		Name: "personal",
		Client: fakeMail{msg: sources.Message{
			ID:       "m-dad-1",
			ThreadID: "t-dad",
			Account:  "personal",
			From:     "Dad <dad@example.com>",
			Subject:  "4Runner",
			Snippet:  "Can you take the 4Runner in for its 60k service this week?",
		}},
	}}})

	resp, data := f.do(t, http.MethodPost, "/api/v1/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res struct {
		SuggestionsCreated int          `json:"suggestionsCreated"`
		Added              []tasks.Task `json:"added"`
	}
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 1, res.SuggestionsCreated)
	require.Len(t, res.Added, 1)
	id := res.Added[0].ID

	resp, data = f.do(t, http.MethodGet, "/api/v1/scan/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeInto[agent.ScanStatus](t, data)
	assert.Equal(t, 1, status.Usage.ScansToday)
	assert.True(t, status.Decision.Allowed)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 1, status.LastResult.SuggestionsCreated)

	resp, data = f.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/decline", map[string]string{"reason": "already booked"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	declined := decodeInto[tasks.Task](t, data)
	assert.Equal(t, "already booked", declined.DeclineReason)

	resp, data = f.do(t, http.MethodGet, "/api/v1/events?limit=10&type="+eventlog.TypeScanCompleted+","+eventlog.TypeSuggestionDeclined, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeInto[[]eventlog.Event](t, data)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.TypeScanCompleted, events[0].Type)
	assert.Equal(t, eventlog.TypeSuggestionDeclined, events[1].Type)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanConfigRoute(t *testing.T) {
	f := newFixture(t, nil, agent.Deps{})

	resp, data := f.do(t, http.MethodPatch, "/api/v1/scan/config", map[string]any{"colour": "blue"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decodeInto[errorBody](t, data)
	require.Len(t, errBody.Fields, 1)
	assert.Equal(t, "colour", errBody.Fields[0].Field)

	resp, data = f.do(t, http.MethodPatch, "/api/v1/scan/config", map[string]any{
		"enabled":        false,
		"maxScansPerDay": -1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Config struct {
			Enabled        bool `json:"enabled"`
			MaxScansPerDay int  `json:"maxScansPerDay"`
		} `json:"config"`
		Rejected []struct {
			Field string `json:"field"`
		} `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.False(t, body.Config.Enabled)
	assert.Equal(t, 24, body.Config.MaxScansPerDay)
	require.Len(t, body.Rejected, 1)
	assert.Equal(t, "maxScansPerDay", body.Rejected[0].Field)

	resp, data = f.do(t, http.MethodPost, "/api/v1/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"skipped":"disabled"`)
}

func TestPreferenceAndMemoryRoutes(t *testing.T) {
	f := newFixture(t, nil, agent.Deps{})

	resp, data := f.do(t, http.MethodPatch, "/api/v1/preferences", map[string]any{"autoSuggest": false, "addToTop": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	prefs := decodeInto[tasks.Preferences](t, data)
	assert.False(t, prefs.AutoSuggest)
	assert.True(t, prefs.AddToTop)

	resp, data = f.do(t, http.MethodGet, "/api/v1/preferences", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeInto[tasks.Preferences](t, data).AutoSuggest)

	resp, data = f.do(t, http.MethodPatch, "/api/v1/memory", map[string]any{
		"facts": []string{"Has a 4Runner", "Dad lives nearby"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Has a 4Runner", "Dad lives nearby"}, decodeInto[memory.Snapshot](t, data).Facts)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/memory/facts/5", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/memory/facts/first", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/memory/facts/0", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = f.do(t, http.MethodGet, "/api/v1/memory", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Dad lives nearby"}, decodeInto[memory.Snapshot](t, data).Facts)
}

func TestChatRoute(t *testing.T) {
	f := newFixture(t, nil, agent.Deps{})

	resp, _ := f.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data := f.do(t, http.MethodPost, "/api/v1/chat", map[string]string{"message": "/tasks"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeInto[map[string]string](t, data)
	assert.Equal(t, "web", body["conversationId"])
	assert.Equal(t, "No open tasks.", body["reply"])
	assert.Zero(t, f.llm.Calls())
}

func TestExecRoute(t *testing.T) {
	f := newFixture(t, nil, agent.Deps{})
	resp, _ := f.do(t, http.MethodPost, "/api/v1/exec", map[string]string{"code": "print(1)"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f = newFixture(t, nil, agent.Deps{Executor: fakeExecutor{res: sandbox.Result{Stdout: "1\n"}}})
	resp, data := f.do(t, http.MethodPost, "/api/v1/exec", map[string]string{"code": "print(1)"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1\n", decodeInto[sandbox.Result](t, data).Stdout)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/exec", map[string]string{"code": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type counts struct {
	mu   sync.Mutex
	seen []int
}

func (c *counts) record(n int) {
	c.mu.Lock()
	c.seen = append(c.seen, n)
	c.mu.Unlock()
}

func (c *counts) get() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.seen...)
}

func TestHub(t *testing.T) {
	hub := NewHub()
	seen := &counts{}
	hub.OnChange(seen.record)
	ts := httptest.NewServer(hub)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(agent.Update{Type: agent.UpdateTasks, Payload: map[string]string{"id": "t1"}})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, agent.UpdateTasks, update.Type)
	assert.Equal(t, "t1", update.Payload["id"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong map[string]string
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 0}, seen.get())

	hub.Close()

	// A closed hub turns new clients away.
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn2.Close()
	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn2.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, hub.Count())
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		// Reading drains the close frame so the server side can finish.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(done)
				return
			}
		}
	}()
	hub.Close()
	assert.Zero(t, hub.Count())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client was not disconnected")
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	a, err := agent.New(agent.Deps{Store: kv.NewMemoryStore(), LLM: providertest.New()}, agent.Options{})
	require.NoError(t, err)
	hub := NewHub()
	srv := NewServer(config.GatewayConfig{Host: "127.0.0.1", Port: 0}, a, hub, nil)
	assert.Equal(t, "127.0.0.1:0", srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
