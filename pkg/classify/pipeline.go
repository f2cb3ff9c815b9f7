// Package classify turns fetched mail and chat threads into task
// suggestions: fetch, dedupe against tracked work, drop automated mail,
// classify in batches, parse defensively, reject ungrounded titles, and
// insert the rest into the task store.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/llmjson"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/providers"
	"github.com/dotsetgreg/dottask/pkg/sources"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

const (
	KindEmail = "email"
	KindChat  = "chat"

	chatSnippetMessages = 8
	chatSnippetLimit    = 600
	feedbackEvents      = 10
	fetchConcurrency    = 4
)

// Item is one unit of classifier input.
type Item struct {
	Kind     string
	ID       string
	ThreadID string
	Account  string
	From     string
	Subject  string
	Snippet  string

	threadKey string
}

func (it Item) sourceRef() tasks.SourceRef {
	return tasks.SourceRef{
		MessageID: it.ID,
		ThreadID:  it.ThreadID,
		Subject:   it.Subject,
		Sender:    it.From,
		Snippet:   it.Snippet,
		Account:   it.Account,
	}
}

type Options struct {
	MailQuery              string
	MaxItemsPerSource      int
	BatchSize              int
	BatchTimeout           time.Duration
	HallucinationThreshold float64
	Model                  string
	FallbackModel          string
	MaxTokens              int
}

func DefaultOptions() Options {
	return Options{
		MailQuery:              "is:unread newer_than:2d",
		MaxItemsPerSource:      20,
		BatchSize:              10,
		BatchTimeout:           25 * time.Second,
		HallucinationThreshold: 0.3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxItemsPerSource <= 0 {
		o.MaxItemsPerSource = d.MaxItemsPerSource
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = d.BatchTimeout
	}
	if o.HallucinationThreshold <= 0 || o.HallucinationThreshold > 1 {
		o.HallucinationThreshold = d.HallucinationThreshold
	}
	return o
}

// Result summarizes one scan cycle.
type Result struct {
	EmailsScanned      int          `json:"emailsScanned"`
	ThreadsScanned     int          `json:"threadsScanned"`
	SuggestionsCreated int          `json:"suggestionsCreated"`
	TokensUsed         int          `json:"tokensUsed"`
	SkippedDuplicate   int          `json:"skippedDuplicate"`
	SkippedSimilar     int          `json:"skippedSimilar"`
	Filtered           int          `json:"filtered"`
	Rejected           int          `json:"rejected"`
	FailedBatches      int          `json:"failedBatches"`
	FailedSources      int          `json:"failedSources"`
	Skipped            string       `json:"skipped,omitempty"`
	Added              []tasks.Task `json:"added,omitempty"`
	StartedAt          time.Time    `json:"startedAt"`
	FinishedAt         time.Time    `json:"finishedAt"`
}

type Deps struct {
	LLM      providers.Completer
	Tasks    *tasks.Store
	Events   *eventlog.Log
	Accounts []sources.MailAccount
	Threads  *sources.ThreadStore
}

type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time
}

func New(deps Deps, opts Options) *Pipeline {
	return &Pipeline{deps: deps, opts: opts.withDefaults(), now: time.Now}
}

// WithClock overrides the time source.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes one full scan cycle. Failures of individual accounts and
// batches are recorded in the result and the event log; only failures of the
// local task store are returned as errors.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	res := Result{StartedAt: p.now().UTC()}

	tracked, err := p.deps.Tasks.TrackedIDs(ctx)
	if err != nil {
		res.FinishedAt = p.now().UTC()
		return res, fmt.Errorf("load tracked ids: %w", err)
	}

	mail := p.fetchMail(ctx, tracked, &res)
	chat, seen := p.fetchThreads(ctx, tracked, &res)

	items := make([]Item, 0, len(mail)+len(chat))
	for _, m := range mail {
		if automated, reason := Automated(m); automated {
			res.Filtered++
			logger.DebugCF("classify", "Filtered automated message", map[string]any{
				"message_id": m.ID,
				"reason":     reason,
			})
			continue
		}
		items = append(items, Item{
			Kind:     KindEmail,
			ID:       m.ID,
			ThreadID: m.ThreadID,
			Account:  m.Account,
			From:     m.From,
			Subject:  m.Subject,
			Snippet:  m.Snippet,
		})
	}
	items = append(items, chat...)

	failedThreads := map[string]bool{}
	if len(items) > 0 {
		p.classifyAll(ctx, items, &res, failedThreads)
	}

	if p.deps.Threads != nil && len(seen) > 0 {
		for key := range failedThreads {
			delete(seen, key)
		}
		if err := p.deps.Threads.MarkProcessed(ctx, seen); err != nil {
			logger.WarnCF("classify", "Failed to mark threads processed", map[string]any{"error": err.Error()})
		}
	}

	if res.SuggestionsCreated > 0 {
		titles := make([]string, 0, len(res.Added))
		for _, t := range res.Added {
			titles = append(titles, t.Title)
		}
		p.event(ctx, eventlog.TypeSuggestionsAdded, fmt.Sprintf("%d new suggestion(s)", res.SuggestionsCreated), map[string]any{
			"titles": titles,
		})
	}
	res.FinishedAt = p.now().UTC()
	return res, nil
}

// fetchMail lists and fetches every account concurrently. A failing account
// is logged and skipped; the others still contribute.
func (p *Pipeline) fetchMail(ctx context.Context, tracked map[string]struct{}, res *Result) []sources.Message {
	type accountResult struct {
		messages   []sources.Message
		listed     int
		duplicates int
		err        error
	}
	results := make([]accountResult, len(p.deps.Accounts))

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for i, acct := range p.deps.Accounts {
		g.Go(func() error {
			msgs, listed, dups, err := p.fetchAccount(ctx, acct, tracked)
			results[i] = accountResult{messages: msgs, listed: listed, duplicates: dups, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var out []sources.Message
	for i, r := range results {
		res.EmailsScanned += r.listed
		res.SkippedDuplicate += r.duplicates
		if r.err != nil {
			res.FailedSources++
			name := p.deps.Accounts[i].Name
			logger.WarnCF("classify", "Mail fetch failed", map[string]any{
				"account": name,
				"error":   r.err.Error(),
			})
			p.event(ctx, eventlog.TypeFetchFailed, fmt.Sprintf("%s: %v", name, r.err), map[string]any{"account": name})
			continue
		}
		out = append(out, r.messages...)
	}
	return out
}

func (p *Pipeline) fetchAccount(ctx context.Context, acct sources.MailAccount, tracked map[string]struct{}) ([]sources.Message, int, int, error) {
	refs, err := acct.Client.ListMessages(ctx, p.opts.MailQuery, p.opts.MaxItemsPerSource)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(refs) > p.opts.MaxItemsPerSource {
		refs = refs[:p.opts.MaxItemsPerSource]
	}
	var (
		out  []sources.Message
		dups int
	)
	for _, ref := range refs {
		if isTracked(tracked, ref.ID, ref.ThreadID) {
			dups++
			continue
		}
		msg, err := acct.Client.GetMessage(ctx, ref.ID)
		if err != nil {
			if ctx.Err() != nil {
				return out, len(refs), dups, ctx.Err()
			}
			logger.WarnCF("classify", "Skipping message that could not be fetched", map[string]any{
				"account":    acct.Name,
				"message_id": ref.ID,
				"error":      err.Error(),
			})
			continue
		}
		if msg.ThreadID == "" {
			msg.ThreadID = ref.ThreadID
		}
		msg.Account = acct.Name
		out = append(out, msg)
	}
	return out, len(refs), dups, nil
}

// fetchThreads converts unprocessed chat threads into items. seen maps each
// thread key to the newest message key observed, for MarkProcessed.
func (p *Pipeline) fetchThreads(ctx context.Context, tracked map[string]struct{}, res *Result) ([]Item, map[string]string) {
	if p.deps.Threads == nil {
		return nil, nil
	}
	threads, err := p.deps.Threads.Unprocessed(ctx)
	if err != nil {
		res.FailedSources++
		logger.WarnCF("classify", "Thread load failed", map[string]any{"error": err.Error()})
		p.event(ctx, eventlog.TypeFetchFailed, "chat threads: "+err.Error(), nil)
		return nil, nil
	}
	seen := make(map[string]string, len(threads))
	var items []Item
	for _, t := range threads {
		res.ThreadsScanned++
		key, last := t.Key(), t.LastMessageKey()
		seen[key] = last
		if isTracked(tracked, last, key) {
			res.SkippedDuplicate++
			continue
		}
		items = append(items, threadItem(t))
	}
	return items, seen
}

func threadItem(t sources.Thread) Item {
	msgs := t.Messages
	if len(msgs) > chatSnippetMessages {
		msgs = msgs[len(msgs)-chatSnippetMessages:]
	}
	var authors []string
	seenAuthor := map[string]bool{}
	var lines []string
	for _, m := range msgs {
		if !seenAuthor[m.Author] {
			seenAuthor[m.Author] = true
			authors = append(authors, m.Author)
		}
		lines = append(lines, m.Author+": "+m.Text)
	}
	snippet := strings.Join(lines, " | ")
	if r := []rune(snippet); len(r) > chatSnippetLimit {
		snippet = string(r[len(r)-chatSnippetLimit:])
	}
	return Item{
		Kind:      KindChat,
		ID:        t.LastMessageKey(),
		ThreadID:  t.Key(),
		Account:   t.ChannelID,
		From:      strings.Join(authors, ", "),
		Subject:   "#" + t.ThreadID,
		Snippet:   snippet,
		threadKey: t.Key(),
	}
}

func isTracked(tracked map[string]struct{}, ids ...string) bool {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := tracked[id]; ok {
			return true
		}
	}
	return false
}

func (p *Pipeline) classifyAll(ctx context.Context, items []Item, res *Result, failedThreads map[string]bool) {
	prefs, err := p.deps.Tasks.Preferences(ctx)
	if err != nil {
		logger.WarnCF("classify", "Preferences unavailable", map[string]any{"error": err.Error()})
		prefs = tasks.DefaultPreferences()
	}
	var feedback []eventlog.Event
	if p.deps.Events != nil {
		feedback, _ = p.deps.Events.Recent(ctx, feedbackEvents, eventlog.TypeSuggestionAccepted, eventlog.TypeSuggestionDeclined)
	}

	for start := 0; start < len(items); start += p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]
		if err := p.classifyBatch(ctx, batch, prefs, feedback, res); err != nil {
			res.FailedBatches++
			for _, it := range batch {
				if it.threadKey != "" {
					failedThreads[it.threadKey] = true
				}
			}
			logger.WarnCF("classify", "Batch failed", map[string]any{
				"batch_start": start,
				"batch_size":  len(batch),
				"error":       err.Error(),
			})
			p.event(ctx, eventlog.TypeBatchFailed, err.Error(), map[string]any{"batch_start": start, "batch_size": len(batch)})
		}
	}
}

// classifyBatch returns an error only when the batch produced no usable
// model response or could not be stored.
func (p *Pipeline) classifyBatch(ctx context.Context, batch []Item, prefs tasks.Preferences, feedback []eventlog.Event, res *Result) error {
	active, err := p.deps.Tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	existing := make([]string, 0, len(active))
	for _, t := range active {
		existing = append(existing, t.Title)
	}

	req := providers.Request{
		System:    systemPrompt,
		User:      userPrompt(promptInput{Today: p.now(), Prefs: prefs, Feedback: feedback, Existing: existing, Items: batch}),
		Model:     p.opts.Model,
		MaxTokens: p.opts.MaxTokens,
	}
	out, usedFallback, err := providers.CompleteWithFallback(ctx, timeoutCompleter{p.deps.LLM, p.opts.BatchTimeout}, req, p.opts.FallbackModel)
	if err != nil {
		return fmt.Errorf("classify batch: %w", err)
	}
	res.TokensUsed += out.TokensUsed
	if usedFallback {
		logger.InfoCF("classify", "Batch classified with fallback model", map[string]any{"model": p.opts.FallbackModel})
	}

	proposals, err := parseProposals(out.Text, len(batch))
	if err != nil {
		logger.WarnCF("classify", "Unparseable classifier output", map[string]any{"error": err.Error()})
		p.event(ctx, eventlog.TypeBatchParseFailed, err.Error(), map[string]any{"output": truncate(out.Text, 300)})
		return nil
	}

	var candidates []tasks.Candidate
	for _, prop := range proposals {
		it := batch[prop.SourceIndex]
		score := Grounding(prop.Title, it.From+" "+it.Subject+" "+it.Snippet)
		if score < p.opts.HallucinationThreshold {
			res.Rejected++
			p.event(ctx, eventlog.TypeSuggestionRejected, prop.Title, map[string]any{
				"score":      score,
				"message_id": it.ID,
			})
			continue
		}
		candidates = append(candidates, prop.candidate(it))
	}
	if len(candidates) == 0 {
		return nil
	}

	added, err := p.deps.Tasks.AddSuggestions(ctx, candidates)
	if err != nil {
		return fmt.Errorf("store suggestions: %w", err)
	}
	res.SuggestionsCreated += len(added.Added)
	res.SkippedDuplicate += added.SkippedTracked
	res.SkippedSimilar += added.SkippedSimilar
	res.Added = append(res.Added, added.Added...)
	return nil
}

type proposal struct {
	Title         string
	Description   string
	ScheduledDate string
	Categories    []string
	Reason        string
	SourceIndex   int
}

func (p proposal) candidate(it Item) tasks.Candidate {
	ctxText := p.Reason
	if ctxText == "" {
		ctxText = fmt.Sprintf("From %s: %s", it.From, it.Subject)
	}
	cats := p.Categories
	if len(cats) == 0 {
		cats = []string{tasks.DerivePattern(p.Title, p.Description)}
	}
	return tasks.Candidate{
		Title:             p.Title,
		Description:       p.Description,
		ScheduledDate:     p.ScheduledDate,
		Categories:        cats,
		Sources:           []tasks.SourceRef{it.sourceRef()},
		SuggestionContext: ctxText,
	}
}

// parseProposals keeps entries with a non-empty string title and an integer
// sourceIndex in [0, n). Other entries are dropped silently.
func parseProposals(text string, n int) ([]proposal, error) {
	objs, err := llmjson.Objects(text)
	if err != nil {
		return nil, err
	}
	var out []proposal
	for _, o := range objs {
		title := o.Get("title")
		if title.Type != gjson.String || strings.TrimSpace(title.String()) == "" {
			continue
		}
		idx := o.Get("sourceIndex")
		if idx.Type != gjson.Number || idx.Num != float64(int(idx.Num)) {
			continue
		}
		i := int(idx.Num)
		if i < 0 || i >= n {
			continue
		}
		p := proposal{Title: strings.TrimSpace(title.String()), SourceIndex: i}
		if d := o.Get("description"); d.Type == gjson.String {
			p.Description = strings.TrimSpace(d.String())
		}
		if d := o.Get("scheduledDate"); d.Type == gjson.String {
			if _, err := time.Parse("2006-01-02", d.String()); err == nil {
				p.ScheduledDate = d.String()
			}
		}
		if r := o.Get("reason"); r.Type == gjson.String {
			p.Reason = strings.TrimSpace(r.String())
		}
		for _, c := range o.Get("categories").Array() {
			if c.Type == gjson.String && strings.TrimSpace(c.String()) != "" {
				p.Categories = append(p.Categories, strings.TrimSpace(c.String()))
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].SourceIndex < out[b].SourceIndex })
	return out, nil
}

// timeoutCompleter bounds every attempt separately so the fallback retry
// gets a full budget.
type timeoutCompleter struct {
	inner   providers.Completer
	timeout time.Duration
}

func (t timeoutCompleter) Complete(ctx context.Context, req providers.Request) (providers.Completion, error) {
	if t.timeout <= 0 {
		return t.inner.Complete(ctx, req)
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.inner.Complete(cctx, req)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, fmt.Errorf("timed out after %s: %w", t.timeout, err)
	}
	return out, err
}

func (p *Pipeline) event(ctx context.Context, typ, detail string, payload map[string]any) {
	if p.deps.Events == nil {
		return
	}
	if _, err := p.deps.Events.Append(ctx, typ, detail, payload); err != nil {
		logger.WarnCF("classify", "Failed to record event", map[string]any{"type": typ, "error": err.Error()})
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
