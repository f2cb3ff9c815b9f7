// Package agent composes one logical agent instance: memory, quota, task
// store, classification pipeline, scheduler and the gated sandbox. Every
// user-facing operation of the instance goes through an Agent.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dottask/pkg/bus"
	"github.com/dotsetgreg/dottask/pkg/classify"
	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/memory"
	"github.com/dotsetgreg/dottask/pkg/metrics"
	"github.com/dotsetgreg/dottask/pkg/providers"
	"github.com/dotsetgreg/dottask/pkg/quota"
	"github.com/dotsetgreg/dottask/pkg/sandbox"
	"github.com/dotsetgreg/dottask/pkg/scheduler"
	"github.com/dotsetgreg/dottask/pkg/sources"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

// Update is pushed to live clients whenever instance state changes.
type Update struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Update types.
const (
	UpdateTasks  = "tasks"
	UpdateScan   = "scan"
	UpdateMemory = "memory"
	UpdateChat   = "chat"
)

// Deps are the ports an agent instance is built on.
type Deps struct {
	// Store is the instance's private key namespace.
	Store    kv.Store
	LLM      providers.Completer
	Accounts []sources.MailAccount
	// Executor should be a sandbox.Gated; nil disables ExecuteCode.
	Executor sandbox.Executor
	Bus      *bus.MessageBus
	Metrics  *metrics.Metrics
	// ActiveClients counts live UI clients and drives the scan cadence.
	ActiveClients func() int
	// Notify receives state changes, typically a WebSocket broadcast.
	Notify func(Update)
}

type Options struct {
	InstanceID    string
	Model         string
	FallbackModel string
	MaxTokens     int
	Location      *time.Location

	Quota    quota.Config
	Classify classify.Options
	Memory   memory.Options
	Tasks    tasks.Options

	EventLogCapacity  int
	MidnightTolerance time.Duration
	// NotifyChannel is the Discord channel id that receives new-suggestion
	// notices. Empty disables them.
	NotifyChannel string
}

// OptionsFromConfig maps the file/env config onto agent options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := loadLocation(cfg.Agent.Timezone)
	if err != nil {
		return Options{}, err
	}
	return Options{
		InstanceID:    cfg.Agent.InstanceID,
		Model:         cfg.Providers.Model,
		FallbackModel: cfg.Providers.FallbackModel,
		MaxTokens:     cfg.Providers.MaxTokens,
		Location:      loc,
		Quota: quota.Config{
			Enabled:                 cfg.Scan.Enabled,
			MaxScansPerDay:          cfg.Scan.MaxScansPerDay,
			MaxTokensPerDay:         cfg.Scan.MaxTokensPerDay,
			ActiveIntervalMinutes:   cfg.Scan.ActiveIntervalMinutes,
			InactiveIntervalMinutes: cfg.Scan.InactiveIntervalMinutes,
		},
		Classify: classify.Options{
			MailQuery:              cfg.Scan.MailQuery,
			MaxItemsPerSource:      cfg.Scan.MaxItemsPerSource,
			BatchSize:              cfg.Scan.BatchSize,
			BatchTimeout:           time.Duration(cfg.Scan.BatchTimeoutSeconds) * time.Second,
			HallucinationThreshold: cfg.Scan.HallucinationThreshold,
			Model:                  cfg.Providers.Model,
			FallbackModel:          cfg.Providers.FallbackModel,
			MaxTokens:              cfg.Providers.MaxTokens,
		},
		Memory: memory.Options{
			CompactionThreshold:      cfg.Memory.CompactionThreshold,
			KeepRecent:               cfg.Memory.KeepRecent,
			MaxFacts:                 cfg.Memory.MaxFacts,
			ConsolidationThreshold:   cfg.Memory.ConsolidationThreshold,
			MaxConversationSummaries: cfg.Memory.MaxConversationSummaries,
		},
		Tasks: tasks.Options{
			SimilarityThreshold: cfg.Tasks.SimilarityThreshold,
			ArchiveCapacity:     cfg.Tasks.ArchiveCapacity,
			MaxPatterns:         cfg.Tasks.MaxPatterns,
		},
		EventLogCapacity:  cfg.Memory.EventLogCapacity,
		MidnightTolerance: time.Duration(cfg.Scan.MidnightToleranceMinutes) * time.Minute,
		NotifyChannel:     cfg.Channels.Discord.NotifyChannelID,
	}, nil
}

func loadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid agent.timezone %q (set agent.timezone or DOTTASK_AGENT_TIMEZONE): %w", name, err)
	}
	return loc, nil
}

type Agent struct {
	deps Deps
	opts Options
	now  func() time.Time

	inst      *kv.Instance
	events    *eventlog.Log
	memory    *memory.Manager
	quota     *quota.Controller
	tasks     *tasks.Store
	threads   *sources.ThreadStore
	pipeline  *classify.Pipeline
	scheduler *scheduler.Scheduler

	scanMu sync.Mutex
	chatMu sync.Mutex
}

func New(deps Deps, opts Options) (*Agent, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("agent: store is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("agent: completion provider is required")
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "default"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Quota == (quota.Config{}) {
		opts.Quota = quota.DefaultConfig()
	}
	if opts.Classify.Model == "" {
		opts.Classify.Model = opts.Model
	}
	if opts.Classify.FallbackModel == "" {
		opts.Classify.FallbackModel = opts.FallbackModel
	}
	if opts.Memory.Model == "" {
		opts.Memory.Model = opts.Model
	}

	a := &Agent{deps: deps, opts: opts, now: time.Now}
	a.inst = kv.NewInstance(opts.InstanceID, deps.Store)
	a.events = eventlog.New(deps.Store, opts.EventLogCapacity)
	a.memory = memory.NewManager(a.inst, a.events, deps.LLM, opts.Memory)
	a.quota = quota.NewController(a.inst, opts.Quota, opts.Location)
	a.tasks = tasks.NewStore(a.inst, opts.Tasks)
	a.threads = sources.NewThreadStore(a.inst, 0, 0)
	a.pipeline = classify.New(classify.Deps{
		LLM:      deps.LLM,
		Tasks:    a.tasks,
		Events:   a.events,
		Accounts: deps.Accounts,
		Threads:  a.threads,
	}, opts.Classify)
	a.scheduler = scheduler.New(scheduler.Deps{
		Store:         deps.Store,
		Scan:          a.scheduledScan,
		Sweep:         a.SweepCompleted,
		Intervals:     a.intervals,
		ActiveClients: deps.ActiveClients,
		Events:        a.events,
	}, scheduler.Options{
		MidnightTolerance: opts.MidnightTolerance,
		Location:          opts.Location,
	})
	return a, nil
}

// WithClock overrides the time source of the agent and its components.
func (a *Agent) WithClock(now func() time.Time) *Agent {
	a.now = now
	a.events.WithClock(now)
	a.quota.WithClock(now)
	a.tasks.WithClock(now)
	a.pipeline.WithClock(now)
	a.scheduler.WithClock(now)
	return a
}

func (a *Agent) ID() string { return a.inst.ID() }

// Scheduler exposes the background scan scheduler.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.scheduler }

// ClientsChanged re-evaluates the scan cadence after a live client connected
// or disconnected.
func (a *Agent) ClientsChanged() {
	a.scheduler.Kick()
}

func (a *Agent) intervals(ctx context.Context) (time.Duration, time.Duration, error) {
	cfg, err := a.quota.Config(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cfg.ActiveInterval(), cfg.InactiveInterval(), nil
}

// Run drives the scheduler and, when a bus is attached, the inbound chat
// consumer until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(ctx) })
	if a.deps.Bus != nil {
		g.Go(func() error { return a.consumeInbound(ctx) })
	}
	logger.InfoCF("agent", "Agent started", map[string]any{"instance": a.ID()})
	return g.Wait()
}

func (a *Agent) consumeInbound(ctx context.Context) error {
	for {
		msg, ok := a.deps.Bus.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		a.handleInbound(ctx, msg)
	}
}

// handleInbound answers direct messages and records everything else as chat
// thread content for the next scan.
func (a *Agent) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if !msg.Direct {
		_, err := a.RecordThreadMessage(ctx, channelOf(msg), msg.ChatID, sources.ThreadMessage{
			ID:        msg.MessageID,
			Author:    valueOr(msg.SenderName, msg.SenderID),
			Text:      msg.Content,
			Timestamp: msg.Timestamp,
		})
		if err != nil {
			logger.WarnCF("agent", "Failed to record thread message", map[string]any{
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
		return
	}

	reply, err := a.Chat(ctx, msg.ConversationID(), msg.Content)
	if err != nil {
		reply = fmt.Sprintf("Error processing message: %v", err)
	}
	if reply != "" {
		a.deps.Bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: reply,
		})
	}
}

// channelOf groups chat threads by server so Discord threads, which are
// channels of their own, stay distinct.
func channelOf(msg bus.InboundMessage) string {
	if guild := msg.Metadata["guild_id"]; guild != "" {
		return guild
	}
	return msg.Channel
}

func (a *Agent) notify(typ string, payload any) {
	if a.deps.Notify != nil {
		a.deps.Notify(Update{Type: typ, Payload: payload})
	}
}

func (a *Agent) event(ctx context.Context, typ, detail string, payload map[string]any) {
	if _, err := a.events.Append(ctx, typ, detail, payload); err != nil {
		logger.WarnCF("agent", "Failed to append event", map[string]any{
			"type":  typ,
			"error": err.Error(),
		})
	}
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
