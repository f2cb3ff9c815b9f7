package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/dottask/pkg/agent"
	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/gate"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/metrics"
	"github.com/dotsetgreg/dottask/pkg/providers"
	"github.com/dotsetgreg/dottask/pkg/sandbox"
	"github.com/dotsetgreg/dottask/pkg/sources"
)

// appRuntime is one agent instance opened against the on-disk state.
type appRuntime struct {
	cfg     *config.Config
	store   *kv.SQLiteStore
	gate    *gate.Gate
	metrics *metrics.Metrics
	agent   *agent.Agent
}

type runtimeOptions struct {
	// requireLLM fails fast when no provider can be built. Commands that only
	// read or edit state run with a provider that reports the setup error.
	requireLLM bool
	customize  func(*agent.Deps)
}

func openRuntime(ctx context.Context, cfg *config.Config, ro runtimeOptions) (*appRuntime, error) {
	opts, err := agent.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	llm, err := providers.CreateProvider(cfg)
	if err != nil {
		if ro.requireLLM {
			return nil, err
		}
		setupErr := err
		llm = providers.CompleterFunc(func(context.Context, providers.Request) (providers.Completion, error) {
			return providers.Completion{}, setupErr
		})
	}

	statePath := cfg.StatePath()
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	store, err := kv.NewSQLiteStore(statePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	m := metrics.New()
	g := gate.Default()
	g.SetCooldown(time.Duration(cfg.Gate.CooldownMS) * time.Millisecond)
	g.OnWait(m.GateWait)

	deps := agent.Deps{
		Store:   store.Namespace(valueOr(cfg.Agent.InstanceID, "default")),
		LLM:     llm,
		Metrics: m,
	}

	account, err := sources.GmailFromConfig(ctx, cfg.Mail.Gmail)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure Gmail: %w", err)
	}
	if account != nil {
		deps.Accounts = append(deps.Accounts, *account)
	}

	exec, err := sandbox.NewSubprocess(
		cfg.Sandbox.Interpreter,
		cfg.WorkspacePath(),
		time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second,
		cfg.Sandbox.MaxOutputBytes,
	)
	if err != nil {
		logger.WarnCF("dottask", "Code execution disabled", map[string]any{"error": err.Error()})
	} else {
		deps.Executor = sandbox.NewGated(exec, g)
	}

	if ro.customize != nil {
		ro.customize(&deps)
	}

	a, err := agent.New(deps, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.InfoCF("dottask", "Agent initialized", map[string]any{
		"instance": a.ID(),
		"accounts": len(deps.Accounts),
		"state":    statePath,
	})
	return &appRuntime{cfg: cfg, store: store, gate: g, metrics: m, agent: a}, nil
}

func (r *appRuntime) Close() error {
	return r.store.Close()
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
