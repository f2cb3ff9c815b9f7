// Package quota tracks daily scan and token usage and decides whether a scan
// may run.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/dotsetgreg/dottask/pkg/kv"
)

const (
	keyUsage  = "quota:usage"
	keyConfig = "quota:config"

	dateLayout = "2006-01-02"
)

// Reason explains a denied scan.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonDisabled   Reason = "disabled"
	ReasonScanLimit  Reason = "scan_limit"
	ReasonTokenLimit Reason = "token_limit"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
}

// Usage is the persisted daily counter state.
type Usage struct {
	ScansToday    int       `json:"scans_today"`
	TokensToday   int       `json:"tokens_today"`
	LastScanAt    time.Time `json:"last_scan_at,omitempty"`
	LastResetDate string    `json:"last_reset_date"`
}

// CanScan is pure. The disabled flag wins over the scan ceiling, which wins
// over the token ceiling.
func CanScan(cfg Config, u Usage) Decision {
	switch {
	case !cfg.Enabled:
		return Decision{Reason: ReasonDisabled}
	case u.ScansToday >= cfg.MaxScansPerDay:
		return Decision{Reason: ReasonScanLimit}
	case u.TokensToday >= cfg.MaxTokensPerDay:
		return Decision{Reason: ReasonTokenLimit}
	default:
		return Decision{Allowed: true}
	}
}

// Controller persists usage and config for one agent instance. Daily
// counters are reset lazily on the first read after the local date changes.
type Controller struct {
	inst     *kv.Instance
	defaults Config
	loc      *time.Location
	now      func() time.Time
}

func NewController(inst *kv.Instance, defaults Config, loc *time.Location) *Controller {
	if loc == nil {
		loc = time.Local
	}
	return &Controller{inst: inst, defaults: defaults, loc: loc, now: time.Now}
}

// WithClock overrides the time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

func (c *Controller) today() string {
	return c.now().In(c.loc).Format(dateLayout)
}

// Usage returns the current usage, resetting the counters when the date has
// changed since the stored reset date.
func (c *Controller) Usage(ctx context.Context) (Usage, error) {
	var out Usage
	err := c.inst.Atomically(func() error {
		u, err := c.loadAndReset(ctx)
		out = u
		return err
	})
	return out, err
}

func (c *Controller) loadAndReset(ctx context.Context) (Usage, error) {
	var u Usage
	if _, err := kv.GetJSON(ctx, c.inst, keyUsage, &u); err != nil {
		return Usage{}, fmt.Errorf("load usage: %w", err)
	}
	today := c.today()
	if u.LastResetDate == today {
		return u, nil
	}
	u.ScansToday = 0
	u.TokensToday = 0
	u.LastResetDate = today
	if err := kv.PutJSON(ctx, c.inst, keyUsage, u); err != nil {
		return Usage{}, fmt.Errorf("reset usage: %w", err)
	}
	return u, nil
}

// RecordScan accounts for a finished scan. A scan that consumed tokens counts
// against both ceilings; a zero-token scan only updates LastScanAt.
func (c *Controller) RecordScan(ctx context.Context, tokens int) (Usage, error) {
	var out Usage
	err := c.inst.Atomically(func() error {
		u, err := c.loadAndReset(ctx)
		if err != nil {
			return err
		}
		if tokens > 0 {
			u.ScansToday++
			u.TokensToday += tokens
		}
		u.LastScanAt = c.now().UTC()
		out = u
		return kv.PutJSON(ctx, c.inst, keyUsage, u)
	})
	return out, err
}

// Config returns the defaults with the stored overrides laid over them.
// Fields never overridden follow the defaults the controller was built with.
func (c *Controller) Config(ctx context.Context) (Config, error) {
	overrides, err := c.overrides(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, _ := ApplyOverrides(c.defaults, overrides)
	return cfg, nil
}

func (c *Controller) overrides(ctx context.Context) (map[string]any, error) {
	overrides := map[string]any{}
	if _, err := kv.GetJSON(ctx, c.inst, keyConfig, &overrides); err != nil {
		return nil, fmt.Errorf("load quota config: %w", err)
	}
	return overrides, nil
}

// Check loads config and usage and evaluates CanScan.
func (c *Controller) Check(ctx context.Context) (Decision, Config, Usage, error) {
	cfg, err := c.Config(ctx)
	if err != nil {
		return Decision{}, Config{}, Usage{}, err
	}
	u, err := c.Usage(ctx)
	if err != nil {
		return Decision{}, Config{}, Usage{}, err
	}
	return CanScan(cfg, u), cfg, u, nil
}

// Update applies patch to the stored overrides. Rejected fields are returned
// and the valid ones are saved.
func (c *Controller) Update(ctx context.Context, patch map[string]any) (Config, []FieldError, error) {
	var (
		out      Config
		rejected []FieldError
	)
	err := c.inst.Atomically(func() error {
		overrides, err := c.overrides(ctx)
		if err != nil {
			return err
		}
		base, _ := ApplyOverrides(c.defaults, overrides)
		out, rejected = ApplyOverrides(base, patch)

		skip := make(map[string]bool, len(rejected))
		for _, fe := range rejected {
			skip[fe.Field] = true
		}
		for k, v := range patch {
			if !skip[k] {
				overrides[k] = v
			}
		}
		return kv.PutJSON(ctx, c.inst, keyConfig, overrides)
	})
	if err != nil {
		return Config{}, nil, err
	}
	return out, rejected, nil
}
