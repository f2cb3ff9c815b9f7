package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dottask/pkg/bus"
	"github.com/dotsetgreg/dottask/pkg/classify"
	"github.com/dotsetgreg/dottask/pkg/eventlog"
	"github.com/dotsetgreg/dottask/pkg/kv"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/metrics"
	"github.com/dotsetgreg/dottask/pkg/quota"
)

const (
	keyLastScan = "scan:last_result"

	SkipInProgress  = "in_progress"
	SkipAutoSuggest = "auto_suggest_off"

	notifyChannel  = "discord"
	notifyMaxItems = 5
)

// ScanStatus is the user-visible state of background scanning.
type ScanStatus struct {
	Config     quota.Config     `json:"config"`
	Usage      quota.Usage      `json:"usage"`
	Decision   quota.Decision   `json:"decision"`
	InProgress bool             `json:"inProgress"`
	NextWake   *time.Time       `json:"nextWake,omitempty"`
	LastResult *classify.Result `json:"lastResult,omitempty"`
}

// TriggerScan runs one quota-gated scan cycle. A cycle already running on
// this instance or a denied quota yields a result with Skipped set and no
// error.
func (a *Agent) TriggerScan(ctx context.Context) (classify.Result, error) {
	if !a.scanMu.TryLock() {
		a.deps.Metrics.ScanSkipped(SkipInProgress)
		return classify.Result{Skipped: SkipInProgress}, nil
	}
	defer a.scanMu.Unlock()
	return a.scan(ctx)
}

func (a *Agent) scan(ctx context.Context) (classify.Result, error) {
	decision, _, usage, err := a.quota.Check(ctx)
	if err != nil {
		a.deps.Metrics.ScanFailed()
		return classify.Result{}, fmt.Errorf("check scan quota: %w", err)
	}
	if !decision.Allowed {
		reason := string(decision.Reason)
		logger.InfoCF("agent", "Scan skipped", map[string]any{
			"reason":       reason,
			"scans_today":  usage.ScansToday,
			"tokens_today": usage.TokensToday,
		})
		a.event(ctx, eventlog.TypeScanSkipped, "scan skipped: "+reason, map[string]any{"reason": reason})
		a.deps.Metrics.ScanSkipped(reason)
		return classify.Result{Skipped: reason}, nil
	}

	a.event(ctx, eventlog.TypeScanStarted, "scan started", nil)
	res, err := a.pipeline.Run(ctx)
	if err != nil {
		a.deps.Metrics.ScanFailed()
		return res, err
	}

	if _, err := a.quota.RecordScan(ctx, res.TokensUsed); err != nil {
		logger.WarnCF("agent", "Failed to record scan usage", map[string]any{"error": err.Error()})
	}
	if err := kv.PutJSON(ctx, a.inst, keyLastScan, res); err != nil {
		logger.WarnCF("agent", "Failed to store scan result", map[string]any{"error": err.Error()})
	}
	a.event(ctx, eventlog.TypeScanCompleted, fmt.Sprintf("scanned %d emails and %d threads, %d new suggestion(s)",
		res.EmailsScanned, res.ThreadsScanned, res.SuggestionsCreated), map[string]any{
		"emails":      res.EmailsScanned,
		"threads":     res.ThreadsScanned,
		"suggestions": res.SuggestionsCreated,
		"tokens":      res.TokensUsed,
		"duplicates":  res.SkippedDuplicate,
		"filtered":    res.Filtered,
		"rejected":    res.Rejected,
		"failed":      res.FailedBatches,
	})
	a.deps.Metrics.ObserveScan(metrics.ScanResult{
		SuggestionsCreated: res.SuggestionsCreated,
		Rejected:           res.Rejected,
		SkippedDuplicate:   res.SkippedDuplicate,
		FailedBatches:      res.FailedBatches,
		TokensUsed:         res.TokensUsed,
		Duration:           res.FinishedAt.Sub(res.StartedAt),
	})
	logger.InfoCF("agent", "Scan completed", map[string]any{
		"emails":      res.EmailsScanned,
		"threads":     res.ThreadsScanned,
		"suggestions": res.SuggestionsCreated,
		"tokens":      res.TokensUsed,
	})

	a.notify(UpdateScan, res)
	if res.SuggestionsCreated > 0 {
		a.notify(UpdateTasks, nil)
		a.announce(res)
	}
	return res, nil
}

// scheduledScan is the scheduler's scan step. Background scans honor the
// AutoSuggest preference; manual triggers do not.
func (a *Agent) scheduledScan(ctx context.Context) error {
	prefs, err := a.tasks.Preferences(ctx)
	if err != nil {
		return err
	}
	if !prefs.AutoSuggest {
		a.deps.Metrics.ScanSkipped(SkipAutoSuggest)
		logger.DebugC("agent", "Background scan skipped: auto-suggest is off")
		return nil
	}
	_, err = a.TriggerScan(ctx)
	return err
}

// announce posts new suggestions to the configured notification channel.
func (a *Agent) announce(res classify.Result) {
	if a.deps.Bus == nil || a.opts.NotifyChannel == "" || len(res.Added) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d new task suggestion(s):\n", len(res.Added))
	for i, t := range res.Added {
		if i == notifyMaxItems {
			fmt.Fprintf(&b, "…and %d more\n", len(res.Added)-notifyMaxItems)
			break
		}
		fmt.Fprintf(&b, "• %s\n", t.Title)
	}
	a.deps.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: notifyChannel,
		ChatID:  a.opts.NotifyChannel,
		Content: strings.TrimSpace(b.String()),
	})
}

func (a *Agent) ScanStatus(ctx context.Context) (ScanStatus, error) {
	decision, cfg, usage, err := a.quota.Check(ctx)
	if err != nil {
		return ScanStatus{}, err
	}
	st := ScanStatus{Config: cfg, Usage: usage, Decision: decision}

	if a.scanMu.TryLock() {
		a.scanMu.Unlock()
	} else {
		st.InProgress = true
	}

	next, ok, err := a.scheduler.NextWakeAt(ctx)
	if err != nil {
		return ScanStatus{}, err
	}
	if ok {
		st.NextWake = &next
	}

	var last classify.Result
	ok, err = kv.GetJSON(ctx, a.inst, keyLastScan, &last)
	if err != nil {
		return ScanStatus{}, fmt.Errorf("load last scan: %w", err)
	}
	if ok {
		st.LastResult = &last
	}
	return st, nil
}

// UpdateScanConfig applies a partial scan-config edit. Rejected fields are
// returned alongside the stored config; valid ones take effect and the
// scheduler re-evaluates its cadence.
func (a *Agent) UpdateScanConfig(ctx context.Context, patch map[string]any) (quota.Config, []quota.FieldError, error) {
	cfg, rejected, err := a.quota.Update(ctx, patch)
	if err != nil {
		return quota.Config{}, nil, err
	}
	if len(rejected) > 0 {
		logger.InfoCF("agent", "Scan config fields rejected", map[string]any{"rejected": len(rejected)})
	}
	a.scheduler.Kick()
	a.notify(UpdateScan, cfg)
	return cfg, rejected, nil
}
