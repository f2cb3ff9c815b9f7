package quota

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dottask/pkg/kv"
)

func TestCanScan_Precedence(t *testing.T) {
	caps := []int{0, 1, 5}
	for _, enabled := range []bool{true, false} {
		for _, maxScans := range caps {
			for _, maxTokens := range caps {
				for _, scans := range caps {
					for _, tokens := range caps {
						cfg := Config{Enabled: enabled, MaxScansPerDay: maxScans, MaxTokensPerDay: maxTokens}
						u := Usage{ScansToday: scans, TokensToday: tokens}
						d := CanScan(cfg, u)

						switch {
						case !enabled:
							assert.Equal(t, ReasonDisabled, d.Reason, "%+v %+v", cfg, u)
						case scans >= maxScans:
							assert.Equal(t, ReasonScanLimit, d.Reason, "%+v %+v", cfg, u)
						case tokens >= maxTokens:
							assert.Equal(t, ReasonTokenLimit, d.Reason, "%+v %+v", cfg, u)
						default:
							assert.True(t, d.Allowed, "%+v %+v", cfg, u)
							assert.Equal(t, ReasonNone, d.Reason)
						}
						assert.Equal(t, d.Reason == ReasonNone, d.Allowed)
					}
				}
			}
		}
	}
}

func TestCanScan_ScanLimitScenario(t *testing.T) {
	cfg := DefaultConfig()
	d := CanScan(cfg, Usage{ScansToday: cfg.MaxScansPerDay})
	assert.Equal(t, Decision{Allowed: false, Reason: ReasonScanLimit}, d)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newController(t *testing.T, c *clock) *Controller {
	t.Helper()
	inst := kv.NewInstance("q", kv.NewMemoryStore())
	return NewController(inst, DefaultConfig(), time.UTC).WithClock(c.now)
}

func TestRecordScan_TokensVersusZero(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	ctrl := newController(t, c)

	u, err := ctrl.RecordScan(ctx, 1200)
	require.NoError(t, err)
	assert.Equal(t, 1, u.ScansToday)
	assert.Equal(t, 1200, u.TokensToday)

	c.t = c.t.Add(time.Hour)
	u, err = ctrl.RecordScan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, u.ScansToday, "zero-token scans do not use quota")
	assert.Equal(t, 1200, u.TokensToday)
	assert.Equal(t, c.t, u.LastScanAt)
}

func TestUsage_LazyDailyReset(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 5, 4, 23, 50, 0, 0, time.UTC)}
	ctrl := newController(t, c)

	_, err := ctrl.RecordScan(ctx, 500)
	require.NoError(t, err)
	_, err = ctrl.RecordScan(ctx, 500)
	require.NoError(t, err)

	u, err := ctrl.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, u.ScansToday)

	c.t = c.t.Add(20 * time.Minute)
	u, err = ctrl.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, u.ScansToday)
	assert.Equal(t, 0, u.TokensToday)
	assert.Equal(t, "2026-05-05", u.LastResetDate)

	// A second read on the same day does not reset again.
	_, err = ctrl.RecordScan(ctx, 10)
	require.NoError(t, err)
	u, err = ctrl.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, u.ScansToday)
}

func TestApplyOverrides(t *testing.T) {
	var patch map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"enabled": false,
		"maxScansPerDay": 10,
		"activeIntervalMinutes": 0,
		"inactiveIntervalMinutes": 30.5,
		"maxTokensPerDay": "lots",
		"bogus": 1
	}`), &patch))

	got, rejected := ApplyOverrides(DefaultConfig(), patch)

	want := DefaultConfig()
	want.Enabled = false
	want.MaxScansPerDay = 10
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	fields := map[string]string{}
	for _, fe := range rejected {
		fields[fe.Field] = fe.Reason
	}
	assert.Equal(t, map[string]string{
		"activeIntervalMinutes":   "must be between 1 and 1440",
		"bogus":                   "unknown field",
		"inactiveIntervalMinutes": "must be an integer",
		"maxTokensPerDay":         "must be an integer",
	}, fields)
}

func TestControllerUpdate_PersistsValidFields(t *testing.T) {
	ctx := context.Background()
	ctrl := newController(t, &clock{t: time.Now()})

	cfg, rejected, err := ctrl.Update(ctx, map[string]any{"maxScansPerDay": 3, "nope": true})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, 3, cfg.MaxScansPerDay)

	stored, err := ctrl.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.MaxScansPerDay)
	assert.Equal(t, 15*time.Minute, stored.ActiveInterval())

	d, _, _, err := ctrl.Check(ctx)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestControllerConfig_UnpatchedFieldsFollowDefaults(t *testing.T) {
	ctx := context.Background()
	inst := kv.NewInstance("q", kv.NewMemoryStore())

	_, _, err := NewController(inst, DefaultConfig(), time.UTC).Update(ctx, map[string]any{"maxScansPerDay": 5})
	require.NoError(t, err)

	// Restart with a new file/env default for a field the patch never touched.
	defaults := DefaultConfig()
	defaults.MaxTokensPerDay = 50000
	defaults.MaxScansPerDay = 99
	cfg, err := NewController(inst, defaults, time.UTC).Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxScansPerDay)
	assert.Equal(t, 50000, cfg.MaxTokensPerDay)
	assert.True(t, cfg.Enabled)
}
