package quota

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Config is the per-instance scan budget and cadence.
type Config struct {
	Enabled                 bool `json:"enabled"`
	MaxScansPerDay          int  `json:"maxScansPerDay"`
	MaxTokensPerDay         int  `json:"maxTokensPerDay"`
	ActiveIntervalMinutes   int  `json:"activeIntervalMinutes"`
	InactiveIntervalMinutes int  `json:"inactiveIntervalMinutes"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		MaxScansPerDay:          24,
		MaxTokensPerDay:         200000,
		ActiveIntervalMinutes:   15,
		InactiveIntervalMinutes: 60,
	}
}

func (c Config) ActiveInterval() time.Duration {
	return time.Duration(c.ActiveIntervalMinutes) * time.Minute
}

func (c Config) InactiveInterval() time.Duration {
	return time.Duration(c.InactiveIntervalMinutes) * time.Minute
}

// FieldError names a rejected override.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

const (
	maxIntervalMinutes = 24 * 60
	maxCeiling         = 1_000_000_000
)

// ApplyOverrides merges patch into base field by field. Unknown, ill-typed
// and out-of-range fields are skipped and reported; the rest are applied.
// Field names match the JSON tags of Config.
func ApplyOverrides(base Config, patch map[string]any) (Config, []FieldError) {
	out := base
	var rejected []FieldError

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := patch[key]
		switch key {
		case "enabled":
			b, ok := v.(bool)
			if !ok {
				rejected = append(rejected, FieldError{Field: key, Reason: "must be a boolean"})
				continue
			}
			out.Enabled = b
		case "maxScansPerDay":
			n, err := intInRange(v, 0, maxCeiling)
			if err != "" {
				rejected = append(rejected, FieldError{Field: key, Reason: err})
				continue
			}
			out.MaxScansPerDay = n
		case "maxTokensPerDay":
			n, err := intInRange(v, 0, maxCeiling)
			if err != "" {
				rejected = append(rejected, FieldError{Field: key, Reason: err})
				continue
			}
			out.MaxTokensPerDay = n
		case "activeIntervalMinutes":
			n, err := intInRange(v, 1, maxIntervalMinutes)
			if err != "" {
				rejected = append(rejected, FieldError{Field: key, Reason: err})
				continue
			}
			out.ActiveIntervalMinutes = n
		case "inactiveIntervalMinutes":
			n, err := intInRange(v, 1, maxIntervalMinutes)
			if err != "" {
				rejected = append(rejected, FieldError{Field: key, Reason: err})
				continue
			}
			out.InactiveIntervalMinutes = n
		default:
			rejected = append(rejected, FieldError{Field: key, Reason: "unknown field"})
		}
	}
	return out, rejected
}

func intInRange(v any, lo, hi int) (int, string) {
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, "must be an integer"
		}
		if x < float64(math.MinInt32) || x > float64(math.MaxInt32) {
			return 0, fmt.Sprintf("must be between %d and %d", lo, hi)
		}
		n = int(x)
	default:
		return 0, "must be an integer"
	}
	if n < lo || n > hi {
		return 0, fmt.Sprintf("must be between %d and %d", lo, hi)
	}
	return n, ""
}
