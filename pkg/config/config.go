package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = stringifyAll(raw)
	return nil
}

func (f *FlexibleStringSlice) UnmarshalYAML(node *yaml.Node) error {
	var raw []interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*f = stringifyAll(raw)
	return nil
}

func stringifyAll(raw []interface{}) []string {
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	return result
}

type Config struct {
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Scan      ScanConfig      `json:"scan" yaml:"scan"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Tasks     TasksConfig     `json:"tasks" yaml:"tasks"`
	Gate      GateConfig      `json:"gate" yaml:"gate"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Mail      MailConfig      `json:"mail" yaml:"mail"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Workspace  string `json:"workspace" yaml:"workspace" env:"DOTTASK_AGENT_WORKSPACE"`
	InstanceID string `json:"instance_id" yaml:"instance_id" env:"DOTTASK_AGENT_INSTANCE_ID"`
	Timezone   string `json:"timezone" yaml:"timezone" env:"DOTTASK_AGENT_TIMEZONE"`
}

type ProvidersConfig struct {
	Provider      string           `json:"provider" yaml:"provider" env:"DOTTASK_PROVIDERS_PROVIDER"`
	Model         string           `json:"model" yaml:"model" env:"DOTTASK_PROVIDERS_MODEL"`
	FallbackModel string           `json:"fallback_model" yaml:"fallback_model" env:"DOTTASK_PROVIDERS_FALLBACK_MODEL"`
	MaxTokens     int              `json:"max_tokens" yaml:"max_tokens" env:"DOTTASK_PROVIDERS_MAX_TOKENS"`
	OpenRouter    OpenRouterConfig `json:"openrouter" yaml:"openrouter"`
	Anthropic     AnthropicConfig  `json:"anthropic" yaml:"anthropic"`
}

type OpenRouterConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" env:"DOTTASK_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" yaml:"api_base" env:"DOTTASK_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"DOTTASK_PROVIDERS_OPENROUTER_PROXY"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key" env:"DOTTASK_PROVIDERS_ANTHROPIC_API_KEY"`
}

type ScanConfig struct {
	Enabled                  bool    `json:"enabled" yaml:"enabled" env:"DOTTASK_SCAN_ENABLED"`
	MaxScansPerDay           int     `json:"max_scans_per_day" yaml:"max_scans_per_day" env:"DOTTASK_SCAN_MAX_SCANS_PER_DAY"`
	MaxTokensPerDay          int     `json:"max_tokens_per_day" yaml:"max_tokens_per_day" env:"DOTTASK_SCAN_MAX_TOKENS_PER_DAY"`
	ActiveIntervalMinutes    int     `json:"active_interval_minutes" yaml:"active_interval_minutes" env:"DOTTASK_SCAN_ACTIVE_INTERVAL_MINUTES"`
	InactiveIntervalMinutes  int     `json:"inactive_interval_minutes" yaml:"inactive_interval_minutes" env:"DOTTASK_SCAN_INACTIVE_INTERVAL_MINUTES"`
	MaxItemsPerSource        int     `json:"max_items_per_source" yaml:"max_items_per_source" env:"DOTTASK_SCAN_MAX_ITEMS_PER_SOURCE"`
	BatchSize                int     `json:"batch_size" yaml:"batch_size" env:"DOTTASK_SCAN_BATCH_SIZE"`
	BatchTimeoutSeconds      int     `json:"batch_timeout_seconds" yaml:"batch_timeout_seconds" env:"DOTTASK_SCAN_BATCH_TIMEOUT_SECONDS"`
	HallucinationThreshold   float64 `json:"hallucination_threshold" yaml:"hallucination_threshold" env:"DOTTASK_SCAN_HALLUCINATION_THRESHOLD"`
	MidnightToleranceMinutes int     `json:"midnight_tolerance_minutes" yaml:"midnight_tolerance_minutes" env:"DOTTASK_SCAN_MIDNIGHT_TOLERANCE_MINUTES"`
	MailQuery                string  `json:"mail_query" yaml:"mail_query" env:"DOTTASK_SCAN_MAIL_QUERY"`
}

type MemoryConfig struct {
	CompactionThreshold      int `json:"compaction_threshold" yaml:"compaction_threshold" env:"DOTTASK_MEMORY_COMPACTION_THRESHOLD"`
	KeepRecent               int `json:"keep_recent" yaml:"keep_recent" env:"DOTTASK_MEMORY_KEEP_RECENT"`
	MaxFacts                 int `json:"max_facts" yaml:"max_facts" env:"DOTTASK_MEMORY_MAX_FACTS"`
	ConsolidationThreshold   int `json:"consolidation_threshold" yaml:"consolidation_threshold" env:"DOTTASK_MEMORY_CONSOLIDATION_THRESHOLD"`
	MaxConversationSummaries int `json:"max_conversation_summaries" yaml:"max_conversation_summaries" env:"DOTTASK_MEMORY_MAX_CONVERSATION_SUMMARIES"`
	EventLogCapacity         int `json:"event_log_capacity" yaml:"event_log_capacity" env:"DOTTASK_MEMORY_EVENT_LOG_CAPACITY"`
}

type TasksConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" env:"DOTTASK_TASKS_SIMILARITY_THRESHOLD"`
	ArchiveCapacity     int     `json:"archive_capacity" yaml:"archive_capacity" env:"DOTTASK_TASKS_ARCHIVE_CAPACITY"`
	MaxPatterns         int     `json:"max_patterns" yaml:"max_patterns" env:"DOTTASK_TASKS_MAX_PATTERNS"`
}

type GateConfig struct {
	CooldownMS int `json:"cooldown_ms" yaml:"cooldown_ms" env:"DOTTASK_GATE_COOLDOWN_MS"`
}

type SandboxConfig struct {
	Interpreter    string `json:"interpreter" yaml:"interpreter" env:"DOTTASK_SANDBOX_INTERPRETER"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"DOTTASK_SANDBOX_TIMEOUT_SECONDS"`
	MaxOutputBytes int    `json:"max_output_bytes" yaml:"max_output_bytes" env:"DOTTASK_SANDBOX_MAX_OUTPUT_BYTES"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"DOTTASK_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"DOTTASK_GATEWAY_PORT"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord" yaml:"discord"`
}

type DiscordConfig struct {
	Enabled         bool                `json:"enabled" yaml:"enabled" env:"DOTTASK_CHANNELS_DISCORD_ENABLED"`
	Token           string              `json:"token" yaml:"token" env:"DOTTASK_CHANNELS_DISCORD_TOKEN"`
	AllowFrom       FlexibleStringSlice `json:"allow_from" yaml:"allow_from" env:"DOTTASK_CHANNELS_DISCORD_ALLOW_FROM"`
	NotifyChannelID string              `json:"notify_channel_id" yaml:"notify_channel_id" env:"DOTTASK_CHANNELS_DISCORD_NOTIFY_CHANNEL_ID"`
}

type MailConfig struct {
	Gmail GmailConfig `json:"gmail" yaml:"gmail"`
}

type GmailConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" env:"DOTTASK_MAIL_GMAIL_ENABLED"`
	Account         string `json:"account" yaml:"account" env:"DOTTASK_MAIL_GMAIL_ACCOUNT"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file" env:"DOTTASK_MAIL_GMAIL_CREDENTIALS_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:  "~/.dottask/workspace",
			InstanceID: "default",
			Timezone:   "Local",
		},
		Providers: ProvidersConfig{
			Provider:      "openrouter",
			Model:         "anthropic/claude-sonnet-4.5",
			FallbackModel: "anthropic/claude-haiku-4.5",
			MaxTokens:     2048,
		},
		Scan: ScanConfig{
			Enabled:                  true,
			MaxScansPerDay:           24,
			MaxTokensPerDay:          200000,
			ActiveIntervalMinutes:    15,
			InactiveIntervalMinutes:  60,
			MaxItemsPerSource:        20,
			BatchSize:                10,
			BatchTimeoutSeconds:      25,
			HallucinationThreshold:   0.3,
			MidnightToleranceMinutes: 5,
			MailQuery:                "is:unread newer_than:2d -category:promotions -category:social",
		},
		Memory: MemoryConfig{
			CompactionThreshold:      16,
			KeepRecent:               10,
			MaxFacts:                 50,
			ConsolidationThreshold:   30,
			MaxConversationSummaries: 20,
			EventLogCapacity:         200,
		},
		Tasks: TasksConfig{
			SimilarityThreshold: 0.7,
			ArchiveCapacity:     200,
			MaxPatterns:         20,
		},
		Gate: GateConfig{
			CooldownMS: 1500,
		},
		Sandbox: SandboxConfig{
			Interpreter:    "python3",
			TimeoutSeconds: 30,
			MaxOutputBytes: 64 * 1024,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
	}
}

// LoadConfig reads path (JSON, or YAML by extension) over the defaults and
// then applies DOTTASK_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports configuration problems as user-actionable messages naming
// the config key and its environment variable.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Providers.Provider)) {
	case "", "openrouter":
		if strings.TrimSpace(c.Providers.OpenRouter.APIKey) == "" {
			errs = append(errs, fmt.Errorf("OpenRouter API key is required (set providers.openrouter.api_key or DOTTASK_PROVIDERS_OPENROUTER_API_KEY)"))
		}
	case "anthropic":
		if strings.TrimSpace(c.Providers.Anthropic.APIKey) == "" {
			errs = append(errs, fmt.Errorf("Anthropic API key is required (set providers.anthropic.api_key or DOTTASK_PROVIDERS_ANTHROPIC_API_KEY)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported provider %q (set providers.provider or DOTTASK_PROVIDERS_PROVIDER to openrouter or anthropic)", c.Providers.Provider))
	}

	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		errs = append(errs, fmt.Errorf("Discord token is required when the channel is enabled (set channels.discord.token or DOTTASK_CHANNELS_DISCORD_TOKEN)"))
	}
	if c.Mail.Gmail.Enabled && strings.TrimSpace(c.Mail.Gmail.CredentialsFile) == "" {
		errs = append(errs, fmt.Errorf("Gmail credentials file is required when mail is enabled (set mail.gmail.credentials_file or DOTTASK_MAIL_GMAIL_CREDENTIALS_FILE)"))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway port %d is out of range (set gateway.port or DOTTASK_GATEWAY_PORT)", c.Gateway.Port))
	}
	if c.Gate.CooldownMS <= 0 {
		errs = append(errs, fmt.Errorf("gate cooldown must be positive, got %dms (set gate.cooldown_ms or DOTTASK_GATE_COOLDOWN_MS)", c.Gate.CooldownMS))
	}
	return errors.Join(errs...)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

// StatePath is the SQLite state database inside the workspace.
func (c *Config) StatePath() string {
	return filepath.Join(c.WorkspacePath(), "state", "dottask.db")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

// ExpandHome resolves a leading ~ in path.
func ExpandHome(path string) string {
	return expandHome(path)
}
