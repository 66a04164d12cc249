package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wxorc.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Instances []InstanceConfig `yaml:"instances"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Rules     []RuleConfig    `yaml:"rules"`
	FixedListeners []FixedListenerConfig `yaml:"fixed_listeners"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig describes the SQLite-backed persistence layer.
type StoreConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// InstanceConfig describes one remote WeChat-automation daemon.
type InstanceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Enabled bool   `yaml:"enabled"`

	// RateLimitPerSecond caps outbound calls to this instance's daemon,
	// on top of the single-in-flight-request rule, to stay clear of the
	// remote WeChat client's own anti-spam throttling.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// PipelineConfig holds the tunables named in the external interfaces
// section: poll cadence, listener caps, worker pool sizing, timeouts.
type PipelineConfig struct {
	PollIntervalSeconds         int    `yaml:"poll_interval_seconds"`
	TimeoutMinutes              int    `yaml:"timeout_minutes"`
	MaxListeners                int    `yaml:"max_listeners"`
	DeliveryWorkers             int    `yaml:"delivery_workers"`
	MergeWindowMs               int    `yaml:"merge_window_ms"`
	PlatformCallTimeoutSeconds  int    `yaml:"platform_call_timeout_seconds"`
	AccountingCallTimeoutSeconds int   `yaml:"accounting_call_timeout_seconds"`
	ConversationPurgeDays       int    `yaml:"conversation_purge_days"`
	DownloadsDir                string `yaml:"downloads_dir"`
	HousekeepingIntervalSeconds int    `yaml:"housekeeping_interval_seconds"`
}

// PlatformsConfig holds per-kind platform configuration blobs, keyed by
// platform_id. The map an entry sits in (dify, openai, ...) selects its
// kind.
type PlatformsConfig struct {
	Dify     map[string]DifyConfig     `yaml:"dify"`
	OpenAI   map[string]OpenAIConfig   `yaml:"openai"`
	Coze     map[string]CozeConfig     `yaml:"coze"`
	Keyword  map[string]KeywordConfig  `yaml:"keyword"`
	Zhiweijz map[string]ZhiweijzConfig `yaml:"zhiweijz"`
}

type DifyConfig struct {
	Name            string `yaml:"name"`
	APIBase         string `yaml:"api_base"`
	APIKey          string `yaml:"api_key"`
	ConversationID  string `yaml:"conversation_id"`
	UserID          string `yaml:"user_id"`
	MessageSendMode string `yaml:"message_send_mode"`
	Enabled         bool   `yaml:"enabled"`
}

type OpenAIConfig struct {
	Name            string  `yaml:"name"`
	APIBase         string  `yaml:"api_base"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	Temperature     float32 `yaml:"temperature"`
	SystemPrompt    string  `yaml:"system_prompt"`
	MaxTokens       int     `yaml:"max_tokens"`
	MessageSendMode string  `yaml:"message_send_mode"`
	Enabled         bool    `yaml:"enabled"`
}

type CozeConfig struct {
	Name                  string `yaml:"name"`
	APIKey                string `yaml:"api_key"`
	WorkspaceID           string `yaml:"workspace_id"`
	BotID                 string `yaml:"bot_id"`
	ContinuousConversation bool  `yaml:"continuous_conversation"`
	MessageSendMode       string `yaml:"message_send_mode"`
	Enabled               bool   `yaml:"enabled"`
}

type KeywordRule struct {
	Keywords     []string `yaml:"keywords"`
	MatchType    string   `yaml:"match_type"` // exact | contains | fuzzy
	Replies      []string `yaml:"replies"`
	IsRandomReply bool    `yaml:"is_random_reply"`
	MinReplyTime float64  `yaml:"min_reply_time"`
	MaxReplyTime float64  `yaml:"max_reply_time"`
}

type KeywordConfig struct {
	Name            string        `yaml:"name"`
	Rules           []KeywordRule `yaml:"rules"`
	MinReplyTime    float64       `yaml:"min_reply_time"`
	MaxReplyTime    float64       `yaml:"max_reply_time"`
	MessageSendMode string        `yaml:"message_send_mode"`
	Enabled         bool          `yaml:"enabled"`
}

type ZhiweijzConfig struct {
	Name              string `yaml:"name"`
	ServerURL         string `yaml:"server_url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	AccountBookID     string `yaml:"account_book_id"`
	AutoLogin         bool   `yaml:"auto_login"`
	WarnOnIrrelevant  bool   `yaml:"warn_on_irrelevant"`
	RequestTimeoutSeconds int `yaml:"request_timeout"`
	MessageSendMode   string `yaml:"message_send_mode"`
	Enabled           bool   `yaml:"enabled"`
}

// RuleConfig mirrors a persisted Rule row. The Supervisor re-seeds the
// store from this list on every boot, updating in place the row with the
// same (name, instance_id, chat_pattern, platform_id); ID is not read.
type RuleConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	InstanceID      string `yaml:"instance_id"`
	ChatPattern     string `yaml:"chat_pattern"`
	PlatformID      string `yaml:"platform_id"`
	Priority        int    `yaml:"priority"`
	Enabled         bool   `yaml:"enabled"`
	OnlyAtMessages  bool   `yaml:"only_at_messages"`
	AtName          string `yaml:"at_name"`
	ReplyAtSender   bool   `yaml:"reply_at_sender"`
}

// FixedListenerConfig declares a chat that must always have an active
// manual listener.
type FixedListenerConfig struct {
	SessionName string `yaml:"session_name"`
	Enabled     bool   `yaml:"enabled"`
	Description string `yaml:"description"`
}

// LoggingConfig is parsed and defaulted by Validate; cmd/wxorc does not
// read it and always logs text to stdout at info level.
type LoggingConfig struct {
	MinLevel string         `yaml:"min_level"`
	Writers  []LoggerWriter `yaml:"writers"`
}

// LoggerWriter describes a single log output target.
type LoggerWriter struct {
	Type     string `yaml:"type"`
	Format   string `yaml:"format"`
	Filename string `yaml:"filename,omitempty"`
}

// MetricsConfig controls Prometheus metrics and health exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 4
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = 2
	}

	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one instance must be configured")
	}
	seen := make(map[string]bool, len(c.Instances))
	for i := range c.Instances {
		in := &c.Instances[i]
		if in.ID == "" {
			return fmt.Errorf("instances[%d].id is required", i)
		}
		if seen[in.ID] {
			return fmt.Errorf("duplicate instance id %q", in.ID)
		}
		seen[in.ID] = true
		if in.BaseURL == "" {
			return fmt.Errorf("instances[%d].base_url is required", i)
		}
		if in.RateLimitPerSecond == 0 {
			in.RateLimitPerSecond = 2
		}
		if in.RateLimitBurst == 0 {
			in.RateLimitBurst = 4
		}
	}

	p := &c.Pipeline
	if p.PollIntervalSeconds == 0 {
		p.PollIntervalSeconds = 5
	}
	if p.TimeoutMinutes == 0 {
		p.TimeoutMinutes = 30
	}
	if p.MaxListeners == 0 {
		p.MaxListeners = 30
	}
	if p.DeliveryWorkers == 0 {
		p.DeliveryWorkers = 4
	}
	if p.MergeWindowMs == 0 {
		p.MergeWindowMs = 1500
	}
	if p.PlatformCallTimeoutSeconds == 0 {
		p.PlatformCallTimeoutSeconds = 60
	}
	if p.AccountingCallTimeoutSeconds == 0 {
		p.AccountingCallTimeoutSeconds = 30
	}
	if p.ConversationPurgeDays == 0 {
		p.ConversationPurgeDays = 30
	}
	if p.DownloadsDir == "" {
		p.DownloadsDir = "downloads"
	}
	if p.HousekeepingIntervalSeconds == 0 {
		p.HousekeepingIntervalSeconds = 60
	}

	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9110"
	}

	return c.validatePlatforms()
}

func (c *Config) validatePlatforms() error {
	any := false
	for id, p := range c.Platforms.Dify {
		any = true
		if p.APIBase == "" {
			return fmt.Errorf("platforms.dify[%s].api_base is required", id)
		}
		if p.MessageSendMode == "" {
			p.MessageSendMode = "normal"
			c.Platforms.Dify[id] = p
		}
	}
	for id, p := range c.Platforms.OpenAI {
		any = true
		if p.APIBase == "" {
			return fmt.Errorf("platforms.openai[%s].api_base is required", id)
		}
		if p.Model == "" {
			p.Model = "gpt-4o-mini"
		}
		if p.MessageSendMode == "" {
			p.MessageSendMode = "normal"
		}
		c.Platforms.OpenAI[id] = p
	}
	for id, p := range c.Platforms.Coze {
		any = true
		if p.BotID == "" {
			return fmt.Errorf("platforms.coze[%s].bot_id is required", id)
		}
		if p.MessageSendMode == "" {
			p.MessageSendMode = "normal"
		}
		c.Platforms.Coze[id] = p
	}
	for id, p := range c.Platforms.Keyword {
		any = true
		if p.MessageSendMode == "" {
			p.MessageSendMode = "normal"
		}
		c.Platforms.Keyword[id] = p
	}
	for id, p := range c.Platforms.Zhiweijz {
		any = true
		if p.ServerURL == "" {
			return fmt.Errorf("platforms.zhiweijz[%s].server_url is required", id)
		}
		if p.RequestTimeoutSeconds == 0 {
			p.RequestTimeoutSeconds = 30
		}
		if p.MessageSendMode == "" {
			p.MessageSendMode = "normal"
		}
		c.Platforms.Zhiweijz[id] = p
	}
	if !any {
		return fmt.Errorf("at least one platform must be configured")
	}
	return nil
}
