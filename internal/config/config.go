// Package config provides configuration types and loading for anteroom.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Channels, Pipeline, Session, Routines, Bridge, Approval.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Model    ModelConfig    `json:"model"`
	Channels ChannelsConfig `json:"channels"`
	Pipeline PipelineConfig `json:"pipeline"`
	Session  SessionConfig  `json:"session"`
	Routines RoutinesConfig `json:"routines"`
	Bridge   BridgeConfig   `json:"bridge"`
	Approval ApprovalConfig `json:"approval"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Workspace    string `json:"workspace" envconfig:"WORKSPACE"`
	DatabasePath string `json:"databasePath" envconfig:"DATABASE_PATH"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM provider and agent-loop settings.
type ModelConfig struct {
	Provider          string  `json:"provider" envconfig:"MODEL_PROVIDER"` // openai | anthropic
	Name              string  `json:"name" envconfig:"MODEL"`
	APIKey            string  `json:"apiKey" envconfig:"MODEL_API_KEY"`
	APIBase           string  `json:"apiBase,omitempty" envconfig:"MODEL_API_BASE"`
	MaxTokens         int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature       float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxToolIterations int     `json:"maxToolIterations" envconfig:"MAX_TOOL_ITERATIONS"`
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Email    EmailConfig    `json:"email"`
	Telegram TelegramConfig `json:"telegram"`
}

// EmailConfig configures the email bridge channel.
type EmailConfig struct {
	Enabled      bool          `json:"enabled" envconfig:"EMAIL_ENABLED"`
	BridgeURL    string        `json:"bridgeUrl" envconfig:"EMAIL_BRIDGE_URL"`
	BridgeToken  string        `json:"bridgeToken" envconfig:"EMAIL_BRIDGE_TOKEN"`
	SelfAddress  string        `json:"selfAddress" envconfig:"EMAIL_SELF_ADDRESS"`
	AllowFrom    []string      `json:"allowFrom"`
	PollInterval time.Duration `json:"pollInterval" envconfig:"EMAIL_POLL_INTERVAL"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled      bool          `json:"enabled" envconfig:"TELEGRAM_ENABLED"`
	Token        string        `json:"token" envconfig:"TELEGRAM_TOKEN"`
	SelfUsername string        `json:"selfUsername" envconfig:"TELEGRAM_SELF_USERNAME"`
	AllowFrom    []string      `json:"allowFrom"`
	PollInterval time.Duration `json:"pollInterval" envconfig:"TELEGRAM_POLL_INTERVAL"`
}

// ---------------------------------------------------------------------------
// Pipeline – triage tuning
// ---------------------------------------------------------------------------

// PipelineConfig tunes the triage pipeline and card queue.
type PipelineConfig struct {
	CardExpiryMinutes int      `json:"cardExpiryMinutes" envconfig:"CARD_EXPIRY_MINUTES"`
	KnownSenders      []string `json:"knownSenders"`
	// CustomIgnoreRules are user regexes appended to the default ignore set.
	CustomIgnoreRules []CustomRule `json:"customIgnoreRules"`
	// AlwaysCardPatterns are sender regexes that bypass ignore rules.
	AlwaysCardPatterns []string `json:"alwaysCardPatterns"`
	MaxSuggestions     int      `json:"maxSuggestions" envconfig:"MAX_SUGGESTIONS"`
}

// CustomRule is a user-supplied ignore rule.
type CustomRule struct {
	Pattern string `json:"pattern"`
	Field   string `json:"field"` // sender | subject | content
	Reason  string `json:"reason"`
}

// ---------------------------------------------------------------------------
// Session – thread lifecycle
// ---------------------------------------------------------------------------

// SessionConfig tunes session and thread management.
type SessionConfig struct {
	IdleTimeout  time.Duration `json:"idleTimeout" envconfig:"SESSION_IDLE_TIMEOUT"`
	HistoryLimit int           `json:"historyLimit" envconfig:"SESSION_HISTORY_LIMIT"`
	// CompactionThreshold is the context-pressure ratio above which the
	// compactor runs (0..1).
	CompactionThreshold float64 `json:"compactionThreshold" envconfig:"COMPACTION_THRESHOLD"`
	// CompactionKeepTurns is how many recent turns survive compaction.
	CompactionKeepTurns int `json:"compactionKeepTurns" envconfig:"COMPACTION_KEEP_TURNS"`
}

// ---------------------------------------------------------------------------
// Routines – scheduled and event-triggered tasks
// ---------------------------------------------------------------------------

// RoutinesConfig tunes the routine engine.
type RoutinesConfig struct {
	Enabled             bool          `json:"enabled" envconfig:"ROUTINES_ENABLED"`
	TickInterval        time.Duration `json:"tickInterval" envconfig:"ROUTINES_TICK_INTERVAL"`
	MaxConcurrent       int           `json:"maxConcurrent" envconfig:"ROUTINES_MAX_CONCURRENT"`
	DefaultCooldown     time.Duration `json:"defaultCooldown" envconfig:"ROUTINES_DEFAULT_COOLDOWN"`
	LightweightMaxToken int           `json:"lightweightMaxTokens" envconfig:"ROUTINES_LIGHTWEIGHT_MAX_TOKENS"`
}

// ---------------------------------------------------------------------------
// Bridge – UI streaming transport
// ---------------------------------------------------------------------------

// BridgeConfig contains UI bridge server settings.
type BridgeConfig struct {
	Host      string `json:"host" envconfig:"BRIDGE_HOST"`
	Port      int    `json:"port" envconfig:"BRIDGE_PORT"`
	AuthToken string `json:"authToken" envconfig:"BRIDGE_AUTH_TOKEN"`
}

// ApprovalConfig tunes tool-approval behaviour.
type ApprovalConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds" envconfig:"APPROVAL_TIMEOUT_SECONDS"`
}

// Normalize applies defaults to unset values.
func (c *Config) Normalize() {
	if c.Paths.Workspace == "" {
		c.Paths.Workspace = defaultWorkspace()
	}
	if c.Paths.DatabasePath == "" {
		c.Paths.DatabasePath = defaultDatabasePath()
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.MaxToolIterations <= 0 {
		c.Model.MaxToolIterations = 10
	}
	if c.Channels.Email.PollInterval <= 0 {
		c.Channels.Email.PollInterval = 60 * time.Second
	}
	if c.Channels.Telegram.PollInterval <= 0 {
		c.Channels.Telegram.PollInterval = 3 * time.Second
	}
	if c.Pipeline.CardExpiryMinutes <= 0 {
		c.Pipeline.CardExpiryMinutes = 1440
	}
	if c.Pipeline.MaxSuggestions <= 0 {
		c.Pipeline.MaxSuggestions = 5
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = 2 * time.Hour
	}
	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = 40
	}
	if c.Session.CompactionThreshold <= 0 || c.Session.CompactionThreshold > 1 {
		c.Session.CompactionThreshold = 0.8
	}
	if c.Session.CompactionKeepTurns <= 0 {
		c.Session.CompactionKeepTurns = 4
	}
	if c.Routines.TickInterval <= 0 {
		c.Routines.TickInterval = 30 * time.Second
	}
	if c.Routines.MaxConcurrent <= 0 {
		c.Routines.MaxConcurrent = 5
	}
	if c.Routines.DefaultCooldown <= 0 {
		c.Routines.DefaultCooldown = 5 * time.Minute
	}
	if c.Routines.LightweightMaxToken <= 0 {
		c.Routines.LightweightMaxToken = 1024
	}
	if c.Bridge.Host == "" {
		c.Bridge.Host = "127.0.0.1"
	}
	if c.Bridge.Port <= 0 {
		c.Bridge.Port = 8787
	}
	if c.Approval.TimeoutSeconds <= 0 {
		c.Approval.TimeoutSeconds = 60
	}
}
