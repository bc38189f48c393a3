// Package config defines the daemon configuration: agent identities,
// provider credentials, pipeline quorums and budgets, schedules, and the
// chat front end.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Agents   AgentsConfig   `json:"agents" mapstructure:"agents"`
	Pipeline PipelineConfig `json:"pipeline" mapstructure:"pipeline"`
	Schedule []ScheduleJob  `json:"schedule" mapstructure:"schedule"`
	Topics   TopicsConfig   `json:"topics" mapstructure:"topics"`
	Render   RenderConfig   `json:"render" mapstructure:"render"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	History  HistoryConfig  `json:"history" mapstructure:"history"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	KeepDays  int    `json:"keep_days" mapstructure:"keep_days"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// ProviderConfig selects the LLM provider used by every agent identity.
type ProviderConfig struct {
	Name   string `json:"name" mapstructure:"name"` // anthropic or openai
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// IdentityConfig is one fixed agent identity. The same identities write and
// judge.
type IdentityConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	Persona string `json:"persona" mapstructure:"persona"`
}

// AgentsConfig bounds every agent invocation.
type AgentsConfig struct {
	Identities     []IdentityConfig `json:"identities" mapstructure:"identities"`
	Model          string           `json:"model" mapstructure:"model"`
	Temperature    float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens      int              `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRounds      int              `json:"max_rounds" mapstructure:"max_rounds"`
	TimeoutSeconds int              `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// PipelineConfig bounds pipeline runs.
type PipelineConfig struct {
	GenerationQuorum       int `json:"generation_quorum" mapstructure:"generation_quorum"`
	EvaluationQuorum       int `json:"evaluation_quorum" mapstructure:"evaluation_quorum"`
	StageBudgetSeconds     int `json:"stage_budget_seconds" mapstructure:"stage_budget_seconds"`
	DecisionTimeoutMinutes int `json:"decision_timeout_minutes" mapstructure:"decision_timeout_minutes"`
}

// StageBudget returns the fan-out stage budget as a duration.
func (p PipelineConfig) StageBudget() time.Duration {
	return time.Duration(p.StageBudgetSeconds) * time.Second
}

// DecisionTimeout returns the human-response budget as a duration.
func (p PipelineConfig) DecisionTimeout() time.Duration {
	return time.Duration(p.DecisionTimeoutMinutes) * time.Minute
}

// ScheduleJob starts one run per firing.
type ScheduleJob struct {
	Name    string `json:"name" mapstructure:"name"`
	Kind    string `json:"kind" mapstructure:"kind"` // comic or joke
	Expr    string `json:"expr" mapstructure:"expr"` // 5-field cron expression
	TZ      string `json:"tz" mapstructure:"tz"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

// TopicsConfig locates the pre-fetched topic files.
type TopicsConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// RenderConfig locates rendered assets.
type RenderConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// TelegramConfig holds the chat front end and publish channel.
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Operators []int64 `json:"operators" mapstructure:"operators"` // chat ids allowed to decide
	ChannelID int64   `json:"channel_id" mapstructure:"channel_id"`
}

// HistoryConfig locates the run archive database.
type HistoryConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// DefaultConfig returns a config with default values. The five identities
// share the jury duty: each writes one candidate and scores everyone's.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSizeMB: 50,
			KeepDays:  14,
			Compress:  true,
		},
		Provider: ProviderConfig{
			Name: "anthropic",
		},
		Agents: AgentsConfig{
			Identities: []IdentityConfig{
				{ID: "agent_a", Name: "Writer A", Persona: "Observational humor rooted in everyday office life."},
				{ID: "agent_b", Name: "Writer B", Persona: "Sharp satire of current events and institutions."},
				{ID: "agent_c", Name: "Writer C", Persona: "Absurdist setups with deadpan visual punchlines."},
				{ID: "agent_d", Name: "Writer D", Persona: "Warm, character-driven humor with gentle twists."},
				{ID: "agent_e", Name: "Writer E", Persona: "Dry irony and understated dark comedy."},
			},
			Model:          "claude-sonnet-4",
			Temperature:    0.8,
			MaxTokens:      4096,
			MaxRounds:      10,
			TimeoutSeconds: 120,
		},
		Pipeline: PipelineConfig{
			GenerationQuorum:       3,
			EvaluationQuorum:       3,
			StageBudgetSeconds:     600,
			DecisionTimeoutMinutes: 1440,
		},
		Schedule: []ScheduleJob{
			{Name: "daily-comic", Kind: "comic", Expr: "0 9 * * *", TZ: "Asia/Seoul", Enabled: true},
		},
		Telegram: TelegramConfig{
			Enabled: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("invalid provider %q (must be: anthropic, openai)", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api_key is required")
	}

	if len(c.Agents.Identities) == 0 {
		return fmt.Errorf("at least one agent identity must be configured")
	}
	seen := make(map[string]bool)
	for i, identity := range c.Agents.Identities {
		if identity.ID == "" {
			return fmt.Errorf("identity %d: id is required", i)
		}
		if seen[identity.ID] {
			return fmt.Errorf("identity %s: duplicate id", identity.ID)
		}
		seen[identity.ID] = true
	}
	if c.Agents.Model == "" {
		return fmt.Errorf("agents model is required")
	}

	n := len(c.Agents.Identities)
	if c.Pipeline.GenerationQuorum < 1 || c.Pipeline.GenerationQuorum > n {
		return fmt.Errorf("generation_quorum must be between 1 and %d", n)
	}
	if c.Pipeline.EvaluationQuorum < 1 || c.Pipeline.EvaluationQuorum > n {
		return fmt.Errorf("evaluation_quorum must be between 1 and %d", n)
	}

	for i, job := range c.Schedule {
		if job.Name == "" {
			return fmt.Errorf("schedule %d: name is required", i)
		}
		if job.Kind != "comic" && job.Kind != "joke" {
			return fmt.Errorf("schedule %s: invalid kind %q (must be: comic, joke)", job.Name, job.Kind)
		}
		if job.Expr == "" {
			return fmt.Errorf("schedule %s: cron expression is required", job.Name)
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot_token is required when telegram is enabled")
		}
		if len(c.Telegram.Operators) == 0 {
			return fmt.Errorf("at least one telegram operator is required when telegram is enabled")
		}
	}

	return nil
}
