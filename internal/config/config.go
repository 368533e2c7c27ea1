// Package config loads engine configuration from defaults, a TOML file, and
// environment variables, in that order. Environment wins.
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Context  ContextConfig  `toml:"context"`
	Research ResearchConfig `toml:"research"`
	Limits   LimitsConfig   `toml:"limits"`
	Store    StoreConfig    `toml:"store"`
	Search   SearchConfig   `toml:"search"`
	Events   EventsConfig   `toml:"events"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type ContextConfig struct {
	MaxTokens          int    `toml:"max_tokens"`
	TruncationStrategy string `toml:"truncation_strategy"` // smart, fifo, middle
}

type ResearchConfig struct {
	MaxEpochs     int `toml:"max_epochs"`
	MaxSubQueries int `toml:"max_subqueries"`
	FreshnessDays int `toml:"freshness_days"`
}

type LimitsConfig struct {
	ToolTimeoutSeconds int `toml:"tool_timeout_seconds"`
	TurnTimeoutSeconds int `toml:"turn_timeout_seconds"`
}

type StoreConfig struct {
	// Checkpointer is "none", "file" (SQLite) or "sql" (PostgreSQL).
	Checkpointer string `toml:"checkpointer"`
	// DSN is a file path for "file" and a connection string for "sql".
	DSN string `toml:"dsn"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type EventsConfig struct {
	BufferSize int `toml:"buffer_size"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		LLM:      LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Context:  ContextConfig{MaxTokens: 32000, TruncationStrategy: "smart"},
		Research: ResearchConfig{MaxEpochs: 3, MaxSubQueries: 5, FreshnessDays: 30},
		Limits:   LimitsConfig{ToolTimeoutSeconds: 60, TurnTimeoutSeconds: 600},
		Store:    StoreConfig{Checkpointer: "file", DSN: "weaver.db"},
		Events:   EventsConfig{BufferSize: 512},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "weaver.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("MODEL_DEFAULT"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v, ok := envInt("MAX_CONTEXT_TOKENS"); ok {
		cfg.Context.MaxTokens = v
	}
	if v := os.Getenv("TRUNCATION_STRATEGY"); v != "" {
		cfg.Context.TruncationStrategy = v
	}
	if v, ok := envInt("DEEP_MAX_EPOCHS"); ok {
		cfg.Research.MaxEpochs = v
	}
	if v, ok := envInt("DEEP_MAX_SUBQUERIES"); ok {
		cfg.Research.MaxSubQueries = v
	}
	if v, ok := envInt("DEEP_FRESHNESS_DAYS"); ok {
		cfg.Research.FreshnessDays = v
	}
	if v, ok := envInt("TOOL_TIMEOUT_SECONDS"); ok {
		cfg.Limits.ToolTimeoutSeconds = v
	}
	if v, ok := envInt("TURN_TIMEOUT_SECONDS"); ok {
		cfg.Limits.TurnTimeoutSeconds = v
	}
	if v := os.Getenv("CHECKPOINTER"); v != "" {
		cfg.Store.Checkpointer = v
	}
	if v := os.Getenv("CHECKPOINTER_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v, ok := envInt("EVENT_BUFFER_SIZE"); ok {
		cfg.Events.BufferSize = v
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
