package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected openai, got %s", cfg.LLM.Provider)
	}
	if cfg.Context.MaxTokens != 32000 {
		t.Errorf("expected 32000, got %d", cfg.Context.MaxTokens)
	}
	if cfg.Research.MaxEpochs != 3 {
		t.Errorf("expected 3 epochs, got %d", cfg.Research.MaxEpochs)
	}
	if cfg.Store.Checkpointer != "file" {
		t.Errorf("expected file checkpointer, got %s", cfg.Store.Checkpointer)
	}
	if cfg.Events.BufferSize != 512 {
		t.Errorf("expected buffer 512, got %d", cfg.Events.BufferSize)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[llm]
model = "gpt-4o"

[context]
max_tokens = 8000

[store]
checkpointer = "sql"
dsn = "postgres://localhost/weaver"
`), 0644)

	cfg := Load(path)
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %s", cfg.LLM.Model)
	}
	if cfg.Context.MaxTokens != 8000 {
		t.Errorf("expected 8000, got %d", cfg.Context.MaxTokens)
	}
	if cfg.Store.Checkpointer != "sql" {
		t.Errorf("expected sql, got %s", cfg.Store.Checkpointer)
	}
	// Defaults preserved
	if cfg.LLM.Provider != "openai" {
		t.Errorf("default should be preserved, got %s", cfg.LLM.Provider)
	}
	if cfg.Limits.TurnTimeoutSeconds != 600 {
		t.Errorf("default should be preserved, got %d", cfg.Limits.TurnTimeoutSeconds)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LLM_API_KEY", "env-key")
	t.Setenv("MODEL_DEFAULT", "env-model")
	t.Setenv("MAX_CONTEXT_TOKENS", "16000")
	t.Setenv("TRUNCATION_STRATEGY", "middle")
	t.Setenv("CHECKPOINTER", "none")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("expected env-model, got %s", cfg.LLM.Model)
	}
	if cfg.Context.MaxTokens != 16000 {
		t.Errorf("expected 16000, got %d", cfg.Context.MaxTokens)
	}
	if cfg.Context.TruncationStrategy != "middle" {
		t.Errorf("expected middle, got %s", cfg.Context.TruncationStrategy)
	}
	if cfg.Store.Checkpointer != "none" {
		t.Errorf("expected none, got %s", cfg.Store.Checkpointer)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("MAX_CONTEXT_TOKENS", "not-a-number")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Context.MaxTokens != 32000 {
		t.Errorf("invalid env int should keep default, got %d", cfg.Context.MaxTokens)
	}
}
