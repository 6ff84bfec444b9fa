// Package config loads the process-level arbor configuration:
// defaults -> TOML file -> env vars (env wins).
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the process-level configuration. Per-agent hot-swappable
// settings live on arbor.RuntimeConfig; this covers what the process
// needs before any agent exists.
type Config struct {
	Database  DatabaseConfig            `toml:"database"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Embedding EmbeddingConfig           `toml:"embedding"`
	Agents    []AgentConfig             `toml:"agents"`
	Links     []LinkConfig              `toml:"links"`
	Sandbox   SandboxConfig             `toml:"sandbox"`
	Observer  ObserverConfig            `toml:"observer"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite file path.
	Path string `toml:"path"`
	// URL is the Postgres connection string.
	URL string `toml:"url"`
}

// ProviderConfig is one LLM credential entry, keyed by provider name.
type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
}

// AgentConfig declares one agent tenant.
type AgentConfig struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	Bio          string `toml:"bio"`
	Provider     string `toml:"provider"` // routing defaults seed
	WorkspaceDir string `toml:"workspace_dir"`
}

// LinkConfig declares one edge of the agent communication graph.
type LinkConfig struct {
	From      string `toml:"from"`
	To        string `toml:"to"`
	Direction string `toml:"direction"` // one_way | two_way
	Kind      string `toml:"kind"`      // hierarchical | peer
}

// SandboxConfig selects the worker shell isolation backend.
type SandboxConfig struct {
	// Backend is "host" (default) or "docker".
	Backend string `toml:"backend"`
	Image   string `toml:"image"`
}

// ObserverConfig toggles OTEL instrumentation.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: filepath.Join(home, ".arbor", "arbor.db")},
		Sandbox:  SandboxConfig{Backend: "host"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "arbor.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ARBOR_DB_PATH"); v != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = v
	}
	if v := os.Getenv("ARBOR_DB_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("ARBOR_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	for _, provider := range []string{"openai", "anthropic", "openrouter", "groq", "deepseek", "mistral"} {
		env := "ARBOR_" + strings.ToUpper(provider) + "_API_KEY"
		if v := os.Getenv(env); v != "" {
			if cfg.Providers == nil {
				cfg.Providers = make(map[string]ProviderConfig)
			}
			entry := cfg.Providers[provider]
			entry.APIKey = v
			cfg.Providers[provider] = entry
		}
	}
	if v := os.Getenv("ARBOR_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
