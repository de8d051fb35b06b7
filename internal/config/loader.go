package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path.
// Defaults are applied first, then AUTOPR_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./autopr.yaml, ~/.autopr/config.yaml.
// With no file present the configuration comes from defaults and the
// environment alone.
func LoadDefault() (*Config, error) {
	candidates := []string{"autopr.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".autopr", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Parse(nil)
}

func applyDefaults(cfg *Config) {
	setString(&cfg.Server.Host, "0.0.0.0")
	setInt(&cfg.Server.Port, 8080)
	setDuration(&cfg.Server.ShutdownTimeout, 30*time.Second)

	setString(&cfg.GitHub.BaseURL, "https://api.github.com")
	setString(&cfg.GitHub.CloneHost, "github.com")
	setString(&cfg.GitHub.BaseBranch, "main")
	setInt(&cfg.GitHub.MaxRetries, 3)
	setDuration(&cfg.GitHub.BaseDelay, time.Second)
	setDuration(&cfg.GitHub.MaxDelay, 60*time.Second)
	setDuration(&cfg.GitHub.Timeout, 30*time.Second)

	setString(&cfg.Database.Driver, "sqlite")

	setString(&cfg.Workspace.BasePath, "/var/lib/autopr/workspaces")
	setInt(&cfg.Workspace.RetentionDays, 7)
	setDuration(&cfg.Workspace.CloneTimeout, 5*time.Minute)
	setInt(&cfg.Workspace.CloneConcurrency, 4)

	setString(&cfg.Runner.Command, "kiro-cli")
	setDuration(&cfg.Runner.Timeout, time.Hour)

	setString(&cfg.Classifier.Provider, "openai")
	setString(&cfg.Classifier.Model, "Qwen/Qwen2.5-Coder-14B-Instruct-GPTQ-Int4")
	if cfg.Classifier.Temperature == 0 {
		cfg.Classifier.Temperature = 0.1
	}
	setInt(&cfg.Classifier.MaxTokens, 1024)
	setDuration(&cfg.Classifier.Timeout, 60*time.Second)

	setString(&cfg.Knowledge.Collection, "knowledge")
	setInt(&cfg.Knowledge.Limit, 10)
	setInt(&cfg.Knowledge.MaxContextTokens, 6000)
	setDuration(&cfg.Knowledge.Timeout, 10*time.Second)

	setInt(&cfg.Orchestrator.Workers, 4)
	setInt(&cfg.Orchestrator.QueueSize, 100)

	if len(cfg.Events.Sinks) == 0 {
		cfg.Events.Sinks = []string{"log", "metrics"}
	}
	setString(&cfg.Events.SubjectPrefix, "autopr.events")

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "json")
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	key string
	set func(cfg *Config, v string) error
}{
	{"AUTOPR_GITHUB_TOKEN", func(c *Config, v string) error { c.GitHub.Token = v; return nil }},
	{"AUTOPR_WEBHOOK_SECRET", func(c *Config, v string) error { c.GitHub.WebhookSecret = v; return nil }},
	{"AUTOPR_GITHUB_BASE_URL", func(c *Config, v string) error { c.GitHub.BaseURL = v; return nil }},
	{"AUTOPR_DATABASE_DRIVER", func(c *Config, v string) error { c.Database.Driver = v; return nil }},
	{"AUTOPR_DATABASE_URL", func(c *Config, v string) error { c.Database.URL = v; return nil }},
	{"AUTOPR_WORKSPACE_PATH", func(c *Config, v string) error { c.Workspace.BasePath = v; return nil }},
	{"AUTOPR_LLM_URL", func(c *Config, v string) error { c.Classifier.URL = v; return nil }},
	{"AUTOPR_LLM_MODEL", func(c *Config, v string) error { c.Classifier.Model = v; return nil }},
	{"AUTOPR_LLM_API_KEY", func(c *Config, v string) error { c.Classifier.APIKey = v; return nil }},
	{"AUTOPR_NATS_URL", func(c *Config, v string) error { c.Events.NATSURL = v; return nil }},
	{"AUTOPR_PORT", func(c *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUTOPR_PORT: %w", err)
		}
		c.Server.Port = port
		return nil
	}},
	{"AUTOPR_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			return err
		}
	}
	return nil
}

// Redacted returns a copy with secrets masked, safe to log or print.
func (c Config) Redacted() Config {
	c.GitHub.Token = RedactSecret(c.GitHub.Token)
	c.GitHub.WebhookSecret = RedactSecret(c.GitHub.WebhookSecret)
	c.Classifier.APIKey = RedactSecret(c.Classifier.APIKey)
	c.Database.URL = RedactSecret(c.Database.URL)
	return c
}

// RedactSecret keeps the first four characters of v and masks the rest.
func RedactSecret(v string) string {
	const visible = 4
	if len(v) <= visible {
		return strings.Repeat("*", len(v))
	}
	return v[:visible] + strings.Repeat("*", len(v)-visible)
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setDuration(p *Duration, def time.Duration) {
	if *p == 0 {
		*p = Duration(def)
	}
}
