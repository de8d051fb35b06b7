package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	knownDrivers   = map[string]bool{"postgres": true, "sqlite": true, "file": true}
	knownSinks     = map[string]bool{"log": true, "metrics": true, "nats": true}
	knownProviders = map[string]bool{"openai": true, "anthropic": true}
	knownLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	knownFormats   = map[string]bool{"json": true, "text": true}
)

// Validate checks a Config for missing and out-of-range values.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(cfg.GitHub.Token) == "" {
		add("github.token", "is required")
	}
	if !isHTTPURL(cfg.GitHub.BaseURL) {
		add("github.base_url", "must start with http:// or https://")
	}
	if cfg.GitHub.MaxRetries < 0 {
		add("github.max_retries", "must not be negative")
	}

	switch {
	case !knownProviders[cfg.Classifier.Provider]:
		add("classifier.provider", "unknown provider %q", cfg.Classifier.Provider)
	case cfg.Classifier.Provider == "openai" && strings.TrimSpace(cfg.Classifier.URL) == "":
		add("classifier.url", "is required")
	case cfg.Classifier.Provider == "anthropic" && cfg.Classifier.APIKey == "":
		add("classifier.api_key", "is required for the anthropic provider")
	}
	if cfg.Classifier.URL != "" && !isHTTPURL(cfg.Classifier.URL) {
		add("classifier.url", "must start with http:// or https://")
	}

	switch cfg.Database.Driver {
	case "postgres":
		if !strings.HasPrefix(cfg.Database.URL, "postgres://") && !strings.HasPrefix(cfg.Database.URL, "postgresql://") {
			add("database.url", "must start with postgresql:// or postgres://")
		}
	default:
		if !knownDrivers[cfg.Database.Driver] {
			add("database.driver", "unknown driver %q", cfg.Database.Driver)
		}
	}

	if !filepath.IsAbs(cfg.Workspace.BasePath) {
		add("workspace.base_path", "must be an absolute path")
	}
	if cfg.Workspace.RetentionDays < 1 {
		add("workspace.retention_days", "must be at least 1")
	}
	if cfg.Workspace.CloneConcurrency < 1 {
		add("workspace.clone_concurrency", "must be at least 1")
	}

	if strings.TrimSpace(cfg.Runner.Command) == "" {
		add("runner.command", "is required")
	}
	if cfg.Runner.Timeout.Std() < time.Second {
		add("runner.timeout", "must be at least 1s")
	}

	for field, u := range map[string]string{
		"knowledge.vector_url":    cfg.Knowledge.VectorURL,
		"knowledge.embedding_url": cfg.Knowledge.EmbeddingURL,
		"knowledge.graph_url":     cfg.Knowledge.GraphURL,
	} {
		if u != "" && !isHTTPURL(u) {
			add(field, "must start with http:// or https://")
		}
	}
	if cfg.Knowledge.VectorURL != "" && cfg.Knowledge.EmbeddingURL == "" {
		add("knowledge.embedding_url", "is required when vector_url is set")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535")
	}
	if cfg.Orchestrator.Workers < 1 {
		add("orchestrator.workers", "must be at least 1")
	}
	if cfg.Orchestrator.QueueSize < 1 {
		add("orchestrator.queue_size", "must be at least 1")
	}

	for _, sink := range cfg.Events.Sinks {
		if !knownSinks[sink] {
			add("events.sinks", "unknown sink %q", sink)
		}
		if sink == "nats" && cfg.Events.NATSURL == "" {
			add("events.nats_url", "is required when the nats sink is enabled")
		}
	}

	if !knownLevels[strings.ToLower(cfg.Log.Level)] {
		add("log.level", "unknown level %q", cfg.Log.Level)
	}
	if !knownFormats[cfg.Log.Format] {
		add("log.format", "unknown format %q", cfg.Log.Format)
	}

	return errs
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
