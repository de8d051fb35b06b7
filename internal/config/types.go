package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration parsed from autopr YAML.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	GitHub       GitHubConfig       `yaml:"github"`
	Database     DatabaseConfig     `yaml:"database"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Runner       RunnerConfig       `yaml:"runner"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Events       EventsConfig       `yaml:"events"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type GitHubConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
	// CloneHost is the host used for https clone URLs.
	CloneHost  string   `yaml:"clone_host"`
	BaseBranch string   `yaml:"base_branch"`
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	Timeout    Duration `yaml:"timeout"`
	PRLabels   []string `yaml:"pr_labels"`
	Reviewers  []string `yaml:"reviewers"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, sqlite or file.
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	// Path is the SQLite file, or the state directory for the file driver.
	Path string `yaml:"path"`
}

type WorkspaceConfig struct {
	BasePath         string   `yaml:"base_path"`
	RetentionDays    int      `yaml:"retention_days"`
	CloneTimeout     Duration `yaml:"clone_timeout"`
	CloneConcurrency int      `yaml:"clone_concurrency"`
}

// Retention returns the retention window as a duration.
func (w WorkspaceConfig) Retention() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

type RunnerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout Duration `yaml:"timeout"`
}

type ClassifierConfig struct {
	// Provider is openai (any OpenAI-compatible endpoint) or anthropic.
	Provider    string   `yaml:"provider"`
	URL         string   `yaml:"url"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Timeout     Duration `yaml:"timeout"`
}

type KnowledgeConfig struct {
	VectorURL        string   `yaml:"vector_url"`
	EmbeddingURL     string   `yaml:"embedding_url"`
	Collection       string   `yaml:"collection"`
	GraphURL         string   `yaml:"graph_url"`
	Limit            int      `yaml:"limit"`
	MaxContextTokens int      `yaml:"max_context_tokens"`
	Timeout          Duration `yaml:"timeout"`
}

// Enabled reports whether any knowledge layer is configured.
func (k KnowledgeConfig) Enabled() bool {
	return k.VectorURL != "" || k.GraphURL != ""
}

type OrchestratorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type EventsConfig struct {
	// Sinks lists enabled emitters: log, metrics, nats.
	Sinks         []string `yaml:"sinks"`
	NATSURL       string   `yaml:"nats_url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as "90s" or "5m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
