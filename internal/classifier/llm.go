package classifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/lucasnoah/autopr/internal/config"
)

// LLM sends one system+user exchange to a model and returns its text reply.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Params are the sampling settings shared by all backends.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	client openai.Client
	params Params
}

// NewOpenAIBackend creates a backend for baseURL. Self-hosted servers usually
// ignore the key, so an empty one is replaced with a placeholder.
func NewOpenAIBackend(baseURL, apiKey string, params Params, httpClient *http.Client) *OpenAIBackend {
	if apiKey == "" {
		apiKey = "not-needed"
	}
	opts := []openaiopt.RequestOption{
		openaiopt.WithAPIKey(apiKey),
		openaiopt.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if httpClient != nil {
		opts = append(opts, openaiopt.WithHTTPClient(httpClient))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...), params: params}
}

func (b *OpenAIBackend) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.params.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(b.params.Temperature),
		MaxTokens:   openai.Int(int64(b.params.MaxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// AnthropicBackend talks to the Anthropic messages API.
type AnthropicBackend struct {
	client anthropic.Client
	params Params
}

// NewAnthropicBackend creates a backend authenticated with apiKey. A non-empty
// baseURL overrides the API host.
func NewAnthropicBackend(baseURL, apiKey string, params Params, httpClient *http.Client) *AnthropicBackend {
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(apiKey),
		anthropicopt.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, anthropicopt.WithHTTPClient(httpClient))
	}
	return &AnthropicBackend{client: anthropic.NewClient(opts...), params: params}
}

func (b *AnthropicBackend) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(b.params.Model),
		MaxTokens:   int64(b.params.MaxTokens),
		Temperature: anthropic.Float(b.params.Temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.AsText().Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("create message: no text content returned")
	}
	return out.String(), nil
}

// NewLLM builds the backend selected by cfg.Provider.
func NewLLM(cfg config.ClassifierConfig) (LLM, error) {
	params := Params{Model: cfg.Model, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	httpClient := &http.Client{Timeout: cfg.Timeout.Std()}
	if cfg.Timeout == 0 {
		httpClient.Timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIBackend(cfg.URL, cfg.APIKey, params, httpClient), nil
	case "anthropic":
		return NewAnthropicBackend(cfg.URL, cfg.APIKey, params, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}
