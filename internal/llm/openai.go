package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIConfig configures an OpenAIGenerator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	MaxRetries  int
}

// OpenAIGenerator calls the chat completions API with a single user
// message.
type OpenAIGenerator struct {
	config OpenAIConfig
	client openai.Client
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator creates a generator for OpenAI or a compatible server.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	return &OpenAIGenerator{config: cfg, client: client}
}

// Generate returns the first choice's content.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := checkPrompt(prompt); err != nil {
		return "", err
	}

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.config.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(g.config.Temperature),
		MaxTokens:   openai.Int(int64(g.config.MaxTokens)),
	})
	if err != nil {
		var apiErr *openai.Error
		if !errors.As(err, &apiErr) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return "", &GenerateError{Provider: "openai", Err: err}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &GenerateError{Provider: "openai", Err: ErrEmptyResponse}
	}
	return resp.Choices[0].Message.Content, nil
}

// Model returns the chat model name.
func (g *OpenAIGenerator) Model() string { return g.config.Model }
