// Package llm generates diagnosis text from a prompt.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyPrompt         = errors.New("empty prompt")
	ErrProviderUnavailable = errors.New("generation provider unavailable")
	ErrEmptyResponse       = errors.New("generation returned no text")
	ErrTimeout             = errors.New("generation timed out")
)

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Sampling defaults carried over from the diagnosis prompt tuning.
const (
	DefaultTemperature = 0.5
	DefaultMaxTokens   = 512
)

// GenerateError records which backend failed.
type GenerateError struct {
	Provider string
	Err      error
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("%s: generate: %v", e.Provider, e.Err)
}

func (e *GenerateError) Unwrap() error { return e.Err }

// Options selects and configures a Generator.
type Options struct {
	Provider    string
	Model       string
	URL         string
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// New builds the generator named by opts.Provider.
func New(opts Options) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "ollama":
		return NewOllamaGenerator(OllamaConfig{
			URL:         opts.URL,
			Model:       opts.Model,
			Timeout:     opts.Timeout,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		}), nil
	case "openai":
		if opts.APIKey == "" {
			return nil, errors.New("openai generator requires an API key")
		}
		return NewOpenAIGenerator(OpenAIConfig{
			APIKey:      opts.APIKey,
			BaseURL:     opts.BaseURL,
			Model:       opts.Model,
			Timeout:     opts.Timeout,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		}), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
}

// WithTimeout runs g.Generate under a deadline of d. A deadline hit is
// reported as ErrTimeout.
func WithTimeout(ctx context.Context, g Generator, d time.Duration, prompt string) (string, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	out, err := g.Generate(ctx, prompt)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: %v", ErrTimeout, d, err)
	}
	return out, err
}

func checkPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}
