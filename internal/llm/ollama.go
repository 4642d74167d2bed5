package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/version"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.2"
)

// OllamaConfig configures an OllamaGenerator.
type OllamaConfig struct {
	URL         string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// OllamaGenerator uses Ollama's non-streaming /api/generate endpoint.
type OllamaGenerator struct {
	config OllamaConfig
	client *http.Client
}

var _ Generator = (*OllamaGenerator)(nil)

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaGenerator creates a generator talking to a local Ollama.
func NewOllamaGenerator(cfg OllamaConfig) *OllamaGenerator {
	if cfg.URL == "" {
		cfg.URL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &OllamaGenerator{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Generate sends prompt and returns the full response text.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := checkPrompt(prompt); err != nil {
		return "", err
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  g.config.Model,
		Prompt: prompt,
		Options: map[string]any{
			"temperature": g.config.Temperature,
			"num_predict": g.config.MaxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.URL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", &GenerateError{Provider: "ollama", Err: ctx.Err()}
		}
		return "", &GenerateError{Provider: "ollama", Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &GenerateError{Provider: "ollama", Err: fmt.Errorf("read response: %w", err)}
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &GenerateError{Provider: "ollama", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(data))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &GenerateError{Provider: "ollama", Err: fmt.Errorf("status %d: %s", resp.StatusCode, out.Error)}
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", &GenerateError{Provider: "ollama", Err: ErrEmptyResponse}
	}
	return out.Response, nil
}

// Model returns the generation model name.
func (g *OllamaGenerator) Model() string { return g.config.Model }
