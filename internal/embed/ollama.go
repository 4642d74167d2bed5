package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/version"
)

const (
	defaultOllamaURL     = "http://localhost:11434"
	defaultOllamaModel   = "nomic-embed-text"
	defaultOllamaDims    = 768
	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
	maxBatchSize         = 32
)

// OllamaConfig holds configuration for the Ollama embedding provider.
type OllamaConfig struct {
	URL           string
	Model         string
	Dimensions    int
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultOllamaConfig returns a default configuration for Ollama.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		URL:           defaultOllamaURL,
		Model:         defaultOllamaModel,
		Dimensions:    defaultOllamaDims,
		Timeout:       defaultTimeout,
		MaxRetries:    defaultMaxRetries,
		RetryInterval: defaultRetryInterval,
	}
}

// OllamaProvider implements Provider with Ollama's /api/embed endpoint,
// which accepts many inputs per request.
type OllamaProvider struct {
	config OllamaConfig
	client *http.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaProvider creates a new Ollama embedding provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	def := DefaultOllamaConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = def.Dimensions
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &OllamaProvider{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Embed generates an embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	vecs, err := p.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, NewProviderError("ollama", "embed", err)
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in chunks of maxBatchSize.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, NewProviderError("ollama", "embedBatch", fmt.Errorf("text %d: %w", i, ErrEmptyText))
		}
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(texts))
		vecs, err := p.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, NewProviderError("ollama", "embedBatch", fmt.Errorf("texts %d-%d: %w", start, end-1, err))
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (p *OllamaProvider) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ErrContextCanceled
			case <-time.After(p.config.RetryInterval * time.Duration(attempt)):
			}
		}

		vecs, err := p.doEmbed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if errors.Is(err, ErrContextCanceled) || errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrDimensionMismatch) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *OllamaProvider) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrContextCanceled
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ollamaError(resp.StatusCode, data)
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Embeddings))
	}

	vecs := make([][]float32, len(out.Embeddings))
	for i, e := range out.Embeddings {
		vecs[i] = toFloat32(e)
		if err := checkDimensions(vecs[i], p.config.Dimensions); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func ollamaError(status int, body []byte) error {
	var errResp ollamaErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		if strings.Contains(errResp.Error, "not found") {
			return fmt.Errorf("%w: %s", ErrModelNotFound, errResp.Error)
		}
		return fmt.Errorf("ollama error: %s", errResp.Error)
	}
	if status == http.StatusNotFound {
		return ErrModelNotFound
	}
	return fmt.Errorf("unexpected status %d: %s", status, string(body))
}

// Model returns the name of the embedding model.
func (p *OllamaProvider) Model() string {
	return p.config.Model
}

// Dimensions returns the embedding vector dimensions.
func (p *OllamaProvider) Dimensions() int {
	return p.config.Dimensions
}

// Ping checks that Ollama answers and knows the model.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"model": p.config.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return NewProviderError("ollama", "ping", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return NewProviderError("ollama", "ping", ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return NewProviderError("ollama", "ping", ollamaError(resp.StatusCode, data))
	}
	return nil
}
