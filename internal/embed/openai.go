package embed

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
	defaultOpenAIURL        = "https://api.openai.com/v1"
	defaultOpenAIModel      = "text-embedding-3-small"
	defaultOpenAIDims       = 1536
	defaultOpenAITimeout    = 60 * time.Second
	defaultOpenAIMaxRetries = 3
	openAIMaxBatchSize      = 2048
)

// OpenAIConfig holds configuration for the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Dimensions int
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int

	// HTTPClient overrides the client used by the SDK.
	HTTPClient *http.Client
}

// DefaultOpenAIConfig returns a default configuration for OpenAI.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:      defaultOpenAIModel,
		Dimensions: defaultOpenAIDims,
		BaseURL:    defaultOpenAIURL,
		Timeout:    defaultOpenAITimeout,
		MaxRetries: defaultOpenAIMaxRetries,
	}
}

// OpenAIProvider implements Provider on the OpenAI embeddings API or any
// compatible endpoint.
type OpenAIProvider struct {
	config OpenAIConfig
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI embedding provider. Retries are
// delegated to the SDK; a zero MaxRetries disables them.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	def := DefaultOpenAIConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = def.Dimensions
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/"),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHTTPClient(cfg.HTTPClient),
	}

	return &OpenAIProvider{
		config: cfg,
		client: openai.NewClient(opts...),
	}
}

// Embed generates an embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	vecs, err := p.callAPI(ctx, []string{text})
	if err != nil {
		return nil, NewProviderError("openai", "embed", err)
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting batches
// larger than the API accepts.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, NewProviderError("openai", "embedBatch", fmt.Errorf("text %d: %w", i, ErrEmptyText))
		}
	}

	result := make([][]float32, len(texts))
	for i := 0; i < len(texts); i += openAIMaxBatchSize {
		end := min(i+openAIMaxBatchSize, len(texts))
		vecs, err := p.callAPI(ctx, texts[i:end])
		if err != nil {
			return nil, NewProviderError("openai", "embedBatch", fmt.Errorf("batch [%d:%d]: %w", i, end, err))
		}
		copy(result[i:], vecs)
	}
	return result, nil
}

func (p *OpenAIProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          p.config.Model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(p.config.Dimensions)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(ctx, err)
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= int64(len(texts)) {
			return nil, fmt.Errorf("unexpected embedding index %d for batch size %d", idx, len(texts))
		}
		vecs[idx] = toFloat32(item.Embedding)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
		if err := checkDimensions(v, p.config.Dimensions); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func mapOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrContextCanceled
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrModelNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("invalid API key: %w", err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// Model returns the name of the embedding model.
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// Dimensions returns the embedding vector dimensions.
func (p *OpenAIProvider) Dimensions() int {
	return p.config.Dimensions
}

// Ping embeds a short probe text.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.callAPI(ctx, []string{"ping"}); err != nil {
		return NewProviderError("openai", "ping", err)
	}
	return nil
}
