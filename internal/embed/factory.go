package embed

import (
	"fmt"
	"strings"
	"time"
)

// ProviderType names an embedding backend.
type ProviderType string

const (
	ProviderOllama ProviderType = "ollama"
	ProviderOpenAI ProviderType = "openai"
)

// ParseProviderType accepts "ollama" or "openai", case-insensitively.
func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(strings.ToLower(strings.TrimSpace(s))); t {
	case ProviderOllama, ProviderOpenAI:
		return t, nil
	}
	return "", fmt.Errorf("unknown embedding provider %q", s)
}

// knownDimensions lists output sizes for common models, used when the
// configured dimension is zero.
var knownDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}

// ModelDimensions returns the embedding size of a known model, or 0.
func ModelDimensions(model string) int {
	return knownDimensions[model]
}

// Options selects and configures a provider.
type Options struct {
	Provider   string
	Model      string
	Dimensions int

	// URL is the Ollama base URL.
	URL string

	APIKey  string
	BaseURL string

	// CacheSize > 0 wraps the provider in a CachedProvider.
	CacheSize int
	CacheTTL  time.Duration
}

// New builds the provider described by opts.
func New(opts Options) (Provider, error) {
	typ, err := ParseProviderType(opts.Provider)
	if err != nil {
		return nil, err
	}
	dims := opts.Dimensions
	if dims == 0 {
		dims = ModelDimensions(opts.Model)
	}

	var p Provider
	switch typ {
	case ProviderOllama:
		p = NewOllamaProvider(OllamaConfig{URL: opts.URL, Model: opts.Model, Dimensions: dims})
	case ProviderOpenAI:
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an API key")
		}
		p = NewOpenAIProvider(OpenAIConfig{
			APIKey:     opts.APIKey,
			BaseURL:    opts.BaseURL,
			Model:      opts.Model,
			Dimensions: dims,
			MaxRetries: defaultOpenAIMaxRetries,
		})
	}

	if opts.CacheSize > 0 {
		return WithCache(p, opts.CacheSize, opts.CacheTTL), nil
	}
	return p, nil
}
