package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

const (
	// DefaultDataDir is the default directory for local state.
	DefaultDataDir = ".diagnostico"
	// DefaultConfigName is the config file name without extension.
	DefaultConfigName = "diagnostico"
	// DefaultCollection is the collection holding disease records.
	DefaultCollection = "diseases"
)

// Config holds the application configuration.
type Config struct {
	// DataDir holds the accounts database and the dev vector server files.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	VectorStore VectorStoreConfig `mapstructure:"vectorstore" yaml:"vectorstore"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding" yaml:"embedding"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Accounts    AccountsConfig    `mapstructure:"accounts" yaml:"accounts"`
	VecServer   VecServerConfig   `mapstructure:"vecserver" yaml:"vecserver"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// VectorStoreConfig locates the vector store.
type VectorStoreConfig struct {
	PrimaryHost    string        `mapstructure:"primary_host" yaml:"primary_host"`
	PrimaryPort    int           `mapstructure:"primary_port" yaml:"primary_port"`
	AlternateHosts []string      `mapstructure:"alternate_hosts" yaml:"alternate_hosts,omitempty"`
	AlternatePorts []int         `mapstructure:"alternate_ports" yaml:"alternate_ports,omitempty"`
	Scheme         string        `mapstructure:"scheme" yaml:"scheme"`
	Collection     string        `mapstructure:"collection" yaml:"collection"`
	RebuildPolicy  string        `mapstructure:"rebuild_policy" yaml:"rebuild_policy"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	KeepAlive      time.Duration `mapstructure:"keepalive" yaml:"keepalive"`
}

// Primary returns the primary endpoint.
func (c VectorStoreConfig) Primary() vectorstore.Endpoint {
	return vectorstore.Endpoint{Host: c.PrimaryHost, Port: c.PrimaryPort}
}

// Alternates returns the host x port cross product minus the primary.
func (c VectorStoreConfig) Alternates() []vectorstore.Endpoint {
	return vectorstore.CrossProduct(c.Primary(), c.AlternateHosts, c.AlternatePorts)
}

// RetryConfig is the retry policy as configured.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter          time.Duration `mapstructure:"jitter" yaml:"jitter"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	DialTimeoutStep time.Duration `mapstructure:"dial_timeout_step" yaml:"dial_timeout_step"`
	DialTimeoutCap  time.Duration `mapstructure:"dial_timeout_cap" yaml:"dial_timeout_cap"`
}

// Policy converts to the vectorstore policy.
func (c RetryConfig) Policy() vectorstore.RetryPolicy {
	return vectorstore.RetryPolicy(c)
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider is "ollama" or "openai".
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	Model         string        `mapstructure:"model" yaml:"model"`
	OllamaURL     string        `mapstructure:"ollama_url" yaml:"ollama_url"`
	Dimensions    int           `mapstructure:"dimensions" yaml:"dimensions"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key" yaml:"openai_api_key,omitempty"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url" yaml:"openai_base_url,omitempty"`
	CacheSize     int           `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// LLMConfig holds generation provider settings.
type LLMConfig struct {
	// Provider is "ollama" or "openai".
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	Model         string        `mapstructure:"model" yaml:"model"`
	OllamaURL     string        `mapstructure:"ollama_url" yaml:"ollama_url"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key" yaml:"openai_api_key,omitempty"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url" yaml:"openai_base_url,omitempty"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature   float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// RateLimit is the sustained /diagnose rate per second; 0 disables it.
	RateLimit         float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst         int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	InitRetryInterval time.Duration `mapstructure:"init_retry_interval" yaml:"init_retry_interval"`
}

// AccountsConfig locates the doctor accounts database.
type AccountsConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// VecServerConfig configures `diagnostico vecstore serve`.
type VecServerConfig struct {
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	policy := vectorstore.DefaultRetryPolicy()
	return &Config{
		DataDir: DefaultDataDir,
		VectorStore: VectorStoreConfig{
			PrimaryHost:   "localhost",
			PrimaryPort:   19530,
			Scheme:        "http",
			Collection:    DefaultCollection,
			RebuildPolicy: string(vectorstore.RebuildAlways),
			ProbeTimeout:  vectorstore.DefaultProbeTimeout,
			KeepAlive:     vectorstore.DefaultKeepAlive,
		},
		Retry: RetryConfig(policy),
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			OllamaURL:  "http://localhost:11434",
			Dimensions: 768,
			CacheSize:  1024,
			CacheTTL:   time.Hour,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			Model:       "llama3.2",
			OllamaURL:   "http://localhost:11434",
			Timeout:     60 * time.Second,
			Temperature: 0.5,
			MaxTokens:   512,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			RateLimit:         2,
			RateBurst:         5,
			InitRetryInterval: 30 * time.Second,
		},
		Accounts: AccountsConfig{
			DBPath: filepath.Join(DefaultDataDir, "accounts.db"),
		},
		VecServer: VecServerConfig{
			Host:    "0.0.0.0",
			Port:    19530,
			DataDir: filepath.Join(DefaultDataDir, "vecstore"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envBindings maps config keys to environment variables. Later names are
// fallbacks for deployments that still export the older variables.
var envBindings = map[string][]string{
	"data_dir":                    {"DATA_DIR"},
	"vectorstore.primary_host":    {"PRIMARY_HOST", "MILVUS_HOST"},
	"vectorstore.primary_port":    {"PRIMARY_PORT", "MILVUS_PORT"},
	"vectorstore.alternate_hosts": {"ALTERNATE_HOSTS", "MILVUS_ALTERNATE_HOSTS"},
	"vectorstore.alternate_ports": {"ALTERNATE_PORTS", "MILVUS_ALTERNATE_PORTS"},
	"vectorstore.collection":      {"COLLECTION_NAME"},
	"vectorstore.rebuild_policy":  {"INDEX_REBUILD_POLICY"},
	"retry.max_attempts":          {"RETRY_MAX_ATTEMPTS"},
	"retry.initial_backoff":       {"RETRY_INITIAL_BACKOFF"},
	"retry.max_backoff":           {"RETRY_MAX_BACKOFF"},
	"retry.multiplier":            {"RETRY_MULTIPLIER"},
	"retry.jitter":                {"RETRY_JITTER"},
	"embedding.provider":          {"EMBEDDING_PROVIDER"},
	"embedding.model":             {"EMBEDDING_MODEL"},
	"embedding.dimensions":        {"EMBEDDING_DIMENSIONS"},
	"embedding.ollama_url":        {"OLLAMA_URL"},
	"embedding.openai_api_key":    {"OPENAI_API_KEY"},
	"embedding.openai_base_url":   {"OPENAI_BASE_URL"},
	"llm.provider":                {"LLM_PROVIDER"},
	"llm.model":                   {"LLM_MODEL"},
	"llm.timeout":                 {"LLM_TIMEOUT"},
	"llm.ollama_url":              {"OLLAMA_URL"},
	"llm.openai_api_key":          {"OPENAI_API_KEY"},
	"llm.openai_base_url":         {"OPENAI_BASE_URL"},
	"server.host":                 {"SERVER_HOST"},
	"server.port":                 {"SERVER_PORT"},
	"accounts.db_path":            {"ACCOUNTS_DB_PATH"},
	"log.level":                   {"LOG_LEVEL"},
	"log.format":                  {"LOG_FORMAT"},
}

// Load reads configuration from an optional YAML file and the
// environment. An empty path searches ./diagnostico.yaml and
// $HOME/.diagnostico/diagnostico.yaml.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, so command flags
// bound to it take precedence.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	return load(v, path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, DefaultDataDir))
		}
	}

	v.SetEnvPrefix("DIAGNOSTICO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path == "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		splitListHook,
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	return cfg, nil
}

// splitListHook decodes comma-separated strings into slices.
func splitListHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
		return data, nil
	}
	return SplitList(data.(string)), nil
}

// SplitList splits a comma-separated value, trimming blanks and dropping
// empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks ports, providers and the retry policy.
func (c *Config) Validate() error {
	var errs []error

	checkPort := func(name string, p int) {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	checkPort("vectorstore primary port", c.VectorStore.PrimaryPort)
	for _, p := range c.VectorStore.AlternatePorts {
		checkPort("vectorstore alternate port", p)
	}
	checkPort("server port", c.Server.Port)

	if c.VectorStore.PrimaryHost == "" {
		errs = append(errs, errors.New("vectorstore primary host is required"))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("vectorstore collection is required"))
	}
	if _, err := vectorstore.ParseRebuildPolicy(c.VectorStore.RebuildPolicy); err != nil {
		errs = append(errs, err)
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm timeout must be positive"))
	}
	for name, p := range map[string]string{"embedding": c.Embedding.Provider, "llm": c.LLM.Provider} {
		if p != "ollama" && p != "openai" {
			errs = append(errs, fmt.Errorf("unknown %s provider %q", name, p))
		}
	}

	return errors.Join(errs...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Embedding.OpenAIAPIKey != "" {
		masked.Embedding.OpenAIAPIKey = "****"
	}
	if masked.LLM.OpenAIAPIKey != "" {
		masked.LLM.OpenAIAPIKey = "****"
	}
	return yaml.Marshal(&masked)
}

// WriteDefaultConfig writes the default config to path unless a file is
// already there.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
