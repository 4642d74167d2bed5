package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/config"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/diagnosis"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.OpenAIAPIKey = "sk-test"
	cfg.Embedding.CacheTTL = time.Minute
	cfg.LLM.Temperature = 0.2

	eo := embedOptions(cfg)
	assert.Equal(t, "openai", eo.Provider)
	assert.Equal(t, "sk-test", eo.APIKey)
	assert.Equal(t, cfg.Embedding.OllamaURL, eo.URL)
	assert.Equal(t, time.Minute, eo.CacheTTL)

	lo := llmOptions(cfg)
	assert.Equal(t, cfg.LLM.Model, lo.Model)
	assert.Equal(t, 0.2, lo.Temperature)
	assert.Equal(t, cfg.LLM.MaxTokens, lo.MaxTokens)
}

func TestNewManagerEndpoints(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.VectorStore.AlternateHosts = []string{"milvus-standalone"}
	cfg.VectorStore.AlternatePorts = []int{19530, 19531}

	m := newManager(cfg, nil, nil)
	eps := m.Endpoints()
	require.NotEmpty(t, eps)
	assert.Equal(t, vectorstore.Endpoint{Host: "localhost", Port: 19530}, eps[0])
	assert.Contains(t, eps, vectorstore.Endpoint{Host: "milvus-standalone", Port: 19531})
	assert.Equal(t, vectorstore.StateDisconnected, m.State())
}

func TestNewApp(t *testing.T) {
	cfg := config.DefaultConfig()
	a, err := newApp(cfg)
	require.NoError(t, err)
	assert.False(t, a.service.Ready())
	assert.Equal(t, diagnosis.PhasePending, a.service.Status().Phase)
	a.close(context.Background())

	cfg.VectorStore.RebuildPolicy = "sometimes"
	_, err = newApp(cfg)
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.LLM.Provider = "openai"
	_, err = newApp(cfg)
	assert.Error(t, err, "openai generator without key")
}
