package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockProvider counts calls and returns deterministic vectors.
type mockProvider struct {
	mu         sync.Mutex
	embedErr   error
	embedCalls int
	batchCalls int
	batchSeen  [][]string
	pingErr    error
}

func (m *mockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedCalls++
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	return []float32{float32(len(text)), 1, 2}, nil
}

func (m *mockProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	m.batchSeen = append(m.batchSeen, append([]string(nil), texts...))
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 2}
	}
	return out, nil
}

func (m *mockProvider) Model() string                { return "mock-model" }
func (m *mockProvider) Dimensions() int              { return 3 }
func (m *mockProvider) Ping(_ context.Context) error { return m.pingErr }

func TestCachedProvider_Embed(t *testing.T) {
	mock := &mockProvider{}
	cp := WithCache(mock, 10, time.Hour)
	ctx := context.Background()

	first, err := cp.Embed(ctx, "fiebre")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := cp.Embed(ctx, "fiebre")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if mock.embedCalls != 1 {
		t.Errorf("inner called %d times, want 1", mock.embedCalls)
	}
	if first[0] != second[0] {
		t.Errorf("cached vector differs: %v vs %v", first, second)
	}
	if s := cp.Stats(); s.Hits != 1 {
		t.Errorf("Hits = %d, want 1", s.Hits)
	}
}

func TestCachedProvider_EmbedErrorNotCached(t *testing.T) {
	mock := &mockProvider{embedErr: ErrProviderUnavailable}
	cp := WithCache(mock, 10, 0)

	if _, err := cp.Embed(context.Background(), "tos"); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
	if cp.Cache().Size() != 0 {
		t.Error("failed embedding was cached")
	}
}

func TestCachedProvider_EmbedBatchPartialAndDuplicates(t *testing.T) {
	mock := &mockProvider{}
	cp := WithCache(mock, 10, 0)
	ctx := context.Background()

	if _, err := cp.Embed(ctx, "ab"); err != nil {
		t.Fatal(err)
	}

	got, err := cp.EmbedBatch(ctx, []string{"ab", "abc", "abcd", "abc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(mock.batchSeen) != 1 {
		t.Fatalf("batch calls = %d, want 1", len(mock.batchSeen))
	}
	if seen := mock.batchSeen[0]; len(seen) != 2 || seen[0] != "abc" || seen[1] != "abcd" {
		t.Errorf("inner saw %v, want [abc abcd]", seen)
	}

	want := []float32{2, 3, 4, 3}
	for i, v := range got {
		if v[0] != want[i] {
			t.Errorf("result %d = %v, want first component %v", i, v, want[i])
		}
	}

	got[1][0] = 100
	if got[3][0] != 3 {
		t.Error("duplicate texts share a slice")
	}

	if _, err := cp.EmbedBatch(ctx, []string{"abc", "abcd"}); err != nil {
		t.Fatal(err)
	}
	if mock.batchCalls != 1 {
		t.Errorf("fully cached batch hit the provider")
	}
}

func TestCachedProvider_Delegates(t *testing.T) {
	mock := &mockProvider{pingErr: ErrModelNotFound}
	cp := NewCachedProvider(mock, NewEmbeddingCache(5, 0))

	if cp.Model() != "mock-model" {
		t.Errorf("Model = %q", cp.Model())
	}
	if cp.Dimensions() != 3 {
		t.Errorf("Dimensions = %d", cp.Dimensions())
	}
	if err := cp.Ping(context.Background()); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Ping = %v", err)
	}
}
