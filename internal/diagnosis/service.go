// Package diagnosis is the retrieval-augmented diagnosis pipeline: embed
// the symptoms, find similar diseases, and ask a language model.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/embed"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/llm"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/logging"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

var (
	ErrNotReady      = errors.New("service components not initialized")
	ErrEmptySymptoms = errors.New("symptoms must not be empty")
)

// Defaults for a Service.
const (
	DefaultCollection        = "diseases"
	DefaultTopK              = 5
	DefaultNProbe            = 10
	DefaultInitRetryInterval = 30 * time.Second
	DefaultLLMTimeout        = 60 * time.Second
	DefaultImportBatch       = 32
)

// Phase is the initialization state of a Service.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseInitializing Phase = "initializing"
	PhaseRetrying     Phase = "retrying"
	PhaseReady        Phase = "ready"
)

// Config tunes a Service.
type Config struct {
	Collection string
	Rebuild    vectorstore.RebuildPolicy

	// Policy spaces whole-sequence initialization retries. After
	// MaxAttempts consecutive failures Run waits InitRetryInterval and
	// starts over.
	Policy            vectorstore.RetryPolicy
	InitRetryInterval time.Duration

	LLMTimeout  time.Duration
	TopK        int
	NProbe      int
	ImportBatch int

	Logger  *logging.Logger
	Metrics metrics.Recorder

	Rand  func() float64
	Sleep func(ctx context.Context, d time.Duration) error
}

// Match is one retrieved disease.
type Match struct {
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Symptoms    string  `json:"symptoms"`
	Description string  `json:"description"`
	Similarity  float32 `json:"similarity"`
}

// Result is the answer to a diagnose request.
type Result struct {
	Diagnosis string  `json:"diagnosis"`
	Matches   []Match `json:"matches"`
}

// Components reports readiness per dependency.
type Components struct {
	VectorStore bool `json:"vectorstore"`
	Collection  bool `json:"collection"`
	Embedding   bool `json:"embedding_model"`
	LLM         bool `json:"llm"`
}

// Status is a snapshot of the service.
type Status struct {
	Phase        Phase              `json:"phase"`
	Ready        bool               `json:"ready"`
	Error        string             `json:"error,omitempty"`
	InitAttempts int                `json:"init_attempts"`
	Components   Components         `json:"components"`
	VectorStore  vectorstore.Status `json:"vectorstore"`
}

// CollectionStatus mirrors the collection statistics endpoint.
type CollectionStatus struct {
	Name        string `json:"collection_name"`
	RowCount    int64  `json:"row_count"`
	IndexStatus string `json:"index_status"`
	Loaded      bool   `json:"loaded"`
	Generation  uint64 `json:"generation"`
}

// Service owns the vector-store session, the diseases collection, the
// embedding provider and the generator.
type Service struct {
	manager   *vectorstore.Manager
	boot      *vectorstore.Bootstrapper
	searcher  *vectorstore.Searcher
	embedder  embed.Provider
	generator llm.Generator
	cfg       Config
	log       *logging.Logger

	// bootMu serializes collection bootstraps.
	bootMu sync.Mutex

	mu       sync.RWMutex
	handle   *vectorstore.Handle
	phase    Phase
	lastErr  error
	attempts int
	embedOK  bool
}

// New creates a Service. Nothing connects until Run or Init.
func New(manager *vectorstore.Manager, embedder embed.Provider, generator llm.Generator, cfg Config) *Service {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = manager.Policy()
	}
	if cfg.InitRetryInterval == 0 {
		cfg.InitRetryInterval = DefaultInitRetryInterval
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.NProbe == 0 {
		cfg.NProbe = DefaultNProbe
	}
	if cfg.ImportBatch == 0 {
		cfg.ImportBatch = DefaultImportBatch
	}
	if cfg.Sleep == nil {
		cfg.Sleep = vectorstore.SleepContext
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	return &Service{
		manager: manager,
		boot: vectorstore.NewBootstrapper(manager, vectorstore.BootstrapperConfig{
			Rebuild: cfg.Rebuild,
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
		}),
		searcher:  vectorstore.NewSearcher(cfg.Metrics),
		embedder:  embedder,
		generator: generator,
		cfg:       cfg,
		log:       logging.OrNoop(cfg.Logger).WithCollection(cfg.Collection),
		phase:     PhasePending,
	}
}

// Run initializes the service, retrying until it is ready or ctx ends.
// It returns nil once ready.
func (s *Service) Run(ctx context.Context) error {
	failures := 0
	for {
		err := s.Init(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		if failures++; failures >= s.cfg.Policy.MaxAttempts {
			failures = 0
			wait = s.cfg.InitRetryInterval
		} else {
			wait = s.cfg.Policy.Backoff(failures-1, s.cfg.Rand)
		}
		s.log.Warn("initialization failed", "error", err, "retry_in", wait)
		if err := s.cfg.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Init runs the initialization sequence once: connect, check the
// embedding model, and bootstrap the collection.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	s.attempts++
	s.phase = PhaseInitializing
	s.mu.Unlock()

	err := s.init(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		s.phase = PhaseRetrying
		return err
	}
	s.phase = PhaseReady
	s.log.Info("all components initialized")
	return nil
}

func (s *Service) init(ctx context.Context) error {
	if err := s.manager.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	if err := s.embedder.Ping(ctx); err != nil {
		return fmt.Errorf("embedding model: %w", err)
	}
	s.mu.Lock()
	s.embedOK = true
	s.mu.Unlock()

	if _, err := s.bootstrap(ctx); err != nil {
		return err
	}
	return nil
}

// bootstrap returns a handle on the current session, rebuilding it when
// the session generation moved on.
func (s *Service) bootstrap(ctx context.Context) (*vectorstore.Handle, error) {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()

	gen := s.manager.Generation()
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h.Ready() && h.Generation() == gen {
		return h, nil
	}

	h, err := s.boot.EnsureCollection(ctx, Descriptor(s.cfg.Collection, s.embedder.Dimensions()), IndexSpec())
	if err != nil {
		return nil, err
	}
	if diffs := h.SchemaMismatch(); len(diffs) > 0 {
		s.log.Warn("existing collection schema differs", "differences", strings.Join(diffs, "; "))
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	return h, nil
}

// Ready reports whether initialization completed.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseReady
}

// Status returns the initialization state and per-component readiness.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Phase:        s.phase,
		Ready:        s.phase == PhaseReady,
		InitAttempts: s.attempts,
		VectorStore:  s.manager.Status(),
		Components: Components{
			VectorStore: s.manager.IsReady(),
			Collection:  s.handle.Ready(),
			Embedding:   s.embedOK,
			LLM:         s.generator != nil,
		},
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

func (s *Service) notReady() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase == PhaseReady {
		return nil
	}
	if s.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, s.lastErr)
	}
	return ErrNotReady
}

// session checks the connection and returns a handle valid for it.
func (s *Service) session(ctx context.Context) (*vectorstore.Handle, error) {
	if err := s.notReady(); err != nil {
		return nil, err
	}
	if err := s.manager.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return s.bootstrap(ctx)
}

// Diagnose retrieves the closest diseases for symptoms and asks the
// generator for a differential diagnosis.
func (s *Service) Diagnose(ctx context.Context, symptoms string) (Result, error) {
	symptoms = strings.TrimSpace(symptoms)
	if symptoms == "" {
		return Result{}, ErrEmptySymptoms
	}
	h, err := s.session(ctx)
	if err != nil {
		return Result{}, err
	}

	vec, err := s.embedder.Embed(ctx, symptoms)
	if err != nil {
		return Result{}, fmt.Errorf("embed symptoms: %w", err)
	}

	hits, err := s.searcher.Search(ctx, h, vec, vectorstore.SearchRequest{
		K:            s.cfg.TopK,
		Params:       map[string]any{"nprobe": s.cfg.NProbe},
		OutputFields: OutputFields,
	})
	if err != nil {
		return Result{}, err
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		matches = append(matches, Match{
			Code:        stringField(hit.Fields, FieldCode),
			Name:        stringField(hit.Fields, FieldName),
			Symptoms:    stringField(hit.Fields, FieldSymptoms),
			Description: stringField(hit.Fields, FieldDescription),
			Similarity:  hit.Distance,
		})
	}

	text, err := llm.WithTimeout(ctx, s.generator, s.cfg.LLMTimeout, BuildPrompt(symptoms, matches))
	if err != nil {
		return Result{}, fmt.Errorf("generate diagnosis: %w", err)
	}
	return Result{Diagnosis: text, Matches: matches}, nil
}

// CollectionStatus reports row count, index and load state.
func (s *Service) CollectionStatus(ctx context.Context) (CollectionStatus, error) {
	h, err := s.session(ctx)
	if err != nil {
		return CollectionStatus{}, err
	}
	stats, err := h.Stats(ctx)
	if err != nil {
		return CollectionStatus{}, fmt.Errorf("collection stats: %w", err)
	}
	out := CollectionStatus{
		Name:        h.Name(),
		RowCount:    stats.RowCount,
		IndexStatus: "not created",
		Loaded:      stats.Loaded,
		Generation:  h.Generation(),
	}
	if stats.Index != nil {
		out.IndexStatus = "created"
	}
	return out, nil
}

// Import embeds and inserts records in batches and returns how many were
// written. Records without a name are rejected up front.
func (s *Service) Import(ctx context.Context, records []Record) (int, error) {
	for i, r := range records {
		if err := r.validate(); err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
	}
	h, err := s.session(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for start := 0; start < len(records); start += s.cfg.ImportBatch {
		batch := records[start:min(start+s.cfg.ImportBatch, len(records))]
		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Text()
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return written, fmt.Errorf("embed batch at %d: %w", start, err)
		}

		entities := make([]vectorstore.Entity, len(batch))
		for i, r := range batch {
			entities[i] = vectorstore.Entity{Vector: vecs[i], Fields: r.fields()}
		}
		ids, err := h.Insert(ctx, entities)
		if err != nil {
			return written, fmt.Errorf("insert batch at %d: %w", start, err)
		}
		written += len(ids)
		s.log.Info("imported batch", "start", start, "rows", len(ids))
	}
	return written, nil
}

// Close disconnects the vector-store session.
func (s *Service) Close(ctx context.Context) error {
	return s.manager.Disconnect(ctx)
}

func stringField(fields map[string]any, name string) string {
	v, _ := fields[name].(string)
	return v
}
