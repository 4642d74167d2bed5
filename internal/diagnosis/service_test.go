package diagnosis

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/llm"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vecserver"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore/rest"
)

// keywordEmbedder maps each keyword to one axis, so texts sharing a
// keyword land close together.
type keywordEmbedder struct {
	pingFailures atomic.Int32
}

var keywords = []string{"corea", "hemartrosis", "aracnodactilia", "debilidad"}

func (e *keywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(keywords))
	for i, k := range keywords {
		v[i] = 0.01
		if strings.Contains(text, k) {
			v[i] = 1
		}
	}
	return v
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) Model() string   { return "keywords" }
func (e *keywordEmbedder) Dimensions() int { return len(keywords) }

func (e *keywordEmbedder) Ping(context.Context) error {
	if e.pingFailures.Load() > 0 {
		e.pingFailures.Add(-1)
		return errors.New("model loading")
	}
	return nil
}

type recordingGenerator struct {
	mu      sync.Mutex
	prompts []string
	block   bool
}

func (g *recordingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "Diagnóstico diferencial", nil
}

func (g *recordingGenerator) Model() string { return "recording" }

func (g *recordingGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

// vectorServer runs the development vector server behind a stable address
// and can restart it under a new identity.
type vectorServer struct {
	t       *testing.T
	dir     string
	store   *vecserver.Store
	current atomic.Pointer[vecserver.Server]
	http    *httptest.Server
}

func newVectorServer(t *testing.T) *vectorServer {
	t.Helper()
	vs := &vectorServer{t: t, dir: t.TempDir()}
	vs.start()
	vs.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vs.current.Load().Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		vs.http.Close()
		_ = vs.store.Close()
	})
	return vs
}

func (vs *vectorServer) start() {
	store, err := vecserver.OpenStore(vs.dir)
	require.NoError(vs.t, err)
	vs.store = store
	vs.current.Store(vecserver.NewServer(store, vecserver.ServerConfig{}))
}

func (vs *vectorServer) restart() {
	require.NoError(vs.t, vs.store.Close())
	vs.start()
}

func (vs *vectorServer) endpoint() vectorstore.Endpoint {
	host, portStr, err := net.SplitHostPort(vs.http.Listener.Addr().String())
	require.NoError(vs.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(vs.t, err)
	return vectorstore.Endpoint{Host: host, Port: port}
}

func fastPolicy() vectorstore.RetryPolicy {
	p := vectorstore.DefaultRetryPolicy()
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 5 * time.Millisecond
	p.Jitter = time.Millisecond
	p.DialTimeout = time.Second
	p.DialTimeoutCap = 2 * time.Second
	return p
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newService(t *testing.T, vs *vectorServer, emb *keywordEmbedder, gen *recordingGenerator, mutate ...func(*Config)) (*Service, *vectorstore.Manager) {
	t.Helper()
	m := vectorstore.NewManager(rest.NewDriver(rest.Config{}), vectorstore.ManagerConfig{
		Primary: vs.endpoint(),
		Policy:  fastPolicy(),
	})
	cfg := Config{Sleep: (&sleeps{}).sleep}
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc := New(m, emb, gen, cfg)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, m
}

func readyService(t *testing.T) (*Service, *vectorServer, *recordingGenerator, *vectorstore.Manager) {
	t.Helper()
	vs := newVectorServer(t)
	gen := &recordingGenerator{}
	svc, m := newService(t, vs, &keywordEmbedder{}, gen)
	ctx := context.Background()
	require.NoError(t, svc.Run(ctx))
	n, err := svc.Import(ctx, SampleRecords())
	require.NoError(t, err)
	require.Equal(t, len(SampleRecords()), n)
	return svc, vs, gen, m
}

func TestRunThenDiagnose(t *testing.T) {
	svc, _, gen, _ := readyService(t)

	res, err := svc.Diagnose(context.Background(), "  Paciente con corea y rigidez ")
	require.NoError(t, err)
	assert.Equal(t, "Diagnóstico diferencial", res.Diagnosis)
	require.Len(t, res.Matches, DefaultTopK)
	assert.Equal(t, "Enfermedad de Huntington", res.Matches[0].Name)
	assert.Equal(t, "ORPHA:98896", res.Matches[0].Code)
	for i := 1; i < len(res.Matches); i++ {
		assert.LessOrEqual(t, res.Matches[i-1].Similarity, res.Matches[i].Similarity)
	}

	prompt := gen.lastPrompt()
	assert.Contains(t, prompt, "Paciente con corea y rigidez\n")
	assert.Contains(t, prompt, "Enfermedad: Enfermedad de Huntington\nSíntomas: Corea")
}

func TestNotReadyBeforeRun(t *testing.T) {
	vs := newVectorServer(t)
	svc, _ := newService(t, vs, &keywordEmbedder{}, &recordingGenerator{})
	ctx := context.Background()

	_, err := svc.Diagnose(ctx, "fiebre")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.CollectionStatus(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.Import(ctx, SampleRecords())
	assert.ErrorIs(t, err, ErrNotReady)

	st := svc.Status()
	assert.Equal(t, PhasePending, st.Phase)
	assert.False(t, st.Ready)
	assert.Equal(t, vectorstore.StateDisconnected, st.VectorStore.State)
}

func TestEmptySymptoms(t *testing.T) {
	svc, _, _, _ := readyService(t)
	_, err := svc.Diagnose(context.Background(), " \n ")
	assert.ErrorIs(t, err, ErrEmptySymptoms)
}

func TestRunRetriesWholeSequence(t *testing.T) {
	vs := newVectorServer(t)
	emb := &keywordEmbedder{}
	emb.pingFailures.Store(2)
	rec := &sleeps{}

	policy := fastPolicy()
	policy.MaxAttempts = 2
	svc, _ := newService(t, vs, emb, &recordingGenerator{}, func(c *Config) {
		c.Policy = policy
		c.InitRetryInterval = time.Minute
		c.Sleep = rec.sleep
		c.Rand = func() float64 { return 0 }
	})

	require.NoError(t, svc.Run(context.Background()))
	assert.Equal(t, []time.Duration{policy.InitialBackoff, time.Minute}, rec.d)

	st := svc.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, 3, st.InitAttempts)
	assert.Empty(t, st.Error)
	assert.True(t, st.Components.VectorStore)
	assert.True(t, st.Components.Collection)
	assert.True(t, st.Components.Embedding)
}

func TestRunRecordsErrorAndStopsOnCancel(t *testing.T) {
	vs := newVectorServer(t)
	emb := &keywordEmbedder{}
	emb.pingFailures.Store(100)

	ctx, cancel := context.WithCancel(context.Background())
	svc, _ := newService(t, vs, emb, &recordingGenerator{}, func(c *Config) {
		c.Sleep = func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}
	})

	assert.ErrorIs(t, svc.Run(ctx), context.Canceled)
	st := svc.Status()
	assert.Equal(t, PhaseRetrying, st.Phase)
	assert.Contains(t, st.Error, "model loading")

	_, err := svc.Diagnose(context.Background(), "corea")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "model loading")
}

func TestDiagnoseAfterServerRestart(t *testing.T) {
	svc, vs, _, m := readyService(t)
	before := m.Generation()

	vs.restart()

	res, err := svc.Diagnose(context.Background(), "hemartrosis tras golpes leves")
	require.NoError(t, err)
	assert.Equal(t, "Hemofilia A", res.Matches[0].Name)
	assert.Greater(t, m.Generation(), before, "session was replaced")

	cs, err := svc.CollectionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.Generation(), cs.Generation)
	assert.True(t, cs.Loaded, "collection reloaded after restart")
}

func TestCollectionStatus(t *testing.T) {
	svc, _, _, _ := readyService(t)
	cs, err := svc.CollectionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultCollection, cs.Name)
	assert.Equal(t, int64(5), cs.RowCount)
	assert.Equal(t, "created", cs.IndexStatus)
	assert.True(t, cs.Loaded)
}

func TestImportValidates(t *testing.T) {
	svc, _, _, _ := readyService(t)
	_, err := svc.Import(context.Background(), []Record{{Code: "X"}, {Name: "ok"}})
	require.Error(t, err)

	cs, err := svc.CollectionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), cs.RowCount, "nothing written")
}

func TestImportBatches(t *testing.T) {
	vs := newVectorServer(t)
	svc, _ := newService(t, vs, &keywordEmbedder{}, &recordingGenerator{}, func(c *Config) { c.ImportBatch = 2 })
	ctx := context.Background()
	require.NoError(t, svc.Run(ctx))

	long := Record{Code: "ORPHA:1", Name: strings.Repeat("ñ", maxNameLen+10), Symptoms: "debilidad"}
	n, err := svc.Import(ctx, append(SampleRecords(), long))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestDiagnoseLLMTimeout(t *testing.T) {
	vs := newVectorServer(t)
	gen := &recordingGenerator{block: true}
	svc, _ := newService(t, vs, &keywordEmbedder{}, gen, func(c *Config) { c.LLMTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	require.NoError(t, svc.Run(ctx))

	_, err := svc.Diagnose(ctx, "corea")
	assert.ErrorIs(t, err, llm.ErrTimeout)
}

func TestDiagnoseEmptyCollection(t *testing.T) {
	vs := newVectorServer(t)
	gen := &recordingGenerator{}
	svc, _ := newService(t, vs, &keywordEmbedder{}, gen)
	ctx := context.Background()
	require.NoError(t, svc.Run(ctx))

	res, err := svc.Diagnose(ctx, "corea")
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Equal(t, "Diagnóstico diferencial", res.Diagnosis)
}
