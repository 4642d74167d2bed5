package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/accounts"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/diagnosis"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/llm"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

type fakeDiagnoser struct {
	ready   bool
	status  diagnosis.Status
	result  diagnosis.Result
	err     error
	coll    diagnosis.CollectionStatus
	collErr error
	seen    []string
}

func (f *fakeDiagnoser) Ready() bool              { return f.ready }
func (f *fakeDiagnoser) Status() diagnosis.Status { return f.status }

func (f *fakeDiagnoser) Diagnose(_ context.Context, symptoms string) (diagnosis.Result, error) {
	f.seen = append(f.seen, symptoms)
	return f.result, f.err
}

func (f *fakeDiagnoser) CollectionStatus(context.Context) (diagnosis.CollectionStatus, error) {
	return f.coll, f.collErr
}

type countingRecorder struct {
	metrics.Noop
	mu       sync.Mutex
	statuses []string
}

func (c *countingRecorder) DiagnoseRequest(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
}

func newTestServer(t *testing.T, svc Diagnoser, cfg ServerConfig) *httptest.Server {
	t.Helper()
	store, err := accounts.Open(filepath.Join(t.TempDir(), "accounts.db"), accounts.Options{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg.Service = svc
	cfg.Doctors = store
	srv := httptest.NewServer(NewServer(cfg).Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestIndexAndHealth(t *testing.T) {
	svc := &fakeDiagnoser{}
	srv := newTestServer(t, svc, ServerConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Síntomas Diagnóstico AI API", body["app"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "in_progress", body["initialization"])
	assert.NotEmpty(t, body["available_endpoints"])

	_, body = do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "in_progress", body["initialization"])

	svc.ready = true
	_, body = do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, "complete", body["initialization"])
}

func TestStatus(t *testing.T) {
	svc := &fakeDiagnoser{status: diagnosis.Status{
		Phase:        diagnosis.PhaseRetrying,
		Error:        "connect: exhausted",
		InitAttempts: 2,
		Components:   diagnosis.Components{Embedding: true},
	}}
	srv := newTestServer(t, svc, ServerConfig{})

	_, body := do(t, http.MethodGet, srv.URL+"/status", nil)
	assert.Equal(t, false, body["initialization_complete"])
	assert.Equal(t, "connect: exhausted", body["error"])
	assert.Equal(t, "retrying", body["phase"])
	components := body["components"].(map[string]any)
	assert.Equal(t, true, components["embedding_model"])
	assert.Equal(t, false, components["collection"])

	svc.status = diagnosis.Status{Phase: diagnosis.PhaseReady, Ready: true}
	_, body = do(t, http.MethodGet, srv.URL+"/status", nil)
	assert.Equal(t, true, body["initialization_complete"])
	assert.Nil(t, body["error"])
}

func TestVectorStoreStatus(t *testing.T) {
	svc := &fakeDiagnoser{coll: diagnosis.CollectionStatus{
		Name: "diseases", RowCount: 5, IndexStatus: "created", Loaded: true, Generation: 1,
	}}
	srv := newTestServer(t, svc, ServerConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/vectorstore/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "diseases", body["collection_name"])
	assert.Equal(t, float64(5), body["row_count"])
	assert.Equal(t, "created", body["index_status"])

	svc.collErr = fmt.Errorf("%w: warming up", diagnosis.ErrNotReady)
	resp, body = do(t, http.MethodGet, srv.URL+"/vectorstore/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["detail"], "not initialized")
}

func TestDiagnose(t *testing.T) {
	rec := &countingRecorder{}
	svc := &fakeDiagnoser{ready: true, result: diagnosis.Result{
		Diagnosis: "Enfermedad de Huntington",
		Matches:   []diagnosis.Match{{Code: "ORPHA:399", Name: "Huntington", Similarity: 0.9}},
	}}
	srv := newTestServer(t, svc, ServerConfig{Metrics: rec})

	resp, body := do(t, http.MethodPost, srv.URL+"/diagnose", map[string]string{"symptoms": "corea y demencia"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Enfermedad de Huntington", body["diagnosis"])
	assert.Len(t, body["matches"], 1)
	assert.Equal(t, []string{"corea y demencia"}, svc.seen)

	resp, _ = do(t, http.MethodPost, srv.URL+"/diagnose", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, []string{"200", "400"}, rec.statuses)
}

func TestDiagnoseErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty symptoms", diagnosis.ErrEmptySymptoms, http.StatusBadRequest},
		{"exhausted", fmt.Errorf("session: %w", vectorstore.ErrConnectionExhausted), http.StatusServiceUnavailable},
		{"bootstrap", fmt.Errorf("rebuild: %w", &vectorstore.BootstrapError{
			Step: "load", Collection: "diseases", Err: fmt.Errorf("collection not loaded"),
		}), http.StatusServiceUnavailable},
		{"llm timeout", llm.ErrTimeout, http.StatusGatewayTimeout},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeDiagnoser{ready: true, err: tt.err}, ServerConfig{})
			resp, body := do(t, http.MethodPost, srv.URL+"/diagnose", map[string]string{"symptoms": "x"})
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Contains(t, body["detail"], tt.err.Error())
		})
	}
}

func TestDiagnoseNotReady(t *testing.T) {
	svc := &fakeDiagnoser{status: diagnosis.Status{Error: "dial tcp: connection refused"}}
	srv := newTestServer(t, svc, ServerConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/diagnose", map[string]string{"symptoms": "fiebre"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["detail"], "connection refused")
	assert.Empty(t, svc.seen)
}

func TestDiagnoseRateLimited(t *testing.T) {
	svc := &fakeDiagnoser{ready: true}
	srv := newTestServer(t, svc, ServerConfig{RateLimit: 0.001, RateBurst: 1})

	resp, _ := do(t, http.MethodPost, srv.URL+"/diagnose", map[string]string{"symptoms": "fiebre"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/diagnose", map[string]string{"symptoms": "fiebre"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Len(t, svc.seen, 1)
}

func TestDoctorsCRUD(t *testing.T) {
	srv := newTestServer(t, &fakeDiagnoser{}, ServerConfig{})
	newDoctor := map[string]any{
		"username":  "mgarcia",
		"full_name": "María García",
		"email":     "mgarcia@example.com",
		"specialty": "Neurología",
		"password":  "s3cret",
	}

	resp, created := do(t, http.MethodPost, srv.URL+"/doctors", newDoctor)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, created["active"])
	assert.NotContains(t, created, "hashed_password")

	resp, body := do(t, http.MethodPost, srv.URL+"/doctors", newDoctor)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Username already registered", body["detail"])

	resp, body = do(t, http.MethodGet, srv.URL+"/doctors/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mgarcia", body["username"])

	resp, body = do(t, http.MethodPut, srv.URL+"/doctors/"+id, map[string]any{"specialty": "Genética"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Genética", body["specialty"])
	assert.Equal(t, "María García", body["full_name"])

	resp, body = do(t, http.MethodDelete, srv.URL+"/doctors/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Doctor deleted successfully", body["message"])

	resp, body = do(t, http.MethodGet, srv.URL+"/doctors/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Doctor not found", body["detail"])
}

func TestListDoctors(t *testing.T) {
	srv := newTestServer(t, &fakeDiagnoser{}, ServerConfig{})

	resp, err := http.Get(srv.URL + "/doctors")
	require.NoError(t, err)
	var empty []accounts.Doctor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close()
	assert.Empty(t, empty)

	for _, name := range []string{"zlopez", "aruiz"} {
		r, _ := do(t, http.MethodPost, srv.URL+"/doctors", map[string]any{
			"username": name, "full_name": name, "email": name + "@example.com", "password": "pw",
		})
		require.Equal(t, http.StatusCreated, r.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/doctors")
	require.NoError(t, err)
	defer resp.Body.Close()
	var all []accounts.Doctor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.Len(t, all, 2)
	assert.Equal(t, "aruiz", all[0].Username)
}

func TestMetricsEndpoint(t *testing.T) {
	prom := metrics.NewPrometheus()
	svc := &fakeDiagnoser{ready: true}
	srv := newTestServer(t, svc, ServerConfig{Metrics: prom, MetricsHandler: prom.Handler()})

	do(t, http.MethodPost, srv.URL+"/diagnose", map[string]string{"symptoms": "fiebre"})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "diagnose_requests_total")
}

func TestListenAndServeShutdown(t *testing.T) {
	s := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, Service: &fakeDiagnoser{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
