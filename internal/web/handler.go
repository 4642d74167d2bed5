package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/accounts"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/diagnosis"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/llm"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/version"
)

const maxBodyBytes = 1 << 20

// Handler handles API requests.
type Handler struct {
	service Diagnoser
	doctors DoctorStore
	metrics metrics.Recorder
	limiter *rate.Limiter
}

// NewHandler creates a new Handler. A nil limiter disables rate limiting.
func NewHandler(service Diagnoser, doctors DoctorStore, rec metrics.Recorder, limiter *rate.Limiter) *Handler {
	return &Handler{
		service: service,
		doctors: doctors,
		metrics: metrics.OrNoop(rec),
		limiter: limiter,
	}
}

type endpointInfo struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []endpointInfo{
	{"/", "GET", "This information page"},
	{"/health", "GET", "Health check endpoint"},
	{"/status", "GET", "Component initialization status"},
	{"/vectorstore/status", "GET", "Vector store collection statistics"},
	{"/diagnose", "POST", "Submit symptoms for diagnosis"},
	{"/doctors", "GET, POST", "List or register doctors"},
	{"/doctors/{id}", "GET, PUT, DELETE", "Read, update or delete a doctor"},
	{"/metrics", "GET", "Prometheus metrics"},
}

func (h *Handler) initialization() string {
	if h.service.Ready() {
		return "complete"
	}
	return "in_progress"
}

// Index describes the API.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"app":                 "Síntomas Diagnóstico AI API",
		"version":             version.Short(),
		"status":              "running",
		"initialization":      h.initialization(),
		"available_endpoints": endpoints,
	})
}

// Health reports liveness and initialization progress.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{
		"status":         "ok",
		"initialization": h.initialization(),
	})
}

// Status reports component readiness and the last initialization error.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.service.Status()
	var initErr *string
	if st.Error != "" {
		initErr = &st.Error
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"initialization_complete": st.Ready,
		"phase":                   st.Phase,
		"error":                   initErr,
		"init_attempts":           st.InitAttempts,
		"components":              st.Components,
		"vectorstore":             st.VectorStore,
	})
}

// VectorStoreStatus reports collection statistics.
func (h *Handler) VectorStoreStatus(w http.ResponseWriter, r *http.Request) {
	cs, err := h.service.CollectionStatus(r.Context())
	if err != nil {
		jsonError(w, statusFor(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"collection_name": cs.Name,
		"row_count":       cs.RowCount,
		"index_status":    cs.IndexStatus,
		"loaded":          cs.Loaded,
		"generation":      cs.Generation,
	})
}

type diagnoseRequest struct {
	Symptoms string `json:"symptoms"`
}

// Diagnose answers POST /diagnose.
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	defer func() { h.metrics.DiagnoseRequest(strconv.Itoa(status)) }()

	if h.limiter != nil && !h.limiter.Allow() {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", "1")
		jsonError(w, status, "too many diagnose requests")
		return
	}
	if !h.service.Ready() {
		status = http.StatusServiceUnavailable
		msg := diagnosis.ErrNotReady.Error()
		if st := h.service.Status(); st.Error != "" {
			msg += ": " + st.Error
		}
		jsonError(w, status, msg)
		return
	}

	var req diagnoseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		status = http.StatusBadRequest
		jsonError(w, status, "invalid request body: "+err.Error())
		return
	}

	res, err := h.service.Diagnose(r.Context(), req.Symptoms)
	if err != nil {
		status = statusFor(err)
		jsonError(w, status, err.Error())
		return
	}
	jsonResponse(w, status, res)
}

// CreateDoctor registers a doctor.
func (h *Handler) CreateDoctor(w http.ResponseWriter, r *http.Request) {
	var in accounts.NewDoctor
	if !decode(w, r, &in) {
		return
	}
	d, err := h.doctors.Create(in)
	if err != nil {
		doctorError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, d)
}

// ListDoctors returns every doctor.
func (h *Handler) ListDoctors(w http.ResponseWriter, r *http.Request) {
	all, err := h.doctors.List()
	if err != nil {
		doctorError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, all)
}

// GetDoctor returns one doctor.
func (h *Handler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	d, err := h.doctors.Get(chi.URLParam(r, "id"))
	if err != nil {
		doctorError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, d)
}

// UpdateDoctor applies a partial update.
func (h *Handler) UpdateDoctor(w http.ResponseWriter, r *http.Request) {
	var u accounts.Update
	if !decode(w, r, &u) {
		return
	}
	d, err := h.doctors.Update(chi.URLParam(r, "id"), u)
	if err != nil {
		doctorError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, d)
}

// DeleteDoctor removes a doctor.
func (h *Handler) DeleteDoctor(w http.ResponseWriter, r *http.Request) {
	if err := h.doctors.Delete(chi.URLParam(r, "id")); err != nil {
		doctorError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"message": "Doctor deleted successfully"})
}

func doctorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accounts.ErrDuplicateUsername):
		jsonError(w, http.StatusBadRequest, "Username already registered")
	case errors.Is(err, accounts.ErrNotFound):
		jsonError(w, http.StatusNotFound, "Doctor not found")
	default:
		jsonError(w, statusFor(err), err.Error())
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var be *vectorstore.BootstrapError
	switch {
	case errors.Is(err, diagnosis.ErrEmptySymptoms),
		errors.Is(err, accounts.ErrInvalid),
		errors.Is(err, accounts.ErrDuplicateUsername):
		return http.StatusBadRequest
	case errors.Is(err, accounts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, diagnosis.ErrNotReady),
		errors.Is(err, vectorstore.ErrConnectionExhausted),
		errors.As(err, &be):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// jsonError writes {"detail": message}.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"detail": message})
}
