// Package rest implements vectorstore.Driver over a JSON/HTTP protocol.
// The message types here are shared with the development server.
package rest

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

// HeaderServerID carries the server instance identity a client last saw.
const HeaderServerID = "X-Server-Id"

// Error codes.
const (
	CodeServerIDMismatch    = "server_id_mismatch"
	CodeCollectionNotFound  = "collection_not_found"
	CodeIndexNotFound       = "index_not_found"
	CodeCollectionNotLoaded = "collection_not_loaded"
	CodeAlreadyExists       = "already_exists"
	CodeDimensionMismatch   = "dimension_mismatch"
	CodeInvalidSchema       = "invalid_schema"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// IdentityResponse answers GET /v1/identity.
type IdentityResponse struct {
	ServerID  string    `json:"server_id"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// ListCollectionsResponse answers GET /v1/collections.
type ListCollectionsResponse struct {
	Collections []string `json:"collections"`
}

// ExistsResponse answers GET /v1/collections/{name}/exists.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// InsertRequest is the body of POST /v1/collections/{name}/entities.
type InsertRequest struct {
	Entities []vectorstore.Entity `json:"entities"`
}

// InsertResponse lists generated primary keys.
type InsertResponse struct {
	IDs []int64 `json:"ids"`
}

// SearchResponse answers POST /v1/collections/{name}/search.
type SearchResponse struct {
	Results []vectorstore.SearchResult `json:"results"`
}

// APIError is a non-2xx response. It unwraps to the vectorstore sentinel
// matching its code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vector store returned %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("vector store returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return sentinelFor(e.Code)
}

func sentinelFor(code string) error {
	switch code {
	case CodeServerIDMismatch:
		return vectorstore.ErrIdentityMismatch
	case CodeCollectionNotFound:
		return vectorstore.ErrCollectionNotFound
	case CodeIndexNotFound:
		return vectorstore.ErrIndexNotFound
	case CodeCollectionNotLoaded:
		return vectorstore.ErrCollectionNotLoaded
	case CodeAlreadyExists:
		return vectorstore.ErrAlreadyExists
	case CodeDimensionMismatch:
		return vectorstore.ErrDimensionMismatch
	case CodeInvalidSchema:
		return vectorstore.ErrInvalidSchema
	}
	return nil
}

// StatusFor maps an error to the HTTP status and code a server should
// answer with.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, vectorstore.ErrIdentityMismatch):
		return http.StatusConflict, CodeServerIDMismatch
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		return http.StatusNotFound, CodeCollectionNotFound
	case errors.Is(err, vectorstore.ErrIndexNotFound):
		return http.StatusNotFound, CodeIndexNotFound
	case errors.Is(err, vectorstore.ErrCollectionNotLoaded):
		return http.StatusConflict, CodeCollectionNotLoaded
	case errors.Is(err, vectorstore.ErrAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return http.StatusBadRequest, CodeDimensionMismatch
	case errors.Is(err, vectorstore.ErrInvalidSchema):
		return http.StatusBadRequest, CodeInvalidSchema
	}
	return http.StatusInternalServerError, CodeInternal
}
