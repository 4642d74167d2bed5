package vectorstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotConnected        = errors.New("not connected")
	ErrIdentityMismatch    = errors.New("server ID mismatch")
	ErrConnectionExhausted = errors.New("all vector-store endpoints exhausted")
	ErrCollectionNotFound  = errors.New("collection not found")
	ErrIndexNotFound       = errors.New("index not found")
	ErrCollectionNotLoaded = errors.New("collection not loaded")
	ErrAlreadyExists       = errors.New("already exists")
	ErrHandleNotReady      = errors.New("collection handle not ready")
	ErrInvalidK            = errors.New("k must be at least 1")
	ErrDimensionMismatch   = errors.New("vector dimension mismatch")
	ErrInvalidSchema       = errors.New("invalid collection schema")
)

// ProbeError is an advisory reachability failure. It is logged, never
// returned to callers.
type ProbeError struct {
	Endpoint Endpoint
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s inconclusive: %v", e.Endpoint, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// ConnectError is a failed handshake against one endpoint.
type ConnectError struct {
	Endpoint Endpoint
	Attempt  int
	Kind     ErrorKind
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s (attempt %d, %s): %v", e.Endpoint, e.Attempt, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Attempt records one connection attempt.
type Attempt struct {
	Endpoint Endpoint      `json:"endpoint"`
	Number   int           `json:"attempt"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Err      error         `json:"-"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Succeeded reports whether the attempt produced a usable connection.
func (a Attempt) Succeeded() bool {
	return a.Err == nil
}

// ExhaustedError is returned when every candidate endpoint ran out of
// attempts. It matches ErrConnectionExhausted.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s after %d attempts", ErrConnectionExhausted, len(e.Attempts))
	if e.Last != nil {
		fmt.Fprintf(&b, ": %v", e.Last)
	}
	return b.String()
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrConnectionExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Endpoints returns the distinct endpoints tried, in order.
func (e *ExhaustedError) Endpoints() []Endpoint {
	var out []Endpoint
	seen := make(map[Endpoint]struct{})
	for _, a := range e.Attempts {
		if _, ok := seen[a.Endpoint]; ok {
			continue
		}
		seen[a.Endpoint] = struct{}{}
		out = append(out, a.Endpoint)
	}
	return out
}

// Bootstrap steps.
const (
	StepHasCollection      = "has_collection"
	StepCreateCollection   = "create_collection"
	StepDescribeCollection = "describe_collection"
	StepDescribeIndex      = "describe_index"
	StepDropIndex          = "drop_index"
	StepCreateIndex        = "create_index"
	StepLoadCollection     = "load_collection"
)

// BootstrapError is a failed step while preparing a collection.
type BootstrapError struct {
	Step       string
	Collection string
	Err        error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %s: %v", e.Collection, e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// SearchError is a failed query. Searches are never retried.
type SearchError struct {
	Collection string
	Err        error
}

func (e *SearchError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("search: %v", e.Err)
	}
	return fmt.Sprintf("search %s: %v", e.Collection, e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}
