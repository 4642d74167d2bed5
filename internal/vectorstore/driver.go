// Package vectorstore is the connection-resilient client layer in front of
// the vector database: endpoint probing, connection management with
// backoff, idempotent collection bootstrapping and top-K search.
package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// DialOptions are applied to a single handshake.
type DialOptions struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Driver opens connections to a vector store.
type Driver interface {
	// Dial performs a handshake with the endpoint.
	Dial(ctx context.Context, e Endpoint, opts DialOptions) (Conn, error)
	// Purge drops every piece of session state the driver keeps for e,
	// including cached server identity. Close alone does not.
	Purge(e Endpoint)
}

// Conn is an open session against one endpoint.
type Conn interface {
	ListCollections(ctx context.Context) ([]string, error)
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, desc CollectionDescriptor) error
	DescribeCollection(ctx context.Context, name string) (CollectionDescriptor, error)
	DropIndex(ctx context.Context, collection, field string) error
	CreateIndex(ctx context.Context, collection string, spec IndexSpec) error
	DescribeIndex(ctx context.Context, collection, field string) (IndexSpec, error)
	LoadCollection(ctx context.Context, name string) error
	Stats(ctx context.Context, name string) (CollectionStats, error)
	Insert(ctx context.Context, collection string, entities []Entity) ([]int64, error)
	Search(ctx context.Context, q Query) ([]SearchResult, error)
	Close() error
}

// FieldType is a column type.
type FieldType string

const (
	FieldInt64       FieldType = "INT64"
	FieldVarChar     FieldType = "VARCHAR"
	FieldFloatVector FieldType = "FLOAT_VECTOR"
)

// FieldSchema describes one column.
type FieldSchema struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	PrimaryKey bool      `json:"primary_key,omitempty"`
	AutoID     bool      `json:"auto_id,omitempty"`
	MaxLength  int       `json:"max_length,omitempty"`
	Dim        int       `json:"dim,omitempty"`
}

// CollectionDescriptor is the schema of a collection.
type CollectionDescriptor struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Fields      []FieldSchema `json:"fields"`
}

// VectorField returns the single FLOAT_VECTOR field.
func (d CollectionDescriptor) VectorField() (FieldSchema, bool) {
	for _, f := range d.Fields {
		if f.Type == FieldFloatVector {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// Field returns the field called name.
func (d CollectionDescriptor) Field(name string) (FieldSchema, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// Dim returns the vector dimension, or 0 when there is no vector field.
func (d CollectionDescriptor) Dim() int {
	f, _ := d.VectorField()
	return f.Dim
}

// Validate checks the structural rules: a name, one auto-generated int64
// primary key, positive VARCHAR lengths and exactly one vector field.
func (d CollectionDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: missing collection name", ErrInvalidSchema)
	}

	var pk, vectors int
	names := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field without name", ErrInvalidSchema)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		names[f.Name] = struct{}{}

		switch f.Type {
		case FieldInt64:
			if f.PrimaryKey {
				pk++
			}
		case FieldVarChar:
			if f.MaxLength <= 0 {
				return fmt.Errorf("%w: field %q needs a positive max length", ErrInvalidSchema, f.Name)
			}
		case FieldFloatVector:
			if f.Dim <= 0 {
				return fmt.Errorf("%w: field %q needs a positive dimension", ErrInvalidSchema, f.Name)
			}
			vectors++
		default:
			return fmt.Errorf("%w: field %q has unsupported type %q", ErrInvalidSchema, f.Name, f.Type)
		}
	}

	if pk != 1 {
		return fmt.Errorf("%w: need exactly one int64 primary key, got %d", ErrInvalidSchema, pk)
	}
	if vectors != 1 {
		return fmt.Errorf("%w: need exactly one vector field, got %d", ErrInvalidSchema, vectors)
	}
	return nil
}

// Diff lists human-readable differences between d and other. An empty
// result means the schemas are compatible.
func (d CollectionDescriptor) Diff(other CollectionDescriptor) []string {
	var diffs []string
	for _, want := range d.Fields {
		got, ok := other.Field(want.Name)
		if !ok {
			diffs = append(diffs, fmt.Sprintf("missing field %q", want.Name))
			continue
		}
		if got.Type != want.Type {
			diffs = append(diffs, fmt.Sprintf("field %q type %s, want %s", want.Name, got.Type, want.Type))
		}
		if want.Type == FieldFloatVector && got.Dim != want.Dim {
			diffs = append(diffs, fmt.Sprintf("field %q dimension %d, want %d", want.Name, got.Dim, want.Dim))
		}
		if want.Type == FieldVarChar && got.MaxLength < want.MaxLength {
			diffs = append(diffs, fmt.Sprintf("field %q max length %d, want %d", want.Name, got.MaxLength, want.MaxLength))
		}
	}
	return diffs
}

// MetricType is the distance function of an index.
type MetricType string

const (
	MetricL2     MetricType = "L2"
	MetricIP     MetricType = "IP"
	MetricCosine MetricType = "COSINE"
)

// Ascending reports whether smaller scores are better for m.
func (m MetricType) Ascending() bool {
	return m == MetricL2 || m == ""
}

// IndexKind is the index algorithm.
type IndexKind string

const (
	IndexIVFFlat IndexKind = "IVF_FLAT"
	IndexFlat    IndexKind = "FLAT"
	IndexHNSW    IndexKind = "HNSW"
)

// IndexSpec describes a vector index.
type IndexSpec struct {
	Field  string         `json:"field"`
	Metric MetricType     `json:"metric"`
	Kind   IndexKind      `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Equal compares two specs. Numeric params compare by value regardless of
// their Go type so that JSON round trips do not register as changes.
func (s IndexSpec) Equal(o IndexSpec) bool {
	if s.Field != o.Field || s.Metric != o.Metric || s.Kind != o.Kind || len(s.Params) != len(o.Params) {
		return false
	}
	for k, v := range s.Params {
		ov, ok := o.Params[k]
		if !ok {
			return false
		}
		if fmt.Sprint(normalizeNumber(v)) != fmt.Sprint(normalizeNumber(ov)) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the params map.
func (s IndexSpec) Clone() IndexSpec {
	s.Params = maps.Clone(s.Params)
	return s
}

func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

// CollectionStats reports the runtime state of a collection.
type CollectionStats struct {
	Name     string     `json:"name"`
	RowCount int64      `json:"row_count"`
	Loaded   bool       `json:"loaded"`
	Index    *IndexSpec `json:"index,omitempty"`
}

// Entity is one row to insert. Fields holds the scalar columns; the
// vector goes to the collection's vector field.
type Entity struct {
	Vector []float32      `json:"vector"`
	Fields map[string]any `json:"fields"`
}

// Query is a driver-level search request.
type Query struct {
	Collection   string         `json:"collection"`
	VectorField  string         `json:"vector_field"`
	Vector       []float32      `json:"vector"`
	TopK         int            `json:"top_k"`
	Metric       MetricType     `json:"metric"`
	Params       map[string]any `json:"params,omitempty"`
	OutputFields []string       `json:"output_fields,omitempty"`
}

// SearchResult is one hit.
type SearchResult struct {
	ID       int64          `json:"id"`
	Distance float32        `json:"distance"`
	Fields   map[string]any `json:"fields,omitempty"`
}
