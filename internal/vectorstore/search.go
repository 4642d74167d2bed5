package vectorstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
)

// SearchRequest are the caller-facing search options.
type SearchRequest struct {
	K            int
	Params       map[string]any
	OutputFields []string
}

// Searcher runs top-K queries against ready handles.
type Searcher struct {
	metrics metrics.Recorder
}

// NewSearcher creates a Searcher. A nil recorder discards metrics.
func NewSearcher(rec metrics.Recorder) *Searcher {
	return &Searcher{metrics: metrics.OrNoop(rec)}
}

// Search returns at most req.K results ordered best first. Errors are
// *SearchError and are never retried here.
func (s *Searcher) Search(ctx context.Context, h *Handle, vector []float32, req SearchRequest) ([]SearchResult, error) {
	if !h.Ready() {
		return nil, &SearchError{Err: ErrHandleNotReady}
	}
	name := h.Name()
	if req.K < 1 {
		return nil, &SearchError{Collection: name, Err: ErrInvalidK}
	}

	field, _ := h.desc.VectorField()
	if len(vector) != field.Dim {
		return nil, &SearchError{
			Collection: name,
			Err:        fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), field.Dim),
		}
	}

	start := time.Now()
	results, err := h.conn.Search(ctx, Query{
		Collection:   name,
		VectorField:  field.Name,
		Vector:       vector,
		TopK:         req.K,
		Metric:       h.index.Metric,
		Params:       maps.Clone(req.Params),
		OutputFields: req.OutputFields,
	})
	s.metrics.Search(name, time.Since(start), err)
	if err != nil {
		return nil, &SearchError{Collection: name, Err: err}
	}

	return normalize(results, h.index.Metric, req.K, req.OutputFields), nil
}

// Search runs a query with a Noop metrics recorder.
func Search(ctx context.Context, h *Handle, vector []float32, req SearchRequest) ([]SearchResult, error) {
	return NewSearcher(nil).Search(ctx, h, vector, req)
}

func normalize(results []SearchResult, metric MetricType, k int, fields []string) []SearchResult {
	out := make([]SearchResult, 0, min(len(results), k))
	for _, r := range results {
		if len(fields) > 0 {
			kept := make(map[string]any, len(fields))
			for _, f := range fields {
				if v, ok := r.Fields[f]; ok {
					kept[f] = v
				}
			}
			r.Fields = kept
		}
		out = append(out, r)
	}

	slices.SortStableFunc(out, func(a, b SearchResult) int {
		if metric.Ascending() {
			return cmp.Compare(a.Distance, b.Distance)
		}
		return cmp.Compare(b.Distance, a.Distance)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
