package vecserver

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/abdul-hamid-achik/veclite"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

// Store holds collections in veclite and their metadata in the catalog.
type Store struct {
	mu      sync.Mutex
	db      *veclite.DB
	catalog *catalog
	colls   map[string]*veclite.Collection
	loaded  map[string]bool
}

// OpenStore opens or creates a store under dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := veclite.Open(filepath.Join(dir, "vectors.veclite"))
	if err != nil {
		return nil, fmt.Errorf("open veclite: %w", err)
	}
	cat, err := openCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		catalog: cat,
		colls:   make(map[string]*veclite.Collection),
		loaded:  make(map[string]bool),
	}

	entries, err := cat.list()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, e := range entries {
		coll, err := s.openCollection(e.Descriptor)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.colls[e.Descriptor.Name] = coll
	}
	return s, nil
}

func (s *Store) openCollection(desc vectorstore.CollectionDescriptor) (*veclite.Collection, error) {
	coll, err := s.db.GetCollection(desc.Name)
	if err == nil {
		return coll, nil
	}
	coll, err = s.db.CreateCollection(desc.Name,
		veclite.WithDimension(desc.Dim()),
		veclite.WithDistanceType(veclite.DistanceEuclidean),
		veclite.WithHNSW(16, 200),
	)
	if err != nil {
		return nil, fmt.Errorf("create veclite collection %q: %w", desc.Name, err)
	}
	return coll, nil
}

// Close syncs and closes the underlying files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.db.Sync(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.catalog.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// List returns collection names in sorted order.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.colls))
	for n := range s.colls {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Has reports whether a collection exists.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.colls[name]
	return ok
}

// Create adds a collection.
func (s *Store) Create(desc vectorstore.CollectionDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.colls[desc.Name]; ok {
		return fmt.Errorf("collection %q: %w", desc.Name, vectorstore.ErrAlreadyExists)
	}
	coll, err := s.openCollection(desc)
	if err != nil {
		return err
	}
	if err := s.catalog.put(catalogEntry{Descriptor: desc, CreatedAt: time.Now().UTC()}); err != nil {
		_ = s.db.DropCollection(desc.Name)
		return fmt.Errorf("save catalog: %w", err)
	}
	s.colls[desc.Name] = coll
	return nil
}

// Describe returns the schema of a collection.
func (s *Store) Describe(name string) (vectorstore.CollectionDescriptor, error) {
	e, err := s.entry(name)
	return e.Descriptor, err
}

// Drop removes a collection and its data.
func (s *Store) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.colls[name]; !ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, name)
	}
	if err := s.db.DropCollection(name); err != nil {
		return fmt.Errorf("drop veclite collection: %w", err)
	}
	delete(s.colls, name)
	delete(s.loaded, name)
	return s.catalog.delete(name)
}

// CreateIndex records an index spec. Only L2 is served since veclite
// collections are created with Euclidean distance.
func (s *Store) CreateIndex(name string, spec vectorstore.IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entryLocked(name)
	if err != nil {
		return err
	}
	if e.Index != nil {
		return fmt.Errorf("index on %s.%s: %w", name, e.Index.Field, vectorstore.ErrAlreadyExists)
	}
	vf, _ := e.Descriptor.VectorField()
	if spec.Field != vf.Name {
		return fmt.Errorf("%w: field %q is not the vector field", vectorstore.ErrInvalidSchema, spec.Field)
	}
	if spec.Metric != vectorstore.MetricL2 {
		return fmt.Errorf("%w: metric %s not supported, use L2", vectorstore.ErrInvalidSchema, spec.Metric)
	}
	idx := spec.Clone()
	e.Index = &idx
	return s.catalog.put(e)
}

// DescribeIndex returns the index on field.
func (s *Store) DescribeIndex(name, field string) (vectorstore.IndexSpec, error) {
	e, err := s.entry(name)
	if err != nil {
		return vectorstore.IndexSpec{}, err
	}
	if e.Index == nil || (field != "" && e.Index.Field != field) {
		return vectorstore.IndexSpec{}, fmt.Errorf("%w: %s.%s", vectorstore.ErrIndexNotFound, name, field)
	}
	return *e.Index, nil
}

// DropIndex removes the index and releases the collection.
func (s *Store) DropIndex(name, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entryLocked(name)
	if err != nil {
		return err
	}
	if e.Index == nil || (field != "" && e.Index.Field != field) {
		return fmt.Errorf("%w: %s.%s", vectorstore.ErrIndexNotFound, name, field)
	}
	e.Index = nil
	s.loaded[name] = false
	return s.catalog.put(e)
}

// Load marks a collection searchable. It needs an index.
func (s *Store) Load(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entryLocked(name)
	if err != nil {
		return err
	}
	if e.Index == nil {
		return fmt.Errorf("load %s: %w", name, vectorstore.ErrIndexNotFound)
	}
	s.loaded[name] = true
	return nil
}

// Release marks a collection unsearchable.
func (s *Store) Release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.colls[name]; !ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, name)
	}
	s.loaded[name] = false
	return nil
}

// Stats reports row count, load state and index.
func (s *Store) Stats(name string) (vectorstore.CollectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entryLocked(name)
	if err != nil {
		return vectorstore.CollectionStats{}, err
	}
	return vectorstore.CollectionStats{
		Name:     name,
		RowCount: int64(s.colls[name].Count()),
		Loaded:   s.loaded[name],
		Index:    e.Index,
	}, nil
}

// Insert validates and stores entities, returning their IDs.
func (s *Store) Insert(name string, entities []vectorstore.Entity) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entryLocked(name)
	if err != nil {
		return nil, err
	}
	coll := s.colls[name]
	dim := e.Descriptor.Dim()

	ids := make([]int64, 0, len(entities))
	for i, ent := range entities {
		if len(ent.Vector) != dim {
			return ids, fmt.Errorf("entity %d: %w: got %d, want %d", i, vectorstore.ErrDimensionMismatch, len(ent.Vector), dim)
		}
		payload, err := payloadFor(e.Descriptor, ent.Fields)
		if err != nil {
			return ids, fmt.Errorf("entity %d: %w", i, err)
		}
		id, err := coll.Insert(ent.Vector, payload)
		if err != nil {
			return ids, fmt.Errorf("entity %d: insert: %w", i, err)
		}
		ids = append(ids, int64(id))
	}
	if err := s.db.Sync(); err != nil {
		return ids, fmt.Errorf("sync: %w", err)
	}
	return ids, nil
}

// Search runs a nearest-neighbour query. The collection must be indexed
// and loaded.
func (s *Store) Search(q vectorstore.Query) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entryLocked(q.Collection)
	if err != nil {
		return nil, err
	}
	if e.Index == nil {
		return nil, fmt.Errorf("search %s: %w", q.Collection, vectorstore.ErrIndexNotFound)
	}
	if !s.loaded[q.Collection] {
		return nil, fmt.Errorf("search %s: %w", q.Collection, vectorstore.ErrCollectionNotLoaded)
	}
	if dim := e.Descriptor.Dim(); len(q.Vector) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(q.Vector), dim)
	}
	if q.TopK < 1 {
		return nil, vectorstore.ErrInvalidK
	}

	coll := s.colls[q.Collection]
	if coll.Count() == 0 {
		return []vectorstore.SearchResult{}, nil
	}
	results, err := coll.Search(q.Vector, veclite.TopK(q.TopK))
	if err != nil {
		return nil, fmt.Errorf("veclite search: %w", err)
	}

	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		fields := make(map[string]any, len(q.OutputFields))
		for _, f := range q.OutputFields {
			if v, ok := r.Record.Payload[f]; ok {
				fields[f] = v
			}
		}
		out = append(out, vectorstore.SearchResult{
			ID:       int64(r.Record.ID),
			Distance: r.Score,
			Fields:   fields,
		})
	}
	return out, nil
}

func (s *Store) entry(name string) (catalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(name)
}

func (s *Store) entryLocked(name string) (catalogEntry, error) {
	if _, ok := s.colls[name]; !ok {
		return catalogEntry{}, fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, name)
	}
	e, found, err := s.catalog.get(name)
	if err != nil {
		return catalogEntry{}, fmt.Errorf("read catalog: %w", err)
	}
	if !found {
		return catalogEntry{}, fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, name)
	}
	return e, nil
}

// payloadFor keeps only declared scalar fields and enforces VARCHAR limits.
func payloadFor(desc vectorstore.CollectionDescriptor, fields map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(fields))
	for _, f := range desc.Fields {
		if f.Type == vectorstore.FieldFloatVector || (f.PrimaryKey && f.AutoID) {
			continue
		}
		v, ok := fields[f.Name]
		if !ok {
			continue
		}
		switch f.Type {
		case vectorstore.FieldVarChar:
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: field %q must be a string", vectorstore.ErrInvalidSchema, f.Name)
			}
			if utf8.RuneCountInString(str) > f.MaxLength {
				return nil, fmt.Errorf("%w: field %q exceeds max length %d", vectorstore.ErrInvalidSchema, f.Name, f.MaxLength)
			}
			payload[f.Name] = str
		case vectorstore.FieldInt64:
			payload[f.Name] = toInt64(v)
		}
	}
	return payload, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
