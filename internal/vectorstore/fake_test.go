package vectorstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeServer is the shared in-memory state behind every fakeConn.
type fakeServer struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	calls       []string

	// createRace makes the next CreateCollection report ErrAlreadyExists
	// after creating, as if another bootstrapper won.
	createRace bool
	searchErr  error
	loadErr    error
}

type fakeCollection struct {
	desc   CollectionDescriptor
	index  *IndexSpec
	loaded bool
	rows   []Entity
	hits   []SearchResult
}

func newFakeServer() *fakeServer {
	return &fakeServer{collections: make(map[string]*fakeCollection)}
}

func (s *fakeServer) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeServer) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

// fakeDriver scripts Dial outcomes per endpoint. Once an endpoint's
// script is used up, dials succeed.
type fakeDriver struct {
	mu      sync.Mutex
	server  *fakeServer
	script  map[Endpoint][]error
	dials   []Endpoint
	opts    []DialOptions
	purged  []Endpoint
	conns   []*fakeConn
	listErr map[Endpoint]error
}

func newFakeDriver(server *fakeServer) *fakeDriver {
	return &fakeDriver{
		server:  server,
		script:  make(map[Endpoint][]error),
		listErr: make(map[Endpoint]error),
	}
}

func (d *fakeDriver) fail(e Endpoint, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script[e] = append(d.script[e], errs...)
}

func (d *fakeDriver) Dial(ctx context.Context, e Endpoint, opts DialOptions) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials = append(d.dials, e)
	d.opts = append(d.opts, opts)
	if errs := d.script[e]; len(errs) > 0 {
		d.script[e] = errs[1:]
		return nil, errs[0]
	}
	c := &fakeConn{server: d.server, endpoint: e, listErr: d.listErr[e]}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDriver) Purge(e Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, e)
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type fakeConn struct {
	mu       sync.Mutex
	server   *fakeServer
	endpoint Endpoint
	closed   bool
	listErr  error
}

func (c *fakeConn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return nil
}

func (c *fakeConn) setListErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ListCollections(ctx context.Context) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	listErr := c.listErr
	c.mu.Unlock()

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("list")
	if listErr != nil {
		return nil, listErr
	}
	var names []string
	for n := range s.collections {
		names = append(names, n)
	}
	return names, nil
}

func (c *fakeConn) HasCollection(ctx context.Context, name string) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("has")
	if s.createRace {
		return false, nil
	}
	_, ok := s.collections[name]
	return ok, nil
}

func (c *fakeConn) CreateCollection(ctx context.Context, desc CollectionDescriptor) error {
	if err := c.check(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_collection")
	if _, ok := s.collections[desc.Name]; ok {
		return ErrAlreadyExists
	}
	s.collections[desc.Name] = &fakeCollection{desc: desc}
	if s.createRace {
		s.createRace = false
		return ErrAlreadyExists
	}
	return nil
}

func (c *fakeConn) DescribeCollection(ctx context.Context, name string) (CollectionDescriptor, error) {
	if err := c.check(); err != nil {
		return CollectionDescriptor{}, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("describe_collection")
	coll, ok := s.collections[name]
	if !ok {
		return CollectionDescriptor{}, ErrCollectionNotFound
	}
	return coll.desc, nil
}

func (c *fakeConn) DropIndex(ctx context.Context, collection, field string) error {
	if err := c.check(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("drop_index")
	coll, ok := s.collections[collection]
	if !ok {
		return ErrCollectionNotFound
	}
	if coll.index == nil {
		return ErrIndexNotFound
	}
	coll.index = nil
	coll.loaded = false
	return nil
}

func (c *fakeConn) CreateIndex(ctx context.Context, collection string, spec IndexSpec) error {
	if err := c.check(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_index")
	coll, ok := s.collections[collection]
	if !ok {
		return ErrCollectionNotFound
	}
	if coll.index != nil {
		return ErrAlreadyExists
	}
	cp := spec.Clone()
	coll.index = &cp
	return nil
}

func (c *fakeConn) DescribeIndex(ctx context.Context, collection, field string) (IndexSpec, error) {
	if err := c.check(); err != nil {
		return IndexSpec{}, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("describe_index")
	coll, ok := s.collections[collection]
	if !ok {
		return IndexSpec{}, ErrCollectionNotFound
	}
	if coll.index == nil {
		return IndexSpec{}, ErrIndexNotFound
	}
	return coll.index.Clone(), nil
}

func (c *fakeConn) LoadCollection(ctx context.Context, name string) error {
	if err := c.check(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("load")
	if s.loadErr != nil {
		return s.loadErr
	}
	coll, ok := s.collections[name]
	if !ok {
		return ErrCollectionNotFound
	}
	if coll.index == nil {
		return ErrIndexNotFound
	}
	coll.loaded = true
	return nil
}

func (c *fakeConn) Stats(ctx context.Context, name string) (CollectionStats, error) {
	if err := c.check(); err != nil {
		return CollectionStats{}, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[name]
	if !ok {
		return CollectionStats{}, ErrCollectionNotFound
	}
	return CollectionStats{Name: name, RowCount: int64(len(coll.rows)), Loaded: coll.loaded, Index: coll.index}, nil
}

func (c *fakeConn) Insert(ctx context.Context, collection string, entities []Entity) ([]int64, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	ids := make([]int64, len(entities))
	for i, e := range entities {
		coll.rows = append(coll.rows, e)
		ids[i] = int64(len(coll.rows))
	}
	return ids, nil
}

func (c *fakeConn) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("search")
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	coll, ok := s.collections[q.Collection]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	if coll.index == nil || !coll.loaded {
		return nil, ErrCollectionNotLoaded
	}
	return append([]SearchResult(nil), coll.hits...), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.closed = true
	return nil
}

// staticProber reports a fixed set of endpoints as reachable.
type staticProber struct {
	up map[Endpoint]bool
}

func (p staticProber) Rank(ctx context.Context, endpoints []Endpoint) Ranking {
	var r Ranking
	for _, e := range endpoints {
		if p.up[e] {
			r.Available = append(r.Available, e)
		} else {
			r.Unavailable = append(r.Unavailable, e)
		}
	}
	return r
}

// sleepRecorder captures backoff delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	err    error
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

var errRefused = errors.New("dial tcp: connection refused")

func testPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 3
	return p
}

func diseasesDescriptor(dim int) CollectionDescriptor {
	return CollectionDescriptor{
		Name:        "diseases",
		Description: "disease records",
		Fields: []FieldSchema{
			{Name: "id", Type: FieldInt64, PrimaryKey: true, AutoID: true},
			{Name: "code", Type: FieldVarChar, MaxLength: 100},
			{Name: "name", Type: FieldVarChar, MaxLength: 500},
			{Name: "symptoms", Type: FieldVarChar, MaxLength: 10000},
			{Name: "description", Type: FieldVarChar, MaxLength: 10000},
			{Name: "embedding", Type: FieldFloatVector, Dim: dim},
		},
	}
}

func l2Index() IndexSpec {
	return IndexSpec{
		Field:  "embedding",
		Metric: MetricL2,
		Kind:   IndexIVFFlat,
		Params: map[string]any{"nlist": 1024},
	}
}
