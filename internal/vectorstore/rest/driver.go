package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

var _ vectorstore.Driver = (*Driver)(nil)

// Config configures a Driver.
type Config struct {
	// Scheme is "http" (default) or "https".
	Scheme    string
	UserAgent string
}

// Driver dials vector-store endpoints over HTTP. It remembers the server
// identity of each endpoint across connections until Purge.
type Driver struct {
	scheme    string
	userAgent string

	mu         sync.Mutex
	identities map[vectorstore.Endpoint]string
}

// NewDriver creates a Driver.
func NewDriver(cfg Config) *Driver {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "diagnostico"
	}
	return &Driver{
		scheme:     cfg.Scheme,
		userAgent:  cfg.UserAgent,
		identities: make(map[vectorstore.Endpoint]string),
	}
}

// Dial opens a session and performs the identity handshake.
func (d *Driver) Dial(ctx context.Context, e vectorstore.Endpoint, opts vectorstore.DialOptions) (vectorstore.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: opts.KeepAlive}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   4,
		ResponseHeaderTimeout: opts.Timeout,
	}

	c := &conn{
		driver:    d,
		endpoint:  e,
		base:      fmt.Sprintf("%s://%s", d.scheme, e.String()),
		client:    &http.Client{Transport: transport},
		transport: transport,
	}

	var id IdentityResponse
	if err := c.do(ctx, http.MethodGet, "/v1/identity", nil, &id); err != nil {
		transport.CloseIdleConnections()
		return nil, err
	}
	if id.ServerID == "" {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("handshake with %s: empty server id", e)
	}
	d.remember(e, id.ServerID)
	return c, nil
}

// Purge forgets the cached server identity of e.
func (d *Driver) Purge(e vectorstore.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.identities, e)
}

// Identity returns the cached server identity of e.
func (d *Driver) Identity(e vectorstore.Endpoint) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.identities[e]
	return id, ok
}

func (d *Driver) remember(e vectorstore.Endpoint, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identities[e] = id
}

type conn struct {
	driver    *Driver
	endpoint  vectorstore.Endpoint
	base      string
	client    *http.Client
	transport *http.Transport
	closed    atomic.Bool
}

func collectionPath(name string, rest ...string) string {
	p := "/v1/collections/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *conn) ListCollections(ctx context.Context) ([]string, error) {
	var resp ListCollectionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/collections", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

func (c *conn) HasCollection(ctx context.Context, name string) (bool, error) {
	var resp ExistsResponse
	if err := c.do(ctx, http.MethodGet, collectionPath(name, "exists"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *conn) CreateCollection(ctx context.Context, desc vectorstore.CollectionDescriptor) error {
	return c.do(ctx, http.MethodPost, "/v1/collections", desc, nil)
}

func (c *conn) DescribeCollection(ctx context.Context, name string) (vectorstore.CollectionDescriptor, error) {
	var desc vectorstore.CollectionDescriptor
	err := c.do(ctx, http.MethodGet, collectionPath(name), nil, &desc)
	return desc, err
}

func (c *conn) DropIndex(ctx context.Context, collection, field string) error {
	return c.do(ctx, http.MethodDelete, collectionPath(collection, "index")+"?field="+url.QueryEscape(field), nil, nil)
}

func (c *conn) CreateIndex(ctx context.Context, collection string, spec vectorstore.IndexSpec) error {
	return c.do(ctx, http.MethodPost, collectionPath(collection, "index"), spec, nil)
}

func (c *conn) DescribeIndex(ctx context.Context, collection, field string) (vectorstore.IndexSpec, error) {
	var spec vectorstore.IndexSpec
	err := c.do(ctx, http.MethodGet, collectionPath(collection, "index")+"?field="+url.QueryEscape(field), nil, &spec)
	return spec, err
}

func (c *conn) LoadCollection(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, collectionPath(name, "load"), nil, nil)
}

func (c *conn) Stats(ctx context.Context, name string) (vectorstore.CollectionStats, error) {
	var st vectorstore.CollectionStats
	err := c.do(ctx, http.MethodGet, collectionPath(name, "stats"), nil, &st)
	return st, err
}

func (c *conn) Insert(ctx context.Context, collection string, entities []vectorstore.Entity) ([]int64, error) {
	var resp InsertResponse
	if err := c.do(ctx, http.MethodPost, collectionPath(collection, "entities"), InsertRequest{Entities: entities}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *conn) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.SearchResult, error) {
	var resp SearchResponse
	if err := c.do(ctx, http.MethodPost, collectionPath(q.Collection, "search"), q, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Close releases idle connections. The driver keeps the endpoint's cached
// identity, so a restarted server still rejects the next Dial until Purge.
func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return vectorstore.ErrNotConnected
	}
	c.transport.CloseIdleConnections()
	return nil
}

func (c *conn) do(ctx context.Context, method, path string, body, out any) error {
	if c.closed.Load() {
		return vectorstore.ErrNotConnected
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.driver.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := c.driver.Identity(c.endpoint); ok {
		req.Header.Set(HeaderServerID, id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb ErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Code, apiErr.Message = eb.Code, eb.Error
		} else {
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
