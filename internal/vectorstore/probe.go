package vectorstore

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/logging"
)

// DefaultProbeTimeout bounds a single TCP reachability check.
const DefaultProbeTimeout = 2 * time.Second

// EndpointProber orders candidate endpoints by reachability.
type EndpointProber interface {
	Rank(ctx context.Context, endpoints []Endpoint) Ranking
}

// Ranking is the result of probing a candidate list. Both slices preserve
// the order of the input.
type Ranking struct {
	Available   []Endpoint
	Unavailable []Endpoint
}

// Ordered returns available endpoints first, then unavailable ones, so a
// failed probe never removes a candidate.
func (r Ranking) Ordered() []Endpoint {
	out := make([]Endpoint, 0, len(r.Available)+len(r.Unavailable))
	out = append(out, r.Available...)
	return append(out, r.Unavailable...)
}

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober checks TCP reachability of endpoints.
type Prober struct {
	timeout     time.Duration
	dial        DialFunc
	concurrency int
	log         *logging.Logger
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	Timeout     time.Duration
	Dial        DialFunc
	Concurrency int
	Logger      *logging.Logger
}

// NewProber creates a Prober.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Prober{
		timeout:     cfg.Timeout,
		dial:        cfg.Dial,
		concurrency: cfg.Concurrency,
		log:         logging.OrNoop(cfg.Logger),
	}
}

// Probe reports whether the endpoint accepted a TCP connection within the
// probe timeout. Any failure, including a cancelled context, is false.
func (p *Prober) Probe(ctx context.Context, e Endpoint) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", e.String())
	if err != nil {
		p.log.DebugContext(ctx, "probe inconclusive",
			"endpoint", e.String(),
			"error", &ProbeError{Endpoint: e, Err: err},
		)
		return false
	}
	_ = conn.Close()
	return true
}

// Rank probes every endpoint concurrently and partitions the list.
func (p *Prober) Rank(ctx context.Context, endpoints []Endpoint) Ranking {
	up := make([]bool, len(endpoints))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, e := range endpoints {
		g.Go(func() error {
			up[i] = p.Probe(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	var r Ranking
	for i, e := range endpoints {
		if up[i] {
			r.Available = append(r.Available, e)
		} else {
			r.Unavailable = append(r.Unavailable, e)
		}
	}

	if len(r.Available) == 0 && len(endpoints) > 0 {
		p.log.WarnContext(ctx, "no endpoint answered probe, trying all candidates",
			"candidates", len(endpoints))
	}
	return r
}
