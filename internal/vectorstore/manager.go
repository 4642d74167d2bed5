package vectorstore

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/logging"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
)

// DefaultKeepAlive is the TCP keepalive interval for dialed sessions.
const DefaultKeepAlive = 30 * time.Second

// ConnectionState is the lifecycle state of the Manager's session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Primary    Endpoint
	Alternates []Endpoint
	Policy     RetryPolicy
	KeepAlive  time.Duration

	Prober  EndpointProber
	Logger  *logging.Logger
	Metrics metrics.Recorder

	// Rand returns jitter samples in [0, 1]. Defaults to math/rand/v2.
	Rand func() float64
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Status is a point-in-time view of the Manager.
type Status struct {
	State      ConnectionState `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	Endpoint   *Endpoint       `json:"endpoint,omitempty"`
	Generation uint64          `json:"generation"`
	Attempts   []Attempt       `json:"attempts,omitempty"`
}

// Manager owns the single vector-store session of a process. It connects
// lazily and repairs the session whenever a liveness check fails.
type Manager struct {
	driver     Driver
	primary    Endpoint
	alternates []Endpoint
	policy     RetryPolicy
	keepAlive  time.Duration
	prober     EndpointProber
	log        *logging.Logger
	metrics    metrics.Recorder
	rand       func() float64
	sleep      func(ctx context.Context, d time.Duration) error

	// sem serializes connection attempts; a channel so waiters honour ctx.
	sem chan struct{}

	mu         sync.RWMutex
	conn       Conn
	endpoint   Endpoint
	state      ConnectionState
	reason     string
	generation uint64
	attempts   []Attempt
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(driver Driver, cfg ManagerConfig) *Manager {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Prober == nil {
		cfg.Prober = NewProber(ProberConfig{Logger: cfg.Logger})
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}

	return &Manager{
		driver:     driver,
		primary:    cfg.Primary,
		alternates: cfg.Alternates,
		policy:     cfg.Policy,
		keepAlive:  cfg.KeepAlive,
		prober:     cfg.Prober,
		log:        logging.OrNoop(cfg.Logger),
		metrics:    metrics.OrNoop(cfg.Metrics),
		rand:       cfg.Rand,
		sleep:      cfg.Sleep,
		sem:        make(chan struct{}, 1),
		state:      StateDisconnected,
	}
}

// Endpoints returns the ordered, deduplicated candidate list.
func (m *Manager) Endpoints() []Endpoint {
	return Candidates(m.primary, m.alternates)
}

// Policy returns the retry policy in use.
func (m *Manager) Policy() RetryPolicy {
	return m.policy
}

// EnsureConnected returns nil once the Manager holds a session that
// answered a liveness check. A connected Manager only runs the liveness
// check; otherwise the full connect sequence runs. Retryable failures
// never escape: the only errors are *ExhaustedError or a context error
// while waiting for another caller's attempt.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	conn, ok := m.current()
	if !ok {
		return m.connect(ctx)
	}

	_, err := conn.ListCollections(ctx)
	if err == nil {
		return nil
	}

	m.log.WarnContext(ctx, "liveness check failed, reconnecting",
		"endpoint", m.endpointString(),
		"error", err,
	)
	m.setState(StateDegraded, err.Error())
	m.metrics.Reconnect()
	m.teardown(ctx, IsIdentityMismatch(err))
	return m.connect(ctx)
}

// Connect tears down any existing session and runs the full sequence.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	m.teardown(ctx, false)
	return m.connect(ctx)
}

// Disconnect closes the session. Closing an absent session is not an error.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	m.teardown(ctx, false)
	m.setState(StateDisconnected, "")
	return nil
}

// IsReady reports whether the Manager currently holds a live session.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected && m.conn != nil
}

// State returns the current lifecycle state.
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a snapshot including the last attempt history.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		State:      m.state,
		Reason:     m.reason,
		Generation: m.generation,
		Attempts:   append([]Attempt(nil), m.attempts...),
	}
	if m.conn != nil {
		e := m.endpoint
		s.Endpoint = &e
	}
	return s
}

// Current returns the live session and its generation. The generation
// increments on every successful connect, so holders of derived state can
// detect that the session underneath them was replaced.
func (m *Manager) Current() (Conn, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.conn == nil {
		return nil, m.generation, ErrNotConnected
	}
	return m.conn, m.generation, nil
}

// Generation returns the current session generation.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

func (m *Manager) connect(ctx context.Context) error {
	m.setState(StateConnecting, "")

	candidates := m.prober.Rank(ctx, m.Endpoints()).Ordered()
	var (
		history []Attempt
		lastErr error
	)

	for _, ep := range candidates {
		for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return m.exhausted(ctx, history, err)
			}

			// Never reuse a stale handle for a new handshake.
			m.teardown(ctx, false)
			m.setState(StateConnecting, "")

			start := time.Now()
			conn, err := m.handshake(ctx, ep, attempt)
			elapsed := time.Since(start)

			rec := Attempt{Endpoint: ep, Number: attempt + 1, Elapsed: elapsed}
			m.log.LogAttempt(ctx, ep.String(), attempt+1, m.policy.MaxAttempts, elapsed, err)

			if err == nil {
				history = append(history, rec)
				m.metrics.ConnectAttempt(ep.String(), metrics.OutcomeSuccess)
				m.mu.Lock()
				m.conn = conn
				m.endpoint = ep
				m.state = StateConnected
				m.reason = ""
				m.generation++
				m.attempts = history
				m.mu.Unlock()
				return nil
			}

			rec.Kind = Classify(err)
			rec.Err = err
			history = append(history, rec)
			lastErr = &ConnectError{Endpoint: ep, Attempt: attempt + 1, Kind: rec.Kind, Err: err}

			switch rec.Kind {
			case KindIdentityMismatch:
				m.metrics.ConnectAttempt(ep.String(), metrics.OutcomeIdentityMismatch)
				m.setState(StateDegraded, "server identity mismatch")
				m.log.WarnContext(ctx, "server identity changed, purging session state",
					"endpoint", ep.String())
				m.driver.Purge(ep)
			case KindPermanent:
				m.metrics.ConnectAttempt(ep.String(), metrics.OutcomeError)
				m.setState(StateDegraded, err.Error())
			default:
				m.metrics.ConnectAttempt(ep.String(), metrics.OutcomeTransient)
				m.setState(StateDegraded, err.Error())
			}

			if attempt == m.policy.MaxAttempts-1 {
				break
			}
			delay := m.policy.Backoff(attempt, m.rand)
			m.log.DebugContext(ctx, "backing off",
				"endpoint", ep.String(),
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := m.sleep(ctx, delay); err != nil {
				return m.exhausted(ctx, history, err)
			}
		}
		m.log.InfoContext(ctx, "endpoint exhausted, moving on", "endpoint", ep.String())
	}

	return m.exhausted(ctx, history, lastErr)
}

func (m *Manager) handshake(ctx context.Context, ep Endpoint, attempt int) (Conn, error) {
	timeout := m.policy.DialTimeoutFor(attempt)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := m.driver.Dial(dctx, ep, DialOptions{Timeout: timeout, KeepAlive: m.keepAlive})
	if err != nil {
		return nil, err
	}
	if _, err := conn.ListCollections(dctx); err != nil {
		if cerr := conn.Close(); !Ignorable(OpDisconnect, cerr) {
			m.log.DebugContext(ctx, "close after failed confirmation", "endpoint", ep.String(), "error", cerr)
		}
		return nil, err
	}
	return conn, nil
}

func (m *Manager) exhausted(ctx context.Context, history []Attempt, last error) error {
	m.mu.Lock()
	m.state = StateDisconnected
	if last != nil {
		m.reason = last.Error()
	}
	m.attempts = history
	m.mu.Unlock()

	err := &ExhaustedError{Attempts: history, Last: last}
	m.log.ErrorContext(ctx, "vector store unreachable",
		"attempts", len(history),
		"endpoints", len(err.Endpoints()),
		"error", last,
	)
	return err
}

// teardown closes the current session. With purge set the driver also
// forgets everything it cached for the endpoint.
func (m *Manager) teardown(ctx context.Context, purge bool) {
	m.mu.Lock()
	conn, ep := m.conn, m.endpoint
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); !Ignorable(OpDisconnect, err) {
		m.log.DebugContext(ctx, "disconnect failed", "endpoint", ep.String(), "error", err)
	}
	if purge {
		m.driver.Purge(ep)
	}
}

func (m *Manager) current() (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn, m.conn != nil && m.state == StateConnected
}

func (m *Manager) setState(s ConnectionState, reason string) {
	m.mu.Lock()
	m.state = s
	m.reason = reason
	m.mu.Unlock()
}

func (m *Manager) endpointString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint.String()
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.sem
}
