package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/toolscope/toolscope/internal/domain/downstream"
	"github.com/toolscope/toolscope/internal/port/outbound"
)

// Event identifies a session lifecycle transition.
type Event string

const (
	EventConnecting   Event = "connecting"
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventReconnecting Event = "reconnecting"
	EventFailed       Event = "failed"
	EventError        Event = "error"
)

// EventPayload carries one lifecycle event to subscribers.
type EventPayload struct {
	Server string
	Event  Event
	Err    error
}

// EventHandler receives lifecycle events. Handlers run on the manager's
// dispatch goroutine and must not block.
type EventHandler func(EventPayload)

// ConnectionManagerConfig carries the tunable parameters of the manager.
// Zero values fall back to defaults.
type ConnectionManagerConfig struct {
	// MaxConcurrent bounds how many sessions Start opens in parallel.
	MaxConcurrent int
	// HealthInterval is the period of the ping loop.
	HealthInterval time.Duration
	// BackoffBase is the first reconnect delay.
	BackoffBase time.Duration
	// BackoffCap is the upper bound on reconnect delays.
	BackoffCap time.Duration
	// ConnectTimeout bounds a single open attempt.
	ConnectTimeout time.Duration
	// PingTimeout bounds a single health ping.
	PingTimeout time.Duration
}

func (c ConnectionManagerConfig) withDefaults() ConnectionManagerConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	return c
}

// sessionConnection holds the runtime state for a single downstream session.
type sessionConnection struct {
	cfg            *downstream.ServerConfig
	client         outbound.MCPClient
	state          downstream.SessionState
	lastError      string
	retryCount     int
	connectedSince time.Time
	lastPing       time.Time
	cancelRetry    context.CancelFunc // cancels pending retry goroutine
	mu             sync.Mutex
}

// ConnectionManager owns the pool of downstream sessions: it brings them
// up in parallel, monitors health, reconnects with exponential backoff,
// and forwards lifecycle events to subscribers.
type ConnectionManager struct {
	cfg           ConnectionManagerConfig
	clientFactory outbound.ClientFactory
	guard         *downstream.SelfRefGuard
	logger        *slog.Logger

	connections map[string]*sessionConnection
	mu          sync.RWMutex

	handlers   map[Event][]EventHandler
	handlersMu sync.RWMutex
	events     chan EventPayload

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	// ready is closed after construction so background goroutines know
	// configuration fields are safe to read.
	ready chan struct{}

	// stability reset: retry counts drop back to zero once a session has
	// stayed connected long enough.
	stabilityDuration      time.Duration
	stabilityCheckInterval time.Duration
}

// NewConnectionManager creates a manager and starts its background loops.
func NewConnectionManager(cfg ConnectionManagerConfig, factory outbound.ClientFactory, guard *downstream.SelfRefGuard, logger *slog.Logger) *ConnectionManager {
	m := NewConnectionManagerUnstarted(cfg, factory, guard, logger)
	m.Init()
	return m
}

// NewConnectionManagerUnstarted creates a manager without releasing its
// background goroutines. The caller MUST call Init() after overriding
// timing fields. Intended for tests.
func NewConnectionManagerUnstarted(cfg ConnectionManagerConfig, factory outbound.ClientFactory, guard *downstream.SelfRefGuard, logger *slog.Logger) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		cfg:                    cfg.withDefaults(),
		clientFactory:          factory,
		guard:                  guard,
		logger:                 logger,
		connections:            make(map[string]*sessionConnection),
		handlers:               make(map[Event][]EventHandler),
		events:                 make(chan EventPayload, 64),
		ctx:                    ctx,
		cancel:                 cancel,
		ready:                  make(chan struct{}),
		stabilityDuration:      5 * time.Minute,
		stabilityCheckInterval: 1 * time.Minute,
	}

	go m.dispatchLoop()
	go m.healthLoop()
	go m.stabilityLoop()

	return m
}

// Init releases the background goroutines. Called automatically by
// NewConnectionManager.
func (m *ConnectionManager) Init() {
	select {
	case <-m.ready:
		// already initialized
	default:
		close(m.ready)
	}
}

// Initialize registers server configurations without connecting. Invalid
// configurations and self-references are dropped with a warning.
func (m *ConnectionManager) Initialize(configs map[string]downstream.ServerConfig) {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := configs[name]
		if cfg.Name == "" {
			cfg.Name = name
		}
		if err := cfg.Validate(); err != nil {
			m.logger.Warn("skipping invalid server configuration", "server", name, "error", err)
			continue
		}
		if m.guard != nil && m.guard.IsSelfReference(&cfg) {
			m.logger.Warn("skipping self-referencing server configuration", "server", name, "command", cfg.Command)
			continue
		}

		cfgCopy := cfg
		m.mu.Lock()
		m.connections[name] = &sessionConnection{
			cfg:   &cfgCopy,
			state: downstream.StateIdle,
		}
		m.mu.Unlock()
	}
}

// Start opens every registered session in parallel, bounded by
// MaxConcurrent. Individual failures are non-fatal: the session stays in
// the retry cycle and Start returns nil.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.RLock()
	conns := make([]*sessionConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	sem := make(chan struct{}, m.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *sessionConnection) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			m.attemptConnect(conn)
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to start: %w", ctx.Err())
	}
}

// attemptConnect opens one session and handles success/failure.
func (m *ConnectionManager) attemptConnect(conn *sessionConnection) {
	conn.mu.Lock()
	cfg := conn.cfg
	conn.state = downstream.StateConnecting
	conn.mu.Unlock()
	m.emit(cfg.Name, EventConnecting, nil)

	client, err := m.clientFactory(cfg)
	if err != nil {
		m.connectFailed(conn, fmt.Errorf("create client: %w", err))
		return
	}

	openCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	err = client.Open(openCtx)
	cancel()
	if err != nil {
		_ = client.Close()
		m.connectFailed(conn, fmt.Errorf("open session: %w", err))
		return
	}

	now := time.Now()
	conn.mu.Lock()
	conn.client = client
	conn.state = downstream.StateConnected
	conn.lastError = ""
	conn.connectedSince = now
	conn.lastPing = now
	conn.mu.Unlock()

	m.logger.Info("downstream connected", "server", cfg.Name, "transport", cfg.Type)
	m.emit(cfg.Name, EventConnected, nil)
}

// connectFailed records the failure and schedules a backoff retry. The
// session sits in the failed state until scheduleRetry moves it on.
func (m *ConnectionManager) connectFailed(conn *sessionConnection, err error) {
	conn.mu.Lock()
	conn.state = downstream.StateFailed
	conn.lastError = err.Error()
	name := conn.cfg.Name
	conn.mu.Unlock()

	m.logger.Error("failed to connect downstream", "server", name, "error", err)
	m.emit(name, EventFailed, err)
	m.scheduleRetry(conn)
}

// Stop closes all sessions concurrently, swallowing individual errors,
// and shuts down the background loops. Idempotent.
func (m *ConnectionManager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	conns := make([]*sessionConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *sessionConnection) {
			defer wg.Done()
			m.closeConnection(conn)
		}(conn)
	}
	wg.Wait()

	m.cancel()
	return nil
}

// closeConnection shuts one session down, cancelling any pending retry.
func (m *ConnectionManager) closeConnection(conn *sessionConnection) {
	conn.mu.Lock()
	if conn.cancelRetry != nil {
		conn.cancelRetry()
		conn.cancelRetry = nil
	}
	client := conn.client
	conn.client = nil
	conn.state = downstream.StateClosed
	name := conn.cfg.Name
	conn.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Warn("error closing downstream client", "server", name, "error", err)
		}
	}
}

// Get returns the client for a connected session.
func (m *ConnectionManager) Get(name string) (outbound.MCPClient, error) {
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %q: %w", name, ErrServerNotConnected)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.state != downstream.StateConnected || conn.client == nil {
		return nil, fmt.Errorf("server %q is %s: %w", name, conn.state, ErrServerNotConnected)
	}
	return conn.client, nil
}

// IsConnected reports whether the named session is connected.
func (m *ConnectionManager) IsConnected(name string) bool {
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state == downstream.StateConnected
}

// ConnectedNames returns the sorted names of all connected sessions.
func (m *ConnectionManager) ConnectedNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, conn := range m.connections {
		conn.mu.Lock()
		connected := conn.state == downstream.StateConnected
		conn.mu.Unlock()
		if connected {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RegisteredNames returns the sorted names of all registered sessions.
func (m *ConnectionManager) RegisteredNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateOf returns the session state and last error for one server.
func (m *ConnectionManager) StateOf(name string) (downstream.SessionState, string) {
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if !ok {
		return downstream.StateIdle, ""
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state, conn.lastError
}

// On subscribes a handler to one lifecycle event.
func (m *ConnectionManager) On(event Event, handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// emit queues one event; a full queue drops the event rather than block
// the caller.
func (m *ConnectionManager) emit(server string, event Event, err error) {
	select {
	case m.events <- EventPayload{Server: server, Event: event, Err: err}:
	default:
		m.logger.Warn("event queue full, dropping event", "server", server, "event", event)
	}
}

func (m *ConnectionManager) dispatchLoop() {
	select {
	case <-m.ready:
	case <-m.ctx.Done():
		return
	}

	for {
		select {
		case p := <-m.events:
			m.handlersMu.RLock()
			handlers := m.handlers[p.Event]
			m.handlersMu.RUnlock()
			for _, h := range handlers {
				h(p)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// --- Backoff retry logic ---

// calcBackoffDelay calculates the delay before retry attempt retryCount.
// Formula: min(base * 2^retryCount, cap), then ±20% jitter.
func (m *ConnectionManager) calcBackoffDelay(retryCount int) time.Duration {
	delay := m.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= m.cfg.BackoffCap {
			delay = m.cfg.BackoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}

// scheduleRetry schedules a reconnection attempt with exponential backoff.
// Retries are unbounded; only Stop ends the cycle.
func (m *ConnectionManager) scheduleRetry(conn *sessionConnection) {
	conn.mu.Lock()
	delay := m.calcBackoffDelay(conn.retryCount)
	conn.retryCount++
	attempt := conn.retryCount
	name := conn.cfg.Name

	retryCtx, retryCancel := context.WithCancel(m.ctx)
	conn.cancelRetry = retryCancel
	conn.mu.Unlock()

	m.logger.Info("scheduling reconnect", "server", name, "attempt", attempt, "delay", delay)
	m.emit(name, EventReconnecting, nil)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-retryCtx.Done():
			return
		}

		m.mu.RLock()
		current, ok := m.connections[name]
		m.mu.RUnlock()
		if !ok || current != conn {
			return
		}
		m.attemptConnect(conn)
	}()
}

// --- Health monitoring ---

// healthLoop pings every connected session on a fixed interval. A failed
// ping moves the session to reconnecting and schedules a retry.
func (m *ConnectionManager) healthLoop() {
	select {
	case <-m.ready:
	case <-m.ctx.Done():
		return
	}

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkHealth()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) checkHealth() {
	m.mu.RLock()
	conns := make([]*sessionConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		client := conn.client
		connected := conn.state == downstream.StateConnected
		name := conn.cfg.Name
		conn.mu.Unlock()

		if !connected || client == nil {
			continue
		}

		pingCtx, cancel := context.WithTimeout(m.ctx, m.cfg.PingTimeout)
		err := client.Ping(pingCtx)
		cancel()

		if err == nil {
			conn.mu.Lock()
			conn.lastPing = time.Now()
			conn.mu.Unlock()
			continue
		}

		m.logger.Warn("health ping failed, reconnecting", "server", name, "error", err)

		conn.mu.Lock()
		conn.client = nil
		conn.state = downstream.StateReconnecting
		conn.lastError = err.Error()
		conn.mu.Unlock()

		_ = client.Close()
		m.emit(name, EventError, err)
		m.emit(name, EventDisconnected, err)
		m.scheduleRetry(conn)
	}
}

// --- Stability reset ---

// stabilityLoop periodically resets the retry count of sessions that have
// stayed connected past the stability duration, so a later outage starts
// from the base delay again.
func (m *ConnectionManager) stabilityLoop() {
	select {
	case <-m.ready:
	case <-m.ctx.Done():
		return
	}

	ticker := time.NewTicker(m.stabilityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkStability()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) checkStability() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for _, conn := range m.connections {
		conn.mu.Lock()
		if conn.state == downstream.StateConnected &&
			conn.retryCount > 0 &&
			!conn.connectedSince.IsZero() &&
			now.Sub(conn.connectedSince) >= m.stabilityDuration {
			m.logger.Info("resetting retry count after stable connection",
				"server", conn.cfg.Name,
				"stable_since", conn.connectedSince,
				"previous_retries", conn.retryCount)
			conn.retryCount = 0
		}
		conn.mu.Unlock()
	}
}
