// Package pool implements the router's per-endpoint server-connection
// pool and stash, generalized from the teacher's per-tenant TenantPool
// (internal/pool/pool.go in the db-bouncer reference) to the two
// per-endpoint containers (idle pool and stash) the router's connection
// sharing model needs: a backend connection can be idle in the pool or
// paused in a client's stash. A connection that is not kept is closed
// gracefully on the spot; there is no separate for_close container.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
	"github.com/mysqlrouter/routerd/internal/classic/message"
)

// Endpoint is the addressable backend identity, compared as a
// case-sensitive host:port (or unix-socket-path) string.
type Endpoint string

// ConnID identifies the client session that stashed a connection.
type ConnID uint64

// PooledConnection wraps a backend Channel with the bookkeeping the pool,
// stash, and idle watchdog all need.
type PooledConnection struct {
	Endpoint Endpoint
	Channel  *channel.Channel
	Proto    *message.ProtocolState

	RequiresTLS bool
	CreatedAt   time.Time
	LastUsedAt  time.Time

	reuseCount int

	idleCancel chan struct{}
}

// reset cancels any outstanding idle watchdog for this connection. Called
// on every move out of pool/stash, before the connection is handed back
// to a caller, per spec's reset-before-reuse invariant.
func (pc *PooledConnection) reset() {
	if pc.idleCancel != nil {
		close(pc.idleCancel)
		pc.idleCancel = nil
	}
	pc.LastUsedAt = time.Now()
}

// Close sends a graceful COM_QUIT and closes the socket, ignoring any
// response or transport error past that point — the ConnectionCloser
// behaviour from spec §4.I.
func (pc *PooledConnection) Close(beforeClose func(*PooledConnection)) {
	if beforeClose != nil {
		beforeClose(pc)
	}
	_, _ = pc.Channel.Write([]byte{0x01, 0x00, 0x00, 0x00, message.ComQuit})
	_ = pc.Channel.Close()
}

type stashEntry struct {
	conn  *PooledConnection
	owner ConnID
	after time.Time
}

// endpointBucket holds the pool/stash state for one endpoint.
type endpointBucket struct {
	idle  []*PooledConnection
	stash []stashEntry
}

// Manager is the router-wide pool keyed by endpoint. One Manager is
// shared across all connections and routes, mirroring the teacher's
// pool.Manager (internal/pool/conn.go) generalized from per-tenant to
// per-endpoint keys.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[Endpoint]*endpointBucket

	maxPooledPerEndpoint int
	idleTimeout          time.Duration

	waiters int
	reused  int64
	closed  bool
}

// NewManager returns a Manager with the given per-endpoint pool cap and
// idle-watchdog timeout.
func NewManager(maxPooledPerEndpoint int, idleTimeout time.Duration) *Manager {
	m := &Manager{
		buckets:              make(map[Endpoint]*endpointBucket),
		maxPooledPerEndpoint: maxPooledPerEndpoint,
		idleTimeout:          idleTimeout,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Manager) bucket(ep Endpoint) *endpointBucket {
	b, ok := m.buckets[ep]
	if !ok {
		b = &endpointBucket{}
		m.buckets[ep] = b
	}
	return b
}

// Add inserts conn into the idle pool for its endpoint if under capacity,
// arming the idle watchdog; otherwise it performs a graceful close and
// reports that the connection was not kept.
func (m *Manager) Add(conn *PooledConnection) (kept bool) {
	m.mu.Lock()
	b := m.bucket(conn.Endpoint)
	if len(b.idle) >= m.maxPooledPerEndpoint {
		m.mu.Unlock()
		conn.Close(nil)
		return false
	}
	conn.idleCancel = make(chan struct{})
	b.idle = append(b.idle, conn)
	m.mu.Unlock()
	m.cond.Broadcast()
	go m.watchIdle(conn)
	return true
}

// AddIfNotFull is Add's spec-named alias: on failure it hands the
// connection back to the caller instead of closing it, letting the
// caller decide (e.g. attach it to the current session instead).
func (m *Manager) AddIfNotFull(conn *PooledConnection) (ok bool, rejected *PooledConnection) {
	m.mu.Lock()
	b := m.bucket(conn.Endpoint)
	if len(b.idle) >= m.maxPooledPerEndpoint {
		m.mu.Unlock()
		return false, conn
	}
	conn.idleCancel = make(chan struct{})
	b.idle = append(b.idle, conn)
	m.mu.Unlock()
	m.cond.Broadcast()
	go m.watchIdle(conn)
	return true, nil
}

// PopIf finds the first idle connection for endpoint matching predicate,
// removes it, resets it, and returns it. Matches spec's
// pool.pop_if(endpoint, predicate) (used by the connector to assert
// requires_tls compatibility before reuse).
func (m *Manager) PopIf(ep Endpoint, predicate func(*PooledConnection) bool) (*PooledConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[ep]
	if !ok {
		return nil, false
	}
	for i, c := range b.idle {
		if predicate(c) {
			b.idle = append(b.idle[:i], b.idle[i+1:]...)
			c.reset()
			c.reuseCount++
			m.reused++
			return c, true
		}
	}
	return nil, false
}

// Stash pushes conn into the stash for its endpoint, owned by from, not
// stealable by another owner until delay has elapsed.
func (m *Manager) Stash(conn *PooledConnection, from ConnID, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(conn.Endpoint)
	b.stash = append(b.stash, stashEntry{conn: conn, owner: from, after: time.Now().Add(delay)})
}

// UnstashMine pops the first stash entry for endpoint owned by id,
// ignoring its delay — the owner may always reclaim its own stashed
// connection.
func (m *Manager) UnstashMine(ep Endpoint, id ConnID) (*PooledConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[ep]
	if !ok {
		return nil, false
	}
	for i, e := range b.stash {
		if e.owner == id {
			b.stash = append(b.stash[:i], b.stash[i+1:]...)
			e.conn.reset()
			return e.conn, true
		}
	}
	return nil, false
}

// UnstashIf pops the first stash entry for endpoint whose delay has
// elapsed (or ignoreDelay is true) and which matches predicate — used to
// steal another session's paused backend connection.
func (m *Manager) UnstashIf(ep Endpoint, predicate func(*PooledConnection) bool, ignoreDelay bool) (*PooledConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[ep]
	if !ok {
		return nil, false
	}
	now := time.Now()
	for i, e := range b.stash {
		if (ignoreDelay || now.After(e.after)) && predicate(e.conn) {
			b.stash = append(b.stash[:i], b.stash[i+1:]...)
			e.conn.reset()
			return e.conn, true
		}
	}
	return nil, false
}

// DiscardAllStashed moves every stash entry owned by from back into the
// idle pool for its endpoint: the owning session no longer wants the
// connection, but it's still reusable by someone else.
func (m *Manager) DiscardAllStashed(from ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ep, b := range m.buckets {
		kept := b.stash[:0]
		for _, e := range b.stash {
			if e.owner == from {
				e.conn.idleCancel = make(chan struct{})
				b.idle = append(b.idle, e.conn)
				go m.watchIdle(e.conn)
			} else {
				kept = append(kept, e)
			}
		}
		b.stash = kept
		_ = ep
	}
}

// Reused returns the running count of PopIf hits, for metrics.
func (m *Manager) Reused() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reused
}

// IdleCount reports how many idle connections sit in an endpoint's pool.
func (m *Manager) IdleCount(ep Endpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[ep]
	if !ok {
		return 0
	}
	return len(b.idle)
}

// StashCount reports how many stash entries an endpoint has.
func (m *Manager) StashCount(ep Endpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[ep]
	if !ok {
		return 0
	}
	return len(b.stash)
}

// watchIdle is the idle watchdog: it arms a timer for idleTimeout and
// races it against a zero-payload peek on the connection (detecting a
// server-initiated close or unexpected bytes), removing the entry from
// the idle pool on whichever happens first. Grounded on the teacher's
// reapLoop/reapIdle (time-based sweep) generalized with a live PeekZero
// per spec's "outstanding zero-payload async_recv" requirement.
func (m *Manager) watchIdle(conn *PooledConnection) {
	cancel := conn.idleCancel
	if cancel == nil {
		return
	}
	done := make(chan error, 1)
	go func() {
		done <- conn.Channel.PeekZero(m.idleTimeout)
	}()

	select {
	case <-cancel:
		return // connection was popped/unstashed before anything fired
	case err := <-done:
		m.mu.Lock()
		defer m.mu.Unlock()
		select {
		case <-cancel:
			return // raced: already claimed between done firing and us locking
		default:
		}
		if err != nil {
			slog.Warn("pool: idle watchdog removing dead connection", "endpoint", conn.Endpoint, "err", err)
		}
		m.removeIdleLocked(conn)
	}
}

func (m *Manager) removeIdleLocked(conn *PooledConnection) {
	b, ok := m.buckets[conn.Endpoint]
	if !ok {
		return
	}
	for i, c := range b.idle {
		if c == conn {
			b.idle = append(b.idle[:i], b.idle[i+1:]...)
			conn.Close(nil)
			return
		}
	}
}

// Close drains every idle and stashed connection across all endpoints,
// closing each gracefully, and marks the Manager closed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	buckets := m.buckets
	m.buckets = make(map[Endpoint]*endpointBucket)
	m.mu.Unlock()
	m.cond.Broadcast()

	for _, b := range buckets {
		for _, c := range b.idle {
			c.Close(nil)
		}
		for _, e := range b.stash {
			e.conn.Close(nil)
		}
	}
}
