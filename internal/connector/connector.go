// Package connector implements the router's LazyConnector (spec §4.J):
// given a route and the client leg's already-negotiated ProtocolState, it
// either hands back a pooled backend connection compatible with the
// current TLS requirement or dials a fresh one and drives it through
// ServerGreetor, retrying across destinations until connect_retry_timeout
// is exhausted. Grounded on the teacher's pool.Manager.Get/connectBackend
// pairing (internal/pool/conn.go), generalized from "one fixed backend
// per tenant" to "pick a destination per routing_strategy, then connect
// or reuse".
package connector

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mysqlrouter/routerd/internal/classic/message"
	"github.com/mysqlrouter/routerd/internal/classicerr"
	"github.com/mysqlrouter/routerd/internal/config"
	"github.com/mysqlrouter/routerd/internal/handshake"
	"github.com/mysqlrouter/routerd/internal/pool"
)

// Connector is the router-wide lazy connector, sharing one pool.Manager
// across every route the way the router shares one backend pool across
// all client sessions.
type Connector struct {
	Pool *pool.Manager

	mu      sync.Mutex
	cursors map[string]int // next round-robin index, keyed by route name
}

// New returns a Connector backed by mgr.
func New(mgr *pool.Manager) *Connector {
	return &Connector{Pool: mgr, cursors: make(map[string]int)}
}

// Connect implements spec §4.J's algorithm: derive requires_tls, order the
// route's destinations per its routing_strategy, and for each candidate in
// turn try a pooled reuse before dialing fresh, retrying the whole
// destination list until connect_retry_timeout elapses.
func (c *Connector) Connect(routeName string, rt config.RouteConfig, client *message.ProtocolState, clientUsedTLS bool) (*pool.PooledConnection, error) {
	requiresTLS := handshake.RequiresTLSToServer(rt, clientUsedTLS)
	endpoints := c.order(routeName, rt)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("connector: route %q has no destinations", routeName)
	}

	deadline := time.Now().Add(rt.ConnectRetryTimeout)
	var lastErr error
	for {
		for _, ep := range endpoints {
			conn, err := c.connectOne(rt, pool.Endpoint(ep), client, clientUsedTLS, requiresTLS)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("connector: route %q: all destinations exhausted: %w", routeName, lastErr)
}

// connectOne tries a pooled reuse for ep first, falling back to a fresh
// dial + ServerGreetor run.
func (c *Connector) connectOne(rt config.RouteConfig, ep pool.Endpoint, client *message.ProtocolState, clientUsedTLS, requiresTLS bool) (*pool.PooledConnection, error) {
	matchesTLS := func(pc *pool.PooledConnection) bool { return pc.RequiresTLS == requiresTLS }

	if pooled, ok := c.Pool.PopIf(ep, matchesTLS); ok {
		return pooled, nil
	}

	if rt.ConnectionSharing {
		// A connection sharing route may also steal a backend another
		// session parked in the stash between commands (spec §4.I):
		// unlike a PopIf hit, its identity likely differs from this
		// client's, so the caller still needs to COM_CHANGE_USER it.
		if stashed, ok := c.Pool.UnstashIf(ep, matchesTLS, false); ok {
			return stashed, nil
		}
	}

	network := "tcp"
	conn, err := net.DialTimeout(network, string(ep), rt.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connector: dialing %s: %w", ep, err)
	}

	sess, err := handshake.RunServer(conn, rt, client, clientUsedTLS)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connector: %w: %v", classicerr.ErrAuthRejected, err)
	}

	return &pool.PooledConnection{
		Endpoint:    ep,
		Channel:     sess.Channel,
		Proto:       sess.State,
		RequiresTLS: requiresTLS,
		CreatedAt:   time.Now(),
		LastUsedAt:  time.Now(),
	}, nil
}

// order returns ep's destination list arranged per rt.RoutingStrategy:
// first-available and round-robin-with-fallback always start at index 0
// (the fallback behaviour lives in the metadata-cache-backed destination
// list itself, which this router treats as an already-ordered list);
// next-available and round-robin rotate the starting point so repeated
// calls fan out across the set instead of hammering the first entry.
func (c *Connector) order(routeName string, rt config.RouteConfig) []string {
	eps := rt.Endpoints()
	if len(eps) == 0 {
		return eps
	}
	switch rt.RoutingStrategy {
	case config.StrategyNextAvailable, config.StrategyRoundRobin:
		c.mu.Lock()
		start := c.cursors[routeName] % len(eps)
		c.cursors[routeName] = start + 1
		c.mu.Unlock()
		return append(append([]string{}, eps[start:]...), eps[:start]...)
	default:
		return eps
	}
}
