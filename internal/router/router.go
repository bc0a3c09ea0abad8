// Package router resolves a route name to its configuration and tracks
// per-route pause state, the way a client's bind-port selects which
// classic-protocol route's destinations and SSL policy govern its
// connection. Adapted from the teacher's tenant-ID-keyed Router
// (internal/router/router.go), generalized from "tenant" to "route name".
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mysqlrouter/routerd/internal/config"
)

// routerSnapshot is an immutable point-in-time view of the routing table.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	routes   map[string]config.RouteConfig
	defaults config.RouteDefaults
	paused   map[string]bool
}

// Router resolves route names to their RouteConfig. Resolve and IsPaused
// are lock-free via atomic.Value; mutations serialize on a write mutex
// and swap in a new snapshot.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex
}

// New creates a Router populated from cfg.
func New(cfg *config.Config) *Router {
	snap := &routerSnapshot{
		routes:   make(map[string]config.RouteConfig, len(cfg.Routes)),
		defaults: cfg.Defaults,
		paused:   make(map[string]bool),
	}
	for name, rt := range cfg.Routes {
		snap.routes[name] = rt
	}
	r := &Router{}
	r.snap.Store(snap)
	return r
}

func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

// cloneSnap returns a mutable deep copy of the current snapshot. Must be
// called with wmu held.
func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	newRoutes := make(map[string]config.RouteConfig, len(cur.routes))
	for name, rt := range cur.routes {
		newRoutes[name] = rt
	}
	newPaused := make(map[string]bool, len(cur.paused))
	for name, v := range cur.paused {
		newPaused[name] = v
	}
	return &routerSnapshot{routes: newRoutes, defaults: cur.defaults, paused: newPaused}
}

// Resolve looks up the RouteConfig for name. Lock-free.
func (r *Router) Resolve(name string) (config.RouteConfig, error) {
	snap := r.load()
	rt, ok := snap.routes[name]
	if !ok {
		return config.RouteConfig{}, fmt.Errorf("router: unknown route %q", name)
	}
	return rt, nil
}

// AddRoute registers or updates a route.
func (r *Router) AddRoute(name string, rt config.RouteConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.routes[name] = rt
	r.snap.Store(s)
}

// RemoveRoute removes a route. Returns false if it didn't exist.
func (r *Router) RemoveRoute(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.routes[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.routes, name)
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// PauseRoute marks a route paused: new connections are refused but
// existing ones are left alone, per spec §4.I's graceful-drain intent.
// Returns false if the route doesn't exist.
func (r *Router) PauseRoute(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.routes[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	s.paused[name] = true
	r.snap.Store(s)
	return true
}

// ResumeRoute unpauses a route. Returns false if it doesn't exist.
func (r *Router) ResumeRoute(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.routes[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// IsPaused reports whether name is currently paused. Lock-free.
func (r *Router) IsPaused(name string) bool {
	return r.load().paused[name]
}

// ListRoutes returns every route name and its current configuration.
func (r *Router) ListRoutes() map[string]config.RouteConfig {
	snap := r.load()
	out := make(map[string]config.RouteConfig, len(snap.routes))
	for name, rt := range snap.routes {
		out[name] = rt
	}
	return out
}

// Defaults returns the current route defaults. Lock-free.
func (r *Router) Defaults() config.RouteDefaults {
	return r.load().defaults
}

// Reload replaces the entire routing table from a freshly loaded config,
// preserving paused state for routes that still exist.
func (r *Router) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	newRoutes := make(map[string]config.RouteConfig, len(cfg.Routes))
	for name, rt := range cfg.Routes {
		newRoutes[name] = rt
	}
	newPaused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, exists := newRoutes[name]; exists {
			newPaused[name] = v
		}
	}
	r.snap.Store(&routerSnapshot{routes: newRoutes, defaults: cfg.Defaults, paused: newPaused})
}
