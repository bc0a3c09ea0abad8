// Package api implements the router's REST facade: route CRUD,
// pause/resume/drain, health/readiness, Prometheus metrics, and a
// dynamic-configuration dump. Adapted from the teacher's
// internal/api/server.go, generalized from tenant CRUD to route CRUD
// and from a TenantConfig/pool.Stats response shape to RouteConfig/
// pool.Manager idle-and-stash counts. The teacher's embedded admin
// dashboard SPA (dashboard.go/dashboard_html.go) was dropped rather
// than adapted — nothing in this router's supplemented feature set
// calls for an HTML UI, only the JSON endpoints it already serves.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysqlrouter/routerd/internal/config"
	"github.com/mysqlrouter/routerd/internal/health"
	"github.com/mysqlrouter/routerd/internal/metrics"
	"github.com/mysqlrouter/routerd/internal/pool"
	"github.com/mysqlrouter/routerd/internal/router"
)

// Server is the REST API server.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	dynamic     *config.DynamicConfig
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, dc *config.DynamicConfig, lc config.ListenConfig) *Server {
	return &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		dynamic:     dc,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	m := mux.NewRouter()

	m.HandleFunc("/routes", s.listRoutes).Methods("GET")
	m.HandleFunc("/routes", s.createRoute).Methods("POST")
	m.HandleFunc("/routes/{name}", s.getRoute).Methods("GET")
	m.HandleFunc("/routes/{name}", s.updateRoute).Methods("PUT")
	m.HandleFunc("/routes/{name}", s.deleteRoute).Methods("DELETE")
	m.HandleFunc("/routes/{name}/stats", s.routeStats).Methods("GET")
	m.HandleFunc("/routes/{name}/drain", s.drainRoute).Methods("POST")
	m.HandleFunc("/routes/{name}/pause", s.pauseRoute).Methods("POST")
	m.HandleFunc("/routes/{name}/resume", s.resumeRoute).Methods("POST")

	m.HandleFunc("/status", s.statusHandler).Methods("GET")
	m.HandleFunc("/config", s.configHandler).Methods("GET")
	m.HandleFunc("/config/dynamic", s.dynamicConfigHandler).Methods("GET")

	m.HandleFunc("/health", s.healthHandler).Methods("GET")
	m.HandleFunc("/ready", s.readyHandler).Methods("GET")

	m.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      m,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Route handlers ---

type routeStatsEntry struct {
	Endpoint string `json:"endpoint"`
	Idle     int    `json:"idle"`
	Stashed  int    `json:"stashed"`
}

type routeResponse struct {
	Name   string              `json:"name"`
	Config config.RouteConfig  `json:"config"`
	Paused bool                `json:"paused"`
	Stats  []routeStatsEntry   `json:"stats,omitempty"`
}

func (s *Server) routeResponseFor(name string, rt config.RouteConfig) routeResponse {
	rr := routeResponse{Name: name, Config: rt.Redacted(), Paused: s.router.IsPaused(name)}
	for _, ep := range rt.Endpoints() {
		rr.Stats = append(rr.Stats, routeStatsEntry{
			Endpoint: ep,
			Idle:     s.poolMgr.IdleCount(pool.Endpoint(ep)),
			Stashed:  s.poolMgr.StashCount(pool.Endpoint(ep)),
		})
	}
	return rr
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.router.ListRoutes()
	result := make([]routeResponse, 0, len(routes))
	for name, rt := range routes {
		result = append(result, s.routeResponseFor(name, rt))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		config.RouteConfig
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "route name is required")
		return
	}
	if req.Destinations == "" {
		writeError(w, http.StatusBadRequest, "destinations is required")
		return
	}

	s.router.AddRoute(req.Name, req.RouteConfig)
	log.Printf("[api] route %s registered (destinations: %s)", req.Name, req.Destinations)

	writeJSON(w, http.StatusCreated, s.routeResponseFor(req.Name, req.RouteConfig))
}

func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rt, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, s.routeResponseFor(name, rt))
}

func (s *Server) updateRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	existing, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	var req config.RouteConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Destinations != "" {
		existing.Destinations = req.Destinations
	}
	if req.RoutingStrategy != "" {
		existing.RoutingStrategy = req.RoutingStrategy
	}
	if req.ClientSSLMode != "" {
		existing.ClientSSLMode = req.ClientSSLMode
	}
	if req.ServerSSLMode != "" {
		existing.ServerSSLMode = req.ServerSSLMode
	}

	s.router.AddRoute(name, existing)
	log.Printf("[api] route %s updated", name)

	writeJSON(w, http.StatusOK, s.routeResponseFor(name, existing))
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.RemoveRoute(name) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if s.healthCheck != nil {
		s.healthCheck.RemoveRoute(name)
	}
	if s.metrics != nil {
		s.metrics.RemoveRoute(name)
	}

	log.Printf("[api] route %s removed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "route": name})
}

func (s *Server) routeStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rt, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, s.routeResponseFor(name, rt).Stats)
}

func (s *Server) drainRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rt, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if !s.router.PauseRoute(name) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	for _, ep := range rt.Endpoints() {
		for {
			pc, ok := s.poolMgr.PopIf(pool.Endpoint(ep), func(*pool.PooledConnection) bool { return true })
			if !ok {
				break
			}
			pc.Close(nil)
		}
	}

	log.Printf("[api] route %s drained", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "route": name})
}

// --- Pause/Resume ---

func (s *Server) pauseRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.PauseRoute(name) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	log.Printf("[api] route %s paused", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "route": name})
}

func (s *Server) resumeRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.ResumeRoute(name) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	log.Printf("[api] route %s resumed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "route": name})
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"endpoints": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	routes := s.router.ListRoutes()
	if len(routes) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range routes {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status/config handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	routes := s.router.ListRoutes()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_routes":     len(routes),
		"listen": map[string]int{
			"api_port": s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.router.Defaults()
	routes := s.router.ListRoutes()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"api_port": s.listenCfg.APIPort,
		},
		"defaults": map[string]interface{}{
			"max_connections":          defaults.MaxConnections,
			"max_pooled_connections":   defaults.MaxPooledConnections,
			"idle_timeout":             defaults.IdleTimeout.String(),
			"connect_timeout":          defaults.ConnectTimeout.String(),
			"connect_retry_timeout":    defaults.ConnectRetryTimeout.String(),
			"connection_sharing_delay": defaults.ConnectionSharingDelay.String(),
		},
		"route_count": len(routes),
	})
}

func (s *Server) dynamicConfigHandler(w http.ResponseWriter, r *http.Request) {
	if s.dynamic == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	dump, err := s.dynamic.Dump()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dump)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
