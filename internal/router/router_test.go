package router

import (
	"testing"

	"github.com/mysqlrouter/routerd/internal/config"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Defaults: config.RouteDefaults{
			MaxConnections: 20,
		},
		Routes: map[string]config.RouteConfig{
			"route_1": {
				Protocol:        "classic",
				Destinations:    "host-a:3306",
				BindPort:        6446,
				RoutingStrategy: config.StrategyFirstAvailable,
			},
			"route_2": {
				Protocol:        "classic",
				Destinations:    "host-b:3306,host-c:3306",
				BindPort:        6447,
				RoutingStrategy: config.StrategyRoundRobin,
			},
		},
	}
}

func TestResolve(t *testing.T) {
	r := New(newTestConfig())

	rt, err := r.Resolve("route_1")
	if err != nil {
		t.Fatalf("Resolve route_1 failed: %v", err)
	}
	if rt.Destinations != "host-a:3306" {
		t.Errorf("expected host-a:3306, got %s", rt.Destinations)
	}
	if rt.BindPort != 6446 {
		t.Errorf("expected bind port 6446, got %d", rt.BindPort)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New(newTestConfig())

	_, err := r.Resolve("nonexistent")
	if err == nil {
		t.Error("expected error for unknown route")
	}
}

func TestAddAndRemoveRoute(t *testing.T) {
	r := New(newTestConfig())

	rt := config.RouteConfig{Destinations: "new-host:3306", BindPort: 6448}
	r.AddRoute("route_3", rt)

	resolved, err := r.Resolve("route_3")
	if err != nil {
		t.Fatalf("Resolve route_3 failed: %v", err)
	}
	if resolved.Destinations != "new-host:3306" {
		t.Errorf("expected new-host:3306, got %s", resolved.Destinations)
	}

	if !r.RemoveRoute("route_3") {
		t.Error("RemoveRoute should return true")
	}

	_, err = r.Resolve("route_3")
	if err == nil {
		t.Error("expected error after removal")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	r := New(newTestConfig())

	if r.RemoveRoute("nonexistent") {
		t.Error("RemoveRoute should return false for nonexistent route")
	}
}

func TestListRoutes(t *testing.T) {
	r := New(newTestConfig())

	routes := r.ListRoutes()
	if len(routes) != 2 {
		t.Errorf("expected 2 routes, got %d", len(routes))
	}
}

func TestReload(t *testing.T) {
	r := New(newTestConfig())

	newCfg := &config.Config{
		Defaults: config.RouteDefaults{MaxConnections: 50},
		Routes: map[string]config.RouteConfig{
			"route_new": {Destinations: "new-host:3306", BindPort: 6449},
		},
	}

	r.Reload(newCfg)

	if _, err := r.Resolve("route_1"); err == nil {
		t.Error("expected error for old route after reload")
	}

	rt, err := r.Resolve("route_new")
	if err != nil {
		t.Fatalf("Resolve route_new failed: %v", err)
	}
	if rt.Destinations != "new-host:3306" {
		t.Errorf("expected new-host:3306, got %s", rt.Destinations)
	}

	if defaults := r.Defaults(); defaults.MaxConnections != 50 {
		t.Errorf("expected max connections 50, got %d", defaults.MaxConnections)
	}
}

func TestPauseResumeRoute(t *testing.T) {
	r := New(newTestConfig())

	if r.IsPaused("route_1") {
		t.Error("route_1 should not be paused initially")
	}

	if !r.PauseRoute("route_1") {
		t.Error("PauseRoute should return true for existing route")
	}
	if !r.IsPaused("route_1") {
		t.Error("route_1 should be paused")
	}

	if r.IsPaused("route_2") {
		t.Error("route_2 should not be paused")
	}

	if !r.ResumeRoute("route_1") {
		t.Error("ResumeRoute should return true for existing route")
	}
	if r.IsPaused("route_1") {
		t.Error("route_1 should not be paused after resume")
	}

	if r.PauseRoute("nonexistent") {
		t.Error("PauseRoute should return false for nonexistent route")
	}
	if r.ResumeRoute("nonexistent") {
		t.Error("ResumeRoute should return false for nonexistent route")
	}

	r.PauseRoute("route_1")
	r.RemoveRoute("route_1")
	if r.IsPaused("route_1") {
		t.Error("paused state should be cleaned up after removal")
	}
}
