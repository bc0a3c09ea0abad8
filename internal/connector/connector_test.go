package connector

import (
	"net"
	"testing"
	"time"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
	"github.com/mysqlrouter/routerd/internal/config"
	"github.com/mysqlrouter/routerd/internal/pool"
)

// pipeChannel returns a *channel.Channel backed by one end of a net.Pipe,
// so a PooledConnection under test can be closed (COM_QUIT write + socket
// close) without a real backend on the other end.
func pipeChannel(t *testing.T) *channel.Channel {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	go drain(b)
	return channel.New(a)
}

func drain(c net.Conn) {
	buf := make([]byte, 256)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestConnectReusesPooledConnection(t *testing.T) {
	mgr := pool.NewManager(4, time.Minute)
	defer mgr.Close()

	ep := pool.Endpoint("127.0.0.1:3306")
	pc := &pool.PooledConnection{Endpoint: ep, Channel: pipeChannel(t), RequiresTLS: false, CreatedAt: time.Now(), LastUsedAt: time.Now()}
	if kept := mgr.Add(pc); !kept {
		t.Fatal("expected the pooled connection to be kept")
	}

	c := New(mgr)
	rt := config.RouteConfig{
		Destinations:        string(ep),
		RoutingStrategy:     config.StrategyFirstAvailable,
		ServerSSLMode:       config.SSLAsClient,
		ConnectTimeout:      time.Second,
		ConnectRetryTimeout: time.Second,
	}

	got, err := c.Connect("route_1", rt, nil, false)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != pc {
		t.Error("Connect returned a different connection than the one pooled, want the pooled one reused")
	}
	if mgr.IdleCount(ep) != 0 {
		t.Errorf("IdleCount after reuse = %d, want 0", mgr.IdleCount(ep))
	}
}

func TestConnectSkipsPooledConnectionWithWrongTLS(t *testing.T) {
	mgr := pool.NewManager(4, time.Minute)
	defer mgr.Close()

	ep := pool.Endpoint("127.0.0.1:1") // nothing listens here; the fresh dial must fail fast
	pc := &pool.PooledConnection{Endpoint: ep, Channel: pipeChannel(t), RequiresTLS: false, CreatedAt: time.Now(), LastUsedAt: time.Now()}
	mgr.Add(pc)

	c := New(mgr)
	rt := config.RouteConfig{
		Destinations:        string(ep),
		RoutingStrategy:     config.StrategyFirstAvailable,
		ServerSSLMode:       config.SSLRequired, // requires TLS, pooled conn doesn't have it
		ConnectTimeout:      50 * time.Millisecond,
		ConnectRetryTimeout: 50 * time.Millisecond,
	}

	if _, err := c.Connect("route_1", rt, nil, false); err == nil {
		t.Fatal("expected Connect to fail since the only pooled connection doesn't satisfy requires_tls")
	}
	if mgr.IdleCount(ep) != 1 {
		t.Errorf("IdleCount = %d, want 1 (the pooled connection should still be there, untouched)", mgr.IdleCount(ep))
	}
}

func TestOrderRotatesForRoundRobin(t *testing.T) {
	mgr := pool.NewManager(4, time.Minute)
	defer mgr.Close()
	c := New(mgr)

	rt := config.RouteConfig{
		Destinations:    "a:1,b:2,c:3",
		RoutingStrategy: config.StrategyRoundRobin,
	}

	first := c.order("route_1", rt)
	second := c.order("route_1", rt)
	third := c.order("route_1", rt)

	if first[0] != "a:1" || second[0] != "b:2" || third[0] != "c:3" {
		t.Errorf("round-robin starts = %q, %q, %q, want a:1, b:2, c:3", first[0], second[0], third[0])
	}

	fourth := c.order("route_1", rt)
	if fourth[0] != "a:1" {
		t.Errorf("round-robin did not wrap around: got %q, want a:1", fourth[0])
	}
}

func TestOrderKeepsFirstAvailableStable(t *testing.T) {
	mgr := pool.NewManager(4, time.Minute)
	defer mgr.Close()
	c := New(mgr)

	rt := config.RouteConfig{
		Destinations:    "a:1,b:2",
		RoutingStrategy: config.StrategyFirstAvailable,
	}

	for i := 0; i < 3; i++ {
		got := c.order("route_1", rt)
		if got[0] != "a:1" {
			t.Errorf("first-available call %d starts at %q, want a:1", i, got[0])
		}
	}
}
