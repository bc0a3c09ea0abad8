package pool

import (
	"net"
	"testing"
	"time"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
)

func newTestConn(ep Endpoint) (*PooledConnection, net.Conn) {
	client, server := net.Pipe()
	// Drain the server end so a graceful Close (the COM_QUIT write) does
	// not block on the unread pipe.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	pc := &PooledConnection{
		Endpoint:   ep,
		Channel:    channel.New(client),
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
	}
	return pc, server
}

func TestAddAndPopIf(t *testing.T) {
	m := NewManager(5, time.Hour)
	pc, server := newTestConn("db1:3306")
	defer server.Close()

	if !m.Add(pc) {
		t.Fatal("Add should succeed under capacity")
	}
	if m.IdleCount("db1:3306") != 1 {
		t.Fatalf("IdleCount = %d, want 1", m.IdleCount("db1:3306"))
	}

	got, ok := m.PopIf("db1:3306", func(*PooledConnection) bool { return true })
	if !ok {
		t.Fatal("PopIf should find the connection")
	}
	if got != pc {
		t.Fatal("PopIf returned a different connection")
	}
	if m.IdleCount("db1:3306") != 0 {
		t.Fatal("connection should be removed from idle after PopIf")
	}
	if m.Reused() != 1 {
		t.Fatalf("Reused() = %d, want 1", m.Reused())
	}
}

func TestPoolRejectsOverCapacity(t *testing.T) {
	m := NewManager(1, time.Hour)
	pc1, s1 := newTestConn("db1:3306")
	pc2, s2 := newTestConn("db1:3306")
	defer s1.Close()
	defer s2.Close()

	if !m.Add(pc1) {
		t.Fatal("first Add should succeed")
	}
	if m.Add(pc2) {
		t.Fatal("second Add should be rejected at capacity 1")
	}
}

func TestAddIfNotFullReturnsRejected(t *testing.T) {
	m := NewManager(1, time.Hour)
	pc1, s1 := newTestConn("db1:3306")
	pc2, s2 := newTestConn("db1:3306")
	defer s1.Close()
	defer s2.Close()

	ok, _ := m.AddIfNotFull(pc1)
	if !ok {
		t.Fatal("first AddIfNotFull should succeed")
	}
	ok, rejected := m.AddIfNotFull(pc2)
	if ok || rejected != pc2 {
		t.Fatal("second AddIfNotFull should return the rejected connection")
	}
}

func TestStashAndUnstashMine(t *testing.T) {
	m := NewManager(5, time.Hour)
	pc, server := newTestConn("db1:3306")
	defer server.Close()

	m.Stash(pc, ConnID(42), time.Hour)
	if m.StashCount("db1:3306") != 1 {
		t.Fatal("expected one stash entry")
	}

	// A different owner can't reclaim it before the delay.
	if _, ok := m.UnstashIf("db1:3306", func(*PooledConnection) bool { return true }, false); ok {
		t.Fatal("UnstashIf should not steal before delay elapses")
	}

	got, ok := m.UnstashMine("db1:3306", ConnID(42))
	if !ok || got != pc {
		t.Fatal("owner should always be able to reclaim its stashed connection")
	}
	if m.StashCount("db1:3306") != 0 {
		t.Fatal("stash should be empty after UnstashMine")
	}
}

func TestUnstashIfIgnoreDelaySteals(t *testing.T) {
	m := NewManager(5, time.Hour)
	pc, server := newTestConn("db1:3306")
	defer server.Close()

	m.Stash(pc, ConnID(1), time.Hour)
	got, ok := m.UnstashIf("db1:3306", func(*PooledConnection) bool { return true }, true)
	if !ok || got != pc {
		t.Fatal("UnstashIf with ignoreDelay=true should steal immediately")
	}
}

func TestDiscardAllStashedMovesToIdle(t *testing.T) {
	m := NewManager(5, time.Hour)
	pc, server := newTestConn("db1:3306")
	defer server.Close()

	m.Stash(pc, ConnID(7), time.Hour)
	m.DiscardAllStashed(ConnID(7))

	if m.StashCount("db1:3306") != 0 {
		t.Fatal("stash should be drained after DiscardAllStashed")
	}
	if m.IdleCount("db1:3306") != 1 {
		t.Fatal("discarded stash entry should land in the idle pool")
	}
}

func TestConnectionNeverInBothPoolAndStash(t *testing.T) {
	m := NewManager(5, time.Hour)
	pc, server := newTestConn("db1:3306")
	defer server.Close()

	m.Add(pc)
	popped, ok := m.PopIf("db1:3306", func(*PooledConnection) bool { return true })
	if !ok {
		t.Fatal("expected to pop the added connection")
	}
	m.Stash(popped, ConnID(1), time.Hour)

	if m.IdleCount("db1:3306") != 0 {
		t.Fatal("connection should not remain in idle after being stashed")
	}
	if m.StashCount("db1:3306") != 1 {
		t.Fatal("connection should be in stash")
	}
}
