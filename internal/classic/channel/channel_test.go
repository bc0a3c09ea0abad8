package channel

import (
	"net"
	"testing"
	"time"
)

func TestReadWriteRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client)
	cs := New(server)

	go func() {
		cc.Write([]byte("hello"))
	}()

	buf := make([]byte, 5)
	n, err := cs.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestPeekZeroHealthyConnection(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	cc := New(client)
	defer cc.Close()

	if err := cc.PeekZero(20 * time.Millisecond); err != nil {
		t.Fatalf("PeekZero on healthy connection: %v", err)
	}
}

func TestPeekZeroDetectsClosedConnection(t *testing.T) {
	client, server := net.Pipe()
	cc := New(client)
	defer cc.Close()

	server.Close()

	if err := cc.PeekZero(20 * time.Millisecond); err == nil {
		t.Fatal("PeekZero should report an error on a closed connection")
	}
}

func TestIsTLSDefaultsFalse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client)
	if cc.IsTLS() {
		t.Fatal("IsTLS should be false before any upgrade")
	}
}
