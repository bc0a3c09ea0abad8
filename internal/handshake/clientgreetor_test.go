package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
	"github.com/mysqlrouter/routerd/internal/classic/frame"
	"github.com/mysqlrouter/routerd/internal/classic/message"
	"github.com/mysqlrouter/routerd/internal/config"
)

func TestRunClientCapturesEmptyPlaintextPassword(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	rt := config.RouteConfig{ClientSSLMode: config.SSLDisabled}

	resultCh := make(chan *ClientSession, 1)
	errCh := make(chan error, 1)
	go func() {
		sess, err := RunClient(channel.New(serverConn), rt)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- sess
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	cr := frame.NewReader(clientConn)
	cw := frame.NewWriter(clientConn)

	_, greetingPayload, err := cr.ReadMessage()
	if err != nil {
		t.Fatalf("reading server greeting: %v", err)
	}
	greeting, err := message.DecodeServerGreeting(greetingPayload)
	if err != nil {
		t.Fatalf("decoding server greeting: %v", err)
	}
	if len(greeting.AuthPluginData) == 0 {
		t.Fatal("server greeting carried no nonce")
	}

	cg := message.EncodeClientGreeting(message.RouterAdvertised, message.ClientGreeting{
		Username:       "alice",
		Schema:         "test",
		AuthPluginName: "caching_sha2_password",
	})
	if err := cw.WriteMessage(cg); err != nil {
		t.Fatalf("writing client greeting: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("RunClient returned an error: %v", err)
	case sess := <-resultCh:
		if sess.State.Username != "alice" {
			t.Errorf("Username = %q, want alice", sess.State.Username)
		}
		if sess.State.Schema != "test" {
			t.Errorf("Schema = %q, want test", sess.State.Schema)
		}
		if !sess.State.Password.HavePlaintext {
			t.Error("expected an empty auth response to be captured as plaintext")
		}
		if sess.State.Password.Plaintext != "" {
			t.Errorf("Plaintext = %q, want empty", sess.State.Password.Plaintext)
		}
		if sess.UsedTLS {
			t.Error("UsedTLS = true, want false (client_ssl_mode disabled)")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunClient did not finish in time")
	}
}

func TestRunClientRejectsUnsupportedAuthPlugin(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	rt := config.RouteConfig{ClientSSLMode: config.SSLDisabled}

	errCh := make(chan error, 1)
	go func() {
		_, err := RunClient(channel.New(serverConn), rt)
		errCh <- err
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	cr := frame.NewReader(clientConn)
	cw := frame.NewWriter(clientConn)

	if _, _, err := cr.ReadMessage(); err != nil {
		t.Fatalf("reading server greeting: %v", err)
	}

	cg := message.EncodeClientGreeting(message.RouterAdvertised, message.ClientGreeting{
		Username:       "bob",
		AuthPluginName: "some_unknown_plugin",
	})
	if err := cw.WriteMessage(cg); err != nil {
		t.Fatalf("writing client greeting: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected RunClient to reject an unsupported auth plugin")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunClient did not finish in time")
	}
}

func TestRequiresTLSToServer(t *testing.T) {
	tests := []struct {
		mode       config.SSLMode
		clientUsed bool
		want       bool
	}{
		{config.SSLRequired, false, true},
		{config.SSLPreferred, false, true},
		{config.SSLAsClient, true, true},
		{config.SSLAsClient, false, false},
		{config.SSLDisabled, true, false},
	}
	for _, tt := range tests {
		rt := config.RouteConfig{ServerSSLMode: tt.mode}
		if got := RequiresTLSToServer(rt, tt.clientUsed); got != tt.want {
			t.Errorf("RequiresTLSToServer(mode=%v, clientUsed=%v) = %v, want %v", tt.mode, tt.clientUsed, got, tt.want)
		}
	}
}
