// Package handshake implements the router's two Greetor state machines:
// ClientGreetor (spec component E), which terminates the client-facing
// classic-protocol handshake, and ServerGreetor (component F), which
// drives a fresh backend connection through its own handshake and auth.
// Adapted from the teacher's MySQLHandler.Handle staged handshake
// sequence (internal/proxy/mysql.go) generalized from "relay the client's
// literal bytes" to "decode, curate, and re-encode each leg
// independently", which is what letting the router synthesise its own
// greeting and capture plaintext passwords requires.
package handshake

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
	"github.com/mysqlrouter/routerd/internal/classic/frame"
	"github.com/mysqlrouter/routerd/internal/classic/message"
	"github.com/mysqlrouter/routerd/internal/classicauth"
	"github.com/mysqlrouter/routerd/internal/classicerr"
	"github.com/mysqlrouter/routerd/internal/config"
)

// RouterVersion is embedded in the router's synthesised server greeting.
const RouterVersion = "8.0.99-routerd-router"

// leg pairs a Channel with its frame Reader/Writer, tracking per-leg
// sequence ids the way ProtocolState.Seq mirrors on the decoded side.
type leg struct {
	ch *channel.Channel
	r  *frame.Reader
	w  *frame.Writer
}

func newLeg(ch *channel.Channel) *leg {
	return &leg{ch: ch, r: frame.NewReader(ch), w: frame.NewWriter(ch)}
}

// rewrap is called after an in-band TLS upgrade: the frame seq counters
// reset to 0 (a fresh handshake begins over the encrypted channel), but
// the same Channel is reused since StartTLSServer/StartTLSClient already
// reassigned its internal net.Conn.
func (l *leg) rewrap() {
	l.r = frame.NewReader(l.ch)
	l.w = frame.NewWriter(l.ch)
}

// Send implements classicauth.ServerConn for a leg talking to a backend.
func (l *leg) Send(payload []byte) error {
	return l.w.WriteMessage(payload)
}

// Recv implements classicauth.ServerConn.
func (l *leg) Recv() (payload []byte, err error) {
	_, payload, err = l.r.ReadMessage()
	return payload, err
}

var _ classicauth.ServerConn = (*leg)(nil)

// generateNonce returns a 20-byte nonce of values in [1,127], as spec §6
// requires for the router's synthesised greeting: no NUL, no high bit, so
// it round-trips through the NUL-terminated auth-plugin-data wire field.
func generateNonce() ([]byte, error) {
	n := make([]byte, 20)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("handshake: generating nonce: %w", err)
	}
	for i := range n {
		n[i] = n[i]%127 + 1
	}
	return n, nil
}

// sendError writes a post-handshake ERR_Packet (the Greetor has already
// negotiated shared caps by the time it needs to report a failure to its
// peer).
func sendError(w *frame.Writer, code uint16, sqlState, msg string) error {
	return w.WriteMessage(classicerr.Encode(code, sqlState, msg))
}

// sendErrorLegacy writes a pre-handshake ERR_Packet (no SQL state), used
// before either side has settled on shared capabilities.
func sendErrorLegacy(w *frame.Writer, code uint16, msg string) error {
	return w.WriteMessage(classicerr.EncodeLegacy(code, msg))
}

// clientTLSConfig builds the tls.Config the ClientGreetor upgrades the
// client leg with, from the route's client_ssl_* options.
func clientTLSConfig(rt config.RouteConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(rt.ClientSSLCert, rt.ClientSSLKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: loading client TLS cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// serverTLSConfig builds the tls.Config the ServerGreetor upgrades the
// backend leg with, from the route's server_ssl_* options.
func serverTLSConfig(rt config.RouteConfig) *tls.Config {
	cfg := &tls.Config{InsecureSkipVerify: rt.ServerSSLVerify == config.SSLDisabled || rt.ServerSSLVerify == ""}
	return cfg
}

// RequiresTLSToServer derives requires_tls per spec §4.J step 1: TLS is
// required toward the backend if server_ssl_mode is REQUIRED/PREFERRED,
// or if server_ssl_mode=AS_CLIENT and the client used TLS on this leg.
func RequiresTLSToServer(rt config.RouteConfig, clientUsedTLS bool) bool {
	switch rt.ServerSSLMode {
	case config.SSLRequired, config.SSLPreferred:
		return true
	case config.SSLAsClient:
		return clientUsedTLS
	default:
		return false
	}
}
