// Package channel implements the duplex byte-stream layer each classic
// protocol leg (client or server) communicates over: a plain net.Conn
// that can be cooperatively upgraded to TLS mid-stream, the way the
// classic protocol negotiates SSL in-band rather than at connect time.
package channel

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Channel wraps a net.Conn, tracking whether it has been upgraded to TLS.
// Before the upgrade, reads/writes go straight to the underlying
// connection; after, they go through the tls.Conn. Both cases expose the
// same net.Conn-shaped surface so callers (frame.Reader/Writer) never
// need to know which leg is encrypted.
type Channel struct {
	raw   net.Conn
	conn  net.Conn // raw, or the tls.Conn after StartTLS
	isTLS bool
}

// New wraps an already-established net.Conn.
func New(conn net.Conn) *Channel {
	return &Channel{raw: conn, conn: conn}
}

// Conn returns the current active connection (raw or TLS).
func (c *Channel) Conn() net.Conn { return c.conn }

// IsTLS reports whether the channel has completed a TLS upgrade.
func (c *Channel) IsTLS() bool { return c.isTLS }

// TLSConnectionState returns the negotiated TLS state and true if the
// channel has completed a TLS upgrade, for callers that need to report
// the cipher suite or protocol version (e.g. the _client_ssl_cipher
// connection attribute forwarded to the backend, spec §4.F).
func (c *Channel) TLSConnectionState() (tls.ConnectionState, bool) {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}

// StartTLSServer performs the server side of an in-band TLS upgrade,
// mirroring the teacher's tls.Server(currentConn, cfg) + Handshake()
// pattern used for Postgres SSLRequest, generalized to any classic
// protocol leg accepting CLIENT_SSL from a client::Greeting.
func (c *Channel) StartTLSServer(cfg *tls.Config) error {
	if c.isTLS {
		return fmt.Errorf("channel: already TLS")
	}
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("channel: TLS server handshake: %w", err)
	}
	c.conn = tlsConn
	c.isTLS = true
	return nil
}

// StartTLSClient performs the client side of an in-band TLS upgrade, used
// by the router's server-facing leg when server_ssl_mode requires it.
func (c *Channel) StartTLSClient(cfg *tls.Config) error {
	if c.isTLS {
		return fmt.Errorf("channel: already TLS")
	}
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("channel: TLS client handshake: %w", err)
	}
	c.conn = tlsConn
	c.isTLS = true
	return nil
}

// Read implements io.Reader over the current active connection.
func (c *Channel) Read(p []byte) (int, error) { return c.conn.Read(p) }

// Write implements io.Writer over the current active connection.
func (c *Channel) Write(p []byte) (int, error) { return c.conn.Write(p) }

// Close closes the underlying connection (TLS or raw).
func (c *Channel) Close() error { return c.conn.Close() }

// SetDeadline forwards to the active connection.
func (c *Channel) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline forwards to the active connection.
func (c *Channel) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// RemoteAddr returns the remote address of the raw connection (stable
// across a TLS upgrade, since tls.Conn proxies it through anyway).
func (c *Channel) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// PeekZero performs a one-byte, deadline-bounded read used by the pool's
// idle watchdog to detect an unexpectedly closed idle connection: a
// timeout returns nil, a read that returns with any other error means the
// peer hung up, and a byte that does arrive is consumed and reported as
// an error.
func (c *Channel) PeekZero(timeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	n, err := c.conn.Read(one)
	if n > 0 {
		return fmt.Errorf("channel: unexpected data on idle connection")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil // still alive, nothing to read: expected outcome
	}
	return err
}
