package handshake

import (
	"fmt"
	"net"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
	"github.com/mysqlrouter/routerd/internal/classic/frame"
	"github.com/mysqlrouter/routerd/internal/classic/message"
	"github.com/mysqlrouter/routerd/internal/classicauth"
	"github.com/mysqlrouter/routerd/internal/classicerr"
	"github.com/mysqlrouter/routerd/internal/config"
)

// ServerSession is what ServerGreetor hands back once a fresh backend
// connection has completed its own handshake and authentication.
type ServerSession struct {
	Channel *channel.Channel
	Reader  *frame.Reader
	Writer  *frame.Writer
	State   *message.ProtocolState
	UsedTLS bool
}

// switchMeIfYouCan is the bogus plugin name the router declares to force
// an AuthSwitchRequest and learn the server's real nonce, per spec §4.F's
// "switch me if you can" trick.
const switchMeIfYouCan = "switch_me_if_you_can"

// RunServer drives ServerGreetor (spec §4.F) over an already-dialed
// socket: receive the backend's server::Greeting, optionally TLS-connect,
// send the router's client::Greeting built from the client's
// ProtocolState, and run the auth exchange to completion.
func RunServer(conn net.Conn, rt config.RouteConfig, client *message.ProtocolState, clientUsedTLS bool) (*ServerSession, error) {
	ch := channel.New(conn)
	l := newLeg(ch)

	seq, payload, err := l.r.ReadMessage()
	_ = seq
	if err != nil {
		return nil, fmt.Errorf("handshake: reading server greeting: %w", err)
	}
	if len(payload) > 0 && payload[0] == message.HeaderErr {
		e, _ := message.DecodeErr(payload, true)
		return nil, fmt.Errorf("handshake: backend refused connection: %s (%w)", e.Message, classicerr.ErrPreHandshake)
	}
	greeting, err := message.DecodeServerGreeting(payload)
	if err != nil {
		return nil, fmt.Errorf("handshake: malformed server greeting: %w", err)
	}

	requiresTLS := RequiresTLSToServer(rt, clientUsedTLS)
	if rt.ServerSSLMode == config.SSLRequired && !greeting.Capabilities.Has(message.CapSSL) {
		return nil, fmt.Errorf("handshake: %w: backend does not support TLS", classicerr.ErrSSLRequired)
	}
	if requiresTLS && !greeting.Capabilities.Has(message.CapSSL) {
		return nil, fmt.Errorf("handshake: %w: backend does not support TLS", classicerr.ErrSSLRequired)
	}

	ourCaps := message.RouterAdvertised
	usedTLS := false
	if requiresTLS {
		ourCaps |= message.CapSSL
		sslReq := message.SSLRequest{Capabilities: ourCaps, MaxPacketSize: 16 * 1024 * 1024, CharacterSet: greeting.CharacterSet}
		if err := l.w.WriteMessage(message.EncodeSSLRequest(sslReq)); err != nil {
			return nil, fmt.Errorf("handshake: sending server-side ssl request: %w", err)
		}
		if err := ch.StartTLSClient(serverTLSConfig(rt)); err != nil {
			return nil, fmt.Errorf("handshake: server TLS handshake: %w", err)
		}
		usedTLS = true
		l.rewrap()
	}

	method := client.AuthMethodName
	trick := method == classicauth.MethodCachingSHA2 && !usedTLS

	declaredMethod := method
	var authResp []byte
	switch {
	case trick:
		declaredMethod = switchMeIfYouCan
		authResp = nil
	case client.Password.HavePlaintext:
		authResp, err = scrambleForMethod(method, greeting.AuthPluginData, client.Password.Plaintext, usedTLS)
		if err != nil {
			return nil, err
		}
	case client.Password.HaveScrambled:
		return nil, fmt.Errorf("handshake: %w: no plaintext password available to authenticate a new backend connection", classicerr.ErrAuthUnavailable)
	}

	attrs := client.Attrs
	attrs.Append("_client_role", "router")
	if clientUsedTLS {
		if client.ClientTLSCipherSuite != "" {
			attrs.Append("_client_ssl_cipher", client.ClientTLSCipherSuite)
		}
		if client.ClientTLSVersion != "" {
			attrs.Append("_client_ssl_version", client.ClientTLSVersion)
		}
	}

	cg := message.ClientGreeting{
		MaxPacketSize:  16 * 1024 * 1024,
		CharacterSet:   greeting.CharacterSet,
		Username:       client.Username,
		AuthResponse:   authResp,
		Schema:         client.Schema,
		AuthPluginName: declaredMethod,
		Attrs:          attrs,
	}
	if err := l.w.WriteMessage(message.EncodeClientGreeting(ourCaps, cg)); err != nil {
		return nil, fmt.Errorf("handshake: sending client greeting to backend: %w", err)
	}

	if err := classicauth.DrainExchange(l, declaredMethod, greeting.AuthPluginData, client.Password.Plaintext, usedTLS); err != nil {
		return nil, fmt.Errorf("handshake: %w: %v", classicerr.ErrAuthRejected, err)
	}

	state := message.NewProtocolState()
	state.ClientCapabilities = ourCaps
	state.ServerCapabilities = greeting.Capabilities
	state.ComputeShared()
	state.AuthMethodName = method
	state.AuthMethodData = greeting.AuthPluginData
	state.Username = client.Username
	state.Schema = client.Schema
	state.Password = client.Password

	return &ServerSession{Channel: ch, Reader: l.r, Writer: l.w, State: state, UsedTLS: usedTLS}, nil
}

// scrambleForMethod computes the initial auth response to embed directly
// in the client::Greeting sent to a backend, per the per-method table in
// spec §4.G.
func scrambleForMethod(method string, nonce []byte, password string, secure bool) ([]byte, error) {
	switch method {
	case classicauth.MethodNativePassword:
		return classicauth.ScrambleNative(nonce, password), nil
	case classicauth.MethodCachingSHA2:
		return classicauth.ScrambleCachingSHA2(nonce, password), nil
	case classicauth.MethodSha256:
		if secure {
			return append([]byte(password), 0), nil
		}
		return classicauth.ScrambleSha256(nonce, password), nil
	case classicauth.MethodClearPassword:
		return append([]byte(password), 0), nil
	default:
		return nil, fmt.Errorf("handshake: %w: %q", classicerr.ErrUnsupportedMethod, method)
	}
}
