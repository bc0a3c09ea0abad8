package handshake

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
	"github.com/mysqlrouter/routerd/internal/classic/frame"
	"github.com/mysqlrouter/routerd/internal/classic/message"
	"github.com/mysqlrouter/routerd/internal/classicerr"
	"github.com/mysqlrouter/routerd/internal/config"
	"github.com/mysqlrouter/routerd/internal/hexdump"
)

// ClientSession is what ClientGreetor hands off once the client side of
// the handshake has reached the spec's "Accepted" stage: credentials
// captured, but not yet confirmed against a real backend. The caller
// (internal/proxy) keeps using Reader/Writer for the eventual Ok/Error
// reply and for the bidirectional relay once a backend is attached.
type ClientSession struct {
	Channel *channel.Channel
	Reader  *frame.Reader
	Writer  *frame.Writer
	State   *message.ProtocolState
	UsedTLS bool
}

// allowedClientMethods is the auth-method allow-list from spec §6.
var allowedClientMethods = map[string]bool{
	"caching_sha2_password": true,
	"mysql_native_password": true,
	"mysql_clear_password":  true,
	"sha256_password":       true,
}

// RunClient drives the client-facing handshake (ClientGreetor, spec
// §4.E) through ServerGreeting → ClientGreeting → optional TLS accept →
// optional plaintext-password capture → Accepted. It does not send an
// Ok/Error itself — that only happens once a backend has confirmed or
// rejected the captured credentials.
func RunClient(ch *channel.Channel, rt config.RouteConfig) (*ClientSession, error) {
	l := newLeg(ch)

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	caps := message.RouterAdvertised
	if rt.ClientSSLMode != config.SSLDisabled {
		caps |= message.CapSSL
	}

	greeting := message.ServerGreeting{
		ServerVersion:  RouterVersion,
		ConnectionID:   1,
		AuthPluginData: nonce,
		Capabilities:   caps,
		CharacterSet:   0x2d, // utf8mb4_general_ci
		StatusFlags:    0x0002,
		AuthPluginName: "caching_sha2_password",
	}
	if err := l.w.WriteMessage(message.EncodeServerGreeting(greeting)); err != nil {
		return nil, fmt.Errorf("handshake: sending server greeting: %w", err)
	}

	seq, payload, err := l.r.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake: reading client greeting: %w", err)
	}
	if seq != 1 {
		sendErrorLegacy(l.w, classicerr.CRUnknownError, "unexpected sequence id for client greeting")
		return nil, fmt.Errorf("handshake: client greeting arrived at seq %d, want 1", seq)
	}
	if len(payload) < 2 {
		sendErrorLegacy(l.w, classicerr.CRUnknownError, "truncated client greeting")
		return nil, fmt.Errorf("handshake: truncated client greeting")
	}

	usedTLS := false
	var cg message.ClientGreeting

	fullCaps := message.Capability(uint32(payload[0]) | uint32(payload[1])<<8)
	if len(payload) >= 4 {
		fullCaps |= message.Capability(uint32(payload[2])<<16 | uint32(payload[3])<<24)
	}

	if fullCaps.Has(message.CapSSL) && len(payload) == 32 {
		sslReq, err := message.DecodeSSLRequest(payload)
		if err != nil {
			sendErrorLegacy(l.w, classicerr.CRUnknownError, "malformed ssl request")
			return nil, fmt.Errorf("handshake: %w", err)
		}
		tlsCfg, err := clientTLSConfig(rt)
		if err != nil {
			sendErrorLegacy(l.w, classicerr.CRSSLConnectionError, err.Error())
			return nil, err
		}
		if err := ch.StartTLSServer(tlsCfg); err != nil {
			return nil, fmt.Errorf("handshake: client TLS handshake: %w", err)
		}
		usedTLS = true
		l.rewrap()
		_, payload, err = l.r.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("handshake: reading post-TLS client greeting: %w", err)
		}
		cg, err = message.DecodeClientGreeting(payload)
		if err != nil {
			slog.Debug("handshake: malformed post-TLS client greeting", "payload", hexdump.Dump(payload))
			sendError(l.w, classicerr.CRUnknownError, classicerr.SQLStateGeneral, "malformed client greeting")
			return nil, fmt.Errorf("handshake: %w", err)
		}
		_ = sslReq
	} else {
		cg, err = message.DecodeClientGreeting(payload)
		if err != nil {
			slog.Debug("handshake: malformed client greeting", "payload", hexdump.Dump(payload))
			sendErrorLegacy(l.w, classicerr.CRUnknownError, "malformed client greeting")
			return nil, fmt.Errorf("handshake: %w", err)
		}
	}

	method := cg.AuthPluginName
	if method == "" {
		method = "caching_sha2_password"
	}
	if !allowedClientMethods[method] {
		sendError(l.w, classicerr.CRAuthPluginCannotLoad, classicerr.SQLStateGeneral,
			fmt.Sprintf("unsupported auth plugin %q", method))
		return nil, fmt.Errorf("handshake: unsupported auth plugin %q", method)
	}

	if rt.ClientSSLMode == config.SSLRequired && !cg.Capabilities.Has(message.CapSSL) {
		sendError(l.w, classicerr.CRSSLConnectionError, classicerr.SQLStateGeneral, "SSL connection required")
		return nil, fmt.Errorf("handshake: client_ssl_mode=REQUIRED but client did not request SSL")
	}

	if cg.Capabilities&message.CompressionCaps != 0 {
		sendError(l.w, classicerr.ERWrongCompressionAlgorithmClient, classicerr.SQLStateGeneral, "Wrong compression algorithm")
		return nil, fmt.Errorf("handshake: client requested an unsupported compression algorithm")
	}

	state := message.NewProtocolState()
	state.ClientCapabilities = cg.Capabilities
	state.ServerCapabilities = caps
	state.ComputeShared()
	state.AuthMethodName = method
	state.AuthMethodData = nonce
	state.Username = cg.Username
	state.Schema = cg.Schema
	state.Attrs = cg.Attrs

	if usedTLS {
		if cs, ok := ch.TLSConnectionState(); ok {
			state.ClientTLSCipherSuite = tls.CipherSuiteName(cs.CipherSuite)
			state.ClientTLSVersion = tls.VersionName(cs.Version)
		}
	}

	if err := capturePassword(l, state, method, cg.AuthResponse, usedTLS || ch.IsTLS()); err != nil {
		sendError(l.w, classicerr.ERAccessDeniedError, classicerr.SQLStateAccessDenied, err.Error())
		return nil, err
	}

	return &ClientSession{Channel: ch, Reader: l.r, Writer: l.w, State: state, UsedTLS: usedTLS}, nil
}

// capturePassword implements the plaintext-capture branch of spec §4.E:
// an empty auth response is captured as an empty password; on a secure
// transport with caching_sha2_password, the router requests the real
// plaintext via the "perform full auth" byte; otherwise whatever
// scrambled bytes the client sent are captured as-is for later reuse by
// the "switch_me_if_you_can" trick.
func capturePassword(l *leg, state *message.ProtocolState, method string, authResponse []byte, secure bool) error {
	if len(authResponse) == 0 || (len(authResponse) == 1 && authResponse[0] == 0) {
		state.CapturePlaintext("")
		return nil
	}
	if method == "caching_sha2_password" && secure {
		if err := l.w.WriteMessage([]byte{message.HeaderAuthMoreData, 0x04}); err != nil {
			return fmt.Errorf("handshake: requesting full auth: %w", err)
		}
		pkt, err := l.Recv()
		if err != nil {
			return fmt.Errorf("handshake: reading plaintext password: %w", err)
		}
		pwd := string(pkt)
		if n := len(pwd); n > 0 && pwd[n-1] == 0 {
			pwd = pwd[:n-1]
		}
		state.CapturePlaintext(pwd)
		return nil
	}
	state.CaptureScrambled(authResponse)
	return nil
}
