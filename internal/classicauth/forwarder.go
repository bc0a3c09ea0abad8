package classicauth

import (
	"fmt"

	"github.com/mysqlrouter/routerd/internal/classic/message"
)

// Method names as they appear on the wire.
const (
	MethodNativePassword = "mysql_native_password"
	MethodCachingSHA2    = "caching_sha2_password"
	MethodSha256         = "sha256_password"
	MethodClearPassword  = "mysql_clear_password"
)

// ServerConn is the minimal surface the forwarder needs against the
// backend connection: send a message frame, read the next one back.
// Satisfied by a thin wrapper over classic/frame.Reader/Writer.
type ServerConn interface {
	Send(payload []byte) error
	Recv() (payload []byte, err error)
}

// Forward drives the server-side auth exchange to completion for a
// connection whose client has already supplied method/authResponse, and
// returns nil once the server answers OK. It mirrors the teacher's
// authenticateMySQL switch/AuthSwitchRequest handling, generalized across
// every auth method this router supports instead of native-password only.
//
// password is the plaintext password captured during the client handshake
// (spec §4.E); it's required for any method that needs to recompute a
// scramble against a server-chosen nonce after an AuthSwitchRequest.
func Forward(conn ServerConn, method string, nonce []byte, authResponse []byte, password string, secure bool) error {
	resp := authResponse
	if resp == nil {
		resp = computeResponse(method, nonce, password)
	}
	if err := conn.Send(resp); err != nil {
		return fmt.Errorf("classicauth: sending auth response: %w", err)
	}
	return DrainExchange(conn, method, nonce, password, secure)
}

// DrainExchange runs the same AuthSwitch/AuthMoreData/Ok/Err dispatch loop
// as Forward, for callers that have already sent the initial auth
// response as part of a larger message (the ServerGreetor embeds it
// directly in the ClientGreeting it sends, rather than as a standalone
// frame). secure reports whether conn's leg is already TLS-protected: a
// PerformFullAuth request is answered with a plaintext password only when
// it is, otherwise the router requests the server's RSA public key and
// sends a nonce-XORed, RSA-OAEP-encrypted password instead (spec §4.G).
func DrainExchange(conn ServerConn, method string, nonce []byte, password string, secure bool) error {
	for {
		pkt, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("classicauth: reading auth result: %w", err)
		}
		if len(pkt) == 0 {
			return fmt.Errorf("classicauth: empty auth result")
		}
		switch pkt[0] {
		case message.HeaderOK:
			return nil
		case message.HeaderAuthSwitch:
			sw, err := message.DecodeAuthMethodSwitch(pkt)
			if err != nil {
				return fmt.Errorf("classicauth: %w", err)
			}
			method = sw.PluginName
			nonce = sw.PluginData
			switchResp := computeResponse(method, nonce, password)
			if err := conn.Send(switchResp); err != nil {
				return fmt.Errorf("classicauth: sending switched-method response: %w", err)
			}
		case message.HeaderAuthMoreData:
			if IsFastAuthDone(pkt[1:]) {
				continue
			}
			if IsPerformFullAuth(pkt[1:]) {
				if secure {
					// Full auth over an already-secure channel: send the
					// plaintext password NUL-terminated, as the router's own
					// client-facing leg does in the caching-sha2 plaintext
					// capture path (spec §4.E).
					plain := append([]byte(password), 0)
					if err := conn.Send(plain); err != nil {
						return fmt.Errorf("classicauth: sending full-auth plaintext: %w", err)
					}
					continue
				}
				if err := sendEncryptedPassword(conn, publicKeyRequestByte(method), nonce, password); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("classicauth: unsupported AuthMoreData payload")
		case message.HeaderErr:
			e, _ := message.DecodeErr(pkt, true)
			return fmt.Errorf("classicauth: server rejected auth: %s", e.Message)
		default:
			return fmt.Errorf("classicauth: unexpected auth response byte 0x%02x", pkt[0])
		}
	}
}

// publicKeyRequestByte picks the method-specific marker a full-auth
// request is answered with when the connection isn't already TLS: 0x02
// for caching_sha2_password, 0x01 for sha256_password.
func publicKeyRequestByte(method string) byte {
	if method == MethodSha256 {
		return Sha256PublicKeyRequest
	}
	return CachingSHA2PublicKeyRequest
}

// sendEncryptedPassword requests the server's RSA public key over a
// plaintext leg and answers with the nonce-XORed, RSA-OAEP-encrypted
// password (spec §4.G, scenario 3).
func sendEncryptedPassword(conn ServerConn, requestByte byte, nonce []byte, password string) error {
	if err := conn.Send([]byte{requestByte}); err != nil {
		return fmt.Errorf("classicauth: requesting server public key: %w", err)
	}
	pkt, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("classicauth: reading server public key: %w", err)
	}
	pemBlock := pkt
	if len(pkt) > 0 && pkt[0] == message.HeaderAuthMoreData {
		pemBlock = pkt[1:]
	}
	ciphertext, err := EncryptPasswordWithPublicKey(pemBlock, password, nonce)
	if err != nil {
		return fmt.Errorf("classicauth: encrypting password with server public key: %w", err)
	}
	if err := conn.Send(ciphertext); err != nil {
		return fmt.Errorf("classicauth: sending encrypted password: %w", err)
	}
	return nil
}

func computeResponse(method string, nonce []byte, password string) []byte {
	switch method {
	case MethodNativePassword:
		return ScrambleNative(nonce, password)
	case MethodCachingSHA2:
		return ScrambleCachingSHA2(nonce, password)
	case MethodSha256:
		return ScrambleSha256(nonce, password)
	case MethodClearPassword:
		return append([]byte(password), 0)
	default:
		return nil
	}
}
