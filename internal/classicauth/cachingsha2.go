package classicauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Byte constants from classic_auth.h's client-side AuthCachingSha2Password:
// the public-key request marker and the two "what happens next" bytes the
// server sends after a failed fast-auth attempt.
const (
	CachingSHA2PublicKeyRequest byte = 0x02
	FastAuthDone                byte = 0x03
	PerformFullAuth             byte = 0x04
)

// Sha256PublicKeyRequest is classic_auth.h's AuthSha256Password request
// marker (distinct from caching-sha2's).
const Sha256PublicKeyRequest byte = 0x01

// IsFastAuthDone reports whether a single-byte AuthMoreData payload is the
// "fast auth succeeded" marker.
func IsFastAuthDone(data []byte) bool {
	return len(data) == 1 && data[0] == FastAuthDone
}

// IsPerformFullAuth reports whether a single-byte AuthMoreData payload
// asks the client to perform full (RSA or TLS-protected plaintext) auth.
func IsPerformFullAuth(data []byte) bool {
	return len(data) == 1 && data[0] == PerformFullAuth
}

// EncryptPasswordWithPublicKey XOR-obfuscates password against nonce then
// RSA-OAEP-SHA1-encrypts it with the server's public key, the full-auth
// path caching_sha2_password and sha256_password share when the
// connection isn't already TLS-protected.
func EncryptPasswordWithPublicKey(pemBlock []byte, password string, nonce []byte) ([]byte, error) {
	block, _ := pem.Decode(pemBlock)
	if block == nil {
		return nil, fmt.Errorf("classicauth: no PEM block in server public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("classicauth: parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("classicauth: server public key is not RSA")
	}

	obfuscated := xorWithNonce([]byte(password+"\x00"), nonce)
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, rsaPub, obfuscated, nil)
	if err != nil {
		return nil, fmt.Errorf("classicauth: RSA-OAEP encrypt: %w", err)
	}
	return ciphertext, nil
}

func xorWithNonce(password, nonce []byte) []byte {
	out := make([]byte, len(password))
	for i := range out {
		out[i] = password[i] ^ nonce[i%len(nonce)]
	}
	return out
}

// ScrambleSha256 is identical in shape to ScrambleCachingSHA2 — both use
// SHA-256 with the nonce appended after the double-hash — kept as a named
// function so call sites read by auth-method name.
func ScrambleSha256(nonce []byte, password string) []byte {
	return scramble(nonce, password, sha256.New, false)
}
