// Package classicauth implements the classic-protocol authentication
// forwarders: mysql_native_password, caching_sha2_password (including its
// fast-auth/full-auth and RSA public-key exchange), sha256_password, and
// mysql_clear_password, plus the COM_CHANGE_USER forwarding path.
package classicauth

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// ScrambleNative computes the mysql_native_password response:
// SHA1(password) XOR SHA1(nonce || SHA1(SHA1(password))).
// An empty password scrambles to an empty response, matching the
// original's "hash of empty password is empty" rule.
func ScrambleNative(nonce []byte, password string) []byte {
	return scramble(nonce, password, sha1.New, true)
}

// ScrambleCachingSHA2 computes the caching_sha2_password fast-auth
// response: SHA256(password) XOR SHA256(SHA256(SHA256(password)) || nonce).
func ScrambleCachingSHA2(nonce []byte, password string) []byte {
	return scramble(nonce, password, sha256.New, false)
}

// scramble implements the generic template from auth_digest.h:
// scramble<Ret, nonce_before_double_hashed_password>(nonce, password, digest).
func scramble(nonce []byte, password string, newHash func() hash.Hash, nonceBeforeDoubleHashed bool) []byte {
	if password == "" {
		return nil
	}
	h := newHash()
	h.Write([]byte(password))
	hashedPassword := h.Sum(nil)

	h = newHash()
	h.Write(hashedPassword)
	digest2 := h.Sum(nil)

	h = newHash()
	if nonceBeforeDoubleHashed {
		h.Write(nonce)
		h.Write(digest2)
	} else {
		h.Write(digest2)
		h.Write(nonce)
	}
	mask := h.Sum(nil)

	out := make([]byte, len(hashedPassword))
	for i := range out {
		out[i] = hashedPassword[i] ^ mask[i%len(mask)]
	}
	return out
}
