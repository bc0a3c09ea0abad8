package message

// ConnAttrs is an ordered key/value list, matching the classic-protocol
// connection-attributes encoding (alternating lenenc-string key/value
// pairs). Kept ordered (not a map) so re-encoding is byte-stable and so
// the append-then-reencode editing path in the server greetor (spec §4.F)
// is trivial.
type ConnAttrs struct {
	pairs [][2]string

	// raw holds the original wire blob when decoding it into pairs failed.
	// A non-nil raw takes priority on re-encode, so a client attribute blob
	// the router can't parse is still forwarded to the backend verbatim
	// instead of being silently dropped.
	raw []byte
}

// Append adds a key/value pair.
func (a *ConnAttrs) Append(key, value string) {
	a.pairs = append(a.pairs, [2]string{key, value})
}

// Pairs returns the underlying key/value pairs in insertion order.
func (a *ConnAttrs) Pairs() [][2]string { return a.pairs }

// SetRaw records blob as the attributes' original, undecoded wire form.
func (a *ConnAttrs) SetRaw(blob []byte) { a.raw = append([]byte(nil), blob...) }

// Raw returns the original wire blob and true if the attributes were never
// successfully decoded into pairs.
func (a *ConnAttrs) Raw() ([]byte, bool) { return a.raw, a.raw != nil }

// Get returns the first value for key, if present.
func (a *ConnAttrs) Get(key string) (string, bool) {
	for _, kv := range a.pairs {
		if kv[0] == key {
			return kv[1], true
		}
	}
	return "", false
}

// PasswordCapture records how (if at all) a client's password was
// captured during the handshake. At most one of Plaintext/Scrambled may
// be set, per spec §3's invariant; an empty password is still "captured".
type PasswordCapture struct {
	HavePlaintext bool
	Plaintext     string
	HaveScrambled bool
	Scrambled     []byte
}

// ProtocolState tracks the per-leg handshake and session state described
// in spec §3. One instance exists for the client leg and one for the
// (possibly absent) server leg of a connection.
type ProtocolState struct {
	Seq byte // current message seq-id for this leg, wraps mod 256

	ClientCapabilities Capability
	ServerCapabilities Capability
	SharedCapabilities Capability

	AuthMethodName string
	AuthMethodData []byte // the nonce/scramble-seed

	Password PasswordCapture

	Username string
	Schema   string
	Attrs    ConnAttrs

	StatusFlags uint16

	PreparedStatements map[uint32]struct{}

	ServerGreetingReceived bool

	// ClientTLSCipherSuite and ClientTLSVersion describe the client leg's
	// negotiated TLS parameters, set by ClientGreetor when the client
	// upgraded to TLS. ServerGreetor forwards them to the backend as
	// _client_ssl_cipher/_client_ssl_version connection attributes
	// (spec §4.F).
	ClientTLSCipherSuite string
	ClientTLSVersion     string
}

// NewProtocolState returns a zero-value, ready-to-use ProtocolState.
func NewProtocolState() *ProtocolState {
	return &ProtocolState{PreparedStatements: make(map[uint32]struct{})}
}

// NextSeq returns the current seq-id and advances the counter, wrapping
// modulo 256 per spec §4.A.
func (ps *ProtocolState) NextSeq() byte {
	s := ps.Seq
	ps.Seq++
	return s
}

// ResetSeq resets the seq-id counter to 0, as happens at the start of a
// new command round-trip.
func (ps *ProtocolState) ResetSeq() { ps.Seq = 0 }

// ComputeShared sets SharedCapabilities from the currently recorded
// Client/ServerCapabilities, enforcing spec §3's invariant.
func (ps *ProtocolState) ComputeShared() {
	ps.SharedCapabilities = Shared(ps.ClientCapabilities, ps.ServerCapabilities)
}

// CapturePlaintext records a plaintext password capture, clearing any
// prior scrambled capture per the "at most one" invariant.
func (ps *ProtocolState) CapturePlaintext(pwd string) {
	ps.Password = PasswordCapture{HavePlaintext: true, Plaintext: pwd}
}

// CaptureScrambled records a scrambled-password capture.
func (ps *ProtocolState) CaptureScrambled(scramble []byte) {
	ps.Password = PasswordCapture{HaveScrambled: true, Scrambled: scramble}
}

// ClearPreparedStatements empties the prepared-statement handle map, as
// happens on a successful COM_CHANGE_USER (spec §4.H).
func (ps *ProtocolState) ClearPreparedStatements() {
	ps.PreparedStatements = make(map[uint32]struct{})
}
