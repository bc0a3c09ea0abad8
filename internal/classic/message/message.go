// Package message implements the classic-protocol typed message layer:
// encoding and decoding of Greeting, AuthMethodSwitch/Data, Ok, Error,
// and ChangeUser payloads, branching on negotiated capabilities the way
// spec §4.B requires.
package message

import (
	"encoding/binary"
	"fmt"
)

// Packet type/marker bytes.
const (
	HeaderOK           byte = 0x00
	HeaderEOF          byte = 0xfe
	HeaderErr          byte = 0xff
	HeaderAuthSwitch   byte = 0xfe
	HeaderAuthMoreData byte = 0x01
	ComChangeUser      byte = 0x11
	ComQuit            byte = 0x01
)

// ServerGreeting is Protocol::Handshake (always protocol_version=10 per
// spec §4.B).
type ServerGreeting struct {
	ServerVersion  string
	ConnectionID   uint32
	AuthPluginData []byte // full nonce, part1(8) + part2, NUL already stripped
	Capabilities   Capability
	CharacterSet   byte
	StatusFlags    uint16
	AuthPluginName string
}

// EncodeServerGreeting builds the wire payload for a Protocol::Handshake v10.
func EncodeServerGreeting(g ServerGreeting) []byte {
	buf := make([]byte, 0, 64+len(g.ServerVersion)+len(g.AuthPluginData))
	buf = append(buf, 0x0a)
	buf = append(buf, g.ServerVersion...)
	buf = append(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, g.ConnectionID)

	part1 := g.AuthPluginData
	if len(part1) > 8 {
		part1 = part1[:8]
	}
	buf = append(buf, pad(part1, 8)...)
	buf = append(buf, 0) // filler

	capLow := uint16(g.Capabilities)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, g.CharacterSet)
	buf = append(buf, byte(g.StatusFlags), byte(g.StatusFlags>>8))
	capHigh := uint16(g.Capabilities >> 16)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))

	var part2 []byte
	if len(g.AuthPluginData) > 8 {
		part2 = g.AuthPluginData[8:]
	}
	// auth_plugin_data_len: total length including the trailing NUL, or 0
	// when plugin_auth isn't advertised (then it's a fixed 0x00 byte).
	if g.Capabilities.Has(CapPluginAuth) {
		buf = append(buf, byte(len(g.AuthPluginData)+1))
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, make([]byte, 10)...) // reserved

	part2Padded := part2
	if len(part2Padded) < 12 {
		part2Padded = pad(part2Padded, 12)
	}
	buf = append(buf, part2Padded...)
	buf = append(buf, 0) // NUL terminator of auth-plugin-data

	if g.Capabilities.Has(CapPluginAuth) {
		buf = append(buf, g.AuthPluginName...)
		buf = append(buf, 0)
	}
	return buf
}

// DecodeServerGreeting parses a Protocol::Handshake v10 payload.
func DecodeServerGreeting(payload []byte) (ServerGreeting, error) {
	var g ServerGreeting
	if len(payload) < 1 || payload[0] != 0x0a {
		return g, fmt.Errorf("message: unsupported handshake protocol version")
	}
	pos := 1
	end := indexByte(payload, pos, 0)
	if end < 0 {
		return g, fmt.Errorf("message: truncated server version")
	}
	g.ServerVersion = string(payload[pos:end])
	pos = end + 1

	if pos+4 > len(payload) {
		return g, fmt.Errorf("message: truncated connection id")
	}
	g.ConnectionID = binary.LittleEndian.Uint32(payload[pos : pos+4])
	pos += 4

	if pos+8 > len(payload) {
		return g, fmt.Errorf("message: truncated auth-plugin-data part 1")
	}
	authData := append([]byte(nil), payload[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(payload) {
		return g, fmt.Errorf("message: truncated capability flags (low)")
	}
	capLow := binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2

	if pos+3 > len(payload) {
		return g, fmt.Errorf("message: truncated charset/status")
	}
	g.CharacterSet = payload[pos]
	g.StatusFlags = binary.LittleEndian.Uint16(payload[pos+1 : pos+3])
	pos += 3

	if pos+2 > len(payload) {
		return g, fmt.Errorf("message: truncated capability flags (high)")
	}
	capHigh := binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2
	g.Capabilities = Capability(uint32(capLow) | uint32(capHigh)<<16)

	var authLen int
	if pos < len(payload) {
		authLen = int(payload[pos])
	}
	pos++
	pos += 10 // reserved

	part2Len := authLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(payload) {
		part2Len = len(payload) - pos
	}
	if part2Len > 0 {
		part2 := payload[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len
	g.AuthPluginData = authData

	if g.Capabilities.Has(CapPluginAuth) && pos < len(payload) {
		end := indexByte(payload, pos, 0)
		if end < 0 {
			end = len(payload)
		}
		g.AuthPluginName = string(payload[pos:end])
	}
	return g, nil
}

// ClientGreeting is Protocol::HandshakeResponse, branching on protocol_41
// and connect_with_schema per spec §4.B.
type ClientGreeting struct {
	Capabilities   Capability
	MaxPacketSize  uint32
	CharacterSet   byte
	Username       string
	AuthResponse   []byte
	Schema         string
	AuthPluginName string
	Attrs          ConnAttrs
}

// EncodeClientGreeting builds a HandshakeResponse payload for caps.
func EncodeClientGreeting(caps Capability, g ClientGreeting) []byte {
	g.Capabilities = caps

	if !caps.Has(CapProtocol41) {
		// HandshakeResponse320: 2-byte capability_flags, 3-byte
		// max_packet_size, no character set field.
		buf := make([]byte, 0, 32+len(g.Username)+len(g.AuthResponse)+len(g.Schema))
		buf = append(buf, byte(caps), byte(caps>>8))
		buf = append(buf, byte(g.MaxPacketSize), byte(g.MaxPacketSize>>8), byte(g.MaxPacketSize>>16))
		buf = append(buf, g.Username...)
		buf = append(buf, 0)
		if caps.Has(CapConnectWithSchema) {
			buf = append(buf, g.AuthResponse...)
			buf = append(buf, 0)
			buf = append(buf, g.Schema...)
			buf = append(buf, 0)
		} else {
			buf = append(buf, g.AuthResponse...)
		}
		return buf
	}

	buf := make([]byte, 0, 64+len(g.Username)+len(g.AuthResponse)+len(g.Schema))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(caps))
	buf = binary.LittleEndian.AppendUint32(buf, g.MaxPacketSize)
	buf = append(buf, g.CharacterSet)
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, g.Username...)
	buf = append(buf, 0)

	switch {
	case caps.Has(CapAuthMethodDataVarint):
		buf = appendLenEncInt(buf, uint64(len(g.AuthResponse)))
		buf = append(buf, g.AuthResponse...)
	case caps.Has(CapSecureConnection):
		buf = append(buf, byte(len(g.AuthResponse)))
		buf = append(buf, g.AuthResponse...)
	default:
		buf = append(buf, g.AuthResponse...)
		buf = append(buf, 0)
	}

	if caps.Has(CapConnectWithSchema) {
		buf = append(buf, g.Schema...)
		buf = append(buf, 0)
	}
	if caps.Has(CapPluginAuth) {
		buf = append(buf, g.AuthPluginName...)
		buf = append(buf, 0)
	}
	if caps.Has(CapConnectAttrs) {
		buf = append(buf, EncodeConnAttrs(g.Attrs)...)
	}
	return buf
}

// SSLRequest is the truncated HandshakeResponse41 a protocol_41 client
// sends when it sets the ssl capability: capabilities, max-packet-size,
// and character-set only, no username — the router must complete a TLS
// handshake before the client resends the full ClientGreeting.
type SSLRequest struct {
	Capabilities  Capability
	MaxPacketSize uint32
	CharacterSet  byte
}

// sslRequestLen is the fixed wire length of an SSLRequest payload: 4 (caps)
// + 4 (max-packet-size) + 1 (charset) + 23 (reserved).
const sslRequestLen = 32

// EncodeSSLRequest builds the 32-byte SSLRequest payload.
func EncodeSSLRequest(r SSLRequest) []byte {
	buf := make([]byte, 0, sslRequestLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Capabilities))
	buf = binary.LittleEndian.AppendUint32(buf, r.MaxPacketSize)
	buf = append(buf, r.CharacterSet)
	buf = append(buf, make([]byte, 23)...)
	return buf
}

// DecodeSSLRequest parses an SSLRequest payload.
func DecodeSSLRequest(payload []byte) (SSLRequest, error) {
	var r SSLRequest
	if len(payload) < sslRequestLen {
		return r, fmt.Errorf("message: ssl request too short")
	}
	r.Capabilities = Capability(binary.LittleEndian.Uint32(payload[0:4]))
	r.MaxPacketSize = binary.LittleEndian.Uint32(payload[4:8])
	r.CharacterSet = payload[8]
	return r, nil
}

// DecodeClientGreeting parses a HandshakeResponse payload. protocol_41 is
// read from the first 2 bytes (shared layout of both the legacy and
// protocol_41 capability fields) to pick the rest of the layout.
func DecodeClientGreeting(payload []byte) (ClientGreeting, error) {
	var g ClientGreeting
	if len(payload) < 2 {
		return g, fmt.Errorf("message: handshake response too short")
	}
	capLow := Capability(binary.LittleEndian.Uint16(payload[0:2]))

	if !capLow.Has(CapProtocol41) {
		if len(payload) < 5 {
			return g, fmt.Errorf("message: legacy handshake response too short")
		}
		g.Capabilities = capLow
		g.MaxPacketSize = uint32(payload[2]) | uint32(payload[3])<<8 | uint32(payload[4])<<16
		pos := 5
		end := indexByte(payload, pos, 0)
		if end < 0 {
			return g, fmt.Errorf("message: truncated username")
		}
		g.Username = string(payload[pos:end])
		pos = end + 1
		if capLow.Has(CapConnectWithSchema) {
			end = indexByte(payload, pos, 0)
			if end < 0 {
				return g, fmt.Errorf("message: truncated auth response")
			}
			g.AuthResponse = append([]byte(nil), payload[pos:end]...)
			pos = end + 1
			end = indexByte(payload, pos, 0)
			if end < 0 {
				end = len(payload)
			}
			g.Schema = string(payload[pos:end])
			return g, nil
		}
		g.AuthResponse = append([]byte(nil), payload[pos:]...)
		return g, nil
	}

	if len(payload) < 32 {
		return g, fmt.Errorf("message: handshake response too short")
	}
	caps := Capability(binary.LittleEndian.Uint32(payload[0:4]))
	g.Capabilities = caps
	g.MaxPacketSize = binary.LittleEndian.Uint32(payload[4:8])
	g.CharacterSet = payload[8]
	pos := 32

	end := indexByte(payload, pos, 0)
	if end < 0 {
		return g, fmt.Errorf("message: truncated username")
	}
	g.Username = string(payload[pos:end])
	pos = end + 1

	switch {
	case caps.Has(CapAuthMethodDataVarint):
		n, adv, err := readLenEncInt(payload, pos)
		if err != nil {
			return g, fmt.Errorf("message: auth response length: %w", err)
		}
		pos += adv
		if pos+int(n) > len(payload) {
			return g, fmt.Errorf("message: truncated auth response")
		}
		g.AuthResponse = append([]byte(nil), payload[pos:pos+int(n)]...)
		pos += int(n)
	case caps.Has(CapSecureConnection):
		if pos >= len(payload) {
			return g, fmt.Errorf("message: truncated auth response length")
		}
		n := int(payload[pos])
		pos++
		if pos+n > len(payload) {
			return g, fmt.Errorf("message: truncated auth response")
		}
		g.AuthResponse = append([]byte(nil), payload[pos:pos+n]...)
		pos += n
	default:
		end := indexByte(payload, pos, 0)
		if end < 0 {
			end = len(payload)
		}
		g.AuthResponse = append([]byte(nil), payload[pos:end]...)
		pos = end
		if pos < len(payload) {
			pos++
		}
	}

	if caps.Has(CapConnectWithSchema) && pos < len(payload) {
		end := indexByte(payload, pos, 0)
		if end < 0 {
			end = len(payload)
		}
		g.Schema = string(payload[pos:end])
		pos = end
		if pos < len(payload) {
			pos++
		}
	}

	if caps.Has(CapPluginAuth) && pos < len(payload) {
		end := indexByte(payload, pos, 0)
		if end < 0 {
			end = len(payload)
		}
		g.AuthPluginName = string(payload[pos:end])
		pos = end
		if pos < len(payload) {
			pos++
		}
	}

	if caps.Has(CapConnectAttrs) && pos < len(payload) {
		attrs, err := DecodeConnAttrs(payload[pos:])
		if err != nil {
			// Malformed attrs blob: keep the greeting usable and forward the
			// original bytes to the backend verbatim (spec §4.F) instead of
			// rejecting the whole handshake over an attribute we don't need
			// to understand.
			attrs = ConnAttrs{}
			attrs.SetRaw(payload[pos:])
		}
		g.Attrs = attrs
	}

	return g, nil
}

// DecodeConnAttrs decodes a connection-attributes blob of alternating
// lenenc-string key/value pairs. The blob starts with the lenenc-int
// overall length prefix used on the wire, which is read first.
func DecodeConnAttrs(blob []byte) (ConnAttrs, error) {
	var attrs ConnAttrs
	total, adv, err := readLenEncInt(blob, 0)
	if err != nil {
		return attrs, err
	}
	pos := adv
	limit := pos + int(total)
	if limit > len(blob) {
		return attrs, fmt.Errorf("message: attrs blob shorter than declared length")
	}
	for pos < limit {
		key, adv, err := readLenEncString(blob, pos)
		if err != nil {
			return attrs, err
		}
		pos += adv
		val, adv, err := readLenEncString(blob, pos)
		if err != nil {
			return attrs, err
		}
		pos += adv
		attrs.Append(key, val)
	}
	if pos != limit {
		return attrs, fmt.Errorf("message: trailing garbage in attrs blob")
	}
	return attrs, nil
}

// EncodeConnAttrs re-encodes attrs as a lenenc-int-prefixed blob. If attrs
// carries a raw fallback (its original blob failed to decode into pairs),
// that blob is forwarded verbatim instead of re-encoding an empty set.
func EncodeConnAttrs(attrs ConnAttrs) []byte {
	if raw, ok := attrs.Raw(); ok {
		return append([]byte(nil), raw...)
	}
	var body []byte
	for _, kv := range attrs.Pairs() {
		body = appendLenEncString(body, kv[0])
		body = appendLenEncString(body, kv[1])
	}
	return append(appendLenEncInt(nil, uint64(len(body))), body...)
}

// AuthMethodSwitch is sent by the server to ask the client to use a
// different auth plugin, with fresh plugin data (usually a new nonce).
type AuthMethodSwitch struct {
	PluginName string
	PluginData []byte
}

// EncodeAuthMethodSwitch builds an AuthSwitchRequest payload.
func EncodeAuthMethodSwitch(s AuthMethodSwitch) []byte {
	buf := []byte{HeaderAuthSwitch}
	buf = append(buf, s.PluginName...)
	buf = append(buf, 0)
	buf = append(buf, s.PluginData...)
	return buf
}

// DecodeAuthMethodSwitch parses an AuthSwitchRequest payload (header byte
// 0xfe already verified by the caller).
func DecodeAuthMethodSwitch(payload []byte) (AuthMethodSwitch, error) {
	var s AuthMethodSwitch
	if len(payload) < 2 || payload[0] != HeaderAuthSwitch {
		return s, fmt.Errorf("message: not an AuthSwitchRequest")
	}
	end := indexByte(payload, 1, 0)
	if end < 0 {
		return s, fmt.Errorf("message: truncated plugin name")
	}
	s.PluginName = string(payload[1:end])
	data := payload[end+1:]
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	s.PluginData = append([]byte(nil), data...)
	return s, nil
}

// OK carries the fields of an OK_Packet relevant to the router (status
// flags drive transaction-boundary and session-tracking decisions).
type OK struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
	Info         string
	SessionState []byte // raw session-state-changes blob, if session_track shared
}

// EncodeOK builds an OK_Packet payload under the leg's shared
// capabilities — the mirror of DecodeOK, used when the router re-emits a
// backend's success to the client leg (whose shared caps may differ).
func EncodeOK(ok OK, shared Capability) []byte {
	buf := []byte{HeaderOK}
	buf = appendLenEncInt(buf, ok.AffectedRows)
	buf = appendLenEncInt(buf, ok.LastInsertID)
	if shared.Has(CapProtocol41) || shared.Has(CapTransactions) {
		buf = binary.LittleEndian.AppendUint16(buf, ok.StatusFlags)
	}
	if shared.Has(CapProtocol41) {
		buf = binary.LittleEndian.AppendUint16(buf, ok.Warnings)
	}
	if shared.Has(CapSessionTrack) {
		buf = appendLenEncString(buf, ok.Info)
		if ok.StatusFlags&0x4000 != 0 && ok.SessionState != nil {
			buf = appendLenEncString(buf, string(ok.SessionState))
		}
	} else {
		buf = append(buf, ok.Info...)
	}
	return buf
}

// DecodeOK parses an OK_Packet using the leg's shared capabilities.
func DecodeOK(payload []byte, shared Capability) (OK, error) {
	var ok OK
	if len(payload) < 1 || (payload[0] != HeaderOK && payload[0] != HeaderEOF) {
		return ok, fmt.Errorf("message: not an OK packet")
	}
	pos := 1
	n, adv, err := readLenEncInt(payload, pos)
	if err != nil {
		return ok, err
	}
	ok.AffectedRows = n
	pos += adv

	n, adv, err = readLenEncInt(payload, pos)
	if err != nil {
		return ok, err
	}
	ok.LastInsertID = n
	pos += adv

	if shared.Has(CapProtocol41) || shared.Has(CapTransactions) {
		if pos+2 > len(payload) {
			return ok, fmt.Errorf("message: truncated status flags")
		}
		ok.StatusFlags = binary.LittleEndian.Uint16(payload[pos : pos+2])
		pos += 2
	}
	if shared.Has(CapProtocol41) {
		if pos+2 > len(payload) {
			return ok, fmt.Errorf("message: truncated warnings")
		}
		ok.Warnings = binary.LittleEndian.Uint16(payload[pos : pos+2])
		pos += 2
	}

	if pos >= len(payload) {
		return ok, nil
	}

	if shared.Has(CapSessionTrack) {
		info, adv, err := readLenEncString(payload, pos)
		if err != nil {
			return ok, err
		}
		ok.Info = info
		pos += adv
		if pos < len(payload) && ok.StatusFlags&0x4000 != 0 { // SERVER_SESSION_STATE_CHANGED
			blob, adv, err := readLenEncString(payload, pos)
			if err != nil {
				return ok, err
			}
			ok.SessionState = []byte(blob)
			pos += adv
		}
	} else {
		ok.Info = string(payload[pos:])
	}
	return ok, nil
}

// Err carries the fields of an ERR_Packet.
type Err struct {
	Code     uint16
	SQLState string
	Message  string
}

// DecodeErr parses an ERR_Packet, honouring protocol_41's SQL-state marker.
func DecodeErr(payload []byte, protocol41 bool) (Err, error) {
	var e Err
	if len(payload) < 3 || payload[0] != HeaderErr {
		return e, fmt.Errorf("message: not an ERR packet")
	}
	e.Code = binary.LittleEndian.Uint16(payload[1:3])
	pos := 3
	if protocol41 && pos < len(payload) && payload[pos] == '#' {
		if pos+6 > len(payload) {
			return e, fmt.Errorf("message: truncated sql state")
		}
		e.SQLState = string(payload[pos+1 : pos+6])
		pos += 6
	}
	e.Message = string(payload[pos:])
	return e, nil
}

// ChangeUser is COM_CHANGE_USER (0x11).
type ChangeUser struct {
	Username       string
	AuthResponse   []byte
	Schema         string
	CharacterSet   uint16
	AuthPluginName string
	Attrs          ConnAttrs
}

// EncodeChangeUser builds a COM_CHANGE_USER payload for caps.
func EncodeChangeUser(caps Capability, c ChangeUser) []byte {
	buf := []byte{ComChangeUser}
	buf = append(buf, c.Username...)
	buf = append(buf, 0)

	if caps.Has(CapAuthMethodDataVarint) {
		buf = appendLenEncInt(buf, uint64(len(c.AuthResponse)))
		buf = append(buf, c.AuthResponse...)
	} else {
		buf = append(buf, byte(len(c.AuthResponse)))
		buf = append(buf, c.AuthResponse...)
	}

	buf = append(buf, c.Schema...)
	buf = append(buf, 0)
	buf = append(buf, byte(c.CharacterSet), byte(c.CharacterSet>>8))

	if caps.Has(CapPluginAuth) {
		buf = append(buf, c.AuthPluginName...)
		buf = append(buf, 0)
	}
	if caps.Has(CapConnectAttrs) {
		buf = append(buf, EncodeConnAttrs(c.Attrs)...)
	}
	return buf
}

// DecodeChangeUser parses a COM_CHANGE_USER payload (command byte 0x11
// already verified by the caller).
func DecodeChangeUser(payload []byte, caps Capability) (ChangeUser, error) {
	var c ChangeUser
	if len(payload) < 1 || payload[0] != ComChangeUser {
		return c, fmt.Errorf("message: not a ChangeUser command")
	}
	pos := 1
	end := indexByte(payload, pos, 0)
	if end < 0 {
		return c, fmt.Errorf("message: truncated username")
	}
	c.Username = string(payload[pos:end])
	pos = end + 1

	if caps.Has(CapAuthMethodDataVarint) {
		n, adv, err := readLenEncInt(payload, pos)
		if err != nil {
			return c, err
		}
		pos += adv
		if pos+int(n) > len(payload) {
			return c, fmt.Errorf("message: truncated auth response")
		}
		c.AuthResponse = append([]byte(nil), payload[pos:pos+int(n)]...)
		pos += int(n)
	} else {
		if pos >= len(payload) {
			return c, fmt.Errorf("message: truncated auth response length")
		}
		n := int(payload[pos])
		pos++
		if pos+n > len(payload) {
			return c, fmt.Errorf("message: truncated auth response")
		}
		c.AuthResponse = append([]byte(nil), payload[pos:pos+n]...)
		pos += n
	}

	end = indexByte(payload, pos, 0)
	if end < 0 {
		return c, fmt.Errorf("message: truncated schema")
	}
	c.Schema = string(payload[pos:end])
	pos = end + 1

	if pos+2 <= len(payload) {
		c.CharacterSet = binary.LittleEndian.Uint16(payload[pos : pos+2])
		pos += 2
	}

	if caps.Has(CapPluginAuth) && pos < len(payload) {
		end = indexByte(payload, pos, 0)
		if end < 0 {
			end = len(payload)
		}
		c.AuthPluginName = string(payload[pos:end])
		pos = end
		if pos < len(payload) {
			pos++
		}
	}

	if caps.Has(CapConnectAttrs) && pos < len(payload) {
		attrs, err := DecodeConnAttrs(payload[pos:])
		if err != nil {
			attrs = ConnAttrs{}
			attrs.SetRaw(payload[pos:])
		}
		c.Attrs = attrs
	}
	return c, nil
}

func pad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func indexByte(b []byte, from int, target byte) int {
	for i := from; i < len(b); i++ {
		if b[i] == target {
			return i
		}
	}
	return -1
}
