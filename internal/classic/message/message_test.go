package message

import (
	"bytes"
	"testing"
)

func TestServerGreetingRoundTrip(t *testing.T) {
	want := ServerGreeting{
		ServerVersion:  "8.0.99-router",
		ConnectionID:   42,
		AuthPluginData: bytes.Repeat([]byte{'n'}, 20),
		Capabilities:   RouterAdvertised | CapSSL,
		CharacterSet:   0x2d,
		StatusFlags:    0x0002,
		AuthPluginName: "caching_sha2_password",
	}
	payload := EncodeServerGreeting(want)
	got, err := DecodeServerGreeting(payload)
	if err != nil {
		t.Fatalf("DecodeServerGreeting: %v", err)
	}
	if got.ServerVersion != want.ServerVersion {
		t.Fatalf("ServerVersion = %q, want %q", got.ServerVersion, want.ServerVersion)
	}
	if got.ConnectionID != want.ConnectionID {
		t.Fatalf("ConnectionID = %d, want %d", got.ConnectionID, want.ConnectionID)
	}
	if !bytes.Equal(got.AuthPluginData, want.AuthPluginData) {
		t.Fatalf("AuthPluginData = %x, want %x", got.AuthPluginData, want.AuthPluginData)
	}
	if got.Capabilities != want.Capabilities {
		t.Fatalf("Capabilities = %#x, want %#x", got.Capabilities, want.Capabilities)
	}
	if got.AuthPluginName != want.AuthPluginName {
		t.Fatalf("AuthPluginName = %q, want %q", got.AuthPluginName, want.AuthPluginName)
	}
}

func TestClientGreetingRoundTripProtocol41(t *testing.T) {
	caps := CapProtocol41 | CapSecureConnection | CapPluginAuth | CapConnectWithSchema | CapConnectAttrs
	var attrs ConnAttrs
	attrs.Append("_client_name", "libmysql")

	want := ClientGreeting{
		MaxPacketSize:  16777216,
		CharacterSet:   0x2d,
		Username:       "alice",
		AuthResponse:   bytes.Repeat([]byte{0xaa}, 20),
		Schema:         "testdb",
		AuthPluginName: "mysql_native_password",
		Attrs:          attrs,
	}
	payload := EncodeClientGreeting(caps, want)
	got, err := DecodeClientGreeting(payload)
	if err != nil {
		t.Fatalf("DecodeClientGreeting: %v", err)
	}
	if got.Username != want.Username {
		t.Fatalf("Username = %q, want %q", got.Username, want.Username)
	}
	if !bytes.Equal(got.AuthResponse, want.AuthResponse) {
		t.Fatalf("AuthResponse = %x, want %x", got.AuthResponse, want.AuthResponse)
	}
	if got.Schema != want.Schema {
		t.Fatalf("Schema = %q, want %q", got.Schema, want.Schema)
	}
	if got.AuthPluginName != want.AuthPluginName {
		t.Fatalf("AuthPluginName = %q, want %q", got.AuthPluginName, want.AuthPluginName)
	}
	v, ok := got.Attrs.Get("_client_name")
	if !ok || v != "libmysql" {
		t.Fatalf("Attrs[_client_name] = %q, %v, want %q, true", v, ok, "libmysql")
	}
}

func TestClientGreetingRoundTripLegacy(t *testing.T) {
	want := ClientGreeting{
		CharacterSet: 0x08,
		Username:     "bob",
		AuthResponse: []byte("scrambled"),
	}
	payload := EncodeClientGreeting(0, want)
	got, err := DecodeClientGreeting(payload)
	if err != nil {
		t.Fatalf("DecodeClientGreeting: %v", err)
	}
	if got.Username != want.Username {
		t.Fatalf("Username = %q, want %q", got.Username, want.Username)
	}
	if string(got.AuthResponse) != string(want.AuthResponse) {
		t.Fatalf("AuthResponse = %q, want %q", got.AuthResponse, want.AuthResponse)
	}
}

func TestAuthMethodSwitchRoundTrip(t *testing.T) {
	want := AuthMethodSwitch{PluginName: "caching_sha2_password", PluginData: []byte("0123456789012345678")}
	payload := EncodeAuthMethodSwitch(want)
	got, err := DecodeAuthMethodSwitch(payload)
	if err != nil {
		t.Fatalf("DecodeAuthMethodSwitch: %v", err)
	}
	if got.PluginName != want.PluginName {
		t.Fatalf("PluginName = %q, want %q", got.PluginName, want.PluginName)
	}
	if !bytes.Equal(got.PluginData, want.PluginData) {
		t.Fatalf("PluginData = %x, want %x", got.PluginData, want.PluginData)
	}
}

func TestDecodeOKStatusFlags(t *testing.T) {
	// 0x00 + affected_rows(1B lenenc) + last_insert_id(1B lenenc) + status_flags(2) + warnings(2)
	pkt := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	ok, err := DecodeOK(pkt, CapProtocol41)
	if err != nil {
		t.Fatalf("DecodeOK: %v", err)
	}
	if ok.StatusFlags != 0x0002 {
		t.Fatalf("StatusFlags = %#x, want 0x0002", ok.StatusFlags)
	}
}

func TestDecodeErrWithSQLState(t *testing.T) {
	pkt := []byte{0xff, 0x15, 0x04, '#', 'H', 'Y', '0', '0', '0'}
	pkt = append(pkt, []byte("Access denied")...)
	e, err := DecodeErr(pkt, true)
	if err != nil {
		t.Fatalf("DecodeErr: %v", err)
	}
	if e.Code != 0x0415 {
		t.Fatalf("Code = %#x, want 0x0415", e.Code)
	}
	if e.SQLState != "HY000" {
		t.Fatalf("SQLState = %q, want HY000", e.SQLState)
	}
	if e.Message != "Access denied" {
		t.Fatalf("Message = %q, want %q", e.Message, "Access denied")
	}
}

func TestDecodeErrLegacyNoSQLState(t *testing.T) {
	pkt := []byte{0xff, 0x15, 0x04}
	pkt = append(pkt, []byte("Access denied")...)
	e, err := DecodeErr(pkt, false)
	if err != nil {
		t.Fatalf("DecodeErr: %v", err)
	}
	if e.SQLState != "" {
		t.Fatalf("SQLState = %q, want empty", e.SQLState)
	}
	if e.Message != "Access denied" {
		t.Fatalf("Message = %q, want %q", e.Message, "Access denied")
	}
}

func TestChangeUserRoundTrip(t *testing.T) {
	caps := CapPluginAuth | CapConnectAttrs
	var attrs ConnAttrs
	attrs.Append("program_name", "mysql")

	want := ChangeUser{
		Username:       "carol",
		AuthResponse:   []byte{1, 2, 3, 4},
		Schema:         "otherdb",
		CharacterSet:   0x21,
		AuthPluginName: "mysql_native_password",
		Attrs:          attrs,
	}
	payload := EncodeChangeUser(caps, want)
	got, err := DecodeChangeUser(payload, caps)
	if err != nil {
		t.Fatalf("DecodeChangeUser: %v", err)
	}
	if got.Username != want.Username {
		t.Fatalf("Username = %q, want %q", got.Username, want.Username)
	}
	if !bytes.Equal(got.AuthResponse, want.AuthResponse) {
		t.Fatalf("AuthResponse = %x, want %x", got.AuthResponse, want.AuthResponse)
	}
	if got.Schema != want.Schema {
		t.Fatalf("Schema = %q, want %q", got.Schema, want.Schema)
	}
	v, ok := got.Attrs.Get("program_name")
	if !ok || v != "mysql" {
		t.Fatalf("Attrs[program_name] = %q, %v, want %q, true", v, ok, "mysql")
	}
}

func TestLenEncIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 250, 251, 65535, 65536, 16777215, 16777216, 1 << 40}
	for _, v := range cases {
		b := appendLenEncInt(nil, v)
		got, consumed, err := readLenEncInt(b, 0)
		if err != nil {
			t.Fatalf("readLenEncInt(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("readLenEncInt(%d) = %d", v, got)
		}
		if consumed != len(b) {
			t.Fatalf("consumed = %d, want %d", consumed, len(b))
		}
	}
}
