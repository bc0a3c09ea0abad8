package classicauth

import (
	"fmt"

	"github.com/mysqlrouter/routerd/internal/classic/message"
)

// ChangeUser sends a COM_CHANGE_USER to the backend for the given
// username/schema/method, reusing the backend's current nonce, and drives
// the resulting auth exchange: an AuthSwitchRequest is answered with a
// response recomputed for the new plugin and nonce, and a caching_sha2
// fast-auth-done marker is skipped. Unlike Forward, it does not answer a
// perform-full-auth request; that ends in an error. On success the caller is
// responsible for clearing the leg's prepared-statement table (spec
// §4.H), since that's ProtocolState bookkeeping, not a wire concern.
func ChangeUser(conn ServerConn, caps message.Capability, username, schema, method string, nonce []byte, password string, attrs message.ConnAttrs) error {
	resp := computeResponse(method, nonce, password)
	cu := message.ChangeUser{
		Username:       username,
		AuthResponse:   resp,
		Schema:         schema,
		AuthPluginName: method,
		Attrs:          attrs,
	}
	if err := conn.Send(message.EncodeChangeUser(caps, cu)); err != nil {
		return fmt.Errorf("classicauth: sending ChangeUser: %w", err)
	}

	for {
		pkt, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("classicauth: reading ChangeUser result: %w", err)
		}
		if len(pkt) == 0 {
			return fmt.Errorf("classicauth: empty ChangeUser result")
		}
		switch pkt[0] {
		case message.HeaderOK:
			return nil
		case message.HeaderAuthSwitch:
			sw, err := message.DecodeAuthMethodSwitch(pkt)
			if err != nil {
				return fmt.Errorf("classicauth: %w", err)
			}
			switchResp := computeResponse(sw.PluginName, sw.PluginData, password)
			if err := conn.Send(switchResp); err != nil {
				return fmt.Errorf("classicauth: sending ChangeUser switch response: %w", err)
			}
		case message.HeaderAuthMoreData:
			if IsFastAuthDone(pkt[1:]) {
				continue
			}
			return fmt.Errorf("classicauth: unsupported AuthMoreData payload during ChangeUser")
		case message.HeaderErr:
			e, _ := message.DecodeErr(pkt, true)
			return fmt.Errorf("classicauth: ChangeUser rejected: %s", e.Message)
		default:
			return fmt.Errorf("classicauth: unexpected ChangeUser response byte 0x%02x", pkt[0])
		}
	}
}
