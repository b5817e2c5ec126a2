package wire

import "bytes"

// Magic cookie wire patterns (spec.md §3 "Magic cookie"): a fixed 16-byte
// SOME/IP message, service=0xFFFF, length=8, protocol_version=1,
// client/session/interface_version/message_type/return_code all zero,
// distinguished only by method_id.
const (
	cookieMethodClient uint16 = 0x8000
	cookieMethodServer uint16 = 0x8001
)

var (
	// ClientCookie is sent by a client endpoint to let the server resync.
	ClientCookie = Encode(&Message{ServiceID: 0xFFFF, MethodID: cookieMethodClient, ProtoVersion: ProtocolVersion})
	// ServerCookie is sent by a server endpoint to let a client resync.
	ServerCookie = Encode(&Message{ServiceID: 0xFFFF, MethodID: cookieMethodServer, ProtoVersion: ProtocolVersion})
)

// IsCookie reports whether m is a magic cookie rather than application
// data; cookies are never delivered upward.
func IsCookie(m *Message) bool {
	return m.ServiceID == 0xFFFF && (m.MethodID == cookieMethodClient || m.MethodID == cookieMethodServer) && len(m.Payload) == 0
}

// ScanForCookie searches b for the next occurrence of either cookie
// pattern. It returns the byte offset immediately after the cookie (the
// resumption point) and true, or (0, false) if neither pattern appears.
// Used by the stream receive path (spec.md §4.1 "Magic-cookie detection")
// to re-align after an unparseable header.
func ScanForCookie(b []byte) (int, bool) {
	ci := bytes.Index(b, ClientCookie)
	si := bytes.Index(b, ServerCookie)
	switch {
	case ci < 0 && si < 0:
		return 0, false
	case ci < 0:
		return si + len(ServerCookie), true
	case si < 0:
		return ci + len(ClientCookie), true
	case ci < si:
		return ci + len(ClientCookie), true
	default:
		return si + len(ServerCookie), true
	}
}
