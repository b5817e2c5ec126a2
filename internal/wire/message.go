// Package wire implements the SOME/IP and SOME/IP-SD wire formats: pure
// encode/decode with no I/O and no state. All multi-byte fields are
// network byte order (big-endian).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size, in bytes, of the fixed SOME/IP header that
// precedes every message's payload.
const HeaderSize = 16

// Identifier widths, per the data model: service/instance/method/event,
// client and session IDs are all 16-bit on the wire; TTL is 24-bit on the
// wire but stored widened to 32-bit.
type (
	ServiceID    = uint16
	InstanceID   = uint16
	MethodID     = uint16
	EventID      = uint16
	ClientID     = uint16
	SessionID    = uint16
	EventgroupID = uint16
)

// EventIDFlag is the bit that marks a method_id as an event id (bit 15 set).
const EventIDFlag uint16 = 0x8000

// IsEvent reports whether id carries the event bit, per utility::is_event.
func IsEvent(id uint16) bool { return id&EventIDFlag != 0 }

// MessageType enumerates the SOME/IP message types. Values match the
// upstream vsomeip enumeration exactly (confirmed against
// utility::is_request's range checks): ACK variants are interleaved with
// their non-ACK counterparts rather than numbered sequentially.
type MessageType uint8

const (
	TypeRequest            MessageType = 0x00
	TypeRequestNoReturn     MessageType = 0x01
	TypeNotification       MessageType = 0x02
	TypeRequestAck          MessageType = 0x40
	TypeRequestNoReturnAck  MessageType = 0x41
	TypeNotificationAck     MessageType = 0x42
	TypeResponse            MessageType = 0x80
	TypeError               MessageType = 0x81
	TypeResponseAck         MessageType = 0xC0
	TypeErrorAck            MessageType = 0xC1
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeRequestNoReturn:
		return "REQUEST_NO_RETURN"
	case TypeNotification:
		return "NOTIFICATION"
	case TypeRequestAck:
		return "REQUEST_ACK"
	case TypeRequestNoReturnAck:
		return "REQUEST_NO_RETURN_ACK"
	case TypeNotificationAck:
		return "NOTIFICATION_ACK"
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeResponseAck:
		return "RESPONSE_ACK"
	case TypeErrorAck:
		return "ERROR_ACK"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// IsRequest mirrors utility::is_request: plain requests, plus the ACK
// variants of request/request-no-return.
func (t MessageType) IsRequest() bool {
	return t < TypeNotification || (t >= TypeRequestAck && t <= TypeRequestNoReturnAck)
}

// IsRequestNoReturn mirrors utility::is_request_no_return.
func (t MessageType) IsRequestNoReturn() bool {
	return t == TypeRequestNoReturn || t == TypeRequestNoReturnAck
}

// IsNotification mirrors utility::is_notification.
func (t MessageType) IsNotification() bool { return t == TypeNotification }

// ReturnCode enumerates a few SOME/IP return_code values; the routing core
// does not branch on any of them, and return codes pass through untouched.
type ReturnCode uint8

const (
	ReturnOK       ReturnCode = 0x00
	ReturnNotOK    ReturnCode = 0x01
	ReturnNotReady ReturnCode = 0x05
)

// ProtocolVersion is the fixed SOME/IP protocol version this core speaks.
const ProtocolVersion uint8 = 1

// Errors surfaced by the wire codec (spec.md §7 error kinds).
var (
	ErrShortHeader  = errors.New("wire: message shorter than header")
	ErrTooLarge     = errors.New("wire: message exceeds configured maximum size")
	ErrMalformed    = errors.New("wire: malformed message")
	ErrShortPayload = errors.New("wire: declared length exceeds available bytes")
)

// Message is a decoded SOME/IP message.
type Message struct {
	ServiceID    uint16
	MethodID     uint16 // method id, or event id when EventIDFlag is set
	ClientID     uint16
	SessionID    uint16
	ProtoVersion uint8
	IfaceVersion uint8
	Type         MessageType
	ReturnCode   ReturnCode
	Payload      []byte
}

// IsEvent reports whether this message addresses an event (notification).
func (m *Message) IsEvent() bool { return IsEvent(m.MethodID) }

// length returns the wire "length" field: 8 (client_id..return_code plus
// the method/request id pairing) covering request_id onward through the
// payload, per spec.md §3: length = 8 + |payload|.
func (m *Message) length() uint32 { return 8 + uint32(len(m.Payload)) }

// TotalSize returns the full wire size of m, header included.
func (m *Message) TotalSize() int { return 8 + int(m.length()) }

// Encode serializes m into its wire representation.
func Encode(m *Message) []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	be := binary.BigEndian
	be.PutUint16(buf[0:2], m.ServiceID)
	be.PutUint16(buf[2:4], m.MethodID)
	be.PutUint32(buf[4:8], m.length())
	be.PutUint16(buf[8:10], m.ClientID)
	be.PutUint16(buf[10:12], m.SessionID)
	buf[12] = m.ProtoVersion
	buf[13] = m.IfaceVersion
	buf[14] = byte(m.Type)
	buf[15] = byte(m.ReturnCode)
	copy(buf[16:], m.Payload)
	return buf
}

// MessageSize inspects the 8-byte boundary prefix of a byte stream and
// returns the total wire size (header + payload) the message occupies,
// without requiring the full message to be present. Returns
// (0, false) if fewer than 8 bytes are available.
func MessageSize(b []byte) (int, bool) {
	if len(b) < 8 {
		return 0, false
	}
	length := binary.BigEndian.Uint32(b[4:8])
	return 8 + int(length), true
}

// Decode parses a single complete SOME/IP message from b. maxSize is the
// configured ceiling for the bound endpoint (spec.md §4.1); exceeding it
// yields ErrTooLarge. b must contain at least one full message; trailing
// bytes beyond the message are ignored (the caller re-slices for the next
// message, matching back-to-back UDP/TCP framing).
func Decode(b []byte, maxSize int) (*Message, int, error) {
	total, ok := MessageSize(b)
	if !ok {
		return nil, 0, ErrShortHeader
	}
	if maxSize > 0 && total > maxSize {
		return nil, 0, ErrTooLarge
	}
	if len(b) < total {
		return nil, 0, ErrShortPayload
	}
	if total < HeaderSize {
		return nil, 0, ErrMalformed
	}
	be := binary.BigEndian
	m := &Message{
		ServiceID:    be.Uint16(b[0:2]),
		MethodID:     be.Uint16(b[2:4]),
		ClientID:     be.Uint16(b[8:10]),
		SessionID:    be.Uint16(b[10:12]),
		ProtoVersion: b[12],
		IfaceVersion: b[13],
		Type:         MessageType(b[14]),
		ReturnCode:   ReturnCode(b[15]),
	}
	if total > HeaderSize {
		m.Payload = append([]byte(nil), b[HeaderSize:total]...)
	}
	return m, total, nil
}
