package wire

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
)

// SD fixed addressing, per original_source/implementation/service_discovery/
// include/defines.hpp: SD runs as an ordinary SOME/IP message with these
// fixed identifiers.
const (
	SDServiceID  uint16 = 0xFFFF
	SDInstanceID uint16 = 0x0000
	SDMethodID   uint16 = 0x8100
	SDClientID   uint16 = 0x0000
)

// SD defaults, confirmed against defines.hpp.
const (
	SDDefaultMulticastAddr = "224.224.224.0"
	SDDefaultPort          = 30490
)

// EntryType enumerates the logical SD entry kinds of spec.md §3. StopOffer
// and StopSubscribe share their wire type byte with OfferService and
// SubscribeEventgroup respectively, distinguished only by ttl==0 — callers
// never see the wire type byte directly.
type EntryType uint8

const (
	EntryFindService EntryType = iota
	EntryOfferService
	EntryStopOfferService
	EntrySubscribeEventgroup
	EntrySubscribeEventgroupAck
	EntrySubscribeEventgroupNack
	EntryStopSubscribe
)

func (t EntryType) String() string {
	switch t {
	case EntryFindService:
		return "FindService"
	case EntryOfferService:
		return "OfferService"
	case EntryStopOfferService:
		return "StopOfferService"
	case EntrySubscribeEventgroup:
		return "SubscribeEventgroup"
	case EntrySubscribeEventgroupAck:
		return "SubscribeEventgroupAck"
	case EntrySubscribeEventgroupNack:
		return "SubscribeEventgroupNack"
	case EntryStopSubscribe:
		return "StopSubscribe"
	}
	return "unknown"
}

// wire type bytes, per SOME/IP-SD.
const (
	wireTypeFind      uint8 = 0x00 // FindService
	wireTypeOffer     uint8 = 0x01 // Offer/StopOffer (ttl discriminates)
	wireTypeEventgrp  uint8 = 0x06 // Subscribe/StopSubscribe (ttl discriminates)
	wireTypeEventgrpA uint8 = 0x07 // SubscribeAck/Nack (ttl discriminates)
)

const (
	entrySize  = 16
	optionHdrSize = 3
)

// Entry is a decoded SD entry (spec.md §3 "SD service entry").
type Entry struct {
	Type         EntryType
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	MinorVersion uint32 // service entries only
	TTL          uint32 // 24-bit on the wire
	EventgroupID uint16 // eventgroup entries only
	Counter      uint8  // low nibble of the reserved byte, eventgroup entries only
	Options1     []int  // indices into the datagram's option array
	Options2     []int
}

func isServiceEntry(t EntryType) bool {
	return t == EntryFindService || t == EntryOfferService || t == EntryStopOfferService
}

// EncodeEntry serializes e as a 16-byte SD entry. opt1Index/opt2Index are
// the starting indices into the option run for this entry's two option
// runs, opt1Count/opt2Count their lengths (0-15, the wire nibble width).
func EncodeEntry(e *Entry, opt1Index, opt1Count, opt2Index, opt2Count int) []byte {
	buf := make([]byte, entrySize)
	switch e.Type {
	case EntryFindService:
		buf[0] = wireTypeFind
	case EntryOfferService, EntryStopOfferService:
		buf[0] = wireTypeOffer
	case EntrySubscribeEventgroup, EntryStopSubscribe:
		buf[0] = wireTypeEventgrp
	case EntrySubscribeEventgroupAck, EntrySubscribeEventgroupNack:
		buf[0] = wireTypeEventgrpA
	}
	buf[1] = byte(opt1Index)
	buf[2] = byte(opt2Index)
	buf[3] = byte(opt1Count&0x0F)<<4 | byte(opt2Count&0x0F)
	binary.BigEndian.PutUint16(buf[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(buf[6:8], e.InstanceID)
	buf[8] = e.MajorVersion
	putUint24(buf[9:12], e.TTL)
	if isServiceEntry(e.Type) {
		binary.BigEndian.PutUint32(buf[12:16], e.MinorVersion)
	} else {
		buf[12] = e.Counter & 0x0F
		binary.BigEndian.PutUint16(buf[13:15], e.EventgroupID)
		// buf[15] reserved, left zero
	}
	return buf
}

// DecodeEntry parses one 16-byte SD entry.
func DecodeEntry(b []byte) (*Entry, error) {
	if len(b) < entrySize {
		return nil, ErrShortHeader
	}
	e := &Entry{
		ServiceID:    binary.BigEndian.Uint16(b[4:6]),
		InstanceID:   binary.BigEndian.Uint16(b[6:8]),
		MajorVersion: b[8],
		TTL:          getUint24(b[9:12]),
		Options1:     optionRange(int(b[1]), int(b[3]>>4)),
		Options2:     optionRange(int(b[2]), int(b[3]&0x0F)),
	}
	switch b[0] {
	case wireTypeFind:
		e.Type = EntryFindService
		e.MinorVersion = binary.BigEndian.Uint32(b[12:16])
	case wireTypeOffer:
		e.MinorVersion = binary.BigEndian.Uint32(b[12:16])
		switch {
		case e.TTL == 0:
			e.Type = EntryStopOfferService
		default:
			e.Type = EntryOfferService
		}
	case wireTypeEventgrp:
		e.Counter = b[12] & 0x0F
		e.EventgroupID = binary.BigEndian.Uint16(b[13:15])
		if e.TTL == 0 {
			e.Type = EntryStopSubscribe
		} else {
			e.Type = EntrySubscribeEventgroup
		}
	case wireTypeEventgrpA:
		e.Counter = b[12] & 0x0F
		e.EventgroupID = binary.BigEndian.Uint16(b[13:15])
		if e.TTL == 0 {
			e.Type = EntrySubscribeEventgroupNack
		} else {
			e.Type = EntrySubscribeEventgroupAck
		}
	default:
		return nil, ErrMalformed
	}
	return e, nil
}

// FindService entries carry no minor version constraint narrower than
// "any"; OfferService/StopOffer differ only by ttl==0 on the wire, so
// construction helpers set that up explicitly rather than leaving callers
// to remember it.
func NewFindServiceEntry(serviceID, instanceID uint16, majorVersion uint8, minorVersion uint32) *Entry {
	return &Entry{Type: EntryFindService, ServiceID: serviceID, InstanceID: instanceID, MajorVersion: majorVersion, MinorVersion: minorVersion}
}

func NewOfferServiceEntry(serviceID, instanceID uint16, majorVersion uint8, minorVersion uint32, ttl uint32) *Entry {
	t := EntryOfferService
	if ttl == 0 {
		t = EntryStopOfferService
	}
	return &Entry{Type: t, ServiceID: serviceID, InstanceID: instanceID, MajorVersion: majorVersion, MinorVersion: minorVersion, TTL: ttl}
}

func NewSubscribeEventgroupEntry(serviceID, instanceID uint16, majorVersion uint8, eventgroupID uint16, ttl uint32, counter uint8) *Entry {
	t := EntrySubscribeEventgroup
	if ttl == 0 {
		t = EntryStopSubscribe
	}
	return &Entry{Type: t, ServiceID: serviceID, InstanceID: instanceID, MajorVersion: majorVersion, EventgroupID: eventgroupID, TTL: ttl, Counter: counter}
}

func optionRange(start, count int) []int {
	if count == 0 {
		return nil
	}
	r := make([]int, count)
	for i := range r {
		r[i] = start + i
	}
	return r
}

// OptionType enumerates SD option kinds (spec.md §3 "SD option").
type OptionType uint8

const (
	OptionConfiguration   OptionType = 0x01
	OptionLoadBalancing   OptionType = 0x02
	OptionIPv4Endpoint    OptionType = 0x04
	OptionIPv4Multicast   OptionType = 0x14
	OptionIPv6Endpoint    OptionType = 0x06
	OptionIPv6Multicast   OptionType = 0x16
)

// L4Proto identifies the transport an endpoint option refers to.
type L4Proto uint8

const (
	L4TCP L4Proto = 0x06
	L4UDP L4Proto = 0x11
)

// Option is a decoded SD option.
type Option struct {
	Type    OptionType
	Addr    net.IP
	Proto   L4Proto
	Port    uint16
	Payload []byte // Configuration/LoadBalancing raw contents
}

// EncodeOption serializes one SD option, header included.
func EncodeOption(o *Option) []byte {
	switch o.Type {
	case OptionIPv4Endpoint, OptionIPv4Multicast:
		body := make([]byte, 9)
		copy(body[1:5], o.Addr.To4())
		body[6] = byte(o.Proto)
		binary.BigEndian.PutUint16(body[7:9], o.Port)
		return withHeader(o.Type, body)
	case OptionIPv6Endpoint, OptionIPv6Multicast:
		body := make([]byte, 21)
		copy(body[1:17], o.Addr.To16())
		body[18] = byte(o.Proto)
		binary.BigEndian.PutUint16(body[19:21], o.Port)
		return withHeader(o.Type, body)
	default:
		return withHeader(o.Type, o.Payload)
	}
}

func withHeader(t OptionType, body []byte) []byte {
	buf := make([]byte, optionHdrSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)+1)) // length covers type byte + body
	buf[2] = byte(t)
	copy(buf[3:], body)
	return buf
}

// DecodeOption parses one SD option from the front of b, returning the
// option and the number of bytes consumed.
func DecodeOption(b []byte) (*Option, int, error) {
	if len(b) < optionHdrSize {
		return nil, 0, ErrShortHeader
	}
	length := binary.BigEndian.Uint16(b[0:2])
	total := optionHdrSize - 1 + int(length) // length excludes itself, includes type byte
	if len(b) < total {
		return nil, 0, ErrShortPayload
	}
	o := &Option{Type: OptionType(b[2])}
	body := b[optionHdrSize:total]
	switch o.Type {
	case OptionIPv4Endpoint, OptionIPv4Multicast:
		if len(body) < 9 {
			return nil, 0, ErrMalformed
		}
		o.Addr = net.IP(append([]byte(nil), body[1:5]...))
		o.Proto = L4Proto(body[6])
		o.Port = binary.BigEndian.Uint16(body[7:9])
	case OptionIPv6Endpoint, OptionIPv6Multicast:
		if len(body) < 21 {
			return nil, 0, ErrMalformed
		}
		o.Addr = net.IP(append([]byte(nil), body[1:17]...))
		o.Proto = L4Proto(body[18])
		o.Port = binary.BigEndian.Uint16(body[19:21])
	default:
		o.Payload = append([]byte(nil), body...)
	}
	return o, total, nil
}

// SDFlags are the reboot/unicast-supported bits of the SD body header.
type SDFlags uint8

const (
	FlagReboot           SDFlags = 0x80
	FlagUnicastSupported SDFlags = 0x40
)

// SDMessage is a fully decoded SD datagram body (everything after the
// SOME/IP header): flags, entries, and options, per spec.md §6.
type SDMessage struct {
	Flags   SDFlags
	Entries []*Entry
	Options []*Option
}

// EncodeSD serializes the SD body. Entries reference options via the
// indices already stored on each Entry (set by the caller); this function
// does not deduplicate options.
func EncodeSD(m *SDMessage) []byte {
	var entriesBuf []byte
	for _, e := range m.Entries {
		o1s, o1c := 0, len(e.Options1)
		o2s, o2c := 0, len(e.Options2)
		if o1c > 0 {
			o1s = e.Options1[0]
		}
		if o2c > 0 {
			o2s = e.Options2[0]
		}
		entriesBuf = append(entriesBuf, EncodeEntry(e, o1s, o1c, o2s, o2c)...)
	}
	var optionsBuf []byte
	for _, o := range m.Options {
		optionsBuf = append(optionsBuf, EncodeOption(o)...)
	}

	buf := make([]byte, 4+4+len(entriesBuf)+4+len(optionsBuf))
	buf[0] = byte(m.Flags)
	// bytes 1-3 reserved, zero
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entriesBuf)))
	copy(buf[8:], entriesBuf)
	off := 8 + len(entriesBuf)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(optionsBuf)))
	copy(buf[off+4:], optionsBuf)
	return buf
}

// DecodeSD parses an SD body (the bytes following the fixed SOME/IP
// header on a message addressed to SDServiceID/SDMethodID).
func DecodeSD(b []byte) (*SDMessage, error) {
	if len(b) < 8 {
		return nil, ErrShortHeader
	}
	m := &SDMessage{Flags: SDFlags(b[0])}
	entriesLen := binary.BigEndian.Uint32(b[4:8])
	if len(b) < 8+int(entriesLen)+4 {
		return nil, ErrShortPayload
	}
	entriesBuf := b[8 : 8+entriesLen]
	for len(entriesBuf) >= entrySize {
		e, err := DecodeEntry(entriesBuf[:entrySize])
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, e)
		entriesBuf = entriesBuf[entrySize:]
	}

	off := 8 + int(entriesLen)
	optionsLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if len(b) < off+int(optionsLen) {
		return nil, ErrShortPayload
	}
	optionsBuf := b[off : off+int(optionsLen)]
	for len(optionsBuf) > 0 {
		o, n, err := DecodeOption(optionsBuf)
		if err != nil {
			return nil, err
		}
		m.Options = append(m.Options, o)
		optionsBuf = optionsBuf[n:]
	}
	return m, nil
}

// SDLayerType registers the SD body as a gopacket layer, the same
// registration/dispatch style the teacher's pim package uses for its own
// TLV-based control protocol (gopacket.RegisterLayerType +
// gopacket.DecodeFunc), rewired here to SOME/IP-SD's entry/option framing
// instead of PIM's.
var SDLayerType = gopacket.RegisterLayerType(1667, gopacket.LayerTypeMetadata{Name: "SOMEIP-SD", Decoder: gopacket.DecodeFunc(decodeSDLayer)})

// SDLayer adapts *SDMessage to gopacket.Layer so an SD datagram can be fed
// through a gopacket.PacketBuilder chain alongside the SOME/IP header.
type SDLayer struct {
	*SDMessage
	contents []byte
}

func (l *SDLayer) LayerType() gopacket.LayerType { return SDLayerType }
func (l *SDLayer) LayerContents() []byte         { return l.contents }
func (l *SDLayer) LayerPayload() []byte          { return nil }

func decodeSDLayer(data []byte, p gopacket.PacketBuilder) error {
	msg, err := DecodeSD(data)
	if err != nil {
		return err
	}
	p.AddLayer(&SDLayer{SDMessage: msg, contents: data})
	return nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
