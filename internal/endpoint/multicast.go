package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/covesa/someip-go/internal/wire"
)

// SDDeliver receives one decoded SD message read off a MulticastEndpoint.
// Its signature matches sd.Engine.HandleIncoming exactly, so a Engine's
// method value can be passed directly as the handler with no adapter.
type SDDeliver func(from net.Addr, multicast bool, sessionID uint16, reboot bool, msg *wire.SDMessage)

// MulticastEndpoint is the single UDP socket the SD engine sends and
// receives through: bound to the wildcard address with the SD multicast
// group joined on the same socket, so one conn/goroutine pair serves
// both multicast offers/finds and unicast replies/subscriptions.
// Grounded on mcastrelay/internal/multicast.Listener's join-group +
// deadline-polling read loop, generalized from "broadcast raw packets
// to subscribers" to "decode one SOME/IP-SD datagram and hand it to the
// SD engine".
type MulticastEndpoint struct {
	log     *slog.Logger
	group   *net.UDPAddr
	iface   string
	handler SDDeliver

	session atomic.Uint32 // wire-level session_id counter, independent of the engine's reboot bookkeeping

	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// NewMulticastEndpoint constructs a MulticastEndpoint bound to group:port.
// iface optionally pins the multicast membership to one network
// interface (empty uses the system default).
func NewMulticastEndpoint(log *slog.Logger, group string, port int, iface string, h SDDeliver) (*MulticastEndpoint, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("endpoint: %q is not a multicast address", group)
	}
	if log == nil {
		log = slog.Default()
	}
	return &MulticastEndpoint{log: log, group: &net.UDPAddr{IP: ip, Port: port}, iface: iface, handler: h}, nil
}

// SetHandler sets the callback invoked for each decoded inbound SD
// message. Exists so a consumer (e.g. sd.Engine) that is constructed
// after its Transport can still be wired in before Run starts reading.
func (m *MulticastEndpoint) SetHandler(h SDDeliver) {
	m.handler = h
}

// Run binds the socket, joins the multicast group, and reads until ctx
// is cancelled. It blocks.
func (m *MulticastEndpoint) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: m.group.Port})
	if err != nil {
		return fmt.Errorf("endpoint: listen SD socket: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	var ifi *net.Interface
	if m.iface != "" {
		ifi, err = net.InterfaceByName(m.iface)
		if err != nil {
			return fmt.Errorf("endpoint: interface %s: %w", m.iface, err)
		}
	}
	if err := pc.JoinGroup(ifi, m.group); err != nil {
		return fmt.Errorf("endpoint: join multicast group %s: %w", m.group.IP, err)
	}
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		m.log.Warn("endpoint: set control message failed", "error", err)
	}

	m.conn = conn
	m.pc = pc

	m.log.Info("SD multicast endpoint listening", "group", m.group.IP, "port", m.group.Port)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			return fmt.Errorf("endpoint: set read deadline: %w", err)
		}
		n, cm, from, err := pc.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.log.Warn("endpoint: SD socket read error", "error", err)
			continue
		}
		multicast := cm != nil && cm.Dst != nil && cm.Dst.Equal(m.group.IP)
		udpFrom, _ := from.(*net.UDPAddr)
		m.deliver(udpFrom, multicast, buf[:n])
	}
}

func (m *MulticastEndpoint) deliver(from *net.UDPAddr, multicast bool, data []byte) {
	msg, _, err := wire.Decode(data, len(data))
	if err != nil || msg.ServiceID != wire.SDServiceID || msg.MethodID != wire.SDMethodID {
		return
	}
	sdMsg, err := wire.DecodeSD(msg.Payload)
	if err != nil {
		m.log.Warn("endpoint: malformed SD payload", "from", from, "error", err)
		return
	}
	reboot := sdMsg.Flags&wire.FlagReboot != 0
	m.handler(from, multicast, msg.SessionID, reboot, sdMsg)
}

// SendMulticast implements sd.Transport, sending msg to the SD multicast
// group.
func (m *MulticastEndpoint) SendMulticast(msg *wire.SDMessage) error {
	return m.send(m.group, msg)
}

// SendUnicast implements sd.Transport, sending msg directly to addr.
func (m *MulticastEndpoint) SendUnicast(addr net.Addr, msg *wire.SDMessage) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("endpoint: SD unicast target %v is not UDP", addr)
	}
	return m.send(udpAddr, msg)
}

func (m *MulticastEndpoint) send(to *net.UDPAddr, msg *wire.SDMessage) error {
	full := &wire.Message{
		ServiceID:    wire.SDServiceID,
		MethodID:     wire.SDMethodID,
		ClientID:     0,
		SessionID:    m.nextSessionID(),
		ProtoVersion: wire.ProtocolVersion,
		IfaceVersion: 1,
		Type:         wire.TypeNotification,
		Payload:      wire.EncodeSD(msg),
	}
	_, err := m.conn.WriteToUDP(wire.Encode(full), to)
	return err
}

func (m *MulticastEndpoint) nextSessionID() uint16 {
	for {
		id := uint16(m.session.Add(1))
		if id != 0 {
			return id
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
