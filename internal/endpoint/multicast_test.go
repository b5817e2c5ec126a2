package endpoint

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/covesa/someip-go/internal/wire"
)

func TestEndpoint_NewMulticastEndpoint_RejectsNonMulticastAddress(t *testing.T) {
	t.Parallel()
	_, err := NewMulticastEndpoint(nil, "10.0.0.1", 30490, "", nil)
	require.Error(t, err)
}

func TestEndpoint_NewMulticastEndpoint_RejectsUnparseableAddress(t *testing.T) {
	t.Parallel()
	_, err := NewMulticastEndpoint(nil, "not-an-ip", 30490, "", nil)
	require.Error(t, err)
}

func TestEndpoint_MulticastEndpoint_Deliver_DecodesSDAndInvokesHandler(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var gotFrom net.Addr
	var gotMulticast bool
	var gotSessionID uint16
	var gotReboot bool
	var gotMsg *wire.SDMessage

	m, err := NewMulticastEndpoint(nil, "224.224.224.0", 30490, "", func(from net.Addr, multicast bool, sessionID uint16, reboot bool, msg *wire.SDMessage) {
		mu.Lock()
		defer mu.Unlock()
		gotFrom, gotMulticast, gotSessionID, gotReboot, gotMsg = from, multicast, sessionID, reboot, msg
	})
	require.NoError(t, err)

	sdMsg := &wire.SDMessage{
		Flags:   wire.FlagReboot | wire.FlagUnicastSupported,
		Entries: []*wire.Entry{wire.NewFindServiceEntry(0x1234, 1, 1, 0)},
	}
	full := &wire.Message{
		ServiceID:    wire.SDServiceID,
		MethodID:     wire.SDMethodID,
		SessionID:    42,
		ProtoVersion: wire.ProtocolVersion,
		IfaceVersion: 1,
		Type:         wire.TypeNotification,
		Payload:      wire.EncodeSD(sdMsg),
	}

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 30490}
	m.deliver(from, true, wire.Encode(full))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, net.Addr(from), gotFrom)
	require.True(t, gotMulticast)
	require.Equal(t, uint16(42), gotSessionID)
	require.True(t, gotReboot)
	require.NotNil(t, gotMsg)
	require.Len(t, gotMsg.Entries, 1)
}

func TestEndpoint_MulticastEndpoint_Deliver_IgnoresNonSDTraffic(t *testing.T) {
	t.Parallel()
	called := false
	m, err := NewMulticastEndpoint(nil, "224.224.224.0", 30490, "", func(net.Addr, bool, uint16, bool, *wire.SDMessage) {
		called = true
	})
	require.NoError(t, err)

	ordinary := wire.Encode(&wire.Message{ServiceID: 0x1234, MethodID: 0x0001, Type: wire.TypeRequest})
	m.deliver(&net.UDPAddr{}, false, ordinary)
	require.False(t, called)
}

func TestEndpoint_MulticastEndpoint_Send_WritesDecodableSDWireFrame(t *testing.T) {
	t.Parallel()
	m, err := NewMulticastEndpoint(nil, "224.224.224.0", 30490, "", nil)
	require.NoError(t, err)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer peer.Close()

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer sender.Close()
	m.conn = sender

	entry := wire.NewOfferServiceEntry(0x1234, 1, 1, 0, 5)
	require.NoError(t, m.SendUnicast(peer.LocalAddr(), &wire.SDMessage{Entries: []*wire.Entry{entry}}))

	buf := make([]byte, 2048)
	n, err := peer.Read(buf)
	require.NoError(t, err)

	got, _, err := wire.Decode(buf[:n], n)
	require.NoError(t, err)
	require.Equal(t, wire.SDServiceID, got.ServiceID)
	require.Equal(t, wire.SDMethodID, got.MethodID)

	sdMsg, err := wire.DecodeSD(got.Payload)
	require.NoError(t, err)
	require.Len(t, sdMsg.Entries, 1)
	require.Equal(t, wire.EntryOfferService, sdMsg.Entries[0].Type)
}

func TestEndpoint_MulticastEndpoint_SendUnicast_RejectsNonUDPAddr(t *testing.T) {
	t.Parallel()
	m, err := NewMulticastEndpoint(nil, "224.224.224.0", 30490, "", nil)
	require.NoError(t, err)

	err = m.SendUnicast(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234}, &wire.SDMessage{})
	require.Error(t, err)
}

func TestEndpoint_MulticastEndpoint_NextSessionID_NeverReturnsZero(t *testing.T) {
	t.Parallel()
	m, err := NewMulticastEndpoint(nil, "224.224.224.0", 30490, "", nil)
	require.NoError(t, err)
	m.session.Store(0xFFFF)

	id := m.nextSessionID()
	require.NotEqual(t, uint16(0), id)
}
