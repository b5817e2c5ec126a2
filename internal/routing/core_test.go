package routing

import (
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/covesa/someip-go/internal/endpoint"
	"github.com/covesa/someip-go/internal/sd"
	"github.com/covesa/someip-go/internal/wire"
)

type remoteSend struct {
	protocol endpoint.Protocol
	addr     string
	payload  []byte
}

type subscriberSend struct {
	protocol endpoint.Protocol
	local    string
	target   net.Addr
	payload  []byte
}

type fakeDispatcher struct {
	mu          sync.Mutex
	remote      []remoteSend
	subscribers []subscriberSend
	failRemote  bool
}

func (f *fakeDispatcher) SendRemote(protocol endpoint.Protocol, addr string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemote {
		return ErrUnknownTarget
	}
	f.remote = append(f.remote, remoteSend{protocol, addr, payload})
	return nil
}

func (f *fakeDispatcher) SendSubscriber(protocol endpoint.Protocol, local string, target net.Addr, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, subscriberSend{protocol, local, target, payload})
	return nil
}

func newTestEngine() *sd.Engine {
	return sd.NewEngine(slog.Default(), sd.DefaultTiming(), clockwork.NewFakeClock(), noopTransport{})
}

type noopTransport struct{}

func (noopTransport) SendMulticast(*wire.SDMessage) error       { return nil }
func (noopTransport) SendUnicast(net.Addr, *wire.SDMessage) error { return nil }

func request(serviceID, methodID, clientID, sessionID uint16) *wire.Message {
	return &wire.Message{ServiceID: serviceID, MethodID: methodID, ClientID: clientID, SessionID: sessionID, Type: wire.TypeRequest}
}

func TestRouting_Core_DispatchRequest_LocalMailboxDelivery(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	c := NewCore(d, newTestEngine())

	key := ServiceKey{ServiceID: 0x1234, InstanceID: 1, MethodID: 0x0001}
	mb := c.BindLocalMethod(key, 7)

	msg := request(0x1234, 0x0001, 100, 1)
	require.NoError(t, c.Dispatch(1, msg, endpoint.ProtocolTCP))

	select {
	case got := <-mb.Chan():
		require.Equal(t, msg, got)
	default:
		t.Fatal("expected message in mailbox")
	}
}

func TestRouting_Core_DispatchRequest_RemoteForward(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	c := NewCore(d, newTestEngine())

	key := ServiceKey{ServiceID: 0x1234, InstanceID: 1, MethodID: 0x0001}
	c.BindRemoteMethod(key, RemoteRoute{Protocol: endpoint.ProtocolTCP, Addr: "10.0.0.9:30501"})

	msg := request(0x1234, 0x0001, 100, 1)
	require.NoError(t, c.Dispatch(1, msg, endpoint.ProtocolTCP))

	require.Len(t, d.remote, 1)
	require.Equal(t, "10.0.0.9:30501", d.remote[0].addr)
	require.Equal(t, wire.Encode(msg), d.remote[0].payload)
}

func TestRouting_Core_DispatchRequest_UnknownTargetDropped(t *testing.T) {
	t.Parallel()
	c := NewCore(&fakeDispatcher{}, newTestEngine())

	err := c.Dispatch(1, request(0x9999, 0x0001, 100, 1), endpoint.ProtocolTCP)
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestRouting_Core_Dispatch_AdmissionRejectsOversizedMessage(t *testing.T) {
	t.Parallel()
	c := NewCore(&fakeDispatcher{}, newTestEngine(), WithAdmissionLimits(32, 1024))

	msg := request(0x1234, 0x0001, 100, 1)
	msg.Payload = make([]byte, 64)

	err := c.Dispatch(1, msg, endpoint.ProtocolLocalStream)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestRouting_Core_Dispatch_FIFOOrderPerClientServiceInstance(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	c := NewCore(d, newTestEngine())

	key := ServiceKey{ServiceID: 0x1234, InstanceID: 1, MethodID: 0x0001}
	mb := c.BindLocalMethod(key, 7)

	for i := uint16(0); i < 5; i++ {
		require.NoError(t, c.Dispatch(1, request(0x1234, 0x0001, 100, i+1), endpoint.ProtocolTCP))
	}

	for i := uint16(0); i < 5; i++ {
		got := <-mb.Chan()
		require.Equal(t, i+1, got.SessionID)
	}
}

func TestRouting_Core_RouteResponse_DeliversToTrackedClient(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	c := NewCore(d, newTestEngine())

	key := ServiceKey{ServiceID: 0x1234, InstanceID: 1, MethodID: 0x0001}
	mb := c.BindLocalMethod(key, 7)

	req := request(0x1234, 0x0001, 42, 9)
	require.NoError(t, c.Dispatch(1, req, endpoint.ProtocolTCP))
	<-mb.Chan() // drain the request itself

	resp := &wire.Message{ServiceID: 0x1234, MethodID: 0x0001, ClientID: 42, SessionID: 9, Type: wire.TypeResponse}
	require.NoError(t, c.RouteResponse(resp))

	got := <-c.mailboxFor(42).Chan()
	require.Equal(t, resp, got)
}

func TestRouting_Core_RouteResponse_UnknownPairDropped(t *testing.T) {
	t.Parallel()
	c := NewCore(&fakeDispatcher{}, newTestEngine())

	resp := &wire.Message{ServiceID: 0x1234, MethodID: 0x0001, ClientID: 42, SessionID: 9, Type: wire.TypeResponse}
	err := c.RouteResponse(resp)
	require.ErrorIs(t, err, ErrUnknownResponse)
}

// TestRouting_Core_Publish_FansOutToEveryDeliveryKind exercises spec.md
// §8 scenario 6: service (0x1234, 1) eventgroup 0x0005, one TCP
// unicast subscriber, one UDP unicast subscriber, one multicast group —
// Publish sends the identical payload once to each.
func TestRouting_Core_Publish_FansOutToEveryDeliveryKind(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	engine := newTestEngine()
	engine.OfferService(sd.OfferConfig{ServiceID: 0x1234, InstanceID: 1})
	c := NewCore(d, engine)

	c.BindEventServer(EventgroupKey{ServiceID: 0x1234, InstanceID: 1, EventgroupID: 0x0005}, "0.0.0.0:30490")

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30501}
	b := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 30502}
	m := &net.UDPAddr{IP: net.ParseIP("224.224.224.0"), Port: 30490}

	engine.HandleIncoming(a, false, 1, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(0x1234, 1, 1, 0x0005, 5, 0)}})
	engine.HandleIncoming(b, false, 1, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(0x1234, 1, 1, 0x0005, 5, 0)}})
	engine.HandleIncoming(m, true, 1, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(0x1234, 1, 1, 0x0005, 5, 0)}})

	notif := &wire.Message{ServiceID: 0x1234, MethodID: 0x8001, Type: wire.TypeNotification}
	require.NoError(t, c.Publish(0x1234, 1, 0x0005, notif))

	require.Len(t, d.subscribers, 3)
	for _, s := range d.subscribers {
		require.Equal(t, wire.Encode(notif), s.payload)
	}
}

func TestRouting_Core_Publish_UnknownEventgroupReturnsError(t *testing.T) {
	t.Parallel()
	c := NewCore(&fakeDispatcher{}, newTestEngine())
	err := c.Publish(0x1234, 1, 0x0005, &wire.Message{ServiceID: 0x1234, MethodID: 0x8001, Type: wire.TypeNotification})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestRouting_Core_Unbind_RemovesBindingsAndMailbox(t *testing.T) {
	t.Parallel()
	c := NewCore(&fakeDispatcher{}, newTestEngine())
	key := ServiceKey{ServiceID: 0x1234, InstanceID: 1, MethodID: 0x0001}
	c.BindLocalMethod(key, 7)

	c.Unbind(7)

	err := c.Dispatch(1, request(0x1234, 0x0001, 100, 1), endpoint.ProtocolTCP)
	require.ErrorIs(t, err, ErrUnknownTarget)
}
