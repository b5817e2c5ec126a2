package sd

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/covesa/someip-go/internal/wire"
)

type fakeTransport struct {
	mu        sync.Mutex
	multicast []*wire.SDMessage
	unicast   []unicastSend
}

type unicastSend struct {
	addr net.Addr
	msg  *wire.SDMessage
}

func (f *fakeTransport) SendMulticast(msg *wire.SDMessage) error {
	f.mu.Lock()
	f.multicast = append(f.multicast, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendUnicast(addr net.Addr, msg *wire.SDMessage) error {
	f.mu.Lock()
	f.unicast = append(f.unicast, unicastSend{addr, msg})
	f.mu.Unlock()
	return nil
}

func TestSD_Engine_IncomingFindMatchingOfferGetsUnicastReply(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e := NewEngine(slog.Default(), DefaultTiming(), clockwork.NewFakeClock(), tr)

	svc := e.OfferService(OfferConfig{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1})
	// Bypass the Initial-Wait schedule for this test: mark it Main so a
	// Find gets answered immediately, matching the steady-state case.
	svc.mu.Lock()
	svc.phase = PhaseMain
	svc.mu.Unlock()

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 30491}
	e.HandleIncoming(from, true, 1, false, &wire.SDMessage{
		Entries: []*wire.Entry{wire.NewFindServiceEntry(0x1234, 0xFFFF, 0xFF, 0xFFFFFFFF)},
	})

	require.Len(t, tr.unicast, 1)
	require.Equal(t, from, tr.unicast[0].addr)
	require.Equal(t, wire.EntryOfferService, tr.unicast[0].msg.Entries[0].Type)
}

func TestSD_Engine_IncomingOfferResolvesOutstandingFind(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	var resolvedAddr net.Addr
	e := NewEngine(slog.Default(), DefaultTiming(), clockwork.NewFakeClock(), tr,
		WithOfferResolved(func(serviceID, instanceID uint16, from net.Addr, _ []*wire.Option) {
			resolvedAddr = from
		}))

	find := e.FindService(FindConfig{ServiceID: 0xABCD, InstanceID: 0xFFFF})
	require.Equal(t, PhaseRepeating, find.Phase())
	find.InitialDelay(nil) // already in PhaseRepeating; calling it again keeps that phase

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 30490}
	e.HandleIncoming(from, true, 1, false, &wire.SDMessage{
		Entries: []*wire.Entry{wire.NewOfferServiceEntry(0xABCD, 1, 1, 0, 5)},
	})

	require.Equal(t, PhaseStopped, find.Phase())
	require.Equal(t, from, resolvedAddr)
}

func TestSD_Engine_SubscribeGrantsAckAndRegistersSubscriber(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e := NewEngine(slog.Default(), DefaultTiming(), clockwork.NewFakeClock(), tr)
	e.OfferService(OfferConfig{ServiceID: 0x1234, InstanceID: 1})

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 30501}
	e.HandleIncoming(from, false, 1, false, &wire.SDMessage{
		Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(0x1234, 1, 1, 0x0005, 5, 0)},
	})

	require.Len(t, tr.unicast, 1)
	require.Equal(t, wire.EntrySubscribeEventgroupAck, tr.unicast[0].msg.Entries[0].Type)

	subs := e.Subscribers(0x1234, 1, 0x0005)
	require.Len(t, subs, 1)
	require.Equal(t, from.String(), subs[0].Key.Addr)
}

// spec.md §8 scenario 6: service (0x1234,0x0001) eventgroup 0x0005 with
// subscribers A (unicast tcp), B (unicast udp), and multicast group M —
// the engine itself only needs to produce the identical subscriber set
// for the routing core's fanout to reach all three.
func TestSD_Engine_SubscribersReturnsEveryLiveSubscriberForFanout(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e := NewEngine(slog.Default(), DefaultTiming(), clockwork.NewFakeClock(), tr)
	e.OfferService(OfferConfig{ServiceID: 0x1234, InstanceID: 1})

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30501}
	b := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 30502}
	m := &net.UDPAddr{IP: net.ParseIP("224.224.224.0"), Port: 30490}

	e.HandleIncoming(a, false, 1, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(0x1234, 1, 1, 0x0005, 5, 0)}})
	e.HandleIncoming(b, false, 1, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(0x1234, 1, 1, 0x0005, 5, 0)}})
	e.HandleIncoming(m, true, 1, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(0x1234, 1, 1, 0x0005, 5, 0)}})

	subs := e.Subscribers(0x1234, 1, 0x0005)
	require.Len(t, subs, 3)
}

func TestSD_Engine_StopSubscribeRemovesSubscriberImmediately(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e := NewEngine(slog.Default(), DefaultTiming(), clockwork.NewFakeClock(), tr)
	e.OfferService(OfferConfig{ServiceID: 1, InstanceID: 1})

	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.3")}
	e.HandleIncoming(from, false, 1, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(1, 1, 1, 1, 5, 0)}})
	require.Len(t, e.Subscribers(1, 1, 1), 1)

	e.HandleIncoming(from, false, 2, false, &wire.SDMessage{Entries: []*wire.Entry{wire.NewSubscribeEventgroupEntry(1, 1, 1, 1, 0, 0)}})
	require.Empty(t, e.Subscribers(1, 1, 1))
}

func TestSD_Engine_StopOfferServiceSendsTTLZeroAndHaltsSchedule(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e := NewEngine(slog.Default(), DefaultTiming(), clockwork.NewFakeClock(), tr)
	e.OfferService(OfferConfig{ServiceID: 1, InstanceID: 1})
	e.StopOfferService(1, 1)

	require.NotEmpty(t, tr.multicast)
	last := tr.multicast[len(tr.multicast)-1]
	require.Equal(t, wire.EntryStopOfferService, last.Entries[0].Type)
}

func TestSD_Engine_Run_DrivesScheduledOfferWithFakeClock(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	clock := clockwork.NewFakeClock()
	e := NewEngine(slog.Default(), DefaultTiming(), clock, tr)
	e.OfferService(OfferConfig{ServiceID: 1, InstanceID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	defer cancel()

	clock.BlockUntil(1)
	clock.Advance(DefaultInitialDelayMax)

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.multicast) >= 1
	}, time.Second, time.Millisecond)
}
