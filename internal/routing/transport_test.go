package routing

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/covesa/someip-go/internal/endpoint"
)

type discardHandler struct{}

func (discardHandler) OnMessage(net.Addr, []byte) {}
func (discardHandler) OnConnect()                 {}
func (discardHandler) OnDisconnect()              {}


func TestRouting_ManagerDispatcher_SendRemoteEnqueuesOnClient(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := endpoint.NewManager(ctx)
	defer m.Close()

	d := NewManagerDispatcher(m, discardHandler{})
	require.NoError(t, d.SendRemote(endpoint.ProtocolTCP, "127.0.0.1:30501", []byte("hello")))
}

func TestRouting_ManagerDispatcher_SendSubscriber_UnknownLocalIsUnknownTarget(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := endpoint.NewManager(ctx)
	defer m.Close()

	d := NewManagerDispatcher(m, discardHandler{})
	target := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30502}
	err := d.SendSubscriber(endpoint.ProtocolUDP, "0.0.0.0:30490", target, []byte("notify"))
	require.ErrorIs(t, err, ErrUnknownTarget)
}
