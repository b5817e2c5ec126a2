package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWire_Message_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	m := &Message{
		ServiceID:    0x1234,
		MethodID:     0x0421,
		ClientID:     0x0001,
		SessionID:    0x0002,
		ProtoVersion: ProtocolVersion,
		IfaceVersion: 1,
		Type:         TypeRequest,
		ReturnCode:   ReturnOK,
		Payload:      []byte("hello"),
	}
	b := Encode(m)
	require.Len(t, b, HeaderSize+len("hello"))

	got, n, err := Decode(b, 0)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWire_Message_EventIDFlag(t *testing.T) {
	t.Parallel()
	require.True(t, IsEvent(0x8001))
	require.False(t, IsEvent(0x0001))
}

func TestWire_Message_TooLargeRejected(t *testing.T) {
	t.Parallel()
	m := &Message{Payload: make([]byte, 200)}
	b := Encode(m)
	_, _, err := Decode(b, 100)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestWire_Message_ShortHeaderRejected(t *testing.T) {
	t.Parallel()
	_, _, err := Decode(make([]byte, 4), 0)
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestWire_Message_ShortPayloadRejected(t *testing.T) {
	t.Parallel()
	m := &Message{Payload: make([]byte, 20)}
	b := Encode(m)
	_, _, err := Decode(b[:HeaderSize+5], 0)
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestWire_Message_BackToBackFraming(t *testing.T) {
	t.Parallel()
	a := Encode(&Message{ServiceID: 1, Payload: []byte("a")})
	b := Encode(&Message{ServiceID: 2, Payload: []byte("bb")})
	stream := append(append([]byte{}, a...), b...)

	got1, n1, err := Decode(stream, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(1), got1.ServiceID)

	got2, n2, err := Decode(stream[n1:], 0)
	require.NoError(t, err)
	require.Equal(t, uint16(2), got2.ServiceID)
	require.Equal(t, len(stream), n1+n2)
}

func TestWire_MessageType_Classification(t *testing.T) {
	t.Parallel()
	require.True(t, TypeRequest.IsRequest())
	require.True(t, TypeRequestAck.IsRequest())
	require.True(t, TypeRequestNoReturn.IsRequestNoReturn())
	require.True(t, TypeNotification.IsNotification())
	require.False(t, TypeResponse.IsRequest())
}
