package routing

import "github.com/covesa/someip-go/internal/wire"

const defaultMailboxDepth = 256

// Mailbox is a per-client inbound queue with FIFO delivery (spec.md §4.4
// "a per-client inbound mailbox with FIFO ordering"), a bounded
// channel-backed queue in the same spirit as internal/endpoint's
// packetizer send queue: bounded depth, strict order, backpressure
// instead of silent drop on overflow.
type Mailbox struct {
	ch chan *wire.Message
}

// NewMailbox constructs a Mailbox of the given depth (<=0 uses a
// default).
func NewMailbox(depth int) *Mailbox {
	if depth <= 0 {
		depth = defaultMailboxDepth
	}
	return &Mailbox{ch: make(chan *wire.Message, depth)}
}

// Push enqueues msg, returning ErrMailboxFull if the mailbox is at
// capacity.
func (m *Mailbox) Push(msg *wire.Message) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Chan exposes the mailbox for a client's dispatcher goroutine to drain
// in FIFO order.
func (m *Mailbox) Chan() <-chan *wire.Message { return m.ch }

// Len reports the number of messages currently queued.
func (m *Mailbox) Len() int { return len(m.ch) }
