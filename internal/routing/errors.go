package routing

import "errors"

var (
	// ErrUnknownTarget is returned when a (service, instance, method) has
	// no bound local client or remote endpoint.
	ErrUnknownTarget = errors.New("routing: no registered target for service/instance/method")
	// ErrMessageTooLarge is returned by Dispatch when a message exceeds
	// the admission limit configured for its target (spec.md §4.4
	// "Admission").
	ErrMessageTooLarge = errors.New("routing: message exceeds configured max size")
	// ErrMailboxFull is returned when a client's inbound mailbox has no
	// room for another message.
	ErrMailboxFull = errors.New("routing: mailbox full")
	// ErrUnknownResponse is returned (and logged) when a response's
	// (client_id, session_id) matches no tracked outstanding request.
	ErrUnknownResponse = errors.New("routing: response for unknown client_id/session_id")
)
