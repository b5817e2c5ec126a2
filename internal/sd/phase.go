// Package sd implements the Service Discovery protocol engine: the
// Initial-Wait/Repetition/Main offer schedule, Find, Subscribe/Ack/Nack,
// and reboot detection of spec.md §4.3.
package sd

import "fmt"

// Phase is a service's or find's position in the SD offer/find schedule.
type Phase uint8

const (
	PhaseInitial Phase = iota
	PhaseRepeating
	PhaseMain
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseRepeating:
		return "repeating"
	case PhaseMain:
		return "main"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("unknown(%d)", p)
}
