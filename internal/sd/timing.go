package sd

import "time"

// Default SD timing, confirmed against
// original_source/implementation/service_discovery/include/defines.hpp.
const (
	DefaultInitialDelayMin     = 0
	DefaultInitialDelayMax     = 3000 * time.Millisecond
	DefaultRepetitionBaseDelay = 10 * time.Millisecond
	DefaultRepetitionsMax      = 3
	DefaultTTL                 = 5 * time.Second
	DefaultCyclicOfferDelay    = 1000 * time.Millisecond
	DefaultRequestResponseDelay = 2000 * time.Millisecond
)

// Timing holds the per-engine SD schedule parameters (spec.md §4.3); all
// fields are required configuration, never hard-coded constants in the
// phase state machines themselves.
type Timing struct {
	InitialDelayMin, InitialDelayMax time.Duration
	RepetitionBaseDelay              time.Duration
	RepetitionsMax                   int
	TTL                              time.Duration
	CyclicOfferDelay                 time.Duration
	RequestResponseDelay             time.Duration
}

// DefaultTiming returns the spec.md §4.3 defaults.
func DefaultTiming() Timing {
	return Timing{
		InitialDelayMin:       DefaultInitialDelayMin,
		InitialDelayMax:       DefaultInitialDelayMax,
		RepetitionBaseDelay:   DefaultRepetitionBaseDelay,
		RepetitionsMax:        DefaultRepetitionsMax,
		TTL:                   DefaultTTL,
		CyclicOfferDelay:      DefaultCyclicOfferDelay,
		RequestResponseDelay:  DefaultRequestResponseDelay,
	}
}
