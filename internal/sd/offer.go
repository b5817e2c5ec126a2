package sd

import (
	"math/rand"
	"sync"
	"time"

	"github.com/covesa/someip-go/internal/wire"
)

// OfferConfig describes one locally offered service instance.
type OfferConfig struct {
	ServiceID, InstanceID uint16
	MajorVersion          uint8
	MinorVersion          uint32
	Options               []*wire.Option
}

// OfferedService drives one locally offered service instance through
// Initial-Wait/Repetition/Main (spec.md §4.3), mirroring the
// mutex-guarded state-machine shape of the teacher's liveness.Session
// (state enum, sync.Mutex-protected fields, a Phase accessor) adapted
// from BFD Up/Down/Init to SD's phase schedule and from BFD's TX backoff
// to SD's repetition-count/interval-doubling schedule.
type OfferedService struct {
	mu          sync.Mutex
	cfg         OfferConfig
	timing      Timing
	phase       Phase
	repeatCount int
}

// NewOfferedService constructs an OfferedService in PhaseInitial.
func NewOfferedService(cfg OfferConfig, timing Timing) *OfferedService {
	return &OfferedService{cfg: cfg, timing: timing, phase: PhaseInitial}
}

func (o *OfferedService) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// InitialDelay returns a uniformly random delay in
// [InitialDelayMin, InitialDelayMax] for the first OfferService send and
// enters PhaseRepeating (the repetition count starts once the initial
// send has gone out).
func (o *OfferedService) InitialDelay(rnd *rand.Rand) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = PhaseRepeating
	span := int64(o.timing.InitialDelayMax-o.timing.InitialDelayMin) + 1
	if span <= 1 {
		return o.timing.InitialDelayMin
	}
	var off int64
	if rnd != nil {
		off = rnd.Int63n(span)
	} else {
		off = rand.Int63n(span)
	}
	return o.timing.InitialDelayMin + time.Duration(off)
}

// NextRepeatDelay returns the delay until the next repetition send
// (base_delay · 2^k) and true, or false once RepetitionsMax sends have
// gone out — at which point the phase has already flipped to PhaseMain
// and the caller should switch to the cyclic offer schedule.
func (o *OfferedService) NextRepeatDelay() (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == PhaseStopped {
		return 0, false
	}
	if o.repeatCount >= o.timing.RepetitionsMax {
		return 0, false
	}
	d := o.timing.RepetitionBaseDelay << uint(o.repeatCount)
	o.repeatCount++
	if o.repeatCount >= o.timing.RepetitionsMax {
		o.phase = PhaseMain
	}
	return d, true
}

// CyclicDelay returns the Main-phase cyclic offer interval, or false if
// the service has been stopped.
func (o *OfferedService) CyclicDelay() (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == PhaseStopped {
		return 0, false
	}
	return o.timing.CyclicOfferDelay, true
}

// Stop transitions to PhaseStopped; scheduled callbacks observe this via
// CyclicDelay/NextRepeatDelay returning false and do not reschedule.
func (o *OfferedService) Stop() { o.mu.Lock(); o.phase = PhaseStopped; o.mu.Unlock() }

// Entry builds the OfferService (ttl>0) or StopOfferService (ttl==0) SD
// entry for this service.
func (o *OfferedService) Entry(ttl time.Duration) *wire.Entry {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()
	return wire.NewOfferServiceEntry(cfg.ServiceID, cfg.InstanceID, cfg.MajorVersion, cfg.MinorVersion, uint32(ttl/time.Second))
}

// Matches reports whether a FindService entry is asking about this
// service instance (version 0xFF / 0xFFFFFFFF on either field means
// "any").
func (o *OfferedService) Matches(e *wire.Entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.ServiceID != o.cfg.ServiceID {
		return false
	}
	if e.InstanceID != 0xFFFF && e.InstanceID != o.cfg.InstanceID {
		return false
	}
	if e.MajorVersion != 0xFF && e.MajorVersion != o.cfg.MajorVersion {
		return false
	}
	if e.MinorVersion != 0xFFFFFFFF && e.MinorVersion != o.cfg.MinorVersion {
		return false
	}
	return true
}
