package sd

import (
	"math/rand"
	"sync"
	"time"

	"github.com/covesa/someip-go/internal/wire"
)

// FindConfig describes one locally wanted remote service instance.
type FindConfig struct {
	ServiceID, InstanceID uint16
	MajorVersion          uint8
	MinorVersion          uint32
}

// FindingService drives one outstanding FindService through
// Initial-Wait/Repetition only (spec.md §4.3 "Finding" is symmetric with
// offering but has no Main phase): a matching OfferService terminates it.
type FindingService struct {
	mu          sync.Mutex
	cfg         FindConfig
	timing      Timing
	phase       Phase
	repeatCount int
}

func NewFindingService(cfg FindConfig, timing Timing) *FindingService {
	return &FindingService{cfg: cfg, timing: timing, phase: PhaseInitial}
}

func (f *FindingService) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *FindingService) InitialDelay(rnd *rand.Rand) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = PhaseRepeating
	span := int64(f.timing.InitialDelayMax-f.timing.InitialDelayMin) + 1
	if span <= 1 {
		return f.timing.InitialDelayMin
	}
	var off int64
	if rnd != nil {
		off = rnd.Int63n(span)
	} else {
		off = rand.Int63n(span)
	}
	return f.timing.InitialDelayMin + time.Duration(off)
}

// NextRepeatDelay mirrors OfferedService.NextRepeatDelay but stops
// outright (rather than entering a cyclic phase) once RepetitionsMax
// sends have gone out, since unresolved finds simply lapse.
func (f *FindingService) NextRepeatDelay() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase == PhaseStopped || f.repeatCount >= f.timing.RepetitionsMax {
		f.phase = PhaseStopped
		return 0, false
	}
	d := f.timing.RepetitionBaseDelay << uint(f.repeatCount)
	f.repeatCount++
	return d, true
}

// Resolve stops finding; called once a matching OfferService arrives.
func (f *FindingService) Resolve() { f.mu.Lock(); f.phase = PhaseStopped; f.mu.Unlock() }

func (f *FindingService) Entry() *wire.Entry {
	f.mu.Lock()
	cfg := f.cfg
	f.mu.Unlock()
	return wire.NewFindServiceEntry(cfg.ServiceID, cfg.InstanceID, cfg.MajorVersion, cfg.MinorVersion)
}

// MatchesOffer reports whether an OfferService entry resolves this find.
func (f *FindingService) MatchesOffer(e *wire.Entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ServiceID != f.cfg.ServiceID {
		return false
	}
	if f.cfg.InstanceID != 0xFFFF && e.InstanceID != f.cfg.InstanceID {
		return false
	}
	return true
}
