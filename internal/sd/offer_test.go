package sd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/covesa/someip-go/internal/wire"
)

// spec.md §8 scenario 4: with defaults, an offered service emits
// OfferService at t0 ∈ [0,3000]ms, then at t0+10, t0+30, t0+70 (base=10,
// max=3), then every 1000ms thereafter.
func TestSD_OfferedService_InitialRepetitionMainTiming(t *testing.T) {
	t.Parallel()
	timing := DefaultTiming()
	svc := NewOfferedService(OfferConfig{ServiceID: 0x1234, InstanceID: 1}, timing)

	initial := svc.InitialDelay(nil)
	require.GreaterOrEqual(t, initial, timing.InitialDelayMin)
	require.LessOrEqual(t, initial, timing.InitialDelayMax)
	require.Equal(t, PhaseRepeating, svc.Phase())

	d, ok := svc.NextRepeatDelay()
	require.True(t, ok)
	require.Equal(t, 10*time.Millisecond, d)
	require.Equal(t, PhaseRepeating, svc.Phase())

	d, ok = svc.NextRepeatDelay()
	require.True(t, ok)
	require.Equal(t, 20*time.Millisecond, d)
	require.Equal(t, PhaseRepeating, svc.Phase())

	d, ok = svc.NextRepeatDelay()
	require.True(t, ok)
	require.Equal(t, 40*time.Millisecond, d)
	require.Equal(t, PhaseMain, svc.Phase(), "phase must flip to Main once repetitions_max sends have gone out")

	_, ok = svc.NextRepeatDelay()
	require.False(t, ok)

	cyclic, ok := svc.CyclicDelay()
	require.True(t, ok)
	require.Equal(t, time.Second, cyclic)

	cyclic, ok = svc.CyclicDelay()
	require.True(t, ok)
	require.Equal(t, time.Second, cyclic, "Main phase repeats at a fixed cyclic interval")
}

func TestSD_OfferedService_Stop_HaltsSchedule(t *testing.T) {
	t.Parallel()
	svc := NewOfferedService(OfferConfig{ServiceID: 1, InstanceID: 1}, DefaultTiming())
	svc.InitialDelay(nil)
	svc.Stop()

	_, ok := svc.NextRepeatDelay()
	require.False(t, ok)
	_, ok = svc.CyclicDelay()
	require.False(t, ok)
}

func TestSD_OfferedService_Matches_AnyInstanceAndVersion(t *testing.T) {
	t.Parallel()
	svc := NewOfferedService(OfferConfig{ServiceID: 0x1234, InstanceID: 0x0001, MajorVersion: 1, MinorVersion: 2}, DefaultTiming())

	require.True(t, svc.Matches(&wire.Entry{ServiceID: 0x1234, InstanceID: 0xFFFF, MajorVersion: 0xFF, MinorVersion: 0xFFFFFFFF}))
	require.True(t, svc.Matches(&wire.Entry{ServiceID: 0x1234, InstanceID: 0x0001, MajorVersion: 1, MinorVersion: 2}))
	require.False(t, svc.Matches(&wire.Entry{ServiceID: 0x1234, InstanceID: 0x0002, MajorVersion: 1, MinorVersion: 2}))
	require.False(t, svc.Matches(&wire.Entry{ServiceID: 0x9999, InstanceID: 0x0001, MajorVersion: 1, MinorVersion: 2}))
}
