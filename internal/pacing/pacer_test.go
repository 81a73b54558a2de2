package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTimeline replaces the pacer's clock and sleeper so tests measure
// enforced waiting without real sleeps.
type fakeTimeline struct {
	now   time.Time
	slept time.Duration
}

func (f *fakeTimeline) install(p *Pacer) {
	p.now = func() time.Time { return f.now }
	p.sleep = func(_ context.Context, d time.Duration) error {
		f.slept += d
		f.now = f.now.Add(d)
		return nil
	}
}

func TestAdmit_EnforcesMinimumGapPerHost(t *testing.T) {
	t.Parallel()

	p := New(time.Second)
	tl := &fakeTimeline{now: time.Unix(1700000000, 0)}
	tl.install(p)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Admit(context.Background(), "inventory.example.com"))
	}

	// Four enforced gaps, each at least 0.8 * baseGap.
	require.GreaterOrEqual(t, tl.slept, 4*800*time.Millisecond)
	// And never more than the 1.2x jitter ceiling allows.
	require.LessOrEqual(t, tl.slept, 4*1200*time.Millisecond)
}

func TestAdmit_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	p := New(10 * time.Second)
	tl := &fakeTimeline{now: time.Unix(1700000000, 0)}
	tl.install(p)

	require.NoError(t, p.Admit(context.Background(), "a.example.com"))
	require.NoError(t, p.Admit(context.Background(), "b.example.com"))

	// The second host must not have waited behind the first.
	require.Zero(t, tl.slept)
}

func TestAdmit_FirstCallDoesNotBlock(t *testing.T) {
	t.Parallel()

	p := New(time.Minute)
	tl := &fakeTimeline{now: time.Unix(1700000000, 0)}
	tl.install(p)

	require.NoError(t, p.Admit(context.Background(), "inventory.example.com"))
	require.Zero(t, tl.slept)
}

func TestAdmit_CanceledContext(t *testing.T) {
	t.Parallel()

	p := New(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Admit(ctx, "inventory.example.com"))
	err := p.Admit(ctx, "inventory.example.com")
	require.ErrorIs(t, err, context.Canceled)
}
