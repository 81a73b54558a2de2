// Package pacing enforces a minimum, jittered gap between requests to the
// same remote host.
package pacing

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/carsandcollectibles/yardwatch/internal/telemetry"
)

// Jitter bounds applied to the base gap on every admitted request.
const (
	jitterFloor = 0.8
	jitterSpan  = 0.4
)

// Pacer manages per-host next-allowed times. Calls for the same host
// serialize through the gate; different hosts never wait on each other.
type Pacer struct {
	mu          sync.Mutex
	nextAllowed map[string]time.Time
	baseGap     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Pacer with the given minimum inter-request gap.
func New(baseGap time.Duration) *Pacer {
	return &Pacer{
		nextAllowed: make(map[string]time.Time),
		baseGap:     baseGap,
		now:         time.Now,
		sleep:       timerSleep,
	}
}

// Admit blocks until host's next-allowed time has passed, then advances
// it to now + baseGap * jitter with jitter drawn per call from
// [0.8, 1.2]. Returns early only on context cancellation.
func (p *Pacer) Admit(ctx context.Context, host string) error {
	p.mu.Lock()
	now := p.now()
	wakeAt := now
	if next, ok := p.nextAllowed[host]; ok && next.After(now) {
		wakeAt = next
	}
	p.nextAllowed[host] = wakeAt.Add(p.jitteredGap())
	p.mu.Unlock()

	wait := wakeAt.Sub(now)
	if wait <= 0 {
		return nil
	}
	if wait > time.Millisecond {
		telemetry.ObserveRateLimitDelay(host, wait)
	}
	if err := p.sleep(ctx, wait); err != nil {
		return fmt.Errorf("pacing wait for %s: %w", host, err)
	}
	return nil
}

func (p *Pacer) jitteredGap() time.Duration {
	return time.Duration(float64(p.baseGap) * (jitterFloor + jitterSpan*randomUnit()))
}

// randomUnit draws a uniform value in [0, 1).
func randomUnit() float64 {
	const resolution = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(resolution))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / resolution
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
