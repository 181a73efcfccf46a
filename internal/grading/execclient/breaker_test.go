package execclient

import (
	"testing"
	"time"

	appErr "gradewell/pkg/errors"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	registry := newBreakerRegistryAt(BreakerConfig{
		Enabled:          true,
		FailureThreshold: threshold,
		Cooldown:         cooldown,
	}, clock.now)
	return registry.ForEndpoint("/runs"), clock
}

func recordFailures(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		probe, err := b.Allow()
		if err != nil {
			t.Fatalf("allow %d failed: %v", i, err)
		}
		b.Record(false, probe)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, 30*time.Second)

	recordFailures(t, b, 2)
	if b.Open() {
		t.Fatalf("expected breaker closed below threshold")
	}

	recordFailures(t, b, 1)
	if !b.Open() {
		t.Fatalf("expected breaker open at threshold")
	}
	if _, err := b.Allow(); !appErr.Is(err, appErr.ExecCircuitOpen) {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, 30*time.Second)

	recordFailures(t, b, 2)
	probe, err := b.Allow()
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	b.Record(true, probe)

	// The streak restarted, so two more failures stay under the threshold.
	recordFailures(t, b, 2)
	if b.Open() {
		t.Fatalf("expected breaker closed after reset")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, 30*time.Second)

	recordFailures(t, b, 1)
	if _, err := b.Allow(); !appErr.Is(err, appErr.ExecCircuitOpen) {
		t.Fatalf("expected fail-fast during cooldown, got %v", err)
	}

	clock.advance(31 * time.Second)
	probe, err := b.Allow()
	if err != nil {
		t.Fatalf("expected probe admitted after cooldown, got %v", err)
	}
	if !probe {
		t.Fatalf("expected probe slot")
	}

	// Exactly one probe is in flight; everyone else still fails fast.
	if _, err := b.Allow(); !appErr.Is(err, appErr.ExecCircuitOpen) {
		t.Fatalf("expected second caller rejected during probe, got %v", err)
	}

	b.Record(true, probe)
	if probe, err := b.Allow(); err != nil || probe {
		t.Fatalf("expected closed breaker after probe success, got probe=%v err=%v", probe, err)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(1, 30*time.Second)

	recordFailures(t, b, 1)
	clock.advance(31 * time.Second)
	probe, err := b.Allow()
	if err != nil || !probe {
		t.Fatalf("expected probe, got probe=%v err=%v", probe, err)
	}
	b.Record(false, probe)

	if _, err := b.Allow(); !appErr.Is(err, appErr.ExecCircuitOpen) {
		t.Fatalf("expected reopened breaker, got %v", err)
	}

	// A fresh cooldown starts from the probe failure.
	clock.advance(31 * time.Second)
	if probe, err := b.Allow(); err != nil || !probe {
		t.Fatalf("expected new probe after second cooldown, got probe=%v err=%v", probe, err)
	}
}

func TestBreakerTrip(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(5, 30*time.Second)

	b.Trip()
	if _, err := b.Allow(); !appErr.Is(err, appErr.ExecCircuitOpen) {
		t.Fatalf("expected tripped breaker to fail fast, got %v", err)
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()
	registry := NewBreakerRegistry(BreakerConfig{Enabled: false})
	b := registry.ForEndpoint("/runs")

	recordFailures(t, b, 100)
	b.Trip()
	if probe, err := b.Allow(); err != nil || probe {
		t.Fatalf("expected disabled breaker to always allow, got probe=%v err=%v", probe, err)
	}
}

func TestRegistrySharesBreakerPerEndpoint(t *testing.T) {
	t.Parallel()
	registry := NewBreakerRegistry(BreakerConfig{Enabled: true, FailureThreshold: 1})

	a := registry.ForEndpoint("/runs")
	b := registry.ForEndpoint("/runs")
	if a != b {
		t.Fatalf("expected same breaker instance per endpoint")
	}
	if c := registry.ForEndpoint("/languages"); c == a {
		t.Fatalf("expected distinct breaker per endpoint")
	}
}
