package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gradewell/internal/grading/execclient"
	"gradewell/pkg/utils/logger"
)

// HealthChecker gates grading on execution service availability.
type HealthChecker interface {
	// Healthy reports whether the execution service answered a recent probe.
	Healthy(ctx context.Context) bool

	// MarkUnhealthy force-caches an unhealthy verdict, so that concurrent
	// workers fail fast after any of them hits a transient failure.
	MarkUnhealthy()
}

type languageLister interface {
	ListLanguages(ctx context.Context) ([]execclient.LanguageInfo, error)
}

// HealthGate caches a language-list probe against the execution service.
// A probe older than the configured interval is re-run on demand.
type HealthGate struct {
	lister   languageLister
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	probed    bool
	healthy   bool
	lastProbe time.Time
}

// NewHealthGate creates a gate that re-probes at most once per interval.
func NewHealthGate(lister languageLister, interval time.Duration) *HealthGate {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthGate{
		lister:   lister,
		interval: interval,
		now:      time.Now,
	}
}

// Healthy returns the cached verdict, re-probing once it has gone stale.
func (h *HealthGate) Healthy(ctx context.Context) bool {
	h.mu.Lock()
	if h.probed && h.now().Sub(h.lastProbe) < h.interval {
		healthy := h.healthy
		h.mu.Unlock()
		return healthy
	}
	h.mu.Unlock()

	return h.CheckNow(ctx)
}

// CheckNow probes immediately, bypassing the cache. The service is healthy
// when it answers with a non-empty language list.
func (h *HealthGate) CheckNow(ctx context.Context) bool {
	languages, err := h.lister.ListLanguages(ctx)
	healthy := err == nil && len(languages) > 0

	h.mu.Lock()
	h.probed = true
	h.healthy = healthy
	h.lastProbe = h.now()
	h.mu.Unlock()

	if !healthy {
		logger.Warn(ctx, "execution service health probe failed",
			zap.Int("languages", len(languages)),
			zap.Error(err))
	}
	return healthy
}

// MarkUnhealthy caches an unhealthy verdict for a full interval.
func (h *HealthGate) MarkUnhealthy() {
	h.mu.Lock()
	h.probed = true
	h.healthy = false
	h.lastProbe = h.now()
	h.mu.Unlock()
}
