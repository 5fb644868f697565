package agent

import (
	"sync"
	"time"

	"github.com/trinnode/Sentinel"
)

// Health smooths raw per-cycle probe outcomes into a debounced healthy/
// unhealthy signal for metrics and dashboards. It never feeds back into the
// Reporter's s/s_prev comparison (spec.md §4.4 operates on the raw,
// per-cycle HealthCheckResult.Status) — it exists purely so a single flaky
// probe doesn't flap an operator-facing gauge.
type Health struct {
	mu sync.RWMutex

	healthy bool

	failures  int
	successes int

	failThreshold    int
	successThreshold int

	lastCheck time.Time

	failTotal    uint64
	successTotal uint64
}

// NewHealth returns a tracker that flips to unhealthy after failThreshold
// consecutive failures and back to healthy after successThreshold
// consecutive successes.
func NewHealth(successThreshold, failThreshold int) *Health {
	return &Health{
		healthy:          true,
		failThreshold:    failThreshold,
		successThreshold: successThreshold,
	}
}

// Observe feeds one probe cycle's result into the tracker.
func (h *Health) Observe(result sentinel.HealthCheckResult) {
	if result.Status == sentinel.StatusHealthy {
		h.recordSuccess()
	} else {
		h.recordFail()
	}
}

func (h *Health) recordFail() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failTotal++
	h.lastCheck = time.Now()
	h.failures++
	h.successes = 0

	if h.failures >= h.failThreshold {
		h.healthy = false
	}
}

func (h *Health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.successTotal++
	h.lastCheck = time.Now()
	h.successes++
	h.failures = 0

	if h.successes >= h.successThreshold {
		h.healthy = true
	}
}

// Healthy reports the current debounced status.
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.healthy
}

// FailedTotal returns the lifetime count of unhealthy probe cycles.
func (h *Health) FailedTotal() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.failTotal
}

// SuccessTotal returns the lifetime count of healthy probe cycles.
func (h *Health) SuccessTotal() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.successTotal
}
