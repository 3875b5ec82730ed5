package status

import "sync"

type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Failed   Health = "failed"
)

// probeHealth counts consecutive sampling failures. One failure degrades the
// report; threshold consecutive failures mark it failed. A success resets.
type probeHealth struct {
	mu        sync.Mutex
	failures  int
	lastErr   string
	threshold int
}

func newProbeHealth(threshold int) *probeHealth {
	if threshold < 1 {
		threshold = 1
	}
	return &probeHealth{threshold: threshold}
}

func (h *probeHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
}

func (h *probeHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
}

// snapshot returns a consistent copy under the lock.
func (h *probeHealth) snapshot() (status Health, failures int, lastErr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.failures >= h.threshold:
		status = Failed
	case h.failures > 0:
		status = Degraded
	default:
		status = Healthy
	}
	return status, h.failures, h.lastErr
}
