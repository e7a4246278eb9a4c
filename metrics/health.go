package metrics

import (
	"sync"
	"time"
)

// Health records whether the pipeline has hit a condition it could not
// recover from on its own.
type Health struct {
	mu       sync.RWMutex
	degraded bool
	reason   string
	since    time.Time
}

type HealthStatus struct {
	Healthy bool      `json:"healthy"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

func NewHealth() *Health {
	return &Health{}
}

// Degrade marks the pipeline degraded. The first reason is kept until Recover.
func (h *Health) Degrade(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.degraded {
		return
	}
	h.degraded = true
	h.reason = reason
	h.since = time.Now()
}

func (h *Health) Recover() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = false
	h.reason = ""
	h.since = time.Time{}
}

func (h *Health) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthStatus{
		Healthy: !h.degraded,
		Reason:  h.reason,
		Since:   h.since,
	}
}
