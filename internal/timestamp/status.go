package timestamp

import (
	"sync"
	"time"
)

// Diagnostic status codes
const (
	StatusOK      = "OK"
	StatusError   = "ERROR"
	StatusUnknown = "UNKNOWN"
)

// ProviderStatus is the last known state of one TSA
type ProviderStatus struct {
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// StatusMap records the outcome of the latest request to each TSA
type StatusMap struct {
	mu    sync.RWMutex
	items map[string]ProviderStatus
	now   func() time.Time
}

// NewStatusMap creates an empty status map
func NewStatusMap(now func() time.Time) *StatusMap {
	if now == nil {
		now = time.Now
	}
	return &StatusMap{items: make(map[string]ProviderStatus), now: now}
}

// Success marks url healthy
func (m *StatusMap) Success(url string) {
	m.set(ProviderStatus{URL: url, Status: StatusOK, CheckedAt: m.now()})
}

// Failure marks url failed with err
func (m *StatusMap) Failure(url string, err error) {
	m.set(ProviderStatus{URL: url, Status: StatusError, Error: err.Error(), CheckedAt: m.now()})
}

func (m *StatusMap) set(s ProviderStatus) {
	m.mu.Lock()
	m.items[s.URL] = s
	m.mu.Unlock()
}

// Snapshot returns a copy of all statuses
func (m *StatusMap) Snapshot() map[string]ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProviderStatus, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}
