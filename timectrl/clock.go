package timectrl

import (
	"sync"
	"time"
)

// Source supplies wall-clock time. Tests inject a ManualSource so frame
// timing and backend deadlines are deterministic.
type Source interface {
	Now() time.Time
}

// SystemSource reads the system clock.
type SystemSource struct{}

// Now implements Source.
func (SystemSource) Now() time.Time { return time.Now() }

// ManualSource is a Source that only moves when told to.
type ManualSource struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualSource starts at t.
func NewManualSource(t time.Time) *ManualSource {
	return &ManualSource{now: t}
}

// Now implements Source.
func (m *ManualSource) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the source forward by d and returns the new time.
func (m *ManualSource) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps to t.
func (m *ManualSource) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
