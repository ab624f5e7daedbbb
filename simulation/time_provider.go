package simulation

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/transformer/media"
)

// MockTimeProvider is a media.TimeProvider with a manually advanced clock.
// Callbacks scheduled with AfterFunc fire synchronously from Advance, in
// deadline order, on the goroutine calling Advance.
//
// Usage for deterministic testing:
//
//	clock := simulation.NewMockTimeProvider(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
//	wrapper := muxer.NewWrapper(sink, onError, muxer.WithTimeProvider(clock))
//	clock.Advance(5 * time.Second)
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
	timers      []*mockTimer
}

type mockTimer struct {
	provider *MockTimeProvider
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewMockTimeProvider creates a MockTimeProvider starting at startTime.
func NewMockTimeProvider(startTime time.Time) *MockTimeProvider {
	return &MockTimeProvider{currentTime: startTime}
}

// Now returns the mock's current time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (m *MockTimeProvider) AfterFunc(d time.Duration, f func()) media.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{provider: m, deadline: m.currentTime.Add(d), fn: f}
	m.timers = append(m.timers, t)
	return t
}

// Stop cancels the timer. It reports whether the call stopped the timer.
func (t *mockTimer) Stop() bool {
	t.provider.mu.Lock()
	defer t.provider.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires every timer that became due.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.currentTime = m.currentTime.Add(d)
	now := m.currentTime

	var due []*mockTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(now):
			t.fired = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

// ActiveTimers returns the number of scheduled timers that have neither
// fired nor been stopped.
func (m *MockTimeProvider) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
