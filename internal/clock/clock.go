// Package clock provides the time sources used by the tracker.
package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

var (
	_ job.Clock = System{}
	_ job.Clock = (*Manual)(nil)
)

// System implements job.Clock using time.Now.
type System struct{}

// New creates a System clock.
func New() System {
	return System{}
}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs f on its own goroutine once d has elapsed.
func (System) AfterFunc(d time.Duration, f func()) job.Timer {
	return time.AfterFunc(d, f)
}

// Manual is a clock that only moves when told to. It is safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending map[uint64]*manualTimer
}

type manualTimer struct {
	owner *Manual
	id    uint64
	at    time.Time
	f     func()
}

// Stop cancels the callback if it has not run yet.
func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if _, ok := t.owner.pending[t.id]; !ok {
		return false
	}
	delete(t.owner.pending, t.id)
	return true
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, pending: make(map[uint64]*manualTimer)}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f for when the clock has been advanced by d. A
// non-positive d still waits for the next Advance.
func (m *Manual) AfterFunc(d time.Duration, f func()) job.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, id: m.seq, at: m.now.Add(d), f: f}
	m.pending[t.id] = t
	return t
}

// Pending returns the number of scheduled callbacks that have not run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Advance moves the clock forward by d and runs every callback that became
// due, in deadline order, on the calling goroutine.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due []*manualTimer
	for id, t := range m.pending {
		if !t.at.After(m.now) {
			due = append(due, t)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}
