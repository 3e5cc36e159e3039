// Package display holds the user-visible progress state for the tracked job
// and renders it to a terminal.
package display

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

// State is a snapshot of what the user sees.
type State struct {
	JobID   int64
	Stage   job.Stage
	Percent float64
	Message string
	Details json.RawMessage
	// Notice is a transient connection notice shown next to the progress,
	// such as a connection error or a reconnect attempt.
	Notice string
	// Failed marks a job error reported by the server.
	Failed        bool
	FailureReason string
	// ConnectionLost marks the exhausted state. It is distinct from Failed.
	ConnectionLost bool
	UpdatedAt      time.Time
}

// Finished reports whether the state shows a terminal job stage.
func (s State) Finished() bool {
	return s.Stage.Terminal()
}

// Model stores the displayed State. Mutations go through a Handle obtained
// from Bind so that a torn-down session cannot write into the state of the
// session that replaced it.
type Model struct {
	clock job.Clock

	mu        sync.Mutex
	state     State
	token     uint64
	fresh     bool
	listeners map[uint64]func(State)
	nextID    uint64
}

// NewModel creates an empty Model.
func NewModel(clk job.Clock) *Model {
	return &Model{clock: clk, listeners: make(map[uint64]func(State))}
}

// Bind resets the model for jobID and returns the only Handle allowed to
// mutate it. Handles from earlier Bind calls become inert.
func (m *Model) Bind(jobID int64) *Handle {
	m.mu.Lock()
	m.token++
	m.state = State{JobID: jobID, UpdatedAt: m.now()}
	m.fresh = true
	token := m.token
	snap := m.state
	listeners := m.listenersLocked()
	m.mu.Unlock()
	notify(listeners, snap)
	return &Handle{model: m, token: token}
}

// Snapshot returns the current State.
func (m *Model) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers fn to run after every accepted mutation. fn runs on the
// mutating goroutine, outside the model lock. The returned func unregisters it.
func (m *Model) OnChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Model) now() time.Time {
	if m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.Now()
}

func (m *Model) listenersLocked() []func(State) {
	out := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

// update applies fn under the lock when token is current and notifies
// listeners. It reports whether the mutation was accepted.
func (m *Model) update(token uint64, fn func(*State) bool) bool {
	m.mu.Lock()
	if token != m.token {
		m.mu.Unlock()
		return false
	}
	if !fn(&m.state) {
		m.mu.Unlock()
		return false
	}
	m.state.UpdatedAt = m.now()
	snap := m.state
	listeners := m.listenersLocked()
	m.mu.Unlock()
	notify(listeners, snap)
	return true
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

// Handle is a session-scoped writer for a Model.
type Handle struct {
	model *Model
	token uint64
}

// Current reports whether the handle still owns the model.
func (h *Handle) Current() bool {
	h.model.mu.Lock()
	defer h.model.mu.Unlock()
	return h.token == h.model.token
}

// BeginConnection marks the start of a new feed connection. The first
// progress message afterwards may lower the displayed percent.
func (h *Handle) BeginConnection() bool {
	return h.model.update(h.token, func(*State) bool {
		h.model.fresh = true
		return true
	})
}

// ApplyProgress shows msg. Within one connection the displayed percent never
// decreases; a lower value is clamped to the previous one. A terminal error
// keeps the last percent and records the failure reason.
func (h *Handle) ApplyProgress(msg job.ProgressMessage) bool {
	if msg.IsHeartbeat() {
		return false
	}
	return h.model.update(h.token, func(s *State) bool {
		percent := msg.Percent
		switch {
		case msg.Stage == job.StageError && s.Stage != "":
			percent = s.Percent
		case !h.model.fresh && percent < s.Percent:
			percent = s.Percent
		}
		if msg.Stage == job.StageError {
			s.Failed = true
			s.FailureReason = msg.FailureReason()
		}
		h.model.fresh = false
		s.Stage = msg.Stage
		s.Percent = percent
		s.Message = msg.Message
		s.Details = msg.Details
		s.Notice = ""
		return true
	})
}

// SetNotice shows a transient connection notice without touching progress.
func (h *Handle) SetNotice(notice string) bool {
	return h.model.update(h.token, func(s *State) bool {
		if s.ConnectionLost {
			return false
		}
		s.Notice = notice
		return true
	})
}

// SetConnectionLost switches to the persistent exhausted state.
func (h *Handle) SetConnectionLost(notice string) bool {
	return h.model.update(h.token, func(s *State) bool {
		s.ConnectionLost = true
		s.Notice = notice
		return true
	})
}
