package display

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/keyword-job-tracker/internal/status"
)

// PanelState is what the connection status panel shows.
type PanelState struct {
	JobID             int64
	Connected         bool
	LastMessage       time.Time
	LastHeartbeat     time.Time
	ReconnectAttempts int
	LastError         string
}

// StatusPanel is a connection status widget fed only by status events. It
// holds no reference to the session that produces them.
type StatusPanel struct {
	mu    sync.Mutex
	state PanelState
}

// NewStatusPanel creates a panel with no tracked job.
func NewStatusPanel() *StatusPanel {
	return &StatusPanel{}
}

// Track resets the panel for jobID. Events for other jobs are ignored.
func (p *StatusPanel) Track(jobID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PanelState{JobID: jobID}
}

// Snapshot returns the current panel state.
func (p *StatusPanel) Snapshot() PanelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Consume implements status.Sink.
func (p *StatusPanel) Consume(_ context.Context, batch []status.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, evt := range batch {
		if p.state.JobID != 0 && evt.JobID != p.state.JobID {
			continue
		}
		switch evt.Kind {
		case status.KindConnect:
			p.state.Connected = true
			p.state.LastError = ""
		case status.KindDisconnect:
			p.state.Connected = false
		case status.KindMessage:
			p.state.LastMessage = evt.TS
		case status.KindHeartbeat:
			p.state.LastHeartbeat = evt.TS
		case status.KindError:
			p.state.Connected = false
			p.state.LastError = evt.Message
		case status.KindReconnect:
			p.state.ReconnectAttempts = evt.Attempts
		}
	}
	return nil
}

// Close implements status.Sink; it performs no action.
func (p *StatusPanel) Close(context.Context) error {
	return nil
}

// String renders the panel as a short multi-line block.
func (p *StatusPanel) String() string {
	s := p.Snapshot()
	var b strings.Builder
	if s.JobID == 0 {
		b.WriteString("job: none\n")
	} else {
		fmt.Fprintf(&b, "job: %d\n", s.JobID)
	}
	if s.Connected {
		b.WriteString("connection: connected\n")
	} else {
		b.WriteString("connection: disconnected\n")
	}
	fmt.Fprintf(&b, "last message: %s\n", clockText(s.LastMessage))
	fmt.Fprintf(&b, "last heartbeat: %s\n", clockText(s.LastHeartbeat))
	fmt.Fprintf(&b, "reconnects: %d\n", s.ReconnectAttempts)
	if s.LastError != "" {
		fmt.Fprintf(&b, "error: %s\n", s.LastError)
	}
	return b.String()
}

func clockText(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format(time.TimeOnly)
}
