package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

var stageNames = map[job.Stage]string{
	job.StageInitializing:          "Initializing",
	job.StageAnalyzingCooccurrence: "Analyzing co-occurring words",
	job.StageCalculatingVolume:     "Calculating search volume",
	job.StageAnalyzingCompetitors:  "Analyzing competitor keywords",
	job.StageCompleted:             "Analysis complete",
	job.StageError:                 "Error",
}

// StageName returns the display name for stage, falling back to the raw value.
func StageName(stage job.Stage) string {
	if name, ok := stageNames[stage]; ok {
		return name
	}
	if stage == "" {
		return "Waiting"
	}
	return string(stage)
}

const barWidth = 30

// Renderer prints one line per State change.
type Renderer struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

// NewRenderer writes to w.
func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

// Attach renders every change of m until the returned func is called.
func (r *Renderer) Attach(m *Model) func() {
	r.Render(m.Snapshot())
	return m.OnChange(r.Render)
}

// Render writes s unless it renders identically to the previous line.
func (r *Renderer) Render(s State) {
	line := Format(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.last {
		return
	}
	r.last = line
	_, _ = fmt.Fprintln(r.w, line)
}

// Format renders s as a single line.
func Format(s State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %d [%s] %s %5.1f%%", s.JobID, StageName(s.Stage), bar(s.Percent), s.Percent)
	if s.Message != "" {
		fmt.Fprintf(&b, " %s", s.Message)
	}
	switch {
	case s.ConnectionLost:
		fmt.Fprintf(&b, " | CONNECTION LOST: %s", s.Notice)
	case s.Failed:
		fmt.Fprintf(&b, " | FAILED: %s", s.FailureReason)
	case s.Notice != "":
		fmt.Fprintf(&b, " | %s", s.Notice)
	}
	return b.String()
}

func bar(percent float64) string {
	filled := int(percent / 100 * barWidth)
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}
