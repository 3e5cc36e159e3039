package latch

import (
	"sync"
	"time"

	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

// Result is what the latch settled on.
type Result struct {
	Message job.ProgressMessage
	Failed  bool
}

// Hooks receive the single downstream notification of a latch. Hooks run on
// the goroutine that resolves the latch and must not call Cancel.
type Hooks struct {
	OnFinished func(job.ProgressMessage)
	OnFailed   func(job.ProgressMessage)
}

// Latch converts any number of terminal signals for one job into exactly one
// notification. A completed signal is delivered after the settling delay; an
// error signal is delivered immediately and never reports finished.
type Latch struct {
	settle time.Duration
	clock  job.Clock
	hooks  Hooks

	mu       sync.Mutex
	set      bool
	canceled bool
	timer    job.Timer
	inflight sync.WaitGroup

	result *Once[Result]
}

// New creates an unset Latch whose settle delay is measured on clk. A nil clk
// uses the system clock.
func New(settle time.Duration, clk job.Clock, hooks Hooks) *Latch {
	if settle < 0 {
		settle = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Latch{
		settle: settle,
		clock:  clk,
		hooks:  hooks,
		result: NewOnce[Result](),
	}
}

// Signal offers a message to the latch. Non-terminal messages are ignored.
// It reports whether this call set the latch; every call after the first
// terminal one is a no-op.
func (l *Latch) Signal(msg job.ProgressMessage) bool {
	if !msg.Terminal() {
		return false
	}
	l.mu.Lock()
	if l.set || l.canceled {
		l.mu.Unlock()
		return false
	}
	l.set = true
	if msg.Stage == job.StageError {
		l.inflight.Add(1)
		l.mu.Unlock()
		l.deliverFailure(msg)
		return true
	}
	l.timer = l.clock.AfterFunc(l.settle, func() { l.deliverFinished(msg) })
	l.mu.Unlock()
	return true
}

// Set reports whether a terminal signal has been accepted.
func (l *Latch) Set() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Done is closed after the notification has been delivered.
func (l *Latch) Done() <-chan struct{} {
	return l.result.Done()
}

// Result returns the delivered outcome, if any.
func (l *Latch) Result() (Result, bool) {
	return l.result.Value()
}

// Cancel drops a pending settle timer so the latch never notifies, and waits
// for a notification that is already running. It reports whether a pending
// notification was dropped.
func (l *Latch) Cancel() bool {
	l.mu.Lock()
	l.canceled = true
	dropped := false
	if l.timer != nil {
		dropped = l.timer.Stop()
	}
	l.mu.Unlock()
	l.inflight.Wait()
	return dropped
}

func (l *Latch) deliverFinished(msg job.ProgressMessage) {
	l.mu.Lock()
	if l.canceled {
		l.mu.Unlock()
		return
	}
	l.inflight.Add(1)
	l.mu.Unlock()
	defer l.inflight.Done()

	if l.hooks.OnFinished != nil {
		l.hooks.OnFinished(msg)
	}
	l.result.Fire(Result{Message: msg})
}

func (l *Latch) deliverFailure(msg job.ProgressMessage) {
	defer l.inflight.Done()
	if l.hooks.OnFailed != nil {
		l.hooks.OnFailed(msg)
	}
	l.result.Fire(Result{Message: msg, Failed: true})
}
