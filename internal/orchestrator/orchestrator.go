// Package orchestrator sequences job creation, live tracking and the
// begin-processing command, and refreshes dependent views once a job ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/display"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
	"github.com/JakeFAU/keyword-job-tracker/internal/latch"
	"github.com/JakeFAU/keyword-job-tracker/internal/precheck"
	"github.com/JakeFAU/keyword-job-tracker/internal/status"
	"github.com/JakeFAU/keyword-job-tracker/internal/tracker"
)

var (
	// ErrJobFailed is returned when the service reports a job error.
	ErrJobFailed = errors.New("job failed")
	// ErrStartFailed is returned when the begin-processing command could not
	// be delivered.
	ErrStartFailed = errors.New("could not begin processing")
)

// Result classifies how tracking ended.
type Result string

// Tracking results.
const (
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
	ResultExhausted Result = "exhausted"
	ResultCanceled  Result = "canceled"
	// ResultNotStarted means the job stayed pending because begin-processing
	// was never accepted.
	ResultNotStarted Result = "not_started"
)

// Outcome summarizes one tracking session.
type Outcome struct {
	JobID  int64
	Result Result
	// Final is the terminal message the latch settled on.
	Final      job.ProgressMessage
	Reconnects int
	// Started reports whether the service accepted begin-processing from this
	// session.
	Started bool
}

// Refresher is a dependent view reloaded after a job completes.
type Refresher interface {
	Refresh(ctx context.Context, jobID int64) error
}

// Config controls session timing.
type Config struct {
	Tracker      tracker.Config
	StartTimeout time.Duration
	// StartAttempts bounds begin-processing requests per open connection.
	StartAttempts   int
	StartRetryDelay time.Duration
}

// Deps are the collaborators of an Orchestrator. API and Dialer are required.
type Deps struct {
	API     job.API
	Dialer  job.Dialer
	Clock   job.Clock
	Emitter status.Emitter
	Display *display.Model
	Panel   *display.StatusPanel
	IDs     tracker.IDGenerator
	Logger  *zap.Logger
}

// Orchestrator runs at most one tracking session at a time.
type Orchestrator struct {
	cfg        Config
	deps       Deps
	clock      job.Clock
	checker    *precheck.Checker
	refreshers []Refresher
	logger     *zap.Logger

	mu      sync.Mutex
	current *tracker.Session
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps, refreshers ...Refresher) *Orchestrator {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 3
	}
	if cfg.StartRetryDelay < 0 {
		cfg.StartRetryDelay = 0
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		clock:      clk,
		checker:    precheck.New(deps.API, logger.Named("precheck")),
		refreshers: refreshers,
		logger:     logger.Named("orchestrator"),
	}
}

// Analyze creates a job for seed and tracks it to the end. A job that is
// already terminal at creation is resolved without a live feed.
func (o *Orchestrator) Analyze(ctx context.Context, seed string) (Outcome, error) {
	brief, err := o.deps.API.CreateJob(ctx, seed)
	if err != nil {
		return Outcome{}, fmt.Errorf("create job: %w", err)
	}
	o.logger.Info("job created",
		zap.Int64("job_id", brief.ID),
		zap.String("seed", seed),
		zap.String("status", string(brief.Status)),
	)
	return o.track(ctx, precheck.FromBrief(brief))
}

// Track follows an existing job. The precheck decides whether a feed is needed.
func (o *Orchestrator) Track(ctx context.Context, id int64) (Outcome, error) {
	return o.track(ctx, o.checker.Check(ctx, id))
}

// Current returns the running session, if any.
func (o *Orchestrator) Current() *tracker.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Stop tears down the running session.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cur := o.current
	o.current = nil
	o.mu.Unlock()
	if cur != nil {
		cur.Stop()
	}
}

func (o *Orchestrator) track(ctx context.Context, pre precheck.Result) (Outcome, error) {
	id := pre.JobID
	started := latch.NewOnce[struct{}]()

	var handle *display.Handle
	if o.deps.Display != nil {
		handle = o.deps.Display.Bind(id)
	}
	if o.deps.Panel != nil {
		o.deps.Panel.Track(id)
	}

	var session *tracker.Session
	session = tracker.New(id, pre, o.cfg.Tracker, tracker.Deps{
		Dialer:  o.deps.Dialer,
		Clock:   o.clock,
		Emitter: o.deps.Emitter,
		Display: handle,
		IDs:     o.deps.IDs,
		Logger:  o.logger,
	}, tracker.Hooks{
		OnOpen: func(statusAtOpen job.Status) {
			o.onOpen(ctx, session, handle, pre, statusAtOpen, started)
		},
	})
	o.replace(session)
	defer o.release(session)

	err := session.Run(ctx)
	out := Outcome{
		JobID:      id,
		Reconnects: session.Stats().Reconnects,
		Started:    started.Fired(),
	}
	switch {
	case errors.Is(err, ErrStartFailed):
		out.Result = ResultNotStarted
		return out, fmt.Errorf("track job %d: %w", id, err)
	case errors.Is(err, tracker.ErrConnectionExhausted):
		out.Result = ResultExhausted
		return out, fmt.Errorf("track job %d: %w", id, err)
	case err != nil:
		out.Result = ResultCanceled
		return out, fmt.Errorf("track job %d: %w", id, err)
	}

	res, _ := session.Result()
	out.Final = res.Message
	if res.Failed {
		out.Result = ResultFailed
		return out, fmt.Errorf("%w: %s", ErrJobFailed, res.Message.FailureReason())
	}
	out.Result = ResultCompleted
	o.refresh(ctx, id)
	return out, nil
}

// onOpen sends the begin-processing command when the job was still pending
// at open time. It runs on the session event loop. The job only counts as
// started once the service accepted the command; when every attempt fails the
// session is aborted so a job that will never run is not watched forever.
func (o *Orchestrator) onOpen(ctx context.Context, session *tracker.Session, handle *display.Handle, pre precheck.Result, statusAtOpen job.Status, started *latch.Once[struct{}]) {
	logger := o.logger.With(zap.Int64("job_id", pre.JobID), zap.String("status_at_open", string(statusAtOpen)))
	if statusAtOpen != job.StatusPending {
		logger.Debug("job already running, resuming observation")
		return
	}
	if started.Fired() {
		return
	}
	if pre.Inconclusive && !o.confirmPending(ctx, session, pre.JobID) {
		return
	}
	if err := o.begin(ctx, pre.JobID, logger); err != nil {
		if ctx.Err() != nil {
			return
		}
		text := "could not begin processing: " + err.Error()
		logger.Error("begin-processing command failed", zap.Int("attempts", o.cfg.StartAttempts), zap.Error(err))
		if handle != nil {
			handle.SetNotice(text)
		}
		o.emit(status.Event{
			Kind:      status.KindError,
			JobID:     pre.JobID,
			SessionID: session.ID(),
			Message:   text,
			Final:     true,
		})
		session.Abort(fmt.Errorf("%w: %w", ErrStartFailed, err))
		return
	}
	started.Fire(struct{}{})
	logger.Info("begin-processing command sent")
}

// begin delivers the begin-processing command, retrying up to StartAttempts
// times. A job the service already started counts as delivered.
func (o *Orchestrator) begin(ctx context.Context, id int64, logger *zap.Logger) error {
	var err error
	for attempt := 1; attempt <= o.cfg.StartAttempts; attempt++ {
		startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartTimeout)
		err = o.deps.API.StartJob(startCtx, id)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, job.ErrAlreadyStarted) {
			logger.Info("job already started by the service")
			return nil
		}
		if ctx.Err() != nil || attempt == o.cfg.StartAttempts {
			break
		}
		logger.Warn("begin-processing attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if werr := o.wait(ctx, o.cfg.StartRetryDelay); werr != nil {
			break
		}
	}
	return err
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	wake := make(chan struct{})
	timer := o.clock.AfterFunc(d, func() { close(wake) })
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	}
}

func (o *Orchestrator) emit(evt status.Event) {
	if o.deps.Emitter == nil {
		return
	}
	evt.TS = o.clock.Now()
	evt.MaxAttempts = o.cfg.Tracker.MaxReconnectAttempts
	o.deps.Emitter.Emit(evt)
}

// confirmPending re-reads the status after an inconclusive precheck. A
// terminal answer is handed to the session as a racing completion signal.
func (o *Orchestrator) confirmPending(ctx context.Context, session *tracker.Session, id int64) bool {
	brief, err := o.deps.API.GetJob(ctx, id)
	if err != nil {
		o.logger.Warn("status recheck failed, assuming pending", zap.Int64("job_id", id), zap.Error(err))
		return true
	}
	if brief.ID == 0 {
		brief.ID = id
	}
	res := precheck.FromBrief(brief)
	if res.Terminal != nil {
		go session.SignalTerminal(*res.Terminal)
		return false
	}
	return brief.Status == job.StatusPending
}

func (o *Orchestrator) refresh(ctx context.Context, id int64) {
	for _, r := range o.refreshers {
		if err := r.Refresh(ctx, id); err != nil {
			o.logger.Warn("refresh after completion failed", zap.Int64("job_id", id), zap.Error(err))
		}
	}
}

// replace installs session as the current one, stopping its predecessor.
func (o *Orchestrator) replace(session *tracker.Session) {
	o.mu.Lock()
	prev := o.current
	o.current = session
	o.mu.Unlock()
	if prev != nil {
		o.logger.Info("replacing tracking session",
			zap.Int64("previous_job_id", prev.JobID()),
			zap.Int64("job_id", session.JobID()),
		)
		prev.Stop()
	}
}

func (o *Orchestrator) release(session *tracker.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == session {
		o.current = nil
	}
}
