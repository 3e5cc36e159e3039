// Package tracker implements the live feed connection manager of a tracked
// job: one Session per job, driven by a single event loop goroutine.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/display"
	"github.com/JakeFAU/keyword-job-tracker/internal/heartbeat"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
	"github.com/JakeFAU/keyword-job-tracker/internal/latch"
	"github.com/JakeFAU/keyword-job-tracker/internal/metrics"
	"github.com/JakeFAU/keyword-job-tracker/internal/precheck"
	"github.com/JakeFAU/keyword-job-tracker/internal/status"
)

var (
	// ErrConnectionExhausted is returned by Run once the reconnect budget is spent.
	ErrConnectionExhausted = errors.New("could not maintain connection")
	// ErrStopped is returned by Run when the session was stopped before the job ended.
	ErrStopped = errors.New("tracking stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("session already running")
)

// Config controls reconnect and completion timing.
type Config struct {
	// MaxReconnectAttempts bounds consecutive reconnect attempts. The counter
	// resets whenever a connection opens.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// SettleDelay postpones the finished notification after completion.
	SettleDelay      time.Duration
	HeartbeatEnabled bool
	Heartbeat        heartbeat.Config
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		SettleDelay:          time.Second,
		HeartbeatEnabled:     true,
		Heartbeat:            heartbeat.Config{Interval: 5 * time.Second, Timeout: 35 * time.Second},
	}
}

// IDGenerator names sessions for log and event correlation.
type IDGenerator interface {
	SessionID() string
}

// Deps are the collaborators of a Session. Only Dialer is required.
type Deps struct {
	Dialer  job.Dialer
	Clock   job.Clock
	Emitter status.Emitter
	Display *display.Handle
	IDs     IDGenerator
	Logger  *zap.Logger
}

// Hooks observe session milestones. OnOpen and OnExhausted run on the event
// loop; OnFinished and OnFailed run on the goroutine that resolves the latch.
// No hook may call Stop; Abort is safe from any hook.
type Hooks struct {
	// OnOpen receives the job status known when the connection opened.
	OnOpen      func(statusAtOpen job.Status)
	OnFinished  func(job.ProgressMessage)
	OnFailed    func(job.ProgressMessage)
	OnExhausted func(attempts int)
}

// Stats are counters observable while the session runs.
type Stats struct {
	// Reconnects counts every reconnect attempt of the session.
	Reconnects int
	// Attempts is the current consecutive attempt count.
	Attempts    int
	Connections int
	Messages    int
	Heartbeats  int
	Dropped     int
	Generation  uint64
}

type frame struct {
	gen uint64
	raw []byte
	err error
}

type timeout struct {
	gen     uint64
	elapsed time.Duration
}

// Session tracks one job. Feed, latch and attempt counter are private to the
// event loop.
type Session struct {
	jobID  int64
	id     string
	cfg    Config
	deps   Deps
	hooks  Hooks
	pre    precheck.Result
	clock  job.Clock
	logger *zap.Logger

	latch   *latch.Latch
	monitor *heartbeat.Monitor

	frames   chan frame
	timeouts chan timeout
	signals  chan job.ProgressMessage
	due      chan uint64
	stopped  chan struct{}
	done     chan struct{}
	readers  sync.WaitGroup

	// event loop state
	feed     job.Feed
	gen      uint64
	attempts int
	timer    job.Timer
	timerSeq uint64
	known    job.Status

	mu            sync.Mutex
	state         State
	stats         Stats
	started       bool
	stopRequested bool
	abortErr      error
	cancel        context.CancelFunc
}

// New prepares a Session for jobID using the precheck decision pre.
func New(jobID int64, pre precheck.Result, cfg Config, deps Deps, hooks Hooks) *Session {
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	id := fmt.Sprintf("job-%d", jobID)
	if deps.IDs != nil {
		id = deps.IDs.SessionID()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tracker").With(zap.Int64("job_id", jobID), zap.String("session_id", id))
	if pre.Terminal == nil {
		pre.FeedRequired = true
	}

	s := &Session{
		jobID:    jobID,
		id:       id,
		cfg:      cfg,
		deps:     deps,
		hooks:    hooks,
		pre:      pre,
		clock:    clk,
		logger:   logger,
		frames:   make(chan frame),
		timeouts: make(chan timeout, 1),
		signals:  make(chan job.ProgressMessage, 1),
		due:      make(chan uint64),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		known:    pre.Status,
	}
	s.latch = latch.New(cfg.SettleDelay, clk, latch.Hooks{
		OnFinished: s.finished,
		OnFailed:   s.failed,
	})
	if cfg.HeartbeatEnabled {
		s.monitor = heartbeat.New(cfg.Heartbeat, clk, s.heartbeatExpired, logger)
	}
	return s
}

// ID returns the session correlation id.
func (s *Session) ID() string {
	return s.id
}

// JobID returns the tracked job.
func (s *Session) JobID() int64 {
	return s.jobID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Result returns the latched terminal outcome once it has been delivered.
func (s *Session) Result() (latch.Result, bool) {
	return s.latch.Result()
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until the job reaches a terminal stage, the
// reconnect budget is spent or the session is stopped. It returns nil once the
// terminal notification has been delivered; inspect Result for the outcome.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.stopRequested {
		cancel()
	}
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	metrics.IncActiveSessions()
	defer metrics.DecActiveSessions()

	s.logger.Info("tracking session started",
		zap.Bool("feed_required", s.pre.FeedRequired),
		zap.String("status", string(s.pre.Status)),
		zap.Bool("inconclusive", s.pre.Inconclusive),
	)
	s.show(s.pre.Initial)

	err := s.loop(ctx)
	s.teardown()
	s.observeOutcome(err)
	return err
}

// Stop cancels the session and waits for Run to return. It is safe to call
// before Run, more than once, and from any goroutine other than a hook.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	cancel, started := s.cancel, s.started
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-s.done
}

// Abort ends the session with err instead of waiting for a terminal stage.
// Run returns err once the loop has torn down. Unlike Stop it does not wait,
// so hooks may call it. Only the first abort error is kept.
func (s *Session) Abort(err error) {
	s.mu.Lock()
	if s.abortErr == nil {
		s.abortErr = err
	}
	s.stopRequested = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SignalTerminal offers a terminal message observed outside the feed, such
// as a status poll. It races safely with the feed; the latch keeps the first.
// It reports false when the session has already torn down.
func (s *Session) SignalTerminal(msg job.ProgressMessage) bool {
	if !msg.Terminal() {
		return false
	}
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.signals <- msg:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Session) loop(ctx context.Context) error {
	if s.pre.FeedRequired {
		s.connect(ctx)
	} else {
		s.transition(StateClosedNormal)
		s.latch.Signal(*s.pre.Terminal)
	}
	for {
		if s.State() == StateExhausted {
			return ErrConnectionExhausted
		}
		select {
		case <-ctx.Done():
			if err := s.aborted(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		case <-s.latch.Done():
			return nil
		case f := <-s.frames:
			s.handleFrame(f)
		case t := <-s.timeouts:
			s.handleTimeout(t)
		case msg := <-s.signals:
			s.handleExternal(msg)
		case seq := <-s.due:
			if s.timer == nil || seq != s.timerSeq {
				continue
			}
			s.timer = nil
			s.connect(ctx)
		}
	}
}

func (s *Session) aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr
}

func (s *Session) connect(ctx context.Context) {
	if !s.transition(StateConnecting) {
		return
	}
	feed, err := s.deps.Dialer.Dial(ctx, s.jobID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.connectionLost(err, false)
		return
	}
	if ctx.Err() != nil {
		_ = feed.Close()
		return
	}
	s.gen++
	s.feed = feed
	s.attempts = 0
	s.transition(StateOpen)
	s.mu.Lock()
	s.stats.Connections++
	s.stats.Attempts = 0
	s.stats.Generation = s.gen
	s.mu.Unlock()

	s.logger.Info("feed open", zap.Uint64("generation", s.gen), zap.String("status_at_open", string(s.known)))
	if s.deps.Display != nil {
		s.deps.Display.BeginConnection()
	}
	s.emit(status.Event{Kind: status.KindConnect})
	if s.monitor != nil {
		s.monitor.Start(s.gen)
	}
	s.readers.Add(1)
	go s.read(s.gen, feed)
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen(s.known)
	}
}

func (s *Session) read(gen uint64, feed job.Feed) {
	defer s.readers.Done()
	for {
		raw, err := feed.ReadMessage()
		select {
		case s.frames <- frame{gen: gen, raw: raw, err: err}:
		case <-s.stopped:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleFrame(f frame) {
	if f.gen != s.gen || s.feed == nil {
		if f.err == nil {
			s.drop("stale", nil)
		}
		return
	}
	if f.err != nil {
		s.connectionLost(f.err, true)
		return
	}
	msg, err := job.ParseMessage(f.raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, job.ErrUnknownMessage) {
			reason = "unknown"
		}
		s.drop(reason, err)
		return
	}
	if s.monitor != nil {
		s.monitor.Touch()
	}
	if msg.IsHeartbeat() {
		s.mu.Lock()
		s.stats.Heartbeats++
		s.mu.Unlock()
		s.emit(status.Event{Kind: status.KindHeartbeat})
		return
	}

	s.mu.Lock()
	s.stats.Messages++
	s.mu.Unlock()
	if !msg.Terminal() {
		s.known = job.StatusProcessing
	}
	s.show(msg)
	s.emit(status.Event{Kind: status.KindMessage, Stage: msg.Stage, Percent: msg.Percent, Message: msg.Message})
	if msg.Terminal() {
		s.latch.Signal(msg)
		s.closeIntentionally()
	}
}

func (s *Session) handleTimeout(t timeout) {
	if t.gen != s.gen || s.feed == nil {
		return
	}
	metrics.ObserveHeartbeatTimeout()
	s.connectionLost(fmt.Errorf("heartbeat timeout: no signal for %s", t.elapsed.Round(time.Second)), true)
}

func (s *Session) handleExternal(msg job.ProgressMessage) {
	if s.latch.Set() {
		return
	}
	s.show(msg)
	s.latch.Signal(msg)
	if s.feed != nil {
		s.closeIntentionally()
		return
	}
	s.stopTimer()
	switch s.State() {
	case StateReconnecting, StateClosedError:
		s.transition(StateClosedNormal)
	}
}

// connectionLost handles a failed dial or a dropped connection.
func (s *Session) connectionLost(err error, wasOpen bool) {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.feed != nil {
		_ = s.feed.Abort()
		s.feed = nil
	}
	if wasOpen && job.IsNormalClosure(err) {
		s.transition(StateClosedNormal)
		s.logger.Info("feed closed by server before the job ended", zap.Error(err))
		s.emit(status.Event{Kind: status.KindDisconnect})
	} else {
		s.transition(StateClosedError)
		s.logger.Warn("feed connection error", zap.Bool("was_open", wasOpen), zap.Error(err))
		s.emit(status.Event{Kind: status.KindError, Message: err.Error()})
		if wasOpen {
			s.emit(status.Event{Kind: status.KindDisconnect})
		}
		s.notice("connection error: " + err.Error())
	}
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if s.latch.Set() {
		return
	}
	ceiling := s.cfg.MaxReconnectAttempts
	if s.attempts >= ceiling {
		s.transition(StateExhausted)
		text := fmt.Sprintf("could not maintain connection after %d reconnect attempts", s.attempts)
		s.logger.Error("reconnect budget exhausted", zap.Int("attempt", s.attempts))
		if s.deps.Display != nil {
			s.deps.Display.SetConnectionLost(text)
		}
		s.emit(status.Event{Kind: status.KindError, Message: text, Final: true, Attempts: s.attempts})
		if s.hooks.OnExhausted != nil {
			s.hooks.OnExhausted(s.attempts)
		}
		return
	}
	s.transition(StateReconnecting)
	s.attempts++
	s.mu.Lock()
	s.stats.Reconnects++
	s.stats.Attempts = s.attempts
	s.mu.Unlock()
	metrics.ObserveReconnect()

	s.logger.Info("scheduling reconnect", zap.Int("attempt", s.attempts), zap.Duration("delay", s.cfg.ReconnectDelay))
	s.notice(fmt.Sprintf("reconnecting, attempt %d/%d", s.attempts, ceiling))
	s.emit(status.Event{Kind: status.KindReconnect, Attempts: s.attempts})
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(s.cfg.ReconnectDelay, func() {
		select {
		case s.due <- seq:
		case <-s.stopped:
		}
	})
}

// closeIntentionally records closed_normal and then closes the feed with the
// normal-closure code, so the close can never be mistaken for a drop.
func (s *Session) closeIntentionally() {
	if s.feed == nil {
		return
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.transition(StateClosedNormal)
	feed := s.feed
	s.feed = nil
	if err := feed.Close(); err != nil {
		s.logger.Debug("intentional close failed", zap.Error(err))
	}
	s.emit(status.Event{Kind: status.KindDisconnect})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// teardown runs once the loop has exited: heartbeat, reconnect timer, feed,
// then the settle timer.
func (s *Session) teardown() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.stopTimer()
	if s.feed != nil {
		s.closeIntentionally()
	} else {
		switch s.State() {
		case StateConnecting, StateReconnecting, StateClosedError:
			s.transition(StateClosedNormal)
		}
	}
	if s.latch.Cancel() {
		s.logger.Debug("pending finished notification dropped")
	}
	close(s.stopped)
	s.readers.Wait()
}

func (s *Session) heartbeatExpired(gen uint64, elapsed time.Duration) {
	select {
	case s.timeouts <- timeout{gen: gen, elapsed: elapsed}:
	case <-s.stopped:
	}
}

func (s *Session) finished(msg job.ProgressMessage) {
	s.logger.Info("job finished", zap.String("message", msg.Message))
	if s.hooks.OnFinished != nil {
		s.hooks.OnFinished(msg)
	}
}

func (s *Session) failed(msg job.ProgressMessage) {
	s.logger.Warn("job failed", zap.String("reason", msg.FailureReason()))
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(msg)
	}
}

func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.Warn("illegal state transition rejected",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.logger.Debug("state transition", zap.Stringer("from", from), zap.Stringer("state", to))
	return true
}

func (s *Session) drop(reason string, err error) {
	s.mu.Lock()
	s.stats.Dropped++
	s.mu.Unlock()
	metrics.ObserveDroppedMessage(reason)
	if err != nil {
		s.logger.Warn("dropping feed message", zap.String("reason", reason), zap.Error(err))
		return
	}
	s.logger.Debug("dropping feed message", zap.String("reason", reason))
}

func (s *Session) show(msg job.ProgressMessage) {
	if s.deps.Display != nil && msg.Type != "" {
		s.deps.Display.ApplyProgress(msg)
	}
}

func (s *Session) notice(text string) {
	if s.deps.Display != nil {
		s.deps.Display.SetNotice(text)
	}
}

func (s *Session) emit(evt status.Event) {
	if s.deps.Emitter == nil {
		return
	}
	evt.JobID = s.jobID
	evt.SessionID = s.id
	evt.TS = s.clock.Now()
	evt.MaxAttempts = s.cfg.MaxReconnectAttempts
	s.deps.Emitter.Emit(evt)
}

func (s *Session) observeOutcome(err error) {
	outcome := metrics.OutcomeCanceled
	switch {
	case errors.Is(err, ErrConnectionExhausted):
		outcome = metrics.OutcomeExhausted
	case err == nil:
		outcome = metrics.OutcomeCompleted
		if res, ok := s.latch.Result(); ok && res.Failed {
			outcome = metrics.OutcomeFailed
		}
	}
	s.logger.Info("tracking session ended", zap.String("outcome", outcome), zap.Stringer("state", s.State()))
	metrics.ObserveSession(outcome)
}
