package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/display"
	"github.com/JakeFAU/keyword-job-tracker/internal/heartbeat"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
	"github.com/JakeFAU/keyword-job-tracker/internal/precheck"
	"github.com/JakeFAU/keyword-job-tracker/internal/status"
)

func pendingPrecheck(id int64) precheck.Result {
	return precheck.FromBrief(job.Brief{ID: id, Status: job.StatusPending})
}

func TestSession_CreatedJobCompletes(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	model := display.NewModel(nil)
	cfg := testConfig()
	s := New(1, pendingPrecheck(1), cfg, Deps{
		Dialer:  dialer,
		Emitter: rec.emitter(),
		Display: model.Bind(1),
	}, rec.hooks())
	done := start(t, s)

	f := await(t, dialer.opened)
	require.Eventually(t, func() bool { return len(rec.Opens()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []job.Status{job.StatusPending}, rec.Opens())

	f.send(progressFrame(t, job.StageInitializing, 0, job.InitializingDetails{Keyword: "coffee"}))
	f.send(progressFrame(t, job.StageAnalyzingCooccurrence, 40, job.CooccurrenceDetails{FoundWords: 12}))
	sentCompleted := time.Now()
	f.send(completedFrame(t))

	res := await(t, done)
	require.NoError(t, res.err)

	finished := rec.Finished()
	require.Len(t, finished, 1)
	require.GreaterOrEqual(t, finished[0].Sub(sentCompleted), cfg.SettleDelay)
	require.True(t, f.ClosedNormally())
	require.Equal(t, StateClosedNormal, s.State())
	require.Equal(t, 1, dialer.Dials())

	snap := model.Snapshot()
	require.Equal(t, 100.0, snap.Percent)
	require.Equal(t, job.StageCompleted, snap.Stage)

	result, ok := s.Result()
	require.True(t, ok)
	require.False(t, result.Failed)

	stats := s.Stats()
	require.Equal(t, 3, stats.Messages)
	require.Equal(t, 0, stats.Reconnects)
	require.Len(t, rec.Events(status.KindConnect), 1)
	require.Len(t, rec.Events(status.KindMessage), 3)
	require.Len(t, rec.Events(status.KindDisconnect), 1)
	require.Empty(t, rec.Events(status.KindReconnect))
	require.Never(t, func() bool { return len(rec.Finished()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSession_ReconnectAndSettleFollowClock(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	dialer := newFakeDialer(func(n int) error {
		if n == 0 {
			return errors.New("connection refused")
		}
		return nil
	})
	rec := &recorder{}
	cfg := testConfig()
	cfg.ReconnectDelay = 3 * time.Second
	cfg.SettleDelay = time.Second
	s := New(11, pendingPrecheck(11), cfg, Deps{Dialer: dialer, Clock: clk, Emitter: rec.emitter()}, rec.hooks())
	done := start(t, s)

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, dialer.Dials())
	require.Equal(t, StateReconnecting, s.State())

	clk.Advance(2 * time.Second)
	require.Never(t, func() bool { return dialer.Dials() > 1 }, 30*time.Millisecond, 2*time.Millisecond)

	clk.Advance(time.Second)
	f := await(t, dialer.opened)
	require.Equal(t, 2, dialer.Dials())

	f.send(completedFrame(t))
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	require.Empty(t, rec.Finished(), "finished waits for the settle delay")

	clk.Advance(time.Second)
	res := await(t, done)
	require.NoError(t, res.err)
	require.Len(t, rec.Finished(), 1)
	require.Equal(t, 1, s.Stats().Reconnects)
}

func TestSession_ThreeDropsThenCompletes(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	cfg := testConfig()
	cfg.ReconnectDelay = 20 * time.Millisecond
	s := New(2, pendingPrecheck(2), cfg, Deps{Dialer: dialer, Emitter: rec.emitter()}, rec.hooks())
	done := start(t, s)

	var dropped []time.Time
	for i := 0; i < 3; i++ {
		f := await(t, dialer.opened)
		f.send(progressFrame(t, job.StageCalculatingVolume, float64(20*(i+1)), nil))
		dropped = append(dropped, time.Now())
		f.drop(&job.CloseError{Code: 1006, Reason: "abnormal closure"})
	}
	last := await(t, dialer.opened)
	last.send(completedFrame(t))

	require.NoError(t, await(t, done).err)
	require.Equal(t, 3, s.Stats().Reconnects)
	require.Equal(t, 4, s.Stats().Connections)
	require.Len(t, rec.Finished(), 1)
	require.Empty(t, rec.Exhausted())
	for _, evt := range rec.Events(status.KindError) {
		require.False(t, evt.Final)
	}

	dials := dialer.DialTimes()
	require.Len(t, dials, 4)
	for i, at := range dropped {
		require.GreaterOrEqual(t, dials[i+1].Sub(at), cfg.ReconnectDelay)
	}

	reconnects := rec.Events(status.KindReconnect)
	require.Len(t, reconnects, 3)
	for _, evt := range reconnects {
		require.Equal(t, 1, evt.Attempts, "the attempt counter resets on every successful open")
	}
	require.Equal(t, []job.Status{job.StatusPending, job.StatusProcessing, job.StatusProcessing, job.StatusProcessing}, rec.Opens())
}

func TestSession_SixthFailureExhausts(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(func(int) error { return errors.New("connection refused") })
	rec := &recorder{}
	model := display.NewModel(nil)
	s := New(3, pendingPrecheck(3), testConfig(), Deps{
		Dialer:  dialer,
		Emitter: rec.emitter(),
		Display: model.Bind(3),
	}, rec.hooks())
	done := start(t, s)

	err := await(t, done).err
	require.ErrorIs(t, err, ErrConnectionExhausted)
	require.Equal(t, StateExhausted, s.State())
	require.Equal(t, 6, dialer.Dials())
	require.Equal(t, 5, s.Stats().Reconnects)
	require.Equal(t, []int{5}, rec.Exhausted())
	require.Empty(t, rec.Finished())

	errs := rec.Events(status.KindError)
	require.Len(t, errs, 7)
	require.True(t, errs[len(errs)-1].Final)
	attempts := rec.Events(status.KindReconnect)
	require.Len(t, attempts, 5)
	require.Equal(t, 5, attempts[4].Attempts)

	snap := model.Snapshot()
	require.True(t, snap.ConnectionLost)
	require.False(t, snap.Failed)
	require.Never(t, func() bool { return dialer.Dials() > 6 }, 60*time.Millisecond, 5*time.Millisecond)
}

func TestSession_AttemptCeilingIsConsecutive(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(func(n int) error {
		if n == 4 {
			return nil
		}
		return errors.New("connection refused")
	})
	rec := &recorder{}
	s := New(4, pendingPrecheck(4), testConfig(), Deps{Dialer: dialer, Emitter: rec.emitter()}, rec.hooks())
	done := start(t, s)

	f := await(t, dialer.opened)
	f.drop(errors.New("connection reset by peer"))

	require.ErrorIs(t, await(t, done).err, ErrConnectionExhausted)
	require.Equal(t, 10, dialer.Dials())
	require.Equal(t, 9, s.Stats().Reconnects)
	require.Equal(t, []int{5}, rec.Exhausted())
}

func TestSession_PrecheckCompletedNeverDials(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	model := display.NewModel(nil)
	pre := precheck.FromBrief(job.Brief{ID: 5, Status: job.StatusCompleted, TotalResult: 50000, SeedResult: 8000})
	s := New(5, pre, testConfig(), Deps{Dialer: dialer, Emitter: rec.emitter(), Display: model.Bind(5)}, rec.hooks())
	done := start(t, s)

	require.Eventually(t, func() bool { return model.Snapshot().Stage == job.StageCompleted }, time.Second, time.Millisecond)
	require.Equal(t, 100.0, model.Snapshot().Percent)

	require.NoError(t, await(t, done).err)
	require.Equal(t, 0, dialer.Dials())
	require.Empty(t, rec.Opens())
	require.Len(t, rec.Finished(), 1)
	require.Empty(t, rec.Events(status.KindConnect))
	require.Equal(t, StateClosedNormal, s.State())
}

func TestSession_JobErrorSurfacesWithoutFinished(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	model := display.NewModel(nil)
	s := New(6, pendingPrecheck(6), testConfig(), Deps{Dialer: dialer, Display: model.Bind(6)}, rec.hooks())
	done := start(t, s)

	f := await(t, dialer.opened)
	f.send(progressFrame(t, job.StageAnalyzingCompetitors, 70, nil))
	f.send(progressFrame(t, job.StageError, 0, job.ErrorDetails{Error: "search quota exceeded"}))

	require.NoError(t, await(t, done).err)
	require.Equal(t, []string{"search quota exceeded"}, rec.Failed())
	require.Empty(t, rec.Finished())
	require.True(t, f.ClosedNormally())
	require.Equal(t, 1, dialer.Dials())

	result, ok := s.Result()
	require.True(t, ok)
	require.True(t, result.Failed)

	snap := model.Snapshot()
	require.True(t, snap.Failed)
	require.Equal(t, 70.0, snap.Percent)
	require.Equal(t, "search quota exceeded", snap.FailureReason)
}

func TestSession_ServerNormalCloseBeforeCompletionReconnects(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	s := New(7, pendingPrecheck(7), testConfig(), Deps{Dialer: dialer, Emitter: rec.emitter()}, rec.hooks())
	done := start(t, s)

	first := await(t, dialer.opened)
	first.drop(&job.CloseError{Code: job.CloseNormalClosure, Reason: "server restart"})

	second := await(t, dialer.opened)
	second.send(completedFrame(t))

	require.NoError(t, await(t, done).err)
	require.Equal(t, 1, s.Stats().Reconnects)
	require.Empty(t, rec.Events(status.KindError))
	require.Len(t, rec.Finished(), 1)
}

func TestSession_StopTearsDownOpenFeed(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	s := New(8, pendingPrecheck(8), testConfig(), Deps{Dialer: dialer, Emitter: rec.emitter()}, rec.hooks())
	done := start(t, s)

	f := await(t, dialer.opened)
	f.send(progressFrame(t, job.StageCalculatingVolume, 50, nil))
	require.Eventually(t, func() bool { return s.Stats().Messages == 1 }, time.Second, time.Millisecond)

	s.Stop()
	err := await(t, done).err
	require.ErrorIs(t, err, ErrStopped)
	require.True(t, f.ClosedNormally())
	require.Equal(t, StateClosedNormal, s.State())
	require.Never(t, func() bool { return dialer.Dials() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.False(t, s.SignalTerminal(job.ProgressMessage{Type: job.TypeProgress, Stage: job.StageCompleted, Percent: 100}))
}

func TestSession_StopCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	cfg := testConfig()
	cfg.ReconnectDelay = time.Hour
	s := New(9, pendingPrecheck(9), cfg, Deps{Dialer: dialer}, Hooks{})
	done := start(t, s)

	f := await(t, dialer.opened)
	f.drop(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool { return s.State() == StateReconnecting }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	await(t, stopped)
	require.ErrorIs(t, await(t, done).err, ErrStopped)
	require.Equal(t, 1, dialer.Dials())
	require.Equal(t, StateClosedNormal, s.State())
}

func TestSession_TeardownDropsPendingFinished(t *testing.T) {
	t.Parallel()

	model := display.NewModel(nil)
	dialer := newFakeDialer(nil)
	oldRec := &recorder{}
	cfg := testConfig()
	cfg.SettleDelay = 80 * time.Millisecond
	oldHandle := model.Bind(10)
	old := New(10, pendingPrecheck(10), cfg, Deps{Dialer: dialer, Display: oldHandle}, oldRec.hooks())
	oldDone := start(t, old)

	f := await(t, dialer.opened)
	f.send(completedFrame(t))
	require.Eventually(t, func() bool { return old.State() == StateClosedNormal }, time.Second, time.Millisecond)
	old.Stop()
	require.ErrorIs(t, await(t, oldDone).err, ErrStopped)

	newRec := &recorder{}
	next := New(11, pendingPrecheck(11), testConfig(), Deps{Dialer: dialer, Display: model.Bind(11)}, newRec.hooks())
	start(t, next)
	await(t, dialer.opened)

	require.Never(t, func() bool { return len(oldRec.Finished()) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
	require.False(t, oldHandle.ApplyProgress(job.ProgressMessage{Type: job.TypeProgress, Stage: job.StageCompleted, Percent: 100}))
	require.Equal(t, int64(11), model.Snapshot().JobID)
	require.NotEqual(t, job.StageCompleted, model.Snapshot().Stage)
}

func TestSession_StaleGenerationFramesDropped(t *testing.T) {
	t.Parallel()

	model := display.NewModel(nil)
	s := New(12, pendingPrecheck(12), testConfig(), Deps{Dialer: newFakeDialer(nil), Display: model.Bind(12)}, Hooks{})
	s.gen = 2
	s.feed = newFakeFeed()

	s.handleFrame(frame{gen: 1, raw: progressFrame(t, job.StageCalculatingVolume, 90, nil)})
	s.handleTimeout(timeout{gen: 1, elapsed: time.Hour})

	require.Equal(t, 1, s.Stats().Dropped)
	require.Equal(t, 0.0, model.Snapshot().Percent)
	require.NotNil(t, s.feed, "a stale heartbeat timeout must not touch the live feed")
}

func TestSession_MalformedMessagesDropped(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	model := display.NewModel(nil)
	s := New(13, pendingPrecheck(13), testConfig(), Deps{Dialer: dialer, Display: model.Bind(13)}, Hooks{})
	start(t, s)

	f := await(t, dialer.opened)
	f.send([]byte("not json"))
	f.send([]byte(`{"type":"progress","stage":"ranking","percent":10}`))
	f.send([]byte(`{"type":"progress","stage":"calculating_volume","percent":140}`))
	f.send(progressFrame(t, job.StageCalculatingVolume, 30, nil))

	require.Eventually(t, func() bool { return s.Stats().Messages == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 3, s.Stats().Dropped)
	require.Equal(t, StateOpen, s.State())
	require.Equal(t, 30.0, model.Snapshot().Percent)
}

func TestSession_PercentResetsOnlyAcrossReconnect(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	model := display.NewModel(nil)
	s := New(14, pendingPrecheck(14), testConfig(), Deps{Dialer: dialer, Display: model.Bind(14)}, Hooks{})
	start(t, s)

	f := await(t, dialer.opened)
	for _, p := range []float64{10, 50, 30} {
		f.send(progressFrame(t, job.StageCalculatingVolume, p, nil))
	}
	require.Eventually(t, func() bool { return s.Stats().Messages == 3 }, time.Second, time.Millisecond)
	require.Equal(t, 50.0, model.Snapshot().Percent)

	f.drop(errors.New("connection reset by peer"))
	second := await(t, dialer.opened)
	second.send(progressFrame(t, job.StageCalculatingVolume, 20, nil))
	require.Eventually(t, func() bool { return s.Stats().Messages == 4 }, time.Second, time.Millisecond)
	require.Equal(t, 20.0, model.Snapshot().Percent)
	require.Equal(t, "", model.Snapshot().Notice)
}

func TestSession_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	cfg := testConfig()
	cfg.HeartbeatEnabled = true
	cfg.Heartbeat = heartbeat.Config{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond}
	s := New(15, pendingPrecheck(15), cfg, Deps{Dialer: dialer, Emitter: rec.emitter()}, rec.hooks())
	done := start(t, s)

	silent := await(t, dialer.opened)
	second := await(t, dialer.opened)
	require.True(t, silent.Aborted())

	errs := rec.Events(status.KindError)
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0].Message, "heartbeat timeout")

	second.send([]byte(`{"type":"heartbeat"}`))
	second.send(completedFrame(t))
	require.NoError(t, await(t, done).err)
	require.Equal(t, 1, s.Stats().Heartbeats)
	require.Len(t, rec.Finished(), 1)
}

func TestSession_SignalTerminalRacesFeed(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	rec := &recorder{}
	s := New(16, pendingPrecheck(16), testConfig(), Deps{Dialer: dialer}, rec.hooks())
	done := start(t, s)

	f := await(t, dialer.opened)
	completed, err := job.NewProgress(job.StageCompleted, 100, "done", job.CompletedDetails{TotalVolume: 1})
	require.NoError(t, err)

	go s.SignalTerminal(completed)
	f.send(completedFrame(t))

	require.NoError(t, await(t, done).err)
	require.Len(t, rec.Finished(), 1)
	require.Never(t, func() bool { return len(rec.Finished()) > 1 }, 60*time.Millisecond, 5*time.Millisecond)
}

func TestSession_AbortFromHookEndsRun(t *testing.T) {
	t.Parallel()

	errRefused := errors.New("begin-processing refused")
	dialer := newFakeDialer(nil)
	var s *Session
	s = New(12, pendingPrecheck(12), testConfig(), Deps{Dialer: dialer}, Hooks{
		OnOpen: func(job.Status) { s.Abort(errRefused) },
	})
	done := start(t, s)

	f := await(t, dialer.opened)
	res := await(t, done)
	require.ErrorIs(t, res.err, errRefused)
	require.True(t, f.ClosedNormally())
	require.Equal(t, StateClosedNormal, s.State())
	_, ok := s.Result()
	require.False(t, ok)
}

func TestSession_RunTwice(t *testing.T) {
	t.Parallel()

	s := New(17, precheck.FromBrief(job.Brief{ID: 17, Status: job.StatusFailed, ErrorMessage: "bad seed"}), testConfig(), Deps{Dialer: newFakeDialer(nil)}, Hooks{})
	done := start(t, s)
	require.NoError(t, await(t, done).err)
	require.ErrorIs(t, s.Run(testContext(t)), ErrAlreadyRunning)
}

func TestSession_StopBeforeRun(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer(nil)
	s := New(18, pendingPrecheck(18), testConfig(), Deps{Dialer: dialer}, Hooks{})
	s.Stop()
	require.ErrorIs(t, s.Run(testContext(t)), ErrStopped)
	require.Equal(t, 0, len(dialer.opened))
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	require.True(t, CanTransition(StateIdle, StateConnecting))
	require.True(t, CanTransition(StateClosedError, StateReconnecting))
	require.True(t, CanTransition(StateClosedNormal, StateReconnecting))
	require.False(t, CanTransition(StateIdle, StateOpen))
	for _, next := range []State{StateIdle, StateConnecting, StateOpen, StateReconnecting, StateClosedNormal, StateClosedError} {
		require.False(t, CanTransition(StateExhausted, next), next.String())
	}
	require.Equal(t, "closed_normal", StateClosedNormal.String())
	require.Equal(t, "unknown", State(99).String())
}

// testContext returns a context canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
